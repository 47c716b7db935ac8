package web

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"

	"github.com/cjeanneret/CheckerGantry/internal/hw/axis"
	"github.com/cjeanneret/CheckerGantry/internal/hw/limit"
	"github.com/cjeanneret/CheckerGantry/internal/logic/board"
	"github.com/cjeanneret/CheckerGantry/internal/logic/homing"
	"github.com/cjeanneret/CheckerGantry/internal/logic/motion"
)

// ---------- fake machine ----------

type fakeMachine struct {
	mu       sync.Mutex
	x, y, z  float64
	homed    bool
	heights  motion.Heights
	switches limit.State
	err      error
	moves    []MoveRequest

	// home blocks on release when non-nil.
	homeStarted chan struct{}
	release     chan struct{}
	homeErr     error
	homing      bool
}

func (f *fakeMachine) Position() (float64, float64, float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.x, f.y, f.z
}

func (f *fakeMachine) XYLimits() (axis.SoftLimits, axis.SoftLimits, error) {
	if !f.homed {
		return axis.SoftLimits{}, axis.SoftLimits{}, motion.ErrLimitsUndefined
	}
	return axis.SoftLimits{Min: 0, Max: 280, Defined: true}, axis.SoftLimits{Min: 0, Max: 300, Defined: true}, nil
}

func (f *fakeMachine) Heights() (motion.Heights, bool) { return f.heights, f.homed }

func (f *fakeMachine) JogTo(x, y, z float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.x, f.y, f.z = x, y, z
	return nil
}

func (f *fakeMachine) MovePiece(from, to board.Square) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.moves = append(f.moves, MoveRequest{From: from, To: to})
	return f.err
}

func (f *fakeMachine) Home(ctx context.Context) (homing.Report, error) {
	if f.homeStarted != nil {
		close(f.homeStarted)
		<-f.release
	}
	rep := homing.Report{Results: []homing.Result{
		{Axis: axis.Z, OK: true, RangeMm: 40},
		{Axis: axis.X, OK: f.homeErr == nil, RangeMm: 280, FailedIn: homing.PhaseSeekFirst},
	}}
	return rep, f.homeErr
}

func (f *fakeMachine) Homing() bool { return f.homing }

func (f *fakeMachine) Switches() (limit.State, error) { return f.switches, nil }

// ---------- helpers ----------

func newTestHandlers(m Machine) (*Handlers, *clock.Mock) {
	staticFS := fstest.MapFS{
		"index.html": &fstest.MapFile{Data: []byte("<html>test</html>")},
	}
	h := NewHandlers(NewStatusBroadcaster(), m, 8, staticFS)
	mock := clock.NewMock()
	h.Clock = mock
	return h, mock
}

func jsonBody(v interface{}) *bytes.Reader {
	data, _ := json.Marshal(v)
	return bytes.NewReader(data)
}

// waitIdle waits for a background homing run to clear the running flag.
func waitIdle(t *testing.T, h *Handlers) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		h.runningMu.Lock()
		running := h.running
		h.runningMu.Unlock()
		if !running {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("homing run did not finish")
}

// ---------- ValidateJog / ValidateMove ----------

func TestValidateJog(t *testing.T) {
	cases := []struct {
		name string
		j    JogRequest
		ok   bool
	}{
		{"origin", JogRequest{0, 0, 0}, true},
		{"negative", JogRequest{-5, 10, 3}, true},
		{"x_NaN", JogRequest{math.NaN(), 0, 0}, false},
		{"y_+Inf", JogRequest{0, math.Inf(1), 0}, false},
		{"z_-Inf", JogRequest{0, 0, math.Inf(-1)}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateJog(tc.j)
			if (err == nil) != tc.ok {
				t.Errorf("ValidateJog(%+v) = %v, want ok=%v", tc.j, err, tc.ok)
			}
		})
	}
}

func TestValidateMove(t *testing.T) {
	sq := func(c, r int) board.Square { return board.Square{Col: c, Row: r} }
	cases := []struct {
		name string
		m    MoveRequest
		ok   bool
	}{
		{"corner_to_corner", MoveRequest{sq(0, 0), sq(7, 7)}, true},
		{"adjacent", MoveRequest{sq(3, 4), sq(4, 5)}, true},
		{"same_square", MoveRequest{sq(2, 2), sq(2, 2)}, false},
		{"from_col_negative", MoveRequest{sq(-1, 0), sq(1, 1)}, false},
		{"to_row_off_board", MoveRequest{sq(0, 0), sq(1, 8)}, false},
		{"to_col_off_board", MoveRequest{sq(0, 0), sq(8, 1)}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateMove(tc.m, 8)
			if (err == nil) != tc.ok {
				t.Errorf("ValidateMove(%+v) = %v, want ok=%v", tc.m, err, tc.ok)
			}
		})
	}
}

// ---------- read-only routes ----------

func TestHandlePosition(t *testing.T) {
	h, _ := newTestHandlers(&fakeMachine{x: 12.5, y: 40, z: 5})
	w := httptest.NewRecorder()
	h.HandlePosition(w, httptest.NewRequest(http.MethodGet, "/position", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var got Position
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(Position{X: 12.5, Y: 40, Z: 5}, got); diff != "" {
		t.Errorf("position mismatch (-want +got):\n%s", diff)
	}
}

func TestHandleLimits(t *testing.T) {
	m := &fakeMachine{}
	h, _ := newTestHandlers(m)

	w := httptest.NewRecorder()
	h.HandleLimits(w, httptest.NewRequest(http.MethodGet, "/limits", nil))
	if w.Code != http.StatusConflict {
		t.Errorf("before homing: status = %d, want %d", w.Code, http.StatusConflict)
	}

	m.homed = true
	w = httptest.NewRecorder()
	h.HandleLimits(w, httptest.NewRequest(http.MethodGet, "/limits", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var got Limits
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(Limits{XMax: 280, YMax: 300}, got); diff != "" {
		t.Errorf("limits mismatch (-want +got):\n%s", diff)
	}
}

func TestHandleSwitches(t *testing.T) {
	m := &fakeMachine{}
	m.switches[limit.ZMin] = true
	h, _ := newTestHandlers(m)
	w := httptest.NewRecorder()
	h.HandleSwitches(w, httptest.NewRequest(http.MethodGet, "/switches", nil))

	var got map[string]bool
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	want := map[string]bool{
		"x_min": false, "x_max": false,
		"y_min": false, "y_max": false,
		"z_min": true, "z_max": false,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("switches mismatch (-want +got):\n%s", diff)
	}
}

func TestHandleConfig(t *testing.T) {
	m := &fakeMachine{heights: motion.Heights{Release: 5, MaxHeight: 39, Attach: 37, Place: 7}}
	h, _ := newTestHandlers(m)

	w := httptest.NewRecorder()
	h.HandleConfig(w, httptest.NewRequest(http.MethodGet, "/config", nil))
	var got BoardInfo
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(BoardInfo{Squares: 8}, got); diff != "" {
		t.Errorf("before homing (-want +got):\n%s", diff)
	}

	m.homed = true
	w = httptest.NewRecorder()
	h.HandleConfig(w, httptest.NewRequest(http.MethodGet, "/config", nil))
	got = BoardInfo{}
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	want := BoardInfo{Squares: 8, Heights: &Heights{Release: 5, MaxHeight: 39, Attach: 37, Place: 7}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("after homing (-want +got):\n%s", diff)
	}
}

func TestNilMachine(t *testing.T) {
	h, _ := newTestHandlers(nil)
	routes := []struct {
		name    string
		handler http.HandlerFunc
		req     *http.Request
	}{
		{"position", h.HandlePosition, httptest.NewRequest(http.MethodGet, "/position", nil)},
		{"limits", h.HandleLimits, httptest.NewRequest(http.MethodGet, "/limits", nil)},
		{"jog", h.HandleJog, httptest.NewRequest(http.MethodPost, "/jog", jsonBody(JogRequest{1, 2, 3}))},
		{"home", h.HandleHome, httptest.NewRequest(http.MethodPost, "/home", nil)},
	}
	for _, r := range routes {
		t.Run(r.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r.handler(w, r.req)
			if w.Code != http.StatusServiceUnavailable {
				t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
			}
		})
	}
}

// ---------- HandleJog ----------

func TestHandleJog(t *testing.T) {
	m := &fakeMachine{}
	h, _ := newTestHandlers(m)
	w := httptest.NewRecorder()
	h.HandleJog(w, httptest.NewRequest(http.MethodPost, "/jog", jsonBody(JogRequest{10, 20, 5})))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body)
	}
	var got Position
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(Position{X: 10, Y: 20, Z: 5}, got); diff != "" {
		t.Errorf("position mismatch (-want +got):\n%s", diff)
	}
}

func TestHandleJog_Rejected(t *testing.T) {
	cases := []struct {
		name   string
		method string
		body   string
		err    error
		want   int
	}{
		{"get", http.MethodGet, "", nil, http.StatusMethodNotAllowed},
		{"invalid_json", http.MethodPost, "not json", nil, http.StatusBadRequest},
		{"oversized", http.MethodPost, strings.Repeat("x", 2<<20), nil, http.StatusBadRequest},
		{"out_of_range", http.MethodPost, `{"x":999,"y":0,"z":5}`, errors.Wrap(motion.ErrOutOfRange, "x=999.00"), http.StatusUnprocessableEntity},
		{"not_homed", http.MethodPost, `{"x":1,"y":1,"z":5}`, errors.Wrap(motion.ErrLimitsUndefined, "x"), http.StatusUnprocessableEntity},
		{"driver_fault", http.MethodPost, `{"x":1,"y":1,"z":5}`, errors.New("gpio write failed"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := &fakeMachine{x: 1, y: 2, z: 3, err: tc.err}
			h, _ := newTestHandlers(m)
			w := httptest.NewRecorder()
			h.HandleJog(w, httptest.NewRequest(tc.method, "/jog", strings.NewReader(tc.body)))
			if w.Code != tc.want {
				t.Errorf("status = %d, want %d", w.Code, tc.want)
			}
			if x, y, z := m.Position(); x != 1 || y != 2 || z != 3 {
				t.Errorf("position changed to (%v, %v, %v)", x, y, z)
			}
		})
	}
}

// ---------- HandleMove ----------

func TestHandleMove(t *testing.T) {
	m := &fakeMachine{}
	h, _ := newTestHandlers(m)
	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	body := `{"from":{"col":2,"row":1},"to":{"col":3,"row":2}}`
	w := httptest.NewRecorder()
	h.HandleMove(w, httptest.NewRequest(http.MethodPost, "/move", strings.NewReader(body)))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body)
	}
	want := []MoveRequest{{From: board.Square{Col: 2, Row: 1}, To: board.Square{Col: 3, Row: 2}}}
	if diff := cmp.Diff(want, m.moves); diff != "" {
		t.Errorf("moves mismatch (-want +got):\n%s", diff)
	}
	if evt := receive(t, ch); evt.Msg != "moved (2,1) to (3,2)" {
		t.Errorf("status event %q", evt.Msg)
	}
}

func TestHandleMove_Rejected(t *testing.T) {
	cases := []struct {
		name string
		body string
		err  error
		want int
	}{
		{"off_board", `{"from":{"col":0,"row":0},"to":{"col":8,"row":0}}`, nil, http.StatusBadRequest},
		{"same_square", `{"from":{"col":1,"row":1},"to":{"col":1,"row":1}}`, nil, http.StatusBadRequest},
		{"invalid_json", `{"from":`, nil, http.StatusBadRequest},
		{"no_calibration", `{"from":{"col":0,"row":0},"to":{"col":1,"row":1}}`, motion.ErrNoCalibration, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := &fakeMachine{err: tc.err}
			h, _ := newTestHandlers(m)
			w := httptest.NewRecorder()
			h.HandleMove(w, httptest.NewRequest(http.MethodPost, "/move", strings.NewReader(tc.body)))
			if w.Code != tc.want {
				t.Errorf("status = %d, want %d", w.Code, tc.want)
			}
			if tc.err == nil && len(m.moves) != 0 {
				t.Errorf("machine called for a rejected request: %+v", m.moves)
			}
		})
	}
}

// ---------- HandleHome ----------

func TestHandleHome_Started(t *testing.T) {
	h, _ := newTestHandlers(&fakeMachine{})
	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	w := httptest.NewRecorder()
	h.HandleHome(w, httptest.NewRequest(http.MethodPost, "/home", nil))

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusAccepted)
	}
	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != "started" {
		t.Errorf("response status = %q, want \"started\"", resp["status"])
	}

	var msgs []string
	for _, evt := range []StatusEvent{receive(t, ch), receive(t, ch), receive(t, ch), receive(t, ch)} {
		msgs = append(msgs, evt.Msg)
	}
	want := []string{"Homing started", "z homed, range 40.00 mm", "x homed, range 280.00 mm", "Homing complete"}
	if diff := cmp.Diff(want, msgs); diff != "" {
		t.Errorf("status events (-want +got):\n%s", diff)
	}
	waitIdle(t, h)
}

func TestHandleHome_FailureReported(t *testing.T) {
	h, _ := newTestHandlers(&fakeMachine{homeErr: errors.New("x: limit switch never triggered")})
	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	h.HandleHome(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/home", nil))

	var last StatusEvent
	for i := 0; i < 4; i++ {
		last = receive(t, ch)
	}
	if last.Level != "error" || !strings.HasPrefix(last.Msg, "Homing failed: ") {
		t.Errorf("last event = %+v, want a failure", last)
	}
	waitIdle(t, h)
}

func TestHandleHome_GetMethodNotAllowed(t *testing.T) {
	h, _ := newTestHandlers(&fakeMachine{})
	w := httptest.NewRecorder()
	h.HandleHome(w, httptest.NewRequest(http.MethodGet, "/home", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}
}

func TestHandleHome_Concurrent(t *testing.T) {
	m := &fakeMachine{homeStarted: make(chan struct{}), release: make(chan struct{})}
	h, mock := newTestHandlers(m)

	w1 := httptest.NewRecorder()
	h.HandleHome(w1, httptest.NewRequest(http.MethodPost, "/home", nil))
	if w1.Code != http.StatusAccepted {
		t.Fatalf("first request: status = %d, want %d", w1.Code, http.StatusAccepted)
	}
	<-m.homeStarted

	// Past the cooldown, the running run still wins.
	mock.Add(HomeCooldown + time.Second)
	w2 := httptest.NewRecorder()
	h.HandleHome(w2, httptest.NewRequest(http.MethodPost, "/home", nil))
	if w2.Code != http.StatusConflict {
		t.Errorf("concurrent request: status = %d, want %d", w2.Code, http.StatusConflict)
	}

	close(m.release)
	waitIdle(t, h)
}

func TestHandleHome_BusyElsewhere(t *testing.T) {
	h, _ := newTestHandlers(&fakeMachine{homing: true})
	w := httptest.NewRecorder()
	h.HandleHome(w, httptest.NewRequest(http.MethodPost, "/home", nil))
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", w.Code, http.StatusConflict)
	}
}

func TestHandleHome_Cooldown(t *testing.T) {
	h, mock := newTestHandlers(&fakeMachine{})

	w1 := httptest.NewRecorder()
	h.HandleHome(w1, httptest.NewRequest(http.MethodPost, "/home", nil))
	if w1.Code != http.StatusAccepted {
		t.Fatalf("first request: status = %d, want %d", w1.Code, http.StatusAccepted)
	}
	waitIdle(t, h)

	mock.Add(HomeCooldown - time.Second)
	w2 := httptest.NewRecorder()
	h.HandleHome(w2, httptest.NewRequest(http.MethodPost, "/home", nil))
	if w2.Code != http.StatusTooManyRequests {
		t.Errorf("within cooldown: status = %d, want %d", w2.Code, http.StatusTooManyRequests)
	}

	mock.Add(time.Second)
	w3 := httptest.NewRecorder()
	h.HandleHome(w3, httptest.NewRequest(http.MethodPost, "/home", nil))
	if w3.Code != http.StatusAccepted {
		t.Errorf("after cooldown: status = %d, want %d", w3.Code, http.StatusAccepted)
	}
	waitIdle(t, h)
}

// ---------- ServeIndex ----------

func TestServeIndex(t *testing.T) {
	h, _ := newTestHandlers(&fakeMachine{})
	w := httptest.NewRecorder()
	h.ServeIndex(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Errorf("Content-Type = %q, want text/html; charset=utf-8", ct)
	}
	if !strings.Contains(w.Body.String(), "<html>") {
		t.Error("body should contain HTML content")
	}
}

func TestServeIndex_Missing(t *testing.T) {
	h := NewHandlers(NewStatusBroadcaster(), nil, 8, fstest.MapFS{})
	w := httptest.NewRecorder()
	h.ServeIndex(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

// ---------- HandleStatusStream ----------

func TestHandleStatusStream(t *testing.T) {
	h, _ := newTestHandlers(&fakeMachine{})
	srv := httptest.NewServer(http.HandlerFunc(h.HandleStatusStream))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	r := bufio.NewReader(resp.Body)
	if line, err := r.ReadString('\n'); err != nil || line != ": connected\n" {
		t.Fatalf("first line = %q, %v", line, err)
	}
	if line, _ := r.ReadString('\n'); line != "\n" {
		t.Fatalf("expected blank line, got %q", line)
	}

	h.Broadcaster.BroadcastMsg("hello")
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(line, "data: {") || !strings.Contains(line, `"msg":"hello"`) {
		t.Errorf("event line = %q", line)
	}
}
