package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"github.com/cjeanneret/CheckerGantry/internal/debug"
	"github.com/cjeanneret/CheckerGantry/internal/hw/axis"
	"github.com/cjeanneret/CheckerGantry/internal/hw/limit"
	"github.com/cjeanneret/CheckerGantry/internal/logic/board"
	"github.com/cjeanneret/CheckerGantry/internal/logic/homing"
	"github.com/cjeanneret/CheckerGantry/internal/logic/motion"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

// HomeCooldown is the minimum time between two POST /home starts.
const HomeCooldown = 5 * time.Second

// Machine is the gantry as seen by the console.
type Machine interface {
	Position() (x, y, z float64)
	XYLimits() (x, y axis.SoftLimits, err error)
	Heights() (motion.Heights, bool)
	JogTo(x, y, z float64) error
	MovePiece(from, to board.Square) error
	Home(ctx context.Context) (homing.Report, error)
	Homing() bool
	Switches() (limit.State, error)
}

// JogRequest is the body of POST /jog, in machine millimeters.
type JogRequest struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// MoveRequest is the body of POST /move.
type MoveRequest struct {
	From board.Square `json:"from"`
	To   board.Square `json:"to"`
}

// Position is the XYZ estimate.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Limits is the homed XY window.
type Limits struct {
	XMin float64 `json:"x_min"`
	XMax float64 `json:"x_max"`
	YMin float64 `json:"y_min"`
	YMax float64 `json:"y_max"`
}

// BoardInfo is served by GET /config.
type BoardInfo struct {
	Squares int      `json:"squares"`
	Heights *Heights `json:"heights,omitempty"` // nil until Z is homed
}

// Heights are the Z working points.
type Heights struct {
	Release   float64 `json:"release"`
	MaxHeight float64 `json:"max_height"`
	Attach    float64 `json:"attach"`
	Place     float64 `json:"place"`
}

// ValidateJog rejects non-finite coordinates. Range checks are left to the
// planner, which knows the soft limits.
func ValidateJog(j JogRequest) error {
	for _, c := range []struct {
		name string
		v    float64
	}{{"x", j.X}, {"y", j.Y}, {"z", j.Z}} {
		if math.IsNaN(c.v) || math.IsInf(c.v, 0) {
			return errors.Errorf("%s must be a finite number", c.name)
		}
	}
	return nil
}

// ValidateMove checks that both squares lie on a board of the given size.
func ValidateMove(m MoveRequest, squares int) error {
	for _, s := range []struct {
		name string
		sq   board.Square
	}{{"from", m.From}, {"to", m.To}} {
		if s.sq.Col < 0 || s.sq.Col >= squares || s.sq.Row < 0 || s.sq.Row >= squares {
			return errors.Errorf("%s square (%d, %d) is off the %dx%d board", s.name, s.sq.Col, s.sq.Row, squares, squares)
		}
	}
	if m.From == m.To {
		return errors.New("from and to are the same square")
	}
	return nil
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster *StatusBroadcaster
	Machine     Machine
	Squares     int
	Clock       clock.Clock

	// ctx bounds background homing runs.
	ctx       context.Context
	runningMu sync.Mutex
	running   bool
	lastStart time.Time
	staticFS  fs.FS
}

// NewHandlers creates handlers with the given dependencies.
// If m is nil, the machine routes return 503 Service Unavailable.
func NewHandlers(broadcaster *StatusBroadcaster, m Machine, squares int, staticFS fs.FS) *Handlers {
	return &Handlers{
		Broadcaster: broadcaster,
		Machine:     m,
		Squares:     squares,
		Clock:       clock.New(),
		ctx:         context.Background(),
		staticFS:    staticFS,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		debug.Verbose("web: encode response: %v", err)
	}
}

// decode reads a JSON body no larger than maxBodyBytes.
func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

func (h *Handlers) ready(w http.ResponseWriter) bool {
	if h.Machine == nil {
		http.Error(w, "gantry not configured", http.StatusServiceUnavailable)
		return false
	}
	return true
}

// motionStatus maps a rejected move to an HTTP status.
func motionStatus(err error) int {
	switch {
	case errors.Is(err, motion.ErrOutOfRange),
		errors.Is(err, motion.ErrLimitsUndefined),
		errors.Is(err, motion.ErrNoCalibration),
		errors.Is(err, motion.ErrNoHome):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// HandleConfig returns the board size and Z heights as JSON.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	info := BoardInfo{Squares: h.Squares}
	if h.Machine != nil {
		if hs, ok := h.Machine.Heights(); ok {
			info.Heights = &Heights{Release: hs.Release, MaxHeight: hs.MaxHeight, Attach: hs.Attach, Place: hs.Place}
		}
	}
	writeJSON(w, http.StatusOK, info)
}

// ServeIndex serves the main HTML page (root path only).
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// HandlePosition handles GET /position.
func (h *Handlers) HandlePosition(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	x, y, z := h.Machine.Position()
	writeJSON(w, http.StatusOK, Position{X: x, Y: y, Z: z})
}

// HandleLimits handles GET /limits. Before homing it answers 409.
func (h *Handlers) HandleLimits(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	xl, yl, err := h.Machine.XYLimits()
	if err != nil {
		http.Error(w, "limits undefined", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, Limits{XMin: xl.Min, XMax: xl.Max, YMin: yl.Min, YMax: yl.Max})
}

// HandleSwitches handles GET /switches.
func (h *Handlers) HandleSwitches(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	st, err := h.Machine.Switches()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make(map[string]bool, len(limit.All))
	for _, s := range limit.All {
		out[s.String()] = st.Triggered(s)
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleJog handles POST /jog.
func (h *Handlers) HandleJog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req JogRequest
	if !decode(w, r, &req) {
		return
	}
	if err := ValidateJog(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !h.ready(w) {
		return
	}
	if err := h.Machine.JogTo(req.X, req.Y, req.Z); err != nil {
		http.Error(w, err.Error(), motionStatus(err))
		return
	}
	x, y, z := h.Machine.Position()
	writeJSON(w, http.StatusOK, Position{X: x, Y: y, Z: z})
}

// HandleMove handles POST /move.
func (h *Handlers) HandleMove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req MoveRequest
	if !decode(w, r, &req) {
		return
	}
	if err := ValidateMove(req, h.Squares); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !h.ready(w) {
		return
	}
	if err := h.Machine.MovePiece(req.From, req.To); err != nil {
		http.Error(w, err.Error(), motionStatus(err))
		return
	}
	h.Broadcaster.Broadcast("info", fmt.Sprintf("moved (%d,%d) to (%d,%d)", req.From.Col, req.From.Row, req.To.Col, req.To.Row))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleHome handles POST /home. Homing runs in the background; progress
// and the per-axis outcome go to the status stream.
func (h *Handlers) HandleHome(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.ready(w) {
		return
	}

	h.runningMu.Lock()
	if h.running || h.Machine.Homing() {
		h.runningMu.Unlock()
		http.Error(w, "homing already in progress", http.StatusConflict)
		return
	}
	now := h.Clock.Now()
	if !h.lastStart.IsZero() && now.Sub(h.lastStart) < HomeCooldown {
		h.runningMu.Unlock()
		http.Error(w, "homing started too recently", http.StatusTooManyRequests)
		return
	}
	h.running = true
	h.lastStart = now
	h.runningMu.Unlock()

	go func() {
		defer func() {
			h.runningMu.Lock()
			h.running = false
			h.runningMu.Unlock()
		}()

		h.Broadcaster.Broadcast("info", "Homing started")
		rep, err := h.Machine.Home(h.ctx)
		for _, res := range rep.Results {
			if res.OK {
				h.Broadcaster.Broadcast("info", fmt.Sprintf("%s homed, range %.2f mm", res.Axis, res.RangeMm))
			} else {
				h.Broadcaster.Broadcast("error", fmt.Sprintf("%s failed in %s", res.Axis, res.FailedIn))
			}
		}
		if err != nil {
			h.Broadcaster.Broadcast("error", "Homing failed: "+err.Error())
			debug.Error(errors.Wrap(err, "web: homing"))
			return
		}
		h.Broadcaster.Broadcast("info", "Homing complete")
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ticker := h.Clock.Ticker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}
