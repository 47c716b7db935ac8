package remote

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"
)

func TestServer_Serve(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	m := &fakeMachine{x: 1, y: 2, z: 3}
	go func() { done <- NewServer(NewHandler(m)).Serve(ctx, ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	r := bufio.NewReader(conn)
	exchange := []struct{ send, want string }{
		{"GET_POSITION\n", "POS 1.00 2.00 3.00\n"},
		{"JOG_TO 4 5 6\r\n", "OK\n"},
		{"GET_POSITION\n", "POS 4.00 5.00 6.00\n"},
		{"\n", "EMPTY\n"},
		{"NOPE\n", "UNKNOWN CMD\n"},
	}
	for _, ex := range exchange {
		if _, err := conn.Write([]byte(ex.send)); err != nil {
			t.Fatal(err)
		}
		got, err := r.ReadString('\n')
		if err != nil {
			t.Fatal(err)
		}
		if got != ex.want {
			t.Errorf("sent %q, got %q, want %q", ex.send, got, ex.want)
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not stop after cancel")
	}

	// The open connection is closed on shutdown.
	if _, err := r.ReadString('\n'); err == nil {
		t.Error("connection still open after shutdown")
	}
}

func TestServeLines_Pipe(t *testing.T) {
	client, srv := net.Pipe()
	defer client.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		serveLines(ctx, srv, "pipe", NewHandler(&fakeMachine{}))
		close(done)
	}()

	_ = client.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := client.Write([]byte("GET_XY_LIMITS\n")); err != nil {
		t.Fatal(err)
	}
	got, err := bufio.NewReader(client).ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	// fakeMachine reports zero limits without error.
	if got != "0.00,0.00,0.00,0.00\n" {
		t.Errorf("got %q", got)
	}

	client.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("serveLines did not return after the peer hung up")
	}
}

func TestServeSerial_BadPort(t *testing.T) {
	err := ServeSerial(context.Background(), "/dev/does-not-exist-gantry", 115200, NewHandler(&fakeMachine{}))
	if err == nil {
		t.Error("expected error opening a missing serial port")
	}
}
