package transport

import (
	"bytes"
	"testing"
)

func TestPipeRoundTrip(t *testing.T) {
	a, b := Pipe(-42)
	if a.Role() != RoleServer || b.Role() != RoleClient {
		t.Fatalf("roles = %v/%v", a.Role(), b.Role())
	}
	if a.RSSI() != -42 || b.RSSI() != -42 {
		t.Fatalf("rssi = %d/%d", a.RSSI(), b.RSSI())
	}
	if a.ID() == b.ID() {
		t.Fatalf("link halves share an id")
	}

	if err := a.Send([]byte("ping")); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, err := b.Recv()
	if err != nil || !bytes.Equal(got, []byte("ping")) {
		t.Fatalf("recv = %q, %v", got, err)
	}
	if err := b.Send([]byte("pong")); err != nil {
		t.Fatalf("send back: %v", err)
	}
	got, err = a.Recv()
	if err != nil || !bytes.Equal(got, []byte("pong")) {
		t.Fatalf("recv back = %q, %v", got, err)
	}
}

func TestPipeSendCopiesFrame(t *testing.T) {
	a, b := Pipe(0)
	frame := []byte("mutate me")
	if err := a.Send(frame); err != nil {
		t.Fatalf("send: %v", err)
	}
	frame[0] = 'X'
	got, err := b.Recv()
	if err != nil || string(got) != "mutate me" {
		t.Fatalf("recv = %q, %v", got, err)
	}
}

func TestPipeCloseUnblocksPeer(t *testing.T) {
	a, b := Pipe(0)
	errCh := make(chan error, 1)
	go func() {
		_, err := b.Recv()
		errCh <- err
	}()
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := <-errCh; err != ErrClosed {
		t.Fatalf("recv after peer close err = %v, want ErrClosed", err)
	}
	if err := b.Send([]byte("x")); err != ErrClosed {
		t.Fatalf("send after peer close err = %v, want ErrClosed", err)
	}
	// Double close is safe.
	if err := a.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestPipeDrainsBufferedAfterClose(t *testing.T) {
	a, b := Pipe(0)
	if err := a.Send([]byte("parting words")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	got, err := b.Recv()
	if err != nil || string(got) != "parting words" {
		t.Fatalf("recv = %q, %v", got, err)
	}
	if _, err := b.Recv(); err != ErrClosed {
		t.Fatalf("second recv err = %v, want ErrClosed", err)
	}
}
