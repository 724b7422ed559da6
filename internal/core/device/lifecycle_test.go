package device

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/trymwestin/beoremote/internal/core/state"
	"github.com/trymwestin/beoremote/internal/core/transport"
)

// pipeDialer hands out in-memory streams and counts the ones still open.
// Once hang is set, Dial blocks until its context ends.
type pipeDialer struct {
	mu      sync.Mutex
	open    int
	hang    bool
	dialing chan struct{}
}

func (d *pipeDialer) Dial(ctx context.Context, _ *transport.Address) (transport.Stream, error) {
	d.mu.Lock()
	hang := d.hang
	d.mu.Unlock()

	if hang {
		select {
		case d.dialing <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}

	pr, pw := io.Pipe()
	d.mu.Lock()
	d.open++
	d.mu.Unlock()
	return &pipeStream{PipeReader: pr, w: pw, d: d}, nil
}

func (d *pipeDialer) setHang() {
	d.mu.Lock()
	d.hang = true
	d.mu.Unlock()
}

func (d *pipeDialer) openStreams() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

type pipeStream struct {
	*io.PipeReader
	w    *io.PipeWriter
	d    *pipeDialer
	once sync.Once
}

func (s *pipeStream) Close() error {
	s.once.Do(func() {
		s.w.Close()
		s.PipeReader.Close()
		s.d.mu.Lock()
		s.d.open--
		s.d.mu.Unlock()
	})
	return nil
}

func newPipeClient(t *testing.T, d *pipeDialer, keepAlive, connectTimeout time.Duration) (*Client, *fakeDevice) {
	t.Helper()
	dev, host, port := startDevice(t)
	log := testLogger()
	bus := state.NewEventBus(log)
	store := state.NewStateStore(bus, log)
	c := NewClient(Options{
		Host:           host,
		Port:           port,
		KeepAlive:      keepAlive,
		ConnectTimeout: connectTimeout,
		Dialer:         d,
	}, store, bus, log)
	return c, dev
}

func waitNoOpenStreams(t *testing.T, d *pipeDialer) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for d.openStreams() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("%d stream(s) still open after Disconnect", d.openStreams())
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestConnectRacingDisconnectLeavesNoStream(t *testing.T) {
	d := &pipeDialer{}
	c, _ := newPipeClient(t, d, time.Hour, time.Second)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		i := i
		if err := c.Connect(ctx); err != nil {
			t.Fatalf("iteration %d: Connect: %v", i, err)
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.Disconnect(ctx)
		}()
		go func() {
			defer wg.Done()
			if err := c.Connect(ctx); err != nil && !errors.Is(err, ErrAlreadyConnected) {
				t.Errorf("iteration %d: racing Connect: %v", i, err)
			}
		}()
		wg.Wait()

		if got := d.openStreams(); got > 1 {
			t.Fatalf("iteration %d: %d streams open at once", i, got)
		}

		c.Disconnect(ctx)
		if c.Connected() {
			t.Fatalf("iteration %d: Connected() after Disconnect", i)
		}
		waitNoOpenStreams(t, d)
	}
}

func TestDisconnectAbortsReconnectDial(t *testing.T) {
	d := &pipeDialer{dialing: make(chan struct{}, 1)}
	c, dev := newPipeClient(t, d, 20*time.Millisecond, 5*time.Second)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	d.setHang()
	dev.setDown(true)

	select {
	case <-d.dialing:
	case <-time.After(3 * time.Second):
		t.Fatal("reconnect never dialed")
	}

	// Status reads stay responsive while the dial is pending.
	start := time.Now()
	c.Connected()
	c.SessionActive()
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("status reads blocked %v behind the dial", elapsed)
	}

	start = time.Now()
	c.Disconnect(context.Background())
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Disconnect took %v with a reconnect dial pending", elapsed)
	}
	waitNoOpenStreams(t, d)
}

func TestDisconnectClearsAvailability(t *testing.T) {
	d := &pipeDialer{}
	c, _ := newPipeClient(t, d, time.Hour, time.Second)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !c.Snapshot().Available {
		t.Fatal("snapshot not available after Connect")
	}

	c.Disconnect(context.Background())
	if c.Snapshot().Available {
		t.Error("snapshot still available after Disconnect")
	}
	if c.Available() {
		t.Error("Available() after Disconnect")
	}
}
