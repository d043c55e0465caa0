// Package connset implements the managed connection table: per-handle
// TCP/UDP state machines bridging an engine's outbound connection
// requests to a physical-interface socket supplied by the host.
package connset

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tunnelcore/internal/budget"
	"tunnelcore/internal/clock"
)

// Kind distinguishes TCP and UDP handles.
type Kind uint8

const (
	KindTCP Kind = iota
	KindUDP
)

// State is a handle's position in the per-handle state machine.
type State uint8

const (
	Dialing State = iota
	Ready
	Closed
)

const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultWriteTimeout = 5 * time.Second
)

// PhysicalConn is the host-supplied outbound socket abstraction a
// handle drives once dialed.
type PhysicalConn interface {
	Write(ctx context.Context, b []byte) (int, error)
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer opens the physical connection for a new handle.
type Dialer func(ctx context.Context) (PhysicalConn, error)

// Callbacks are the engine-facing notifications the table emits.
type Callbacks struct {
	OnDialResult func(handle uint64, success bool, reason string)
	OnTCPReceive func(handle uint64, b []byte)
	OnUDPReceive func(handle uint64, b []byte)
	OnTCPClose   func(handle uint64)
	OnUDPClose   func(handle uint64)
}

type entry struct {
	handle uint64
	kind   Kind
	mu     sync.Mutex
	state  State
	conn   PhysicalConn

	bytesSent     int64
	bytesReceived int64

	jobs      chan func()
	closeOnce sync.Once
	cancel    context.CancelFunc
}

// Table is the managed connection table.
type Table struct {
	mu      sync.Mutex
	handles map[uint64]*entry
	ids     *clock.IDAllocator

	sendWindow *budget.SendWindow

	mtu          int
	perFlowBytes int
	dialTimeout  time.Duration
	writeTimeout time.Duration

	callbacks Callbacks
}

// New returns an empty Table. mtu and perFlowBytes bound the TCP chunk
// size and UDP payload size respectively.
func New(mtu, perFlowBytes int, sendWindow *budget.SendWindow, cb Callbacks) *Table {
	return &Table{
		handles:      make(map[uint64]*entry),
		ids:          clock.NewIDAllocator(),
		sendWindow:   sendWindow,
		mtu:          mtu,
		perFlowBytes: perFlowBytes,
		dialTimeout:  DefaultDialTimeout,
		writeTimeout: DefaultWriteTimeout,
		callbacks:    cb,
	}
}

// Dial allocates a handle under the table mutex, starts the underlying
// connect in Dialing state, and arms the dial timeout. It returns
// immediately with the new handle; dial completion is reported
// asynchronously via OnDialResult.
func (t *Table) Dial(ctx context.Context, kind Kind, dial Dialer) uint64 {
	t.mu.Lock()
	handle := t.ids.Next()
	ctx, cancel := context.WithCancel(ctx)
	e := &entry{handle: handle, kind: kind, state: Dialing, jobs: make(chan func(), 16), cancel: cancel}
	t.handles[handle] = e
	t.mu.Unlock()

	go t.runJobs(e)
	go t.runDial(ctx, e, dial)

	return handle
}

func (t *Table) runJobs(e *entry) {
	for job := range e.jobs {
		job()
	}
}

func (t *Table) runDial(ctx context.Context, e *entry, dial Dialer) {
	dialCtx, cancel := context.WithTimeout(ctx, t.dialTimeout)
	defer cancel()

	type result struct {
		conn PhysicalConn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := dial(dialCtx)
		done <- result{conn, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			t.closeHandle(e, false, "dial_failed")
			return
		}
		e.mu.Lock()
		if e.state != Dialing {
			e.mu.Unlock()
			_ = r.conn.Close()
			return
		}
		e.conn = r.conn
		e.state = Ready
		e.mu.Unlock()

		if t.callbacks.OnDialResult != nil {
			t.callbacks.OnDialResult(e.handle, true, "")
		}
		go t.receiveLoop(ctx, e)
	case <-dialCtx.Done():
		t.closeHandle(e, false, "dial_timeout")
	}
}

func (t *Table) receiveLoop(ctx context.Context, e *entry) {
	for {
		b, err := e.conn.Read(ctx)
		if err != nil {
			t.closeHandle(e, false, "read_error")
			return
		}
		e.mu.Lock()
		e.bytesReceived += int64(len(b))
		e.mu.Unlock()

		switch e.kind {
		case KindTCP:
			if t.callbacks.OnTCPReceive != nil {
				t.callbacks.OnTCPReceive(e.handle, b)
			}
		case KindUDP:
			if t.callbacks.OnUDPReceive != nil {
				t.callbacks.OnUDPReceive(e.handle, b)
			}
		}
	}
}

// Write enqueues bytes for handle, chunked per spec §4.6: TCP is split
// into chunks of min(mtu, perFlowBytes), each synchronously acquiring
// the send window; UDP payloads over perFlowBytes are truncated with a
// warning and sent as a single datagram. A chunk-level failure closes
// the handle.
func (t *Table) Write(ctx context.Context, handle uint64, b []byte) error {
	t.mu.Lock()
	e, ok := t.handles[handle]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("connset: unknown handle %d", handle)
	}

	done := make(chan error, 1)
	e.jobs <- func() {
		done <- t.writeLocked(ctx, e, b)
	}
	return <-done
}

func (t *Table) writeLocked(ctx context.Context, e *entry, b []byte) error {
	e.mu.Lock()
	state := e.state
	conn := e.conn
	e.mu.Unlock()
	if state != Ready {
		return fmt.Errorf("connset: handle %d not ready", e.handle)
	}

	switch e.kind {
	case KindUDP:
		payload := b
		if t.perFlowBytes > 0 && len(payload) > t.perFlowBytes {
			payload = payload[:t.perFlowBytes] // truncated with a warning (caller logs)
		}
		return t.sendChunk(ctx, e, conn, payload)
	default:
		chunkSize := t.mtu
		if t.perFlowBytes > 0 && t.perFlowBytes < chunkSize {
			chunkSize = t.perFlowBytes
		}
		if chunkSize <= 0 {
			chunkSize = len(b)
		}
		for off := 0; off < len(b); off += chunkSize {
			end := off + chunkSize
			if end > len(b) {
				end = len(b)
			}
			if err := t.sendChunk(ctx, e, conn, b[off:end]); err != nil {
				return err
			}
		}
		return nil
	}
}

func (t *Table) sendChunk(ctx context.Context, e *entry, conn PhysicalConn, chunk []byte) error {
	if t.sendWindow != nil {
		if !t.sendWindow.Acquire(ctx, t.writeTimeout) {
			t.closeHandle(e, false, "send_window_exhausted")
			return fmt.Errorf("connset: handle %d send window exhausted", e.handle)
		}
		defer t.sendWindow.Release()
	}

	writeCtx, cancel := context.WithTimeout(ctx, t.writeTimeout)
	defer cancel()

	n, err := conn.Write(writeCtx, chunk)
	if err != nil {
		t.closeHandle(e, false, "write_timeout")
		return fmt.Errorf("connset: write to handle %d: %w", e.handle, err)
	}
	e.mu.Lock()
	e.bytesSent += int64(n)
	e.mu.Unlock()
	return nil
}

// Close transitions handle to Closed, reporting the terminal event
// exactly once. Later calls are no-ops.
func (t *Table) Close(handle uint64, reason string) {
	t.mu.Lock()
	e, ok := t.handles[handle]
	t.mu.Unlock()
	if !ok {
		return
	}
	t.closeHandle(e, false, reason)
}

func (t *Table) closeHandle(e *entry, dialSucceeded bool, reason string) {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		wasDialing := e.state == Dialing
		e.state = Closed
		conn := e.conn
		e.mu.Unlock()

		if e.cancel != nil {
			e.cancel()
		}
		if conn != nil {
			_ = conn.Close()
		}
		close(e.jobs)

		t.mu.Lock()
		delete(t.handles, e.handle)
		t.mu.Unlock()

		if wasDialing && !dialSucceeded && t.callbacks.OnDialResult != nil {
			t.callbacks.OnDialResult(e.handle, false, reason)
		}

		switch e.kind {
		case KindTCP:
			if t.callbacks.OnTCPClose != nil {
				t.callbacks.OnTCPClose(e.handle)
			}
		case KindUDP:
			if t.callbacks.OnUDPClose != nil {
				t.callbacks.OnUDPClose(e.handle)
			}
		}
	})
}

// Stop cancels every in-flight handle, releasing pending dials and
// writes per spec §4.9 shutdown semantics.
func (t *Table) Stop() {
	t.mu.Lock()
	all := make([]*entry, 0, len(t.handles))
	for _, e := range t.handles {
		all = append(all, e)
	}
	t.mu.Unlock()

	for _, e := range all {
		t.closeHandle(e, false, "cancelled")
	}
}

// BytesCounters returns the per-flow sent/received byte counts for
// handle, or (0, 0, false) if the handle is unknown.
func (t *Table) BytesCounters(handle uint64) (sent, received int64, ok bool) {
	t.mu.Lock()
	e, found := t.handles[handle]
	t.mu.Unlock()
	if !found {
		return 0, 0, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bytesSent, e.bytesReceived, true
}
