package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
)

const maxLineBytes = 4 << 20

// stdioRequest is one line written to the engine's stdin.
type stdioRequest struct {
	ID      uint64            `json:"id"`
	Op      string            `json:"op"`
	Method  string            `json:"method,omitempty"`
	URI     string            `json:"uri,omitempty"`
	Cookies map[string]string `json:"cookies,omitempty"`
	Payload json.RawMessage   `json:"payload,omitempty"`
}

// stdioResponse is one line read from the engine's stdout.
type stdioResponse struct {
	ID      uint64            `json:"id"`
	Success bool              `json:"success"`
	Headers map[string]string `json:"headers,omitempty"`
	Version string            `json:"version,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// stdioTransport multiplexes concurrent calls over a line-delimited JSON
// stream. Responses are matched to callers by id and may arrive in any order.
// Lines are written by a single goroutine so a caller blocked on an engine
// that stopped reading can still give up when its context ends.
type stdioTransport struct {
	w      io.WriteCloser
	logger *slog.Logger

	writes    chan []byte
	stop      chan struct{} // closed by close
	closeOnce sync.Once
	closeErr  error

	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan stdioResponse
	closed  bool

	done chan struct{} // closed when the read loop ends
}

func newStdioTransport(w io.WriteCloser, r io.Reader, logger *slog.Logger) *stdioTransport {
	t := &stdioTransport{
		w:       w,
		logger:  logger,
		writes:  make(chan []byte),
		stop:    make(chan struct{}),
		pending: make(map[uint64]chan stdioResponse),
		done:    make(chan struct{}),
	}
	go t.readLoop(r)
	go t.writeLoop()
	return t
}

func (t *stdioTransport) writeLoop() {
	for {
		select {
		case <-t.stop:
			return
		case <-t.done:
			return
		case line := <-t.writes:
			if _, err := t.w.Write(line); err != nil {
				t.logger.Warn("engine stdin write failed", "error", err)
				t.failPending()
				return
			}
		}
	}
}

func (t *stdioTransport) readLoop(r io.Reader) {
	defer close(t.done)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp stdioResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			t.logger.Warn("discarding malformed engine line", "error", err, "bytes", len(line))
			continue
		}

		t.mu.Lock()
		ch, ok := t.pending[resp.ID]
		delete(t.pending, resp.ID)
		t.mu.Unlock()

		if !ok {
			t.logger.Debug("response for unknown or abandoned id", "id", resp.ID)
			continue
		}
		ch <- resp
	}
	if err := sc.Err(); err != nil {
		t.logger.Warn("engine stdout read failed", "error", err)
	}
	t.failPending()
}

// failPending marks the transport closed and releases every waiting caller.
func (t *stdioTransport) failPending() {
	t.mu.Lock()
	t.closed = true
	for id, ch := range t.pending {
		close(ch)
		delete(t.pending, id)
	}
	t.mu.Unlock()
}

func (t *stdioTransport) roundTrip(ctx context.Context, req stdioRequest) (stdioResponse, error) {
	req.ID = t.nextID.Add(1)
	ch := make(chan stdioResponse, 1)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return stdioResponse{}, ErrEngineClosed
	}
	t.pending[req.ID] = ch
	t.mu.Unlock()

	line, err := json.Marshal(req)
	if err != nil {
		t.forget(req.ID)
		return stdioResponse{}, fmt.Errorf("encode engine request: %w", err)
	}
	line = append(line, '\n')

	select {
	case t.writes <- line:
	case <-ctx.Done():
		t.forget(req.ID)
		return stdioResponse{}, ctx.Err()
	case <-t.stop:
		t.forget(req.ID)
		return stdioResponse{}, ErrEngineClosed
	case <-t.done:
		t.forget(req.ID)
		return stdioResponse{}, ErrEngineClosed
	case <-ch:
		// Released by failPending before the line was written.
		return stdioResponse{}, ErrEngineClosed
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return stdioResponse{}, ErrEngineClosed
		}
		return resp, nil
	case <-ctx.Done():
		t.forget(req.ID)
		return stdioResponse{}, ctx.Err()
	case <-t.stop:
		t.forget(req.ID)
		return stdioResponse{}, ErrEngineClosed
	}
}

func (t *stdioTransport) forget(id uint64) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

func (t *stdioTransport) sign(ctx context.Context, req *SignRequest) (map[string]string, error) {
	resp, err := t.roundTrip(ctx, stdioRequest{
		Op:      "sign",
		Method:  req.Method,
		URI:     req.URI,
		Cookies: req.Cookies,
		Payload: req.Payload,
	})
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("%w: %s", ErrEngineRejected, resp.Error)
	}
	return resp.Headers, nil
}

func (t *stdioTransport) ping(ctx context.Context) (string, error) {
	resp, err := t.roundTrip(ctx, stdioRequest{Op: "ping"})
	if err != nil {
		return "", err
	}
	if !resp.Success {
		return "", fmt.Errorf("%w: ping: %s", ErrEngineRejected, resp.Error)
	}
	return resp.Version, nil
}

// close shuts the engine's stdin, which a well-behaved engine treats as a
// request to exit. Callers still waiting fail with ErrEngineClosed. Closing
// the pipe also unblocks a write stuck on an engine that stopped reading.
func (t *stdioTransport) close() error {
	t.closeOnce.Do(func() {
		close(t.stop)
		t.closeErr = t.w.Close()
	})
	return t.closeErr
}
