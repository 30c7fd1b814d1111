package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Engine wire protocols.
const (
	ProtocolStdio = "stdio"
	ProtocolHTTP  = "http"
)

// ExecLauncher starts the engine as a child process.
type ExecLauncher struct {
	Path     string
	Args     []string
	Env      []string // appended to the gateway's environment
	Dir      string
	Protocol string // ProtocolStdio (default) or ProtocolHTTP
	HTTPAddr string // listen address handed to an http engine
	Logger   *slog.Logger
}

// Launch starts a new engine process. The process is not tied to ctx; it
// runs until Stop.
func (l *ExecLauncher) Launch(ctx context.Context) (Engine, error) {
	if l.Path == "" {
		return nil, errors.New("no engine path configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}

	//nolint:gosec // G204: engine path comes from operator configuration
	cmd := exec.Command(l.Path, l.Args...)
	cmd.Dir = l.Dir
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Stderr = &lineLogger{logger: logger, msg: "engine stderr"}
	// Bounds Wait when a grandchild keeps the stderr pipe open.
	cmd.WaitDelay = 2 * time.Second

	p := &process{cmd: cmd, exited: make(chan struct{}), logger: logger}

	switch l.Protocol {
	case "", ProtocolStdio:
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("stdin pipe: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("stdout pipe: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return nil, err
		}
		st := newStdioTransport(stdin, stdout, logger)
		p.transport = st
		go func() {
			// Wait only after stdout is drained.
			<-st.done
			p.finish(cmd.Wait())
		}()

	case ProtocolHTTP:
		if l.HTTPAddr == "" {
			return nil, errors.New("http protocol requires an engine address")
		}
		cmd.Stdout = &lineLogger{logger: logger, msg: "engine stdout"}
		cmd.Env = append(cmd.Env, "AGENT_HTTP_ADDR="+l.HTTPAddr)
		if err := cmd.Start(); err != nil {
			return nil, err
		}
		p.transport = newHTTPTransport("http://"+l.HTTPAddr, nil)
		go func() { p.finish(cmd.Wait()) }()

	default:
		return nil, fmt.Errorf("unknown engine protocol %q", l.Protocol)
	}

	logger.Info("engine process started", "pid", cmd.Process.Pid, "protocol", l.protocol())
	return p, nil
}

func (l *ExecLauncher) protocol() string {
	if l.Protocol == "" {
		return ProtocolStdio
	}
	return l.Protocol
}

// process is an Engine backed by a child process.
type process struct {
	cmd       *exec.Cmd
	transport transport
	logger    *slog.Logger

	exited  chan struct{}
	waitErr error
}

func (p *process) finish(err error) {
	p.waitErr = err
	if err != nil {
		p.logger.Info("engine process exited", "pid", p.PID(), "error", err)
	} else {
		p.logger.Info("engine process exited", "pid", p.PID())
	}
	close(p.exited)
}

func (p *process) Sign(ctx context.Context, req *SignRequest) (map[string]string, error) {
	select {
	case <-p.exited:
		return nil, ErrEngineClosed
	default:
	}
	return p.transport.sign(ctx, req)
}

func (p *process) Ping(ctx context.Context) (string, error) {
	select {
	case <-p.exited:
		return "", ErrEngineClosed
	default:
	}
	return p.transport.ping(ctx)
}

func (p *process) Exited() <-chan struct{} { return p.exited }

func (p *process) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Stop closes the transport, sends SIGTERM and kills the process if it is
// still alive when ctx is done. A transport that stalls while closing does not
// hold up the signal or the kill.
func (p *process) Stop(ctx context.Context) error {
	select {
	case <-p.exited:
		return nil
	default:
	}

	go func() {
		if err := p.transport.close(); err != nil {
			p.logger.Debug("close engine transport", "error", err)
		}
	}()
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.logger.Debug("signal engine", "error", err)
	}

	select {
	case <-p.exited:
		return nil
	case <-ctx.Done():
	}

	p.logger.Warn("engine did not exit within grace period, killing", "pid", p.PID())
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill engine: %w", err)
	}
	<-p.exited
	return nil
}

// lineLogger forwards a child's output to the logger one line at a time.
type lineLogger struct {
	logger *slog.Logger
	msg    string

	mu  sync.Mutex
	buf []byte
}

func (w *lineLogger) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, b...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimRight(w.buf[:i], "\r")
		if len(line) > 0 {
			w.logger.Info(w.msg, "line", string(line))
		}
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) > maxLineBytes {
		w.logger.Info(w.msg, "line", string(w.buf))
		w.buf = w.buf[:0]
	}
	return len(b), nil
}
