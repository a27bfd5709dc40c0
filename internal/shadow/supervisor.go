package shadow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/danmuck/stackguard/internal/fault"
	"github.com/danmuck/stackguard/internal/observability"
	"github.com/danmuck/stackguard/internal/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrUnreachable means the worker did not answer in time or its stream
	// ended. The supervisor is unusable afterwards.
	ErrUnreachable = errors.New("shadow: worker unreachable")
	ErrClosed      = errors.New("shadow: supervisor closed")
	ErrProtocol    = errors.New("shadow: protocol violation")

	errWorkerStuck = errors.New("worker still running after kill")
)

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

type frameResult struct {
	msg *protocol.Message
	err error
}

// Supervisor is the parent's end of the single request/response slot.
type Supervisor struct {
	cfg    Config
	id     uuid.UUID
	logger zerolog.Logger

	mu     sync.Mutex
	w      io.WriteCloser
	r      io.Closer
	nextID uint64
	broken error
	closed bool

	frames     chan frameResult
	done       chan struct{}
	readerDone chan struct{}

	wait func() error
	kill func() error
	cmd  *exec.Cmd

	closeOnce sync.Once
	closeErr  error
}

// Start launches the worker by re-executing this binary with WorkerEnv set.
// ctx only bounds the launch; the worker lives until Close.
func Start(ctx context.Context, cfg Config) (*Supervisor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg = cfg.normalized()
	exe := cfg.Executable
	if exe == "" {
		var err error
		exe, err = os.Executable()
		if err != nil {
			return nil, fmt.Errorf("shadow: locate executable: %w", err)
		}
	}

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("shadow: stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return nil, fmt.Errorf("shadow: stdout pipe: %w", err)
	}

	cmd := exec.Command(exe, cfg.Args...)
	cmd.Env = append(os.Environ(), cfg.environ()...)
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{stdinR, stdinW, stdoutR, stdoutW} {
			f.Close()
		}
		return nil, fmt.Errorf("shadow: start worker: %w", err)
	}
	// The child holds its own copies.
	stdinR.Close()
	stdoutW.Close()

	s := newSupervisor(cfg, stdinW, stdoutR, stdoutR)
	s.cmd = cmd
	s.wait = cmd.Wait
	s.kill = cmd.Process.Kill
	s.logger = s.logger.With().Int("pid", cmd.Process.Pid).Logger()
	s.logger.Info().Str("exe", exe).Msg("shadow worker started")
	return s, nil
}

// NewPipe runs h on a goroutine behind an in-memory pipe. There is no
// process isolation; it exists for tests and hosts that cannot fork. A nil
// h serves a real Worker built from cfg.
func NewPipe(cfg Config, h Handler) (*Supervisor, error) {
	cfg = cfg.normalized()
	if h == nil {
		worker, err := NewWorker(cfg)
		if err != nil {
			return nil, err
		}
		h = worker
	}
	parent, child := net.Pipe()
	served := make(chan error, 1)
	go func() {
		err := Serve(child, child, h)
		child.Close()
		served <- err
	}()

	s := newSupervisor(cfg, parent, parent, parent)
	s.wait = func() error { return <-served }
	s.logger.Debug().Msg("shadow pipe started")
	return s, nil
}

func newSupervisor(cfg Config, w io.WriteCloser, r io.Reader, rc io.Closer) *Supervisor {
	id := uuid.New()
	s := &Supervisor{
		cfg:        cfg,
		id:         id,
		logger:     observability.Logger("shadow").With().Str("session", id.String()).Logger(),
		w:          w,
		r:          rc,
		frames:     make(chan frameResult, 1),
		done:       make(chan struct{}),
		readerDone: make(chan struct{}),
		kill:       func() error { return nil },
	}
	go s.readLoop(r)
	return s
}

// Session identifies this supervisor in logs.
func (s *Supervisor) Session() string {
	return s.id.String()
}

// Broken reports why calls fail fast, or nil while healthy.
func (s *Supervisor) Broken() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broken
}

func (s *Supervisor) readLoop(r io.Reader) {
	defer close(s.readerDone)
	for {
		msg, err := protocol.Decode(r)
		select {
		case s.frames <- frameResult{msg: msg, err: err}:
		case <-s.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// Call posts req and blocks for its response. At most one call is in flight;
// a missing response within CallTimeout breaks the supervisor for good
// because a late answer could otherwise be taken for the next request's.
func (s *Supervisor) Call(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	resp, err := s.call(ctx, req)
	status := resp.Status.String()
	if err != nil {
		status = "unreachable"
	}
	observability.RecordShadowCall(req.Command.String(), status, time.Since(start))
	return resp, err
}

func (s *Supervisor) call(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	if s.closed {
		return protocol.Response{}, ErrClosed
	}
	if s.broken != nil {
		return protocol.Response{}, s.broken
	}

	s.nextID++
	id := s.nextID
	deadline := time.Now().Add(s.cfg.CallTimeout)
	if d, ok := s.w.(writeDeadliner); ok {
		_ = d.SetWriteDeadline(deadline)
	}
	if err := protocol.Encode(s.w, req.Message(id)); err != nil {
		return protocol.Response{}, s.markBroken(fmt.Errorf("%w: write: %v", ErrUnreachable, err))
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case res := <-s.frames:
		if res.err != nil {
			return protocol.Response{}, s.markBroken(fmt.Errorf("%w: read: %v", ErrUnreachable, res.err))
		}
		if res.msg.Header.MessageID != id {
			return protocol.Response{}, s.markBroken(fmt.Errorf("%w: response id %d for request %d", ErrProtocol, res.msg.Header.MessageID, id))
		}
		resp, err := protocol.ParseResponse(res.msg)
		if err != nil {
			return protocol.Response{}, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		s.logger.Debug().
			Uint64("message_id", id).
			Stringer("command", req.Command).
			Int32("descriptor", req.Descriptor).
			Stringer("status", resp.Status).
			Str("detail", resp.Detail).
			Msg("shadow call")
		return resp, nil
	case <-timer.C:
		return protocol.Response{}, s.markBroken(fmt.Errorf("%w: no response to %s within %s", ErrUnreachable, req.Command, s.cfg.CallTimeout))
	case <-ctx.Done():
		return protocol.Response{}, s.markBroken(fmt.Errorf("%w: %w", ErrUnreachable, ctx.Err()))
	}
}

func (s *Supervisor) markBroken(err error) error {
	if s.broken == nil {
		s.broken = err
		s.logger.Error().Err(err).Msg("shadow supervisor broken")
	}
	return err
}

// Close asks the worker to abort, then waits for it to exit so no zombie is
// left behind. A worker that does not exit within CallTimeout is killed.
// Close is idempotent.
func (s *Supervisor) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.closeErr = s.shutdown(ctx)
	})
	return s.closeErr
}

func (s *Supervisor) shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.broken == nil {
		if resp, err := s.call(ctx, protocol.Request{Command: protocol.CommandAbort, Descriptor: -1}); err != nil {
			s.logger.Warn().Err(err).Msg("abort request failed")
		} else if resp.Status != protocol.StatusSuccess {
			s.logger.Warn().Stringer("status", resp.Status).Msg("abort not acknowledged")
		}
	}
	s.closed = true
	s.mu.Unlock()

	_ = s.w.Close()

	exited := make(chan error, 1)
	go func() { exited <- s.wait() }()
	var waitErr error
	timer := time.NewTimer(s.cfg.CallTimeout)
	select {
	case waitErr = <-exited:
		timer.Stop()
	case <-timer.C:
		s.logger.Warn().Msg("worker did not exit, killing")
		_ = s.kill()
		select {
		case waitErr = <-exited:
		case <-time.After(s.cfg.CallTimeout):
			waitErr = errWorkerStuck
		}
	}

	close(s.done)
	_ = s.r.Close()
	<-s.readerDone

	if waitErr != nil {
		s.logger.Warn().Err(waitErr).Msg("shadow worker exit")
		return fmt.Errorf("shadow: worker exit: %w", waitErr)
	}
	s.logger.Info().Msg("shadow worker stopped")
	return nil
}

// Fault folds the outcome of one Call into fault bits. A call that got no
// answer counts as a failed verification too.
func Fault(resp protocol.Response, err error) fault.Fault {
	if err != nil {
		return fault.ExternalVerifyFailed | fault.ShadowUnreachable
	}
	return resp.Fault()
}
