package shadow

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/danmuck/stackguard/internal/fault"
	"github.com/danmuck/stackguard/internal/logging"
	"github.com/danmuck/stackguard/internal/observability"
	"github.com/danmuck/stackguard/internal/protocol"
	"github.com/danmuck/stackguard/internal/stack"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Handler answers one request. Serve never calls it concurrently.
type Handler interface {
	Handle(req protocol.Request) protocol.Response
}

type HandlerFunc func(req protocol.Request) protocol.Response

func (f HandlerFunc) Handle(req protocol.Request) protocol.Response {
	return f(req)
}

// Worker holds the replicas. Descriptors index replicas and are never
// reused; destructed replicas stay in the table so late requests for them
// fail instead of landing on a newer stack.
type Worker struct {
	cfg      stack.Config
	max      int
	replicas []*stack.Stack
	logger   zerolog.Logger
}

func NewWorker(cfg Config) (*Worker, error) {
	cfg = cfg.normalized()
	sc, err := cfg.stackConfig()
	if err != nil {
		return nil, err
	}
	return &Worker{
		cfg:    sc,
		max:    cfg.MaxStacks,
		logger: observability.Logger("shadow"),
	}, nil
}

// Len returns the number of descriptors handed out.
func (w *Worker) Len() int {
	return len(w.replicas)
}

func (w *Worker) Handle(req protocol.Request) protocol.Response {
	switch req.Command {
	case protocol.CommandInit:
		return w.init(req)
	case protocol.CommandAbort:
		w.abort()
		return protocol.Response{Status: protocol.StatusSuccess, Descriptor: -1}
	}

	s, ok := w.lookup(req.Descriptor)
	if !ok {
		w.logger.Warn().Int32("descriptor", req.Descriptor).Stringer("command", req.Command).Msg("unknown descriptor")
		return processError(req.Descriptor, "unknown descriptor")
	}

	switch req.Command {
	case protocol.CommandVerifyHash:
		if s.StackHash() != req.StackHash || s.DataHash() != req.DataHash {
			w.logger.Warn().
				Int32("descriptor", req.Descriptor).
				Uint64("stack_hash", s.StackHash()).
				Uint64("expected_stack_hash", req.StackHash).
				Uint64("data_hash", s.DataHash()).
				Uint64("expected_data_hash", req.DataHash).
				Msg("replica hash mismatch")
			return failed(req.Descriptor, "hash mismatch")
		}
		return succeeded(req.Descriptor)
	case protocol.CommandPush:
		return w.verdict(req, s.Push(req.Argument))
	case protocol.CommandPop:
		v, f := s.Pop()
		if f == fault.None && math.Float64bits(v) != math.Float64bits(req.Argument) {
			w.logger.Warn().Int32("descriptor", req.Descriptor).Float64("replica", v).Float64("caller", req.Argument).Msg("popped values diverged")
			return failed(req.Descriptor, "popped value diverged")
		}
		return w.verdict(req, f)
	case protocol.CommandDestruct:
		s.Destruct()
		return succeeded(req.Descriptor)
	default:
		return processError(req.Descriptor, "unsupported command "+req.Command.String())
	}
}

func (w *Worker) init(req protocol.Request) protocol.Response {
	if len(w.replicas) >= w.max {
		w.logger.Warn().Int("max_stacks", w.max).Msg("descriptor table full")
		return processError(-1, "descriptor table full")
	}
	capacity, ok := capacityArgument(req.Argument)
	if !ok {
		return failed(-1, fmt.Sprintf("invalid capacity %v", req.Argument))
	}
	s, f := stack.New(w.cfg, capacity)
	if f != fault.None {
		s.Destruct()
		return failed(-1, f.String())
	}
	descriptor := int32(len(w.replicas))
	w.replicas = append(w.replicas, s)
	w.logger.Debug().Int32("descriptor", descriptor).Int64("capacity", s.Capacity()).Msg("replica created")
	return succeeded(descriptor)
}

func (w *Worker) abort() {
	for _, s := range w.replicas {
		s.Destruct()
	}
	w.logger.Info().Int("replicas", len(w.replicas)).Msg("abort: replicas destroyed")
}

func (w *Worker) lookup(descriptor int32) (*stack.Stack, bool) {
	if descriptor < 0 || int(descriptor) >= len(w.replicas) {
		return nil, false
	}
	return w.replicas[descriptor], true
}

func (w *Worker) verdict(req protocol.Request, f fault.Fault) protocol.Response {
	if f != fault.None {
		w.logger.Debug().Int32("descriptor", req.Descriptor).Stringer("command", req.Command).Stringer("flags", f).Msg("replica operation faulted")
		return failed(req.Descriptor, f.String())
	}
	return succeeded(req.Descriptor)
}

// capacityArgument accepts only whole, non-negative float64 values that fit
// an int64; the stack itself reports negative capacities.
func capacityArgument(v float64) (int64, bool) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v != math.Trunc(v) {
		return 0, false
	}
	if v < math.MinInt64 || v >= math.MaxInt64 {
		return 0, false
	}
	return int64(v), true
}

func succeeded(descriptor int32) protocol.Response {
	return protocol.Response{Status: protocol.StatusSuccess, Descriptor: descriptor}
}

func failed(descriptor int32, detail string) protocol.Response {
	return protocol.Response{Status: protocol.StatusFailed, Descriptor: descriptor, Detail: detail}
}

func processError(descriptor int32, detail string) protocol.Response {
	return protocol.Response{Status: protocol.StatusProcessError, Descriptor: descriptor, Detail: detail}
}

// Serve answers requests from r on w until the stream ends or an Abort has
// been answered. A frame that decodes but fails schema validation gets a
// ProcessError reply; a broken stream ends the loop.
func Serve(r io.Reader, w io.Writer, h Handler) error {
	for {
		msg, err := protocol.Decode(r)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("shadow: read request: %w", err)
		}

		req, parseErr := protocol.ParseRequest(msg)
		var resp protocol.Response
		if parseErr != nil {
			resp = processError(-1, parseErr.Error())
		} else {
			resp = h.Handle(req)
		}
		if err := protocol.Encode(w, resp.Message(msg.Header.MessageID)); err != nil {
			return fmt.Errorf("shadow: write response: %w", err)
		}
		if parseErr == nil && req.Command == protocol.CommandAbort {
			return nil
		}
	}
}

// MaybeRunWorker turns the current process into a shadow worker when it was
// launched by Start, and exits when the worker finishes. Otherwise it
// returns immediately.
func MaybeRunWorker() {
	if os.Getenv(WorkerEnv) != "1" {
		return
	}
	os.Exit(RunWorker())
}

// RunWorker serves on stdin/stdout with settings read from the environment
// and returns a process exit code.
func RunWorker() int {
	logging.ConfigureShadow()
	cfg, err := configFromEnv(os.Getenv)
	if err != nil {
		log.Error().Err(err).Msg("shadow worker config")
		return 2
	}
	worker, err := NewWorker(cfg)
	if err != nil {
		log.Error().Err(err).Msg("shadow worker init")
		return 2
	}
	log.Info().Int("pid", os.Getpid()).Int("max_stacks", cfg.MaxStacks).Msg("shadow worker serving")
	if err := Serve(os.Stdin, os.Stdout, worker); err != nil {
		log.Error().Err(err).Msg("shadow worker stopped")
		return 1
	}
	return 0
}
