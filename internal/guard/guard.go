// Package guard is the caller-facing facade: it hands out opaque handles,
// runs every mutation against the local stack, and cross-checks each one
// with the shadow replica.
//
// Mutations follow pre-verify, local mutation, replicate, post-verify. Every
// shadow verdict is OR-ed into the stack's sticky flags, so a failed
// pre-check stays visible even when later steps succeed.
package guard

import (
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/danmuck/stackguard/internal/fault"
	"github.com/danmuck/stackguard/internal/handle"
	"github.com/danmuck/stackguard/internal/observability"
	"github.com/danmuck/stackguard/internal/protocol"
	"github.com/danmuck/stackguard/internal/shadow"
	"github.com/danmuck/stackguard/internal/stack"
	"github.com/rs/zerolog"
)

var (
	ErrNoSupervisor = errors.New("guard: supervisor required")
	ErrClosed       = errors.New("guard: closed")
)

// Config must agree with the shadow worker's replica settings.
type Config struct {
	Stack  stack.Config
	Layout handle.Layout
	// Rand drives handle scattering; nil seeds one randomly.
	Rand *rand.Rand
}

func DefaultConfig() Config {
	return Config{
		Stack:  stack.DefaultConfig(),
		Layout: handle.DefaultLayout(),
	}
}

type entry struct {
	s          *stack.Stack
	descriptor int32
	destroyed  bool
	live       bool
}

// Guard owns the supervisor, the handle codec and the capability table.
// Calls are serialized, so one Guard may be shared across goroutines.
type Guard struct {
	cfg    Config
	sup    *shadow.Supervisor
	codec  *handle.Codec
	table  *handle.Table[*entry]
	logger zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// New takes ownership of sup; Close shuts it down.
func New(cfg Config, sup *shadow.Supervisor) (*Guard, error) {
	if sup == nil {
		return nil, ErrNoSupervisor
	}
	codec, err := handle.NewCodec(cfg.Layout, cfg.Rand)
	if err != nil {
		return nil, err
	}
	observability.RegisterMetrics()
	return &Guard{
		cfg:    cfg,
		sup:    sup,
		codec:  codec,
		table:  handle.NewTable[*entry](),
		logger: observability.Logger("guard").With().Str("session", sup.Session()).Logger(),
	}, nil
}

// Init creates a stack of the given capacity (0 selects the default) and
// its shadow replica, and mints a handle bound to both. A stack that comes
// up faulted is torn down and no handle is returned.
func (g *Guard) Init(ctx context.Context, capacity int64) (handle.Handle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return handle.Handle{}, ErrClosed
	}

	s, f := stack.New(g.cfg.Stack, capacity)
	if f != fault.None {
		s.Destruct()
		return handle.Handle{}, g.report("init", -1, f)
	}

	e := &entry{s: s, descriptor: -1}
	resp, err := g.sup.Call(ctx, protocol.Request{
		Command:    protocol.CommandInit,
		Descriptor: -1,
		Argument:   float64(capacity),
	})
	if f := shadow.Fault(resp, err); f != fault.None {
		s.MarkFault(f)
	} else {
		e.descriptor = resp.Descriptor
	}
	s.MarkFault(g.verify(ctx, e))

	if f := s.Flags(); f != fault.None {
		g.teardown(ctx, e)
		return handle.Handle{}, g.report("init", e.descriptor, f)
	}

	token, err := g.table.Register(e)
	if err != nil {
		g.teardown(ctx, e)
		return handle.Handle{}, err
	}
	observability.AddLiveStacks(1)
	e.live = true
	g.logger.Debug().Int32("descriptor", e.descriptor).Int64("capacity", s.Capacity()).Msg("stack initialized")
	return g.codec.Encode(token, e.descriptor), nil
}

// Push appends v. The returned error carries every flag the stack holds.
func (g *Guard) Push(ctx context.Context, h handle.Handle, v float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, err := g.resolve(h)
	if err != nil {
		return err
	}
	s := e.s
	s.MarkFault(g.verify(ctx, e))
	s.Push(v)
	s.MarkFault(g.replicate(ctx, e, protocol.CommandPush, v))
	s.MarkFault(g.verify(ctx, e))
	return g.report("push", e.descriptor, s.Flags())
}

// Pop removes the top element. The value is stack.PoisonValue when the
// local stack refused to pop; otherwise it is returned even if a shadow
// check failed afterwards.
func (g *Guard) Pop(ctx context.Context, h handle.Handle) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, err := g.resolve(h)
	if err != nil {
		return stack.PoisonValue, err
	}
	s := e.s
	s.MarkFault(g.verify(ctx, e))
	v, _ := s.Pop()
	s.MarkFault(g.replicate(ctx, e, protocol.CommandPop, v))
	s.MarkFault(g.verify(ctx, e))
	return v, g.report("pop", e.descriptor, s.Flags())
}

// Destruct destroys the stack and its replica. It reports only handle
// failures; the stack stays registered with every flag set so later use of
// the handle is itself a fault.
func (g *Guard) Destruct(ctx context.Context, h handle.Handle) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, err := g.resolve(h)
	if err != nil {
		return err
	}
	if e.destroyed {
		return nil
	}
	g.teardown(ctx, e)
	return nil
}

// Flags returns the current bitmask for h, or the handle fault when h does
// not resolve.
func (g *Guard) Flags(h handle.Handle) fault.Fault {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, err := g.lookup(h)
	if err != nil {
		return fault.From(err)
	}
	return e.s.Flags()
}

// Dump writes the stack's diagnostic report to w.
func (g *Guard) Dump(h handle.Handle, w io.Writer) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, err := g.lookup(h)
	if err != nil {
		return err
	}
	e.s.Dump(w)
	return nil
}

// RawBlock exposes the backing block behind h for fault-injection drills.
// Writes bypass every check and are only caught by the next verification.
func (g *Guard) RawBlock(h handle.Handle) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, err := g.lookup(h)
	if err != nil {
		return nil, err
	}
	return e.s.RawBlock(), nil
}

// StackStatus is one row of Status.
type StackStatus struct {
	Descriptor int32  `json:"descriptor"`
	Size       int64  `json:"size"`
	Capacity   int64  `json:"capacity"`
	Flags      string `json:"flags"`
	Destroyed  bool   `json:"destroyed"`
}

// Status is a point-in-time view for the admin endpoint.
type Status struct {
	Session string        `json:"session"`
	Live    int           `json:"live"`
	Stacks  []StackStatus `json:"stacks"`
	Shadow  string        `json:"shadow"`
}

func (g *Guard) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := Status{Session: g.sup.Session(), Shadow: "ok", Stacks: []StackStatus{}}
	if err := g.sup.Broken(); err != nil {
		st.Shadow = err.Error()
	}
	g.table.Range(func(_ uint64, e *entry) bool {
		if !e.destroyed {
			st.Live++
		}
		st.Stacks = append(st.Stacks, StackStatus{
			Descriptor: e.descriptor,
			Size:       e.s.Size(),
			Capacity:   e.s.Capacity(),
			Flags:      e.s.Flags().String(),
			Destroyed:  e.destroyed,
		})
		return true
	})
	sort.Slice(st.Stacks, func(i, j int) bool { return st.Stacks[i].Descriptor < st.Stacks[j].Descriptor })
	return st
}

// Close destroys every remaining stack and shuts the supervisor down.
func (g *Guard) Close(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true
	var tokens []uint64
	g.table.Range(func(token uint64, e *entry) bool {
		if !e.destroyed {
			e.s.Destruct()
			e.destroyed = true
		}
		e.markDead()
		tokens = append(tokens, token)
		return true
	})
	for _, token := range tokens {
		g.table.Revoke(token)
	}
	return g.sup.Close(ctx)
}

func (g *Guard) resolve(h handle.Handle) (*entry, error) {
	if g.closed {
		return nil, ErrClosed
	}
	e, err := g.lookup(h)
	if err != nil {
		observability.RecordFaults(fault.From(err))
		g.logger.Warn().Err(err).Msg("handle rejected")
		return nil, err
	}
	return e, nil
}

func (g *Guard) lookup(h handle.Handle) (*entry, error) {
	token, descriptor, err := g.codec.Decode(h)
	if err != nil {
		return nil, handle.Fault(err).Err()
	}
	e, err := g.table.Resolve(token)
	if err != nil || e.descriptor != descriptor {
		return nil, (fault.InvalidHandle | fault.StackPointerNull).Err()
	}
	return e, nil
}

func (g *Guard) verify(ctx context.Context, e *entry) fault.Fault {
	resp, err := g.sup.Call(ctx, protocol.Request{
		Command:    protocol.CommandVerifyHash,
		Descriptor: e.descriptor,
		StackHash:  e.s.StackHash(),
		DataHash:   e.s.DataHash(),
	})
	return shadow.Fault(resp, err)
}

func (g *Guard) replicate(ctx context.Context, e *entry, cmd protocol.Command, arg float64) fault.Fault {
	resp, err := g.sup.Call(ctx, protocol.Request{
		Command:    cmd,
		Descriptor: e.descriptor,
		Argument:   arg,
		StackHash:  e.s.StackHash(),
		DataHash:   e.s.DataHash(),
	})
	return shadow.Fault(resp, err)
}

// teardown destroys both copies. A replica that cannot be reached is only
// logged; the local stack is marked invalid either way.
func (g *Guard) teardown(ctx context.Context, e *entry) {
	e.s.Destruct()
	if e.descriptor >= 0 {
		if f := g.replicate(ctx, e, protocol.CommandDestruct, 0); f != fault.None {
			g.logger.Warn().Int32("descriptor", e.descriptor).Stringer("flags", f).Msg("replica destruct not confirmed")
		}
	}
	e.destroyed = true
	e.markDead()
}

func (e *entry) markDead() {
	if e.live {
		observability.AddLiveStacks(-1)
		e.live = false
	}
}

func (g *Guard) report(op string, descriptor int32, f fault.Fault) error {
	if f == fault.None {
		return nil
	}
	observability.RecordFaults(f)
	g.logger.Warn().Str("op", op).Int32("descriptor", descriptor).Stringer("flags", f).Strs("groups", f.Groups()).Msg("integrity fault")
	return f.Err()
}
