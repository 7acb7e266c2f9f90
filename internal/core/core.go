package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Options configures an Orchestrator.
type Options struct {
	// MaxAttempts is applied to tasks submitted without their own limit.
	MaxAttempts int
	Backoff     Backoff
	// Tick bounds how long a task whose backoff has expired waits for dispatch.
	Tick time.Duration
	// Window is the trailing window for transition counts in status snapshots.
	Window         time.Duration
	DefaultTimeout time.Duration
	Timeouts       map[string]time.Duration
	Now            func() time.Time
}

// DefaultOptions returns the settings used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:    3,
		Backoff:        DefaultBackoff(),
		Tick:           time.Second,
		Window:         5 * time.Minute,
		DefaultTimeout: 5 * time.Minute,
	}
}

// Orchestrator owns the registry, queue, dispatcher, supervisor, status
// aggregator and event bus. Create it with New at process start, call Start
// to run the dispatch loop and Shutdown to tear it down.
type Orchestrator struct {
	opts Options

	registry   *Registry
	queue      *Queue
	dispatcher *Dispatcher
	supervisor *Supervisor
	status     *StatusAggregator
	events     *EventBus

	wake    chan struct{}
	closed  atomic.Bool
	started atomic.Bool
	cancel  context.CancelFunc
	loopWG  sync.WaitGroup
}

// New wires the orchestrator's components. No goroutines run until Start.
func New(opts Options) *Orchestrator {
	def := DefaultOptions()
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.Backoff == (Backoff{}) {
		opts.Backoff = def.Backoff
	}
	if opts.Tick <= 0 {
		opts.Tick = def.Tick
	}
	if opts.Window <= 0 {
		opts.Window = def.Window
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = def.DefaultTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	o := &Orchestrator{
		opts:     opts,
		registry: NewRegistry(),
		events:   NewEventBus(),
		wake:     make(chan struct{}, 1),
	}
	o.queue = NewQueue(QueueOptions{
		DefaultMaxAttempts: opts.MaxAttempts,
		Backoff:            opts.Backoff,
		Now:                opts.Now,
		OnTransition: func(ev Event) {
			o.status.Record(ev)
			o.events.Publish(ev)
		},
	})
	o.supervisor = NewSupervisor(o.queue, SupervisorOptions{
		DefaultTimeout: opts.DefaultTimeout,
		Timeouts:       opts.Timeouts,
		Now:            opts.Now,
	})
	o.dispatcher = NewDispatcher(o.queue, o.registry, o.supervisor, o.events)
	o.dispatcher.OnSettled(o.Wake)
	o.status = NewStatusAggregator(o.registry, o.queue, o.dispatcher, o.events, opts.Window, opts.Now)
	return o
}

// Start runs the dispatch loop until Shutdown.
func (o *Orchestrator) Start() {
	if !o.started.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.loopWG.Add(1)
	go o.loop(ctx)
	log.Info().Int("agents", o.registry.Count()).Dur("tick", o.opts.Tick).Msg("orchestrator started")
}

func (o *Orchestrator) loop(ctx context.Context) {
	defer o.loopWG.Done()
	ticker := time.NewTicker(o.opts.Tick)
	defer ticker.Stop()
	stale := 3 * o.opts.Tick
	if stale < 10*time.Second {
		stale = 10 * time.Second
	}
	for {
		o.status.Beat(stale)
		o.Drain()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-o.wake:
		}
	}
}

// Drain dispatches until no further task can be placed and returns the number
// of dispatches made.
func (o *Orchestrator) Drain() int {
	n := 0
	for !o.closed.Load() {
		if _, err := o.dispatcher.TryDispatchOne(); err != nil {
			if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrNoCapacityAvailable) {
				log.Error().Err(err).Msg("dispatch")
			}
			break
		}
		n++
	}
	return n
}

// Wake nudges the dispatch loop without blocking.
func (o *Orchestrator) Wake() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// Shutdown stops accepting tasks, stops the dispatch loop and cancels
// in-flight executions, which end Abandoned. It waits for executions to
// report or for ctx to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	if !o.closed.CompareAndSwap(false, true) {
		return nil
	}
	if o.cancel != nil {
		o.cancel()
	}
	o.loopWG.Wait()

	inflight := o.dispatcher.InFlightCount()
	err := o.supervisor.Stop(ctx)
	o.events.Close()
	log.Info().Int("in_flight", inflight).Msg("orchestrator stopped")
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// Submit enqueues a task and wakes the dispatch loop.
func (o *Orchestrator) Submit(task Task) (Task, error) {
	if o.closed.Load() {
		return Task{}, ErrShutdown
	}
	t, err := o.queue.Enqueue(task)
	if err != nil {
		return Task{}, err
	}
	log.Debug().Str("task", t.ID).Str("capability", t.Capability).Int("priority", t.Priority).Msg("task submitted")
	o.Wake()
	return t, nil
}

// Cancel cancels a task. Pending tasks are abandoned at once; executing tasks
// have their agent signaled and are abandoned once it acknowledges.
func (o *Orchestrator) Cancel(id string) (Task, error) {
	t, err := o.queue.Cancel(id)
	if err != nil {
		return Task{}, err
	}
	if t.State == TaskDispatched || t.State == TaskRunning {
		o.supervisor.Cancel(id)
	}
	return t, nil
}

// Await blocks until the task is terminal or ctx is done.
func (o *Orchestrator) Await(ctx context.Context, id string) (Task, error) {
	return o.queue.Await(ctx, id)
}

// Task returns a copy of a task.
func (o *Orchestrator) Task(id string) (Task, error) { return o.queue.Get(id) }

// Tasks lists tasks matching f.
func (o *Orchestrator) Tasks(f TaskFilter) []Task { return o.queue.List(f) }

// RegisterAgent adds an agent and wakes the loop so waiting work can use it.
func (o *Orchestrator) RegisterAgent(desc AgentDescriptor, runner Runner) error {
	if err := o.registry.Register(desc, runner); err != nil {
		return err
	}
	log.Debug().Str("agent", desc.ID).Strs("capabilities", desc.Capabilities).Int("max", desc.MaxConcurrent).Msg("agent registered")
	o.Wake()
	return nil
}

// DeregisterAgent removes an idle agent.
func (o *Orchestrator) DeregisterAgent(id string) error { return o.registry.Deregister(id) }

// SetAgentStatus enables or disables an agent.
func (o *Orchestrator) SetAgentStatus(id string, status AgentStatus) error {
	if err := o.registry.SetStatus(id, status); err != nil {
		return err
	}
	o.Wake()
	return nil
}

// Agents lists registered agents in registration order.
func (o *Orchestrator) Agents() []AgentDescriptor { return o.registry.List() }

// Snapshot returns the current status view.
func (o *Orchestrator) Snapshot() Snapshot { return o.status.Snapshot() }

// Healthy reports whether status can be served.
func (o *Orchestrator) Healthy() bool { return o.status.Healthy() }

// Health returns an error when the orchestrator cannot serve status.
func (o *Orchestrator) Health(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !o.status.Healthy() {
		return errors.New("status aggregator unavailable")
	}
	return nil
}

// Subscribe returns a channel of task events and a cancel func.
func (o *Orchestrator) Subscribe(buffer int) (<-chan Event, func()) {
	return o.events.Subscribe(buffer)
}

// Dispatcher exposes the dispatcher for direct dispatch in tests and tools.
func (o *Orchestrator) Dispatcher() *Dispatcher { return o.dispatcher }

// Registry exposes the agent registry.
func (o *Orchestrator) Registry() *Registry { return o.registry }

// Queue exposes the task queue.
func (o *Orchestrator) Queue() *Queue { return o.queue }

// Events exposes the event bus.
func (o *Orchestrator) Events() *EventBus { return o.events }
