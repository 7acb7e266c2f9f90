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

// execution tracks one running task so it can be canceled.
type execution struct {
	stop     chan struct{}
	once     sync.Once
	canceled atomic.Bool
}

func (x *execution) cancel() {
	x.once.Do(func() {
		x.canceled.Store(true)
		close(x.stop)
	})
}

// SupervisorOptions configures execution timeouts.
type SupervisorOptions struct {
	DefaultTimeout time.Duration
	// Timeouts maps an agent class to its execution timeout.
	Timeouts map[string]time.Duration
	Now      func() time.Time
}

// Supervisor runs dispatched tasks to completion, enforcing wall-clock
// timeouts and classifying outcomes.
type Supervisor struct {
	queue  *Queue
	opts   SupervisorOptions
	handle func(ExecutionResult)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]*execution
}

// NewSupervisor creates a supervisor whose executions are canceled by Stop.
func NewSupervisor(q *Queue, opts SupervisorOptions) *Supervisor {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		queue:   q,
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		running: make(map[string]*execution),
		handle:  func(ExecutionResult) {},
	}
}

func (s *Supervisor) setResultHandler(fn func(ExecutionResult)) { s.handle = fn }

// TimeoutFor returns the execution timeout for an agent class.
func (s *Supervisor) TimeoutFor(class string) time.Duration {
	if t, ok := s.opts.Timeouts[class]; ok && t > 0 {
		return t
	}
	return s.opts.DefaultTimeout
}

// Start executes the task on a tracked goroutine and hands the result to the
// result handler. It returns immediately.
func (s *Supervisor) Start(task Task, agent AgentDescriptor, runner Runner) {
	x := s.track(task.ID)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		res := s.execute(s.ctx, x, task, agent, runner)
		s.untrack(task.ID)
		s.handle(res)
	}()
}

// Execute runs the task synchronously and returns its result without
// invoking the result handler.
func (s *Supervisor) Execute(ctx context.Context, task Task, agent AgentDescriptor, runner Runner) ExecutionResult {
	x := s.track(task.ID)
	defer s.untrack(task.ID)
	return s.execute(ctx, x, task, agent, runner)
}

type runOutput struct {
	out []byte
	err error
}

func (s *Supervisor) execute(ctx context.Context, x *execution, task Task, agent AgentDescriptor, runner Runner) ExecutionResult {
	res := ExecutionResult{TaskID: task.ID, AgentID: agent.ID}
	start := s.opts.Now()

	if _, err := s.queue.MarkRunning(task.ID, agent.ID); err != nil {
		res.Err = err
		res.Outcome = OutcomeFatal
		if errors.Is(err, ErrCanceled) {
			res.Outcome = OutcomeCanceled
		}
		return res
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	timeout := s.TimeoutFor(agent.Class)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	done := make(chan runOutput, 1)
	settled := make(chan struct{})
	res.Settled = settled
	go func() {
		var r runOutput
		func() {
			defer func() {
				if p := recover(); p != nil {
					r = runOutput{err: Permanent(fmt.Errorf("agent %s panicked: %v", agent.ID, p))}
				}
			}()
			r.out, r.err = runner.Run(runCtx, task.Payload)
		}()
		close(settled)
		done <- r
	}()

	select {
	case r := <-done:
		res.Output = r.out
		res.Err = r.err
		switch {
		case x.canceled.Load():
			res.Outcome = OutcomeCanceled
		case ctx.Err() != nil:
			res.Outcome = OutcomeCanceled
			res.Err = fmt.Errorf("task %s: %w", task.ID, ErrShutdown)
		case r.err == nil:
			res.Outcome = OutcomeSuccess
		case IsPermanent(r.err):
			res.Outcome = OutcomeFatal
		default:
			res.Outcome = OutcomeTransient
		}
	case <-timer.C:
		cancelRun()
		res.Outcome = OutcomeTransient
		res.Err = fmt.Errorf("task %s on %s after %s: %w", task.ID, agent.ID, timeout, ErrTimeoutExceeded)
	case <-x.stop:
		cancelRun()
		// Wait for the agent to acknowledge, bounded by the timeout.
		select {
		case r := <-done:
			res.Output = r.out
		case <-timer.C:
		}
		res.Outcome = OutcomeCanceled
		res.Err = ErrCanceled
	case <-ctx.Done():
		cancelRun()
		res.Outcome = OutcomeCanceled
		res.Err = fmt.Errorf("task %s: %w", task.ID, ErrShutdown)
	}
	res.Duration = s.opts.Now().Sub(start)

	log.Debug().
		Str("task", task.ID).
		Str("agent", agent.ID).
		Str("outcome", string(res.Outcome)).
		Dur("duration", res.Duration).
		Msg("execution finished")
	return res
}

func (s *Supervisor) track(id string) *execution {
	x := &execution{stop: make(chan struct{})}
	s.mu.Lock()
	s.running[id] = x
	s.mu.Unlock()
	return x
}

func (s *Supervisor) untrack(id string) {
	s.mu.Lock()
	delete(s.running, id)
	s.mu.Unlock()
}

// Cancel signals the agent executing the task. It reports whether the task
// was executing.
func (s *Supervisor) Cancel(id string) bool {
	s.mu.Lock()
	x, ok := s.running[id]
	s.mu.Unlock()
	if ok {
		x.cancel()
	}
	return ok
}

// Running returns the number of tracked executions.
func (s *Supervisor) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Stop cancels every execution and waits for them to report, or for ctx.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until all started executions have reported.
func (s *Supervisor) Wait() { s.wg.Wait() }
