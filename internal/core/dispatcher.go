package core

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Dispatch names the agent a task was handed to.
type Dispatch struct {
	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id"`
}

// Dispatcher matches waiting tasks to agents with spare capacity and tracks
// in-flight work.
type Dispatcher struct {
	queue      *Queue
	registry   *Registry
	supervisor *Supervisor
	events     *EventBus
	now        func() time.Time

	mu       sync.Mutex
	inflight map[string]string // task id -> agent id ("" while being placed)
	count    atomic.Int64

	cursor atomic.Uint64
	wake   func()
}

// NewDispatcher wires the dispatcher as the supervisor's result handler.
func NewDispatcher(q *Queue, r *Registry, s *Supervisor, events *EventBus) *Dispatcher {
	d := &Dispatcher{
		queue:      q,
		registry:   r,
		supervisor: s,
		events:     events,
		now:        q.opts.Now,
		inflight:   make(map[string]string),
	}
	s.setResultHandler(d.HandleResult)
	return d
}

// OnSettled registers a callback run after every handled result, used to wake
// the dispatch loop when capacity frees up.
func (d *Dispatcher) OnSettled(fn func()) { d.wake = fn }

// TryDispatchOne dispatches at most one task. Capability tags are visited in
// round-robin order so a busy capability cannot starve the others. It returns
// ErrNoCapacityAvailable when work is waiting but no agent can take it, and
// ErrNotFound when nothing is eligible.
func (d *Dispatcher) TryDispatchOne() (Dispatch, error) {
	tags := d.queue.Capabilities()
	if len(tags) == 0 {
		return Dispatch{}, ErrNotFound
	}
	start := d.cursor.Add(1) - 1

	noCapacity := false
	for i := 0; i < len(tags); i++ {
		tag := tags[(start+uint64(i))%uint64(len(tags))]
		dispatch, err := d.dispatchTag(tag)
		if err == nil {
			return dispatch, nil
		}
		if errors.Is(err, ErrNoCapacityAvailable) {
			noCapacity = true
		}
	}
	if noCapacity {
		return Dispatch{}, ErrNoCapacityAvailable
	}
	return Dispatch{}, ErrNotFound
}

func (d *Dispatcher) dispatchTag(tag string) (Dispatch, error) {
	// Leave the lane untouched when nobody could take the work.
	if len(d.registry.FindCapable(tag)) == 0 {
		return Dispatch{}, fmt.Errorf("dispatch %s: %w", tag, ErrNoCapacityAvailable)
	}
	task, err := d.queue.dequeue(tag, d.claim)
	if err != nil {
		return Dispatch{}, err
	}

	for _, agent := range d.registry.FindCapable(tag) {
		if _, err := d.registry.UpdateLoad(agent.ID, 1); err != nil {
			// Lost the slot to a concurrent dispatch.
			continue
		}
		runner, desc, err := d.registry.runner(agent.ID)
		if err != nil {
			continue
		}
		d.mu.Lock()
		d.inflight[task.ID] = agent.ID
		d.mu.Unlock()

		log.Debug().Str("task", task.ID).Str("agent", agent.ID).Str("capability", tag).Int("priority", task.Priority).Msg("dispatching task")
		d.supervisor.Start(task, desc, runner)
		return Dispatch{TaskID: task.ID, AgentID: agent.ID}, nil
	}

	d.release(task.ID)
	if _, err := d.queue.Restore(task.ID); err != nil {
		log.Error().Err(err).Str("task", task.ID).Msg("restore undispatched task")
	}
	return Dispatch{}, fmt.Errorf("dispatch %s: %w", tag, ErrNoCapacityAvailable)
}

// claim reserves the task id in the in-flight set. It runs under the lane lock
// so two dispatchers can never commit the same task.
func (d *Dispatcher) claim(t Task) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.inflight[t.ID]; busy {
		return false
	}
	d.inflight[t.ID] = ""
	d.count.Add(1)
	return true
}

func (d *Dispatcher) release(taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.inflight[taskID]; ok {
		delete(d.inflight, taskID)
		d.count.Add(-1)
	}
}

// HandleResult applies an execution result: it frees the agent slot, clears
// the in-flight entry and moves the task to its next state. When the runner
// is still working past its timeout, the slot and the in-flight entry are
// held until it returns, so the retry cannot start next to it.
func (d *Dispatcher) HandleResult(res ExecutionResult) {
	if runnerReturned(res.Settled) {
		d.free(res)
	} else {
		log.Warn().Str("task", res.TaskID).Str("agent", res.AgentID).Msg("agent still running after timeout, holding its slot")
		go func() {
			<-res.Settled
			d.free(res)
			if d.wake != nil {
				d.wake()
			}
		}()
	}

	var (
		task Task
		err  error
	)
	switch res.Outcome {
	case OutcomeSuccess:
		task, err = d.queue.Complete(res.TaskID, TaskSucceeded, res.Output, "")
	case OutcomeFatal:
		task, err = d.queue.Complete(res.TaskID, TaskFailed, res.Output, res.ErrorText())
	case OutcomeCanceled:
		cause := ErrCanceled
		if errors.Is(res.Err, ErrShutdown) {
			cause = res.Err
		}
		task, err = d.queue.Abandon(res.TaskID, res.Output, cause)
	default:
		task, err = d.queue.Requeue(res.TaskID, res.ErrorText())
		if errors.Is(err, ErrMaxAttemptsExceeded) {
			log.Warn().Str("task", res.TaskID).Int("attempts", task.Attempts).Str("error", res.ErrorText()).Msg("task abandoned after exhausting attempts")
			err = nil
		} else if err == nil {
			log.Info().Str("task", res.TaskID).Int("attempt", task.Attempts).Time("not_before", task.NotBefore).Str("error", res.ErrorText()).Msg("task requeued after transient failure")
		}
	}
	if err != nil {
		log.Error().Err(err).Str("task", res.TaskID).Str("outcome", string(res.Outcome)).Msg("apply execution result")
	}

	d.events.Publish(Event{
		Kind:       EventResult,
		TaskID:     res.TaskID,
		Capability: task.Capability,
		AgentID:    res.AgentID,
		State:      task.State,
		Attempt:    task.Attempts,
		Outcome:    res.Outcome,
		Error:      res.ErrorText(),
		Duration:   res.Duration,
		At:         d.now(),
	})

	if d.wake != nil {
		d.wake()
	}
}

func runnerReturned(ch <-chan struct{}) bool {
	if ch == nil {
		return true
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// free returns the agent slot and drops the in-flight entry.
func (d *Dispatcher) free(res ExecutionResult) {
	if res.AgentID != "" {
		if _, err := d.registry.UpdateLoad(res.AgentID, -1); err != nil {
			log.Error().Err(err).Str("task", res.TaskID).Str("agent", res.AgentID).Msg("release agent slot")
		}
	}
	d.release(res.TaskID)
}

// InFlight returns a copy of the in-flight set (task id -> agent id).
func (d *Dispatcher) InFlight() map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]string, len(d.inflight))
	for k, v := range d.inflight {
		out[k] = v
	}
	return out
}

// InFlightCount returns the in-flight size without locking.
func (d *Dispatcher) InFlightCount() int { return int(d.count.Load()) }
