package core

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Lock order: lane.mu before taskEntry.mu. Never take a lane lock while
// holding a task lock.

type taskEntry struct {
	mu   sync.Mutex
	task Task

	// Ordering keys; only written while the entry is outside its lane.
	priority  int
	seq       uint64
	notBefore time.Time

	queued          bool
	cancelRequested bool
	cause           error
	done            chan struct{}
}

func (e *taskEntry) before(o *taskEntry) bool {
	if e.priority != o.priority {
		return e.priority > o.priority
	}
	return e.seq < o.seq
}

// lane holds the waiting tasks of one capability ordered by
// (priority desc, sequence asc).
type lane struct {
	mu    sync.Mutex
	items []*taskEntry
	depth atomic.Int64
}

func (l *lane) insert(e *taskEntry) {
	i := sort.Search(len(l.items), func(i int) bool { return e.before(l.items[i]) })
	l.items = slices.Insert(l.items, i, e)
	e.queued = true
	l.depth.Add(1)
}

func (l *lane) remove(e *taskEntry) bool {
	for i, it := range l.items {
		if it == e {
			l.items = slices.Delete(l.items, i, i+1)
			e.queued = false
			l.depth.Add(-1)
			return true
		}
	}
	return false
}

// QueueOptions configures a Queue.
type QueueOptions struct {
	DefaultMaxAttempts int
	Backoff            Backoff
	Now                func() time.Time
	// OnTransition is called after every state change, outside task locks.
	OnTransition func(Event)
}

// Queue holds tasks from submission until they reach a terminal state.
type Queue struct {
	opts QueueOptions

	lanesMu sync.RWMutex
	lanes   map[string]*lane

	tasks  sync.Map // id -> *taskEntry
	seq    atomic.Uint64
	counts [6]atomic.Int64
}

// NewQueue creates an empty queue.
func NewQueue(opts QueueOptions) *Queue {
	if opts.DefaultMaxAttempts < 1 {
		opts.DefaultMaxAttempts = 3
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Queue{opts: opts, lanes: make(map[string]*lane)}
}

func (q *Queue) lane(tag string, create bool) *lane {
	q.lanesMu.RLock()
	l, ok := q.lanes[tag]
	q.lanesMu.RUnlock()
	if ok || !create {
		return l
	}
	q.lanesMu.Lock()
	defer q.lanesMu.Unlock()
	if l, ok = q.lanes[tag]; !ok {
		l = &lane{}
		q.lanes[tag] = l
	}
	return l
}

func (q *Queue) entry(id string) (*taskEntry, error) {
	v, ok := q.tasks.Load(id)
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrUnknownTask)
	}
	return v.(*taskEntry), nil
}

// setState records a transition; the caller holds e.mu.
func (q *Queue) setState(e *taskEntry, to TaskState, now time.Time) Event {
	from := e.task.State
	if i := from.index(); i >= 0 {
		q.counts[i].Add(-1)
	}
	q.counts[to.index()].Add(1)
	e.task.State = to
	e.task.UpdatedAt = now
	if to.Terminal() {
		close(e.done)
	}
	return Event{
		Kind:       EventTransition,
		TaskID:     e.task.ID,
		Capability: e.task.Capability,
		AgentID:    e.task.AgentID,
		From:       from,
		State:      to,
		Attempt:    e.task.Attempts,
		Error:      e.task.Error,
		At:         now,
	}
}

func (q *Queue) notify(ev Event) {
	if q.opts.OnTransition != nil {
		q.opts.OnTransition(ev)
	}
}

// Enqueue stores a new task as Pending. A missing id is generated.
func (q *Queue) Enqueue(task Task) (Task, error) {
	if task.Capability == "" {
		return Task{}, ValidationError{Field: "capability", Message: "target capability is required"}
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.MaxAttempts < 1 {
		task.MaxAttempts = q.opts.DefaultMaxAttempts
	}
	now := q.opts.Now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.State = ""
	task.Attempts = 0
	task.AgentID = ""
	task.Output = nil
	task.Error = ""
	task.NotBefore = time.Time{}

	e := &taskEntry{
		task:     task,
		priority: task.Priority,
		seq:      q.seq.Add(1),
		done:     make(chan struct{}),
	}

	l := q.lane(task.Capability, true)
	l.mu.Lock()
	if _, loaded := q.tasks.LoadOrStore(task.ID, e); loaded {
		l.mu.Unlock()
		return Task{}, fmt.Errorf("enqueue %s: %w", task.ID, ErrDuplicateTask)
	}
	e.mu.Lock()
	ev := q.setState(e, TaskPending, now)
	l.insert(e)
	out := e.task
	e.mu.Unlock()
	l.mu.Unlock()

	q.notify(ev)
	return out, nil
}

// DequeueNext removes and returns the highest-priority eligible Pending task
// for tag, or ErrNotFound.
func (q *Queue) DequeueNext(tag string) (Task, error) {
	return q.dequeue(tag, nil)
}

// dequeue is DequeueNext with a claim check evaluated under the lane lock
// before removal commits. A task the claim rejects stays queued.
func (q *Queue) dequeue(tag string, claim func(Task) bool) (Task, error) {
	l := q.lane(tag, false)
	if l == nil {
		return Task{}, fmt.Errorf("dequeue %s: %w", tag, ErrNotFound)
	}
	now := q.opts.Now()

	l.mu.Lock()
	for _, e := range l.items {
		if e.notBefore.After(now) {
			continue
		}
		e.mu.Lock()
		if claim != nil && !claim(e.task) {
			e.mu.Unlock()
			continue
		}
		l.remove(e)
		ev := q.setState(e, TaskDispatched, now)
		out := e.task
		e.mu.Unlock()
		l.mu.Unlock()

		q.notify(ev)
		return out, nil
	}
	l.mu.Unlock()
	return Task{}, fmt.Errorf("dequeue %s: %w", tag, ErrNotFound)
}

// Restore puts a dequeued task that could not be placed back into its lane at
// its original position. No attempt is consumed.
func (q *Queue) Restore(id string) (Task, error) {
	e, err := q.entry(id)
	if err != nil {
		return Task{}, err
	}
	l := q.lane(e.task.Capability, true)
	now := q.opts.Now()

	l.mu.Lock()
	e.mu.Lock()
	if e.task.State != TaskDispatched {
		state := e.task.State
		e.mu.Unlock()
		l.mu.Unlock()
		return Task{}, fmt.Errorf("restore %s from %s: %w", id, state, ErrInvalidTransition)
	}
	var ev Event
	if e.cancelRequested {
		e.task.Error = ErrCanceled.Error()
		e.cause = ErrCanceled
		ev = q.setState(e, TaskAbandoned, now)
	} else {
		e.task.AgentID = ""
		ev = q.setState(e, TaskPending, now)
		l.insert(e)
	}
	out := e.task
	e.mu.Unlock()
	l.mu.Unlock()

	q.notify(ev)
	return out, nil
}

// MarkRunning moves a dispatched task to Running on agentID and counts the
// attempt. A cancel requested while dispatched yields ErrCanceled.
func (q *Queue) MarkRunning(id, agentID string) (Task, error) {
	e, err := q.entry(id)
	if err != nil {
		return Task{}, err
	}
	e.mu.Lock()
	if e.task.State != TaskDispatched {
		state := e.task.State
		e.mu.Unlock()
		return Task{}, fmt.Errorf("run %s from %s: %w", id, state, ErrInvalidTransition)
	}
	if e.cancelRequested {
		e.mu.Unlock()
		return Task{}, fmt.Errorf("run %s: %w", id, ErrCanceled)
	}
	e.task.Attempts++
	e.task.AgentID = agentID
	ev := q.setState(e, TaskRunning, q.opts.Now())
	out := e.task
	e.mu.Unlock()

	q.notify(ev)
	return out, nil
}

// Requeue handles a transient failure. Once the task has used all of its
// attempts it is Abandoned and ErrMaxAttemptsExceeded is returned; otherwise it
// goes back to Pending at its original position, eligible after the backoff.
func (q *Queue) Requeue(id, lastErr string) (Task, error) {
	e, err := q.entry(id)
	if err != nil {
		return Task{}, err
	}
	l := q.lane(e.task.Capability, true)
	now := q.opts.Now()

	l.mu.Lock()
	e.mu.Lock()
	if e.task.State != TaskRunning && e.task.State != TaskDispatched {
		state := e.task.State
		e.mu.Unlock()
		l.mu.Unlock()
		return Task{}, fmt.Errorf("requeue %s from %s: %w", id, state, ErrInvalidTransition)
	}
	e.task.Error = lastErr

	var (
		ev      Event
		callErr error
	)
	switch {
	case e.cancelRequested:
		e.task.Error = ErrCanceled.Error()
		e.cause = ErrCanceled
		ev = q.setState(e, TaskAbandoned, now)
	case e.task.Attempts >= e.task.MaxAttempts:
		e.cause = fmt.Errorf("task %s after %d attempts: %w", id, e.task.Attempts, ErrMaxAttemptsExceeded)
		if lastErr != "" {
			e.task.Error = fmt.Sprintf("%s: %s", ErrMaxAttemptsExceeded, lastErr)
		} else {
			e.task.Error = ErrMaxAttemptsExceeded.Error()
		}
		ev = q.setState(e, TaskAbandoned, now)
		callErr = e.cause
	default:
		e.notBefore = now.Add(q.opts.Backoff.Delay(e.task.Attempts))
		e.task.NotBefore = e.notBefore
		e.task.AgentID = ""
		ev = q.setState(e, TaskPending, now)
		l.insert(e)
	}
	out := e.task
	e.mu.Unlock()
	l.mu.Unlock()

	q.notify(ev)
	return out, callErr
}

// Complete moves an in-flight task to a terminal state.
func (q *Queue) Complete(id string, state TaskState, output []byte, errText string) (Task, error) {
	return q.complete(id, state, output, errText, nil)
}

// Abandon moves an in-flight task to Abandoned, recording cause as its error.
// Await returns cause for the task.
func (q *Queue) Abandon(id string, output []byte, cause error) (Task, error) {
	if cause == nil {
		cause = ErrCanceled
	}
	return q.complete(id, TaskAbandoned, output, cause.Error(), cause)
}

func (q *Queue) complete(id string, state TaskState, output []byte, errText string, cause error) (Task, error) {
	if !state.Terminal() {
		return Task{}, fmt.Errorf("complete %s as %s: %w", id, state, ErrInvalidTransition)
	}
	e, err := q.entry(id)
	if err != nil {
		return Task{}, err
	}
	e.mu.Lock()
	if e.task.State != TaskRunning && e.task.State != TaskDispatched {
		from := e.task.State
		e.mu.Unlock()
		return Task{}, fmt.Errorf("complete %s from %s: %w", id, from, ErrInvalidTransition)
	}
	e.task.Output = output
	e.task.Error = errText
	switch {
	case cause != nil:
		e.cause = cause
	case state == TaskAbandoned && e.cancelRequested:
		e.cause = ErrCanceled
	}
	ev := q.setState(e, state, q.opts.Now())
	out := e.task
	e.mu.Unlock()

	q.notify(ev)
	return out, nil
}

// Cancel removes a Pending task from its lane and abandons it. For a task that
// is Dispatched or Running the cancel is recorded and the returned state tells
// the caller to signal the executing agent.
func (q *Queue) Cancel(id string) (Task, error) {
	e, err := q.entry(id)
	if err != nil {
		return Task{}, err
	}
	l := q.lane(e.task.Capability, true)

	l.mu.Lock()
	e.mu.Lock()
	var ev *Event
	switch e.task.State {
	case TaskPending:
		l.remove(e)
		e.cancelRequested = true
		e.cause = ErrCanceled
		e.task.Error = ErrCanceled.Error()
		t := q.setState(e, TaskAbandoned, q.opts.Now())
		ev = &t
	case TaskDispatched, TaskRunning:
		e.cancelRequested = true
	default:
		state := e.task.State
		e.mu.Unlock()
		l.mu.Unlock()
		return Task{}, fmt.Errorf("cancel %s in %s: %w", id, state, ErrInvalidTransition)
	}
	out := e.task
	e.mu.Unlock()
	l.mu.Unlock()

	if ev != nil {
		q.notify(*ev)
	}
	return out, nil
}

// Get returns a copy of the task.
func (q *Queue) Get(id string) (Task, error) {
	e, err := q.entry(id)
	if err != nil {
		return Task{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task, nil
}

// Await blocks until the task reaches a terminal state or ctx is done. Tasks
// abandoned by retry exhaustion or cancellation return the cause as error.
func (q *Queue) Await(ctx context.Context, id string) (Task, error) {
	e, err := q.entry(id)
	if err != nil {
		return Task{}, err
	}
	select {
	case <-e.done:
	case <-ctx.Done():
		return Task{}, ctx.Err()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task, e.cause
}

// TaskFilter narrows List results. Zero fields match everything.
type TaskFilter struct {
	State      TaskState
	Capability string
	Limit      int
}

// List returns tasks in submission order.
func (q *Queue) List(f TaskFilter) []Task {
	type item struct {
		seq  uint64
		task Task
	}
	var items []item
	q.tasks.Range(func(_, v any) bool {
		e := v.(*taskEntry)
		e.mu.Lock()
		t := e.task
		e.mu.Unlock()
		if f.State != "" && t.State != f.State {
			return true
		}
		if f.Capability != "" && t.Capability != f.Capability {
			return true
		}
		items = append(items, item{seq: e.seq, task: t})
		return true
	})
	sort.Slice(items, func(i, j int) bool { return items[i].seq < items[j].seq })
	if f.Limit > 0 && len(items) > f.Limit {
		items = items[len(items)-f.Limit:]
	}
	out := make([]Task, len(items))
	for i, it := range items {
		out[i] = it.task
	}
	return out
}

// Capabilities returns the tags that currently have waiting tasks, sorted.
func (q *Queue) Capabilities() []string {
	q.lanesMu.RLock()
	defer q.lanesMu.RUnlock()
	var tags []string
	for tag, l := range q.lanes {
		if l.depth.Load() > 0 {
			tags = append(tags, tag)
		}
	}
	sort.Strings(tags)
	return tags
}

// Depths returns the number of waiting tasks per capability.
func (q *Queue) Depths() map[string]int64 {
	q.lanesMu.RLock()
	defer q.lanesMu.RUnlock()
	out := make(map[string]int64, len(q.lanes))
	for tag, l := range q.lanes {
		out[tag] = l.depth.Load()
	}
	return out
}

// Counts returns how many tasks are currently in each state.
func (q *Queue) Counts() map[TaskState]int64 {
	out := make(map[TaskState]int64, len(TaskStates))
	for i, st := range TaskStates {
		out[st] = q.counts[i].Load()
	}
	return out
}
