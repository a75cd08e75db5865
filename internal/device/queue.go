package device

import (
	"fmt"
	"sync"
)

// cpuEvent completes when its command has run.
type cpuEvent struct {
	done chan struct{}
	err  error
}

func newCPUEvent() *cpuEvent {
	return &cpuEvent{done: make(chan struct{})}
}

func (e *cpuEvent) Wait() error {
	<-e.done
	return e.err
}

type command struct {
	run   func() error
	wait  []*cpuEvent
	event *cpuEvent
}

// commandQueue executes commands one at a time, in submission order, on a
// dedicated goroutine.
type commandQueue struct {
	mu       sync.Mutex
	commands chan command
	stopped  chan struct{}
	closed   bool
	barrier  *cpuEvent

	errMu    sync.Mutex
	firstErr error
}

func newCommandQueue(depth int) *commandQueue {
	q := &commandQueue{
		commands: make(chan command, depth),
		stopped:  make(chan struct{}),
	}
	go q.loop()
	return q
}

func (q *commandQueue) loop() {
	defer close(q.stopped)
	for cmd := range q.commands {
		cmd.event.err = q.execute(cmd)
		if cmd.event.err != nil {
			q.errMu.Lock()
			if q.firstErr == nil {
				q.firstErr = cmd.event.err
			}
			q.errMu.Unlock()
		}
		close(cmd.event.done)
	}
}

func (q *commandQueue) execute(cmd command) error {
	for _, dep := range cmd.wait {
		if err := dep.Wait(); err != nil {
			return fmt.Errorf("dependency failed: %w", err)
		}
	}
	return cmd.run()
}

// enqueue submits run after every event in wait and after the most recent
// barrier.
func (q *commandQueue) enqueue(run func() error, wait []Event) (*cpuEvent, error) {
	deps := make([]*cpuEvent, 0, len(wait)+1)
	for _, e := range wait {
		ce, ok := e.(*cpuEvent)
		if !ok {
			return nil, fmt.Errorf("wait list holds a foreign event %T", e)
		}
		deps = append(deps, ce)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enqueueLocked(run, deps)
}

func (q *commandQueue) enqueueLocked(run func() error, deps []*cpuEvent) (*cpuEvent, error) {
	if q.closed {
		return nil, fmt.Errorf("command queue is closed")
	}
	if q.barrier != nil {
		deps = append(deps, q.barrier)
	}

	ev := newCPUEvent()
	q.commands <- command{run: run, wait: deps, event: ev}
	return ev, nil
}

// enqueueBarrier submits a marker that depends on everything submitted so far and
// that every later command depends on.
func (q *commandQueue) enqueueBarrier() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	ev, err := q.enqueueLocked(func() error { return nil }, nil)
	if err != nil {
		return err
	}
	q.barrier = ev
	return nil
}

// finish waits for all submitted commands and returns the first failure
// since the previous finish.
func (q *commandQueue) finish() error {
	ev, err := q.enqueue(func() error { return nil }, nil)
	if err != nil {
		return err
	}
	<-ev.done

	q.errMu.Lock()
	defer q.errMu.Unlock()
	err, q.firstErr = q.firstErr, nil
	return err
}

func (q *commandQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.commands)
	q.mu.Unlock()
	<-q.stopped
}
