// Package scheduler runs background work in named single-occupancy slots.
//
// A slot holds at most one job. Enqueueing with Replace cancels the occupant
// and the new job body only starts once the previous one has returned, so two
// jobs of the same slot never execute at the same time.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

const defaultPollInterval = 30 * time.Second

// Policy decides what happens when a slot is already occupied.
type Policy int

const (
	// Replace cancels the current occupant and supersedes it.
	Replace Policy = iota
	// Keep leaves the occupant alone and rejects the new job.
	Keep
)

var (
	// ErrReplaced is the cancellation cause seen by a job superseded through Replace.
	ErrReplaced = errors.New("job replaced")
	// ErrCancelled is the cancellation cause seen by a job stopped through Cancel.
	ErrCancelled = errors.New("job cancelled")
	// ErrShutdown is the cancellation cause seen by jobs stopped through Shutdown.
	ErrShutdown = errors.New("scheduler shut down")
	// ErrSlotOccupied is returned by Enqueue with Keep when the slot is busy.
	ErrSlotOccupied = errors.New("job slot occupied")
)

// Task is the body of a scheduled job. It must return once ctx is done.
type Task func(ctx context.Context)

type job struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Scheduler owns the named slots.
type Scheduler struct {
	conditions   Conditions
	pollInterval time.Duration

	mu    sync.Mutex
	slots map[string]*atomic.Pointer[job]

	wg sync.WaitGroup
}

// New creates a scheduler that evaluates constraints with conditions.
func New(conditions Conditions) *Scheduler {
	return &Scheduler{
		conditions:   conditions,
		pollInterval: defaultPollInterval,
		slots:        make(map[string]*atomic.Pointer[job]),
	}
}

// WithPollInterval overrides how often unmet constraints are re-evaluated.
func (s *Scheduler) WithPollInterval(d time.Duration) *Scheduler {
	s.pollInterval = d
	return s
}

func (s *Scheduler) slot(name string) *atomic.Pointer[job] {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.slots[name]
	if !ok {
		p = &atomic.Pointer[job]{}
		s.slots[name] = p
	}
	return p
}

// Enqueue places task into the named slot. The task context derives from ctx and
// is cancelled with ErrReplaced or ErrCancelled when the job is superseded or stopped.
func (s *Scheduler) Enqueue(ctx context.Context, name string, policy Policy, constraints Constraints, task Task) error {
	slot := s.slot(name)

	jobCtx, cancel := context.WithCancelCause(ctx)
	j := &job{cancel: cancel, done: make(chan struct{})}

	var prev *job
	switch policy {
	case Keep:
		if !slot.CompareAndSwap(nil, j) {
			cancel(ErrSlotOccupied)
			return ErrSlotOccupied
		}
	default:
		prev = slot.Swap(j)
		if prev != nil {
			log.Debugf("replacing job in slot %s", name)
			prev.cancel(ErrReplaced)
		}
	}

	s.wg.Add(1)
	go s.run(jobCtx, name, slot, j, prev, constraints, task)
	return nil
}

func (s *Scheduler) run(ctx context.Context, name string, slot *atomic.Pointer[job], j, prev *job, constraints Constraints, task Task) {
	defer s.wg.Done()
	defer close(j.done)
	defer j.cancel(nil)
	defer slot.CompareAndSwap(j, nil)

	if prev != nil {
		select {
		case <-prev.done:
		case <-ctx.Done():
			return
		}
	}

	if !s.awaitConstraints(ctx, name, constraints) {
		return
	}

	task(ctx)
}

func (s *Scheduler) awaitConstraints(ctx context.Context, name string, c Constraints) bool {
	if c.satisfied(ctx, s.conditions) {
		return true
	}

	log.Infof("job %s deferred until constraints are met: %s", name, c)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if c.satisfied(ctx, s.conditions) {
				log.Debugf("constraints met for job %s", name)
				return true
			}
		}
	}
}

// Cancel stops the job occupying the slot. The slot stays occupied until the
// job body has returned. It reports whether a job was present.
func (s *Scheduler) Cancel(name string) bool {
	j := s.slot(name).Load()
	if j == nil {
		return false
	}
	j.cancel(ErrCancelled)
	return true
}

// IsRunning reports whether the named slot is occupied, including a job that
// is still waiting for its constraints.
func (s *Scheduler) IsRunning(name string) bool {
	return s.slot(name).Load() != nil
}

// Done returns a channel closed once the current occupant of the slot has
// finished. An empty slot returns a closed channel.
func (s *Scheduler) Done(name string) <-chan struct{} {
	j := s.slot(name).Load()
	if j == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return j.done
}

// Shutdown cancels every job and waits for all of them to return.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	for _, slot := range s.slots {
		if j := slot.Load(); j != nil {
			j.cancel(ErrShutdown)
		}
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// RunPeriodic calls fn immediately and then every interval until ctx is done.
func RunPeriodic(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	fn(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}
