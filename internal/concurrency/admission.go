// Package concurrency bounds how many debates may run at once with a
// two-tier weighted semaphore: a small "running" permit set and a larger
// "queued" permit set sitting in front of it. A caller that cannot even
// get a queue slot is rejected immediately rather than left waiting
// behind an unbounded backlog.
package concurrency

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/vulcanhelix/reasonarena/internal/apperr"
)

// Admission gates debate starts under a running cap and a queue cap.
type Admission struct {
	running *semaphore.Weighted
	queue   *semaphore.Weighted
}

// New builds an Admission with maxConcurrent running slots and
// maxQueued queue slots. maxQueued should be >= maxConcurrent; a queued
// request occupies a queue slot for as long as it waits for a running
// slot, including the time it spends actually running.
func New(maxConcurrent, maxQueued int) *Admission {
	return &Admission{
		running: semaphore.NewWeighted(int64(maxConcurrent)),
		queue:   semaphore.NewWeighted(int64(maxQueued)),
	}
}

// Ticket represents one admitted debate's claim on both semaphores.
// Release must be called exactly once, when the debate finishes.
type Ticket struct {
	admission *Admission
}

// Release frees the running and queue slots this ticket holds.
func (t Ticket) Release() {
	t.admission.running.Release(1)
	t.admission.queue.Release(1)
}

// Acquire reserves a queue slot immediately (failing fast with
// apperr.Busy if none is free), then blocks on ctx until a running slot
// opens up. A caller that gives up should not call Release; Acquire
// releases the queue slot itself on a failed or cancelled wait.
func (a *Admission) Acquire(ctx context.Context) (Ticket, error) {
	if !a.queue.TryAcquire(1) {
		return Ticket{}, apperr.New(apperr.Busy, "debate queue is full")
	}

	if err := a.running.Acquire(ctx, 1); err != nil {
		a.queue.Release(1)
		if ctx.Err() != nil {
			return Ticket{}, apperr.New(apperr.Cancelled, "cancelled while queued")
		}
		return Ticket{}, apperr.Wrap(apperr.Internal, "acquire running slot", err)
	}

	return Ticket{admission: a}, nil
}
