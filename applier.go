package docswarm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Applier drains a PendingQueue through a Replicator with a bounded worker
// pool. Items targeting different ids run fully in parallel; items targeting
// the same id serialize on a per-id lock so the read-decide-write sequence
// stays atomic per id.
type Applier struct {
	queue      *PendingQueue
	replicator *Replicator
	workers    int
	log        *logrus.Entry

	lockMu  sync.Mutex
	idLocks map[string]*sync.Mutex
}

func NewApplier(queue *PendingQueue, replicator *Replicator, workers int, log *logrus.Entry) *Applier {
	if workers <= 0 {
		workers = DefaultApplyWorkers
	}
	return &Applier{
		queue:      queue,
		replicator: replicator,
		workers:    workers,
		log:        log.WithField("component", "applier"),
		idLocks:    make(map[string]*sync.Mutex),
	}
}

// Drain takes every pending item and runs it through the engine. Malformed
// items are rejected and marked applied so the peer's resend is refused;
// items that fail with any other error are re-queued for the next drain.
// The aggregate of all re-queued failures is returned.
func (a *Applier) Drain(ctx context.Context) error {
	items := a.queue.TakePending()
	if len(items) == 0 {
		return nil
	}

	var (
		errMu sync.Mutex
		errs  error
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)

	for _, item := range items {
		item := item
		g.Go(func() error {
			lock := a.lockFor(item.ID)
			lock.Lock()
			defer lock.Unlock()

			err := a.replicator.Replicate(ctx, item.ID, item.Meta, item.Body)
			switch {
			case err == nil:
				a.queue.MarkApplied(item)
			case errors.Is(err, ErrMalformedMetadata):
				// The peer would resend forever; refuse the version outright.
				a.log.Warnf("rejecting %s: %v", item.ID, err)
				a.queue.MarkApplied(item)
			default:
				a.log.Warnf("failed to apply %s, requeueing: %v", item.ID, err)
				a.queue.Add(item)
				errMu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("failed to apply %s: %w", item.ID, err))
				errMu.Unlock()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		errs = multierr.Append(errs, err)
	}
	return errs
}

func (a *Applier) lockFor(id string) *sync.Mutex {
	a.lockMu.Lock()
	defer a.lockMu.Unlock()

	lock, ok := a.idLocks[id]
	if !ok {
		lock = &sync.Mutex{}
		a.idLocks[id] = lock
	}
	return lock
}
