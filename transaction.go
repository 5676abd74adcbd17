package buntree

import (
	"context"
	"fmt"
	"sync"

	"github.com/kartikbazzad/bunbase/buntree/internal/prometrics"
)

// TransactionFn transforms the current value of a node. current is nil when
// the node does not exist. Returning ok=false aborts the transaction.
type TransactionFn func(current any) (newValue any, ok bool)

// TransactionResult reports the outcome of a committed or aborted
// transaction. Snapshot holds the node's final value.
type TransactionResult struct {
	Committed bool
	Snapshot  *Snapshot
}

// maxTxAttempts bounds compare-and-set retries under contention.
const maxTxAttempts = 25

type txJob struct {
	ctx          context.Context
	ref          *Reference
	fn           TransactionFn
	applyLocally bool
	out          chan txOutcome
}

type txOutcome struct {
	res *TransactionResult
	err error
}

// txQueue serializes transactions for one Database through a single
// worker, so concurrent transactions on the same path do not race each
// other locally; the server's revision check handles everything else.
type txQueue struct {
	db       *Database
	jobs     chan *txJob
	done     chan struct{}
	stopOnce sync.Once
}

func newTxQueue(db *Database) *txQueue {
	q := &txQueue{
		db:   db,
		jobs: make(chan *txJob, 16),
		done: make(chan struct{}),
	}
	go q.worker()
	return q
}

func (q *txQueue) worker() {
	for {
		select {
		case <-q.done:
			return
		case job := <-q.jobs:
			res, err := q.execute(job)
			job.out <- txOutcome{res: res, err: err}
		}
	}
}

// stop shuts the queue down and fails every job still waiting in it, so no
// caller is left blocked on an outcome the worker will never produce.
func (q *txQueue) stop() {
	q.stopOnce.Do(func() {
		close(q.done)
		for {
			select {
			case job := <-q.jobs:
				job.out <- txOutcome{err: ErrDatabaseClosed}
			default:
				return
			}
		}
	})
}

// run submits a transaction and waits for its outcome. Exactly one of
// result and error is non-nil. A Close while the transaction is queued or
// in flight resolves it with ErrDatabaseClosed.
func (q *txQueue) run(ctx context.Context, ref *Reference, fn TransactionFn, applyLocally bool) (*TransactionResult, error) {
	job := &txJob{ctx: ctx, ref: ref, fn: fn, applyLocally: applyLocally, out: make(chan txOutcome, 1)}
	select {
	case q.jobs <- job:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.done:
		return nil, ErrDatabaseClosed
	}
	select {
	case outcome := <-job.out:
		return outcome.res, outcome.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.done:
		// An outcome that raced the shutdown still wins.
		select {
		case outcome := <-job.out:
			return outcome.res, outcome.err
		default:
		}
		return nil, ErrDatabaseClosed
	}
}

func (q *txQueue) execute(job *txJob) (*TransactionResult, error) {
	ctx, ref := job.ctx, job.ref
	path := ref.path

	data, rev, err := q.db.transport.Once(ctx, path, "", nil, string(EventValue))
	if err != nil {
		prometrics.IncOp("transaction", err)
		return nil, mapTransportError(err)
	}

	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		newValue, ok := job.fn(data)
		if !ok {
			prometrics.IncOp("transaction", nil)
			return &TransactionResult{Committed: false, Snapshot: newSnapshot(ref, data)}, nil
		}

		env, err := envelope(newValue)
		if err != nil {
			return nil, err
		}
		if err := q.db.validateWrite(path, env.Value); err != nil {
			return nil, err
		}
		if job.applyLocally {
			// Optimistic local event before the server acknowledges.
			q.db.registry.Dispatch(path, "", string(EventValue), env.Value)
		}

		committed, curData, curRev, err := q.db.transport.CompareAndSet(ctx, path, rev, env)
		if err != nil {
			prometrics.IncOp("transaction", err)
			return nil, mapTransportError(err)
		}
		if committed {
			q.db.cache.Put(path, "", curData, curRev)
			prometrics.IncOp("transaction", nil)
			return &TransactionResult{Committed: true, Snapshot: newSnapshot(ref, curData)}, nil
		}
		// Lost the race: rerun fn against the server's current state.
		data, rev = curData, curRev
	}

	return nil, fmt.Errorf("%w: %s", ErrTooManyRetries, path)
}
