package queue

import (
	"context"
	"sync"

	"github.com/cenkalti/backoff/v4"

	"go.skia.org/infra/go/sklog"

	"go.capsync.dev/sync/go/remote"
	"go.capsync.dev/sync/go/types"
)

// keyBuffer is the per-key backlog size of the in-memory queue. Local dev
// never gets anywhere near this.
const keyBuffer = 128

// Memory is an in-process Publisher for tests and local development. It
// mimics the Pub/Sub semantics that matter: per-key FIFO (one goroutine per
// task id) and at-least-once delivery (failed handler calls are retried with
// exponential backoff).
type Memory struct {
	handler     Handler
	maxAttempts uint64

	mtx   sync.Mutex
	chans map[string]chan *types.Job
	wg    sync.WaitGroup
}

// NewMemory returns a Memory queue delivering to the given handler. A job is
// dropped after maxAttempts failed deliveries.
func NewMemory(handler Handler, maxAttempts uint64) *Memory {
	return &Memory{
		handler:     handler,
		maxAttempts: maxAttempts,
		chans:       map[string]chan *types.Job{},
	}
}

// Publish implements Publisher.
func (m *Memory) Publish(_ context.Context, job *types.Job) error {
	m.mtx.Lock()
	ch, ok := m.chans[job.TaskID]
	if !ok {
		ch = make(chan *types.Job, keyBuffer)
		m.chans[job.TaskID] = ch
		go m.drain(ch)
	}
	m.mtx.Unlock()

	m.wg.Add(1)
	ch <- job
	return nil
}

// Wait blocks until every published job has been delivered (or given up on).
func (m *Memory) Wait() {
	m.wg.Wait()
}

func (m *Memory) drain(ch chan *types.Job) {
	for job := range ch {
		m.deliver(job)
		m.wg.Done()
	}
}

func (m *Memory) deliver(job *types.Job) {
	ctx := context.Background()
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), m.maxAttempts)
	err := backoff.Retry(func() error {
		err := m.handler(ctx, job)
		if remote.Permanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
	if err != nil {
		sklog.Errorf("Dropping %s job for task %s after %d attempts: %s", job.Action, job.TaskID, m.maxAttempts+1, err)
	}
}
