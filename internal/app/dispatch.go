package app

import (
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"

	"github.com/ekinoks/chatrelay/internal/core"
)

// Task is one unit of room-mutating work: classify + persist + broadcast
// for a single inbound line.
type Task func()

// Dispatcher runs tasks on a fixed-size worker pool while keeping tasks
// from the same session in submit order. Each session owns a bounded
// FIFO queue; at most one drainer per session is ever scheduled on the
// pool, so workers can never race two lines from the same client.
// Cross-session ordering is unspecified.
type Dispatcher struct {
	pool      *pool.Pool
	queueSize int

	mu     sync.Mutex
	queues map[core.SessionID]*sessionQueue
}

type sessionQueue struct {
	tasks chan Task

	mu      sync.Mutex
	running bool
	dead    bool
}

func NewDispatcher(workers, queueSize int) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	return &Dispatcher{
		pool:      pool.New().WithMaxGoroutines(workers),
		queueSize: queueSize,
		queues:    make(map[core.SessionID]*sessionQueue),
	}
}

// Submit enqueues a task behind everything already submitted for the
// session. Blocks when the session's queue is full; that backpressure is
// the only way the read loop ever waits on dispatch. Tasks for a
// forgotten session are dropped.
func (d *Dispatcher) Submit(sid core.SessionID, t Task) {
	d.mu.Lock()
	q, ok := d.queues[sid]
	if !ok {
		q = &sessionQueue{tasks: make(chan Task, d.queueSize)}
		d.queues[sid] = q
	}
	d.mu.Unlock()

	q.mu.Lock()
	if q.dead {
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()

	q.tasks <- t

	q.mu.Lock()
	if !q.running {
		q.running = true
		d.pool.Go(func() { d.drain(sid, q) })
	}
	q.mu.Unlock()
}

// drain runs queued tasks in order. The final emptiness check happens
// under q.mu, the same lock Submit uses to decide whether to schedule a
// new drainer, so a task can never be left behind with no drainer. A
// queue marked dead while its drainer was busy is retired here.
func (d *Dispatcher) drain(sid core.SessionID, q *sessionQueue) {
	for {
		select {
		case t := <-q.tasks:
			t()
			continue
		default:
		}
		q.mu.Lock()
		select {
		case t := <-q.tasks:
			q.mu.Unlock()
			t()
		default:
			q.running = false
			dead := q.dead
			q.mu.Unlock()
			if dead {
				d.retire(sid, q)
			}
			return
		}
	}
}

// Forget retires the session's queue once its final task has been
// submitted. Later submissions for the session are dropped while the
// queue winds down; callers must not submit for the session again.
func (d *Dispatcher) Forget(sid core.SessionID) {
	d.mu.Lock()
	q, ok := d.queues[sid]
	d.mu.Unlock()
	if !ok {
		return
	}
	q.mu.Lock()
	q.dead = true
	running := q.running
	q.mu.Unlock()
	if !running {
		d.retire(sid, q)
	}
}

func (d *Dispatcher) retire(sid core.SessionID, q *sessionQueue) {
	d.mu.Lock()
	if d.queues[sid] == q {
		delete(d.queues, sid)
	}
	d.mu.Unlock()
}

// Close waits for all in-flight and queued work to finish. Submit must
// not be called afterwards.
func (d *Dispatcher) Close() {
	d.pool.Wait()
	log.Info().Str("module", "app.dispatch").Msg("dispatcher drained")
}
