package scoring

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/enterprise/txn-sentinel/configs"
	"github.com/enterprise/txn-sentinel/internal/models"
)

// laneTimeout bounds the evaluation half of a job. The persistence tail runs
// under its own timeout inside the engine.
const laneTimeout = 15 * time.Second

// ErrDispatcherStopped is returned by Submit after Stop has begun.
var ErrDispatcherStopped = errors.New("dispatcher stopped")

type jobReply struct {
	result *models.EvaluationResult
	err    error
}

type job struct {
	txn   models.Transaction
	reply chan jobReply
}

// Dispatcher fans transactions out to a fixed set of lanes, one goroutine
// each, keyed by client ID. All transactions for a client land on the same
// lane, which is what makes the engine's profile and counter updates safe
// without per-client locks and keeps evaluation order per client.
type Dispatcher struct {
	engine *Engine
	lanes  []chan job
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewDispatcher sizes the lane set from the worker config. Call Start before
// Submit.
func NewDispatcher(engine *Engine, cfg configs.WorkerConfig) *Dispatcher {
	shards := cfg.Shards
	if shards < 1 {
		shards = 1
	}
	depth := cfg.BatchSize
	if depth < 1 {
		depth = 1
	}
	lanes := make([]chan job, shards)
	for i := range lanes {
		lanes[i] = make(chan job, depth)
	}
	return &Dispatcher{engine: engine, lanes: lanes}
}

// Start launches one goroutine per lane.
func (d *Dispatcher) Start() {
	for i := range d.lanes {
		d.wg.Add(1)
		go d.run(i)
	}
	log.Info().Int("lanes", len(d.lanes)).Msg("Dispatcher started")
}

// Stop closes the lanes and waits for queued jobs to drain. Submits that
// arrive afterwards fail with ErrDispatcherStopped.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, lane := range d.lanes {
		close(lane)
	}
	d.mu.Unlock()

	d.wg.Wait()
	log.Info().Msg("Dispatcher stopped")
}

// Submit queues the transaction on its client's lane and blocks until the
// composite score is ready. The persistence tail keeps running on the lane
// after Submit returns.
func (d *Dispatcher) Submit(ctx context.Context, txn models.Transaction) (*models.EvaluationResult, error) {
	j := job{txn: txn, reply: make(chan jobReply, 1)}

	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return nil, ErrDispatcherStopped
	}
	lane := d.lanes[laneFor(txn.ClientID, len(d.lanes))]
	select {
	case lane <- j:
		d.mu.RUnlock()
	case <-ctx.Done():
		d.mu.RUnlock()
		return nil, ctx.Err()
	}

	select {
	case reply := <-j.reply:
		return reply.result, reply.err
	case <-ctx.Done():
		// The lane still finishes the job; the buffered reply is dropped.
		return nil, ctx.Err()
	}
}

func (d *Dispatcher) run(lane int) {
	defer d.wg.Done()
	for j := range d.lanes[lane] {
		d.handle(j)
	}
}

func (d *Dispatcher) handle(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), laneTimeout)
	defer cancel()

	scored := false
	err := d.engine.process(ctx, j.txn, func(res *models.EvaluationResult) {
		scored = true
		j.reply <- jobReply{result: res}
	})
	if err != nil {
		log.Error().Err(err).
			Str("txn_id", j.txn.TxnID).
			Str("client_id", j.txn.ClientID).
			Msg("Transaction evaluation failed")
		if !scored {
			j.reply <- jobReply{err: err}
		}
	}
}

func laneFor(clientID string, lanes int) int {
	h := fnv.New32a()
	h.Write([]byte(clientID))
	return int(h.Sum32() % uint32(lanes))
}
