package history

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const maxPending = 1000

type pendingRecord struct {
	table     string
	rowKey    string
	userID    string
	op        Operation
	newValues map[string]string
	oldValues map[string]string
}

// Recorder is the best-effort front of the history engine. A failed write is
// queued in memory and retried on a schedule instead of failing the caller's
// CRUD operation. The queue is bounded; overflow drops the oldest entry with
// a warning.
type Recorder struct {
	engine *Engine

	mu      sync.Mutex
	pending []pendingRecord

	cron *cron.Cron
}

func NewRecorder(e *Engine) *Recorder {
	return &Recorder{engine: e, cron: cron.New()}
}

// Start schedules the retry flush. Call Stop on shutdown.
func (r *Recorder) Start() error {
	if _, err := r.cron.AddFunc("@every 1m", r.Flush); err != nil {
		return err
	}
	r.cron.Start()
	return nil
}

func (r *Recorder) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.Flush()
}

// Record writes one history entry, queueing it for retry on failure.
func (r *Recorder) Record(ctx context.Context, table, rowKey, userID string, op Operation, newValues, oldValues map[string]string) {
	if err := r.engine.Record(ctx, table, rowKey, userID, op, newValues, oldValues); err != nil {
		log.Printf("WARN history write failed for %s/%s, queued for retry: %v", table, rowKey, err)
		r.enqueue(pendingRecord{
			table: table, rowKey: rowKey, userID: userID, op: op,
			newValues: newValues, oldValues: oldValues,
		})
	}
}

func (r *Recorder) enqueue(p pendingRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) >= maxPending {
		log.Printf("WARN history retry queue full, dropping oldest entry (%s/%s)",
			r.pending[0].table, r.pending[0].rowKey)
		r.pending = r.pending[1:]
	}
	r.pending = append(r.pending, p)
}

// Flush retries every queued entry once. Entries that fail again go back on
// the queue in their original order, preserving version monotonicity.
func (r *Recorder) Flush() {
	r.mu.Lock()
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var failed []pendingRecord
	for _, p := range batch {
		if err := r.engine.Record(ctx, p.table, p.rowKey, p.userID, p.op, p.newValues, p.oldValues); err != nil {
			failed = append(failed, p)
		}
	}
	if len(failed) > 0 {
		r.mu.Lock()
		r.pending = append(failed, r.pending...)
		r.mu.Unlock()
		log.Printf("WARN history retry: %d of %d entries still failing", len(failed), len(batch))
	}
}

// PendingCount reports the queue depth, for health reporting.
func (r *Recorder) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
