package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/Webinfinity/embedly/internal/provider"
	"github.com/Webinfinity/embedly/internal/queue"
	"github.com/Webinfinity/embedly/internal/redact"
)

const (
	// DefaultRecorderQueueSize bounds load records waiting to be written.
	DefaultRecorderQueueSize = 256

	recordBatchSize = 32

	// recordTimeout bounds the write made for each load record.
	recordTimeout = 5 * time.Second
)

// Recorder persists registry load outcomes in the background. Registry
// observers run on the loading goroutine, so OnRegistryEvent only queues the
// record and Run performs the writes.
type Recorder struct {
	store  Store
	queue  *queue.Queue[*LoadRecord]
	logger *slog.Logger
}

// NewRecorder creates a recorder writing to st. A queueSize <= 0 uses
// DefaultRecorderQueueSize.
func NewRecorder(st Store, queueSize int, logger *slog.Logger) *Recorder {
	if queueSize <= 0 {
		queueSize = DefaultRecorderQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:  st,
		queue:  queue.New[*LoadRecord](queueSize),
		logger: logger,
	}
}

// OnRegistryEvent queues finished loads. It implements provider.Observer.
func (r *Recorder) OnRegistryEvent(ev provider.Event) {
	rec := loadRecordFromEvent(ev)
	if rec == nil {
		return
	}
	// Failures are what operators look for in the history, keep them longest.
	prio := queue.PriorityNormal
	if rec.Outcome == OutcomeFailed {
		prio = queue.PriorityHigh
	}
	if r.queue.Push(rec, prio) {
		r.logger.Warn("load history queue full, dropped a record", "load_id", rec.ID)
	}
}

// Run writes queued records until ctx is done, then writes whatever is
// still queued and returns.
func (r *Recorder) Run(ctx context.Context) {
	for {
		r.drain()
		if !r.queue.Wait(ctx) {
			break
		}
	}
	r.queue.Close()
	r.drain()
}

// Pending returns the number of records not yet written.
func (r *Recorder) Pending() int {
	return r.queue.Len()
}

func (r *Recorder) drain() {
	for {
		batch := r.queue.PopBatch(recordBatchSize)
		if len(batch) == 0 {
			return
		}
		for _, rec := range batch {
			ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
			if err := r.store.RecordLoad(ctx, rec); err != nil {
				r.logger.Warn("failed to record provider load", "load_id", rec.ID, "error", err)
			}
			cancel()
		}
	}
}

// loadRecordFromEvent maps a finished load to a history record. Other events
// yield nil.
func loadRecordFromEvent(ev provider.Event) *LoadRecord {
	rec := &LoadRecord{
		ID:        ev.LoadID,
		Refresh:   ev.Refresh,
		Timestamp: ev.Timestamp,
	}
	switch ev.Type {
	case provider.EventLoaded:
		rec.Outcome = OutcomeLoaded
		rec.Providers = ev.Providers
	case provider.EventLoadFailed:
		rec.Outcome = OutcomeFailed
		rec.Kind = string(ev.Kind)
		if ev.Err != nil {
			rec.Error = redact.Text(ev.Err.Error())
		}
	default:
		return nil
	}
	return rec
}

var _ provider.Observer = (*Recorder)(nil)
