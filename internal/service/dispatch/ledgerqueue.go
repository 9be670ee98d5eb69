package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/llm-relay/internal/domain"
)

// LedgerQueue decouples ledger appends from the response path. Appends retry
// with exponential backoff; when the queue is full the caller writes
// synchronously instead, so billing rows are never dropped for backpressure.
type LedgerQueue struct {
	ledger domain.LedgerRepo
	queue  chan domain.UsageEntry

	closeOnce sync.Once
	drained   chan struct{}
}

// NewLedgerQueue starts the drain worker. A zero size defaults to 256.
func NewLedgerQueue(ledger domain.LedgerRepo, size int) *LedgerQueue {
	if size <= 0 {
		size = 256
	}
	q := &LedgerQueue{
		ledger:  ledger,
		queue:   make(chan domain.UsageEntry, size),
		drained: make(chan struct{}),
	}
	go q.drain()
	return q
}

func (q *LedgerQueue) drain() {
	defer close(q.drained)
	for entry := range q.queue {
		q.append(entry)
	}
}

func (q *LedgerQueue) append(entry domain.UsageEntry) {
	op := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return q.ledger.Append(ctx, entry)
	}
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)
	if err := backoff.Retry(op, bo); err != nil {
		slog.Error("ledger append abandoned after retries",
			slog.String("ledger_id", entry.ID),
			slog.Float64("cost_usd", entry.CostUSD),
			slog.Any("error", err))
	}
}

// Enqueue hands the entry to the worker, writing synchronously when the queue
// is saturated.
func (q *LedgerQueue) Enqueue(ctx domain.Context, entry domain.UsageEntry) {
	select {
	case q.queue <- entry:
	default:
		slog.Warn("ledger queue full, appending synchronously", slog.String("ledger_id", entry.ID))
		if err := q.ledger.Append(ctx, entry); err != nil {
			q.append(entry)
		}
	}
}

// Close stops intake and waits for queued appends to finish.
func (q *LedgerQueue) Close() {
	q.closeOnce.Do(func() { close(q.queue) })
	<-q.drained
}
