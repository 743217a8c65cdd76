package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/username/cashledger/src/events"
	"github.com/username/cashledger/src/logger"
	"github.com/username/cashledger/src/models"
	"github.com/username/cashledger/src/storage"
)

// ErrQueueClosed is returned by Enqueue and Flush after Stop.
var ErrQueueClosed = errors.New("ledger writer stopped")

// BatchWriter decouples submission from persistence. Producers push intents
// into a bounded channel; one goroutine owns the per-scope pending batches and
// commits them on a fixed interval, one storage transaction per scope. A
// failed scope batch is retried on later cycles up to maxAttempts, then
// dropped with an error log.
type BatchWriter struct {
	store       storage.Store
	publisher   events.Publisher
	readCache   *cache.Cache
	interval    time.Duration
	maxAttempts int

	submitCh chan models.OperationIntent
	flushCh  chan chan error
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once

	// Owned by the run goroutine. Never touched from outside it.
	pending  map[string][]models.LedgerEntry
	attempts map[string]int
}

func NewBatchWriter(store storage.Store, publisher events.Publisher, readCache *cache.Cache, interval time.Duration, queueSize, maxAttempts int) *BatchWriter {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &BatchWriter{
		store:       store,
		publisher:   publisher,
		readCache:   readCache,
		interval:    interval,
		maxAttempts: maxAttempts,
		submitCh:    make(chan models.OperationIntent, queueSize),
		flushCh:     make(chan chan error),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		pending:     make(map[string][]models.LedgerEntry),
		attempts:    make(map[string]int),
	}
}

func (w *BatchWriter) Start() {
	go w.run()
	logger.L.Info("Ledger writer started", "interval", w.interval, "queueSize", cap(w.submitCh), "maxAttempts", w.maxAttempts)
}

// Enqueue hands an intent to the writer. It blocks only on channel
// backpressure, never on persistence.
func (w *BatchWriter) Enqueue(ctx context.Context, intent models.OperationIntent) error {
	select {
	case <-w.stopCh:
		return ErrQueueClosed
	default:
	}
	select {
	case w.submitCh <- intent:
		return nil
	case <-w.stopCh:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush forces a synchronous drain-and-commit cycle and reports its result.
func (w *BatchWriter) Flush(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case w.flushCh <- reply:
	case <-w.stopCh:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop drains the channel, runs a final flush and stops the goroutine.
func (w *BatchWriter) Stop(ctx context.Context) error {
	w.stopOnce.Do(func() { close(w.stopCh) })
	select {
	case <-w.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *BatchWriter) run() {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case intent := <-w.submitCh:
			w.stage(intent)
		case <-ticker.C:
			w.flushPending(context.Background())
		case reply := <-w.flushCh:
			w.drainSubmitted()
			reply <- w.flushPending(context.Background())
		case <-w.stopCh:
			w.drainSubmitted()
			if err := w.flushPending(context.Background()); err != nil {
				logger.L.Error("Final flush on shutdown failed", "error", err)
			}
			return
		}
	}
}

// drainSubmitted empties the channel into the pending map without blocking.
func (w *BatchWriter) drainSubmitted() {
	for {
		select {
		case intent := <-w.submitCh:
			w.stage(intent)
		default:
			return
		}
	}
}

func (w *BatchWriter) stage(intent models.OperationIntent) {
	for _, leg := range intent.Legs {
		w.pending[intent.Scope] = append(w.pending[intent.Scope], models.LedgerEntry{
			Scope:       intent.Scope,
			Kind:        leg.Kind,
			Currency:    leg.Currency,
			Amount:      leg.Amount,
			Description: intent.Description,
			Timestamp:   intent.Timestamp,
		})
	}
}

// flushPending commits every staged scope batch, each in its own storage
// transaction. Scopes flush in sorted order so failures are reproducible.
func (w *BatchWriter) flushPending(ctx context.Context) error {
	if len(w.pending) == 0 {
		return nil
	}

	scopes := make([]string, 0, len(w.pending))
	for scope := range w.pending {
		scopes = append(scopes, scope)
	}
	sort.Strings(scopes)

	var errs []error
	for _, scope := range scopes {
		batch := w.pending[scope]
		ids, err := w.store.CommitBatch(ctx, batch)
		if err != nil {
			w.attempts[scope]++
			if w.attempts[scope] >= w.maxAttempts {
				logger.L.Error("Dropping batch after repeated commit failures",
					"scope", scope, "entries", len(batch), "attempts", w.attempts[scope], "error", err)
				delete(w.pending, scope)
				delete(w.attempts, scope)
			} else {
				logger.L.Warn("Batch commit failed, batch retained for retry",
					"scope", scope, "entries", len(batch), "attempt", w.attempts[scope], "error", err)
			}
			errs = append(errs, err)
			continue
		}
		delete(w.pending, scope)
		delete(w.attempts, scope)

		w.invalidateScope(scope, batch)

		event := models.BatchCommitted{
			BatchID:     uuid.NewString(),
			Scope:       scope,
			EntryIDs:    ids,
			Currencies:  batchCurrencies(batch),
			CommittedAt: time.Now().UTC(),
		}
		if err := w.publisher.PublishBatchCommitted(ctx, event); err != nil {
			logger.L.Warn("Failed to publish batch committed event",
				"scope", scope, "batchID", event.BatchID, "error", err)
		}
		logger.L.Debug("Committed batch", "scope", scope, "entries", len(batch), "batchID", event.BatchID)
	}
	return errors.Join(errs...)
}

func (w *BatchWriter) invalidateScope(scope string, batch []models.LedgerEntry) {
	if w.readCache == nil {
		return
	}
	w.readCache.Delete(balancesCacheKey(scope))
	for _, cur := range batchCurrencies(batch) {
		w.readCache.Delete(balanceCacheKey(scope, cur))
	}
}

func batchCurrencies(batch []models.LedgerEntry) []string {
	seen := make(map[string]struct{}, len(batch))
	var currencies []string
	for _, e := range batch {
		if _, ok := seen[e.Currency]; ok {
			continue
		}
		seen[e.Currency] = struct{}{}
		currencies = append(currencies, e.Currency)
	}
	sort.Strings(currencies)
	return currencies
}
