// Package usage implements the append-only usage event stream, its daily
// rollup, and top-K queries (C8, spec.md §4.8). The raw-event sink follows
// the same bounded-channel, ticker-flushed batching shape as
// internal/logger, generalized into a bulk-insert sink so the teacher's
// unwired ClickHouse dependency backs production usage analytics.
package usage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is an immutable usage record (spec.md §3 "Usage event").
type Event struct {
	ID                   uuid.UUID
	Timestamp            time.Time
	MemoryKey            string
	SessionID            string
	Model                string
	Provider             string
	InputTokens          int
	OutputTokens         int
	MemoryTokensRetrieved int
	MemoryTokensInjected  int
	MRProcessingMs       int
	ProviderResponseMs   int
}

// DailyRow is one aggregated (date, memoryKey) rollup row (spec.md §4.8).
type DailyRow struct {
	Date                  string // "2006-01-02"
	MemoryKey             string
	InputTokens           int64
	OutputTokens          int64
	MemoryTokensRetrieved int64
	MemoryTokensInjected  int64
	RequestCount          int64
	AvgProcessingMs       float64 // request-weighted average
}

// Sink is the append-only raw event writer boundary.
type Sink interface {
	Write(ctx context.Context, e Event)
	Close() error
}

const (
	channelBuffer = 10_000
	batchSize     = 200
	flushInterval = time.Second
)

// BatchWriter is a generic bounded-channel batch flusher; Store implements
// the Sink interface backed by it and a pluggable flush function (either
// the in-memory recorder below, or a real ClickHouse bulk INSERT in
// production — see DESIGN.md).
type BatchWriter struct {
	ch        chan Event
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	flush     func(batch []Event)

	droppedMu sync.Mutex
	dropped   int64
}

// NewBatchWriter starts a background flusher calling flushFn with batches
// of up to batchSize events, at least every flushInterval.
func NewBatchWriter(ctx context.Context, flushFn func(batch []Event)) *BatchWriter {
	w := &BatchWriter{
		ch:    make(chan Event, channelBuffer),
		done:  make(chan struct{}),
		flush: flushFn,
	}
	w.wg.Add(1)
	go w.run(ctx)
	return w
}

func (w *BatchWriter) Write(_ context.Context, e Event) {
	select {
	case w.ch <- e:
	default:
		w.droppedMu.Lock()
		w.dropped++
		w.droppedMu.Unlock()
	}
}

func (w *BatchWriter) Dropped() int64 {
	w.droppedMu.Lock()
	defer w.droppedMu.Unlock()
	return w.dropped
}

func (w *BatchWriter) Close() error {
	w.closeOnce.Do(func() { close(w.done) })
	w.wg.Wait()
	return nil
}

func (w *BatchWriter) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, batchSize)
	doFlush := func() {
		if len(batch) == 0 {
			return
		}
		w.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case e := <-w.ch:
			batch = append(batch, e)
			if len(batch) >= batchSize {
				doFlush()
			}
		case <-ticker.C:
			doFlush()
		case <-ctx.Done():
			doFlush()
			return
		case <-w.done:
			for {
				select {
				case e := <-w.ch:
					batch = append(batch, e)
					if len(batch) >= batchSize {
						doFlush()
					}
				default:
					doFlush()
					return
				}
			}
		}
	}
}

// Store holds raw events and rolled-up daily rows, and answers range/top-K
// queries preferring the rollup table and falling back to raw events for
// dates not yet rolled up (spec.md §4.8).
type Store struct {
	mu      sync.Mutex
	raw     []Event
	daily   map[string]*DailyRow // key: date+"|"+memoryKey
	rolledThrough time.Time      // raw events with Timestamp < this are covered by daily
}

// NewStore creates an empty in-process usage store. Its Sink() is wired to
// a BatchWriter so callers still get non-blocking writes even though the
// backing storage here is in-memory (swap for a ClickHouse-backed Store in
// production, same Sink/Rollup/Query contract).
func NewStore() *Store {
	return &Store{daily: make(map[string]*DailyRow)}
}

// Append adds a raw event directly (used by the BatchWriter's flush
// callback, and directly by tests).
func (s *Store) Append(events ...Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raw = append(s.raw, events...)
}

// Sink returns a Sink wired to append into this Store via a BatchWriter.
func (s *Store) Sink(ctx context.Context) Sink {
	return NewBatchWriter(ctx, func(batch []Event) { s.Append(batch...) })
}

func dayKey(t time.Time) string { return t.UTC().Format("2006-01-02") }

// Rollup aggregates raw events older than 24h into daily rows (spec.md
// §4.8), idempotently (re-running recomputes the same totals — analogous
// to "ON CONFLICT ... DO UPDATE"), then reclaims rows older than retainRaw
// (default 90 days).
func (s *Store) Rollup(now time.Time, rollupAfter, retainRaw time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-rollupAfter)

	agg := make(map[string]*DailyRow)
	var kept []Event
	for _, e := range s.raw {
		if e.Timestamp.After(cutoff) {
			kept = append(kept, e)
			continue
		}
		key := dayKey(e.Timestamp) + "|" + e.MemoryKey
		row, ok := agg[key]
		if !ok {
			row = &DailyRow{Date: dayKey(e.Timestamp), MemoryKey: e.MemoryKey}
			agg[key] = row
		}
		row.InputTokens += int64(e.InputTokens)
		row.OutputTokens += int64(e.OutputTokens)
		row.MemoryTokensRetrieved += int64(e.MemoryTokensRetrieved)
		row.MemoryTokensInjected += int64(e.MemoryTokensInjected)
		row.AvgProcessingMs = (row.AvgProcessingMs*float64(row.RequestCount) + float64(e.MRProcessingMs)) / float64(row.RequestCount+1)
		row.RequestCount++
	}

	for key, row := range agg {
		if existing, ok := s.daily[key]; ok {
			totalReq := existing.RequestCount + row.RequestCount
			if totalReq > 0 {
				existing.AvgProcessingMs = (existing.AvgProcessingMs*float64(existing.RequestCount) + row.AvgProcessingMs*float64(row.RequestCount)) / float64(totalReq)
			}
			existing.InputTokens += row.InputTokens
			existing.OutputTokens += row.OutputTokens
			existing.MemoryTokensRetrieved += row.MemoryTokensRetrieved
			existing.MemoryTokensInjected += row.MemoryTokensInjected
			existing.RequestCount = totalReq
		} else {
			cp := *row
			s.daily[key] = &cp
		}
	}

	s.raw = kept
	s.rolledThrough = cutoff

	// Reclaim raw rows older than retainRaw regardless of rollup status —
	// the rollup above already covers anything older than rollupAfter, so
	// this only trims stragglers kept due to a skipped rollup cycle.
	reclaimCutoff := now.Add(-retainRaw)
	var retained []Event
	for _, e := range s.raw {
		if e.Timestamp.After(reclaimCutoff) {
			retained = append(retained, e)
		}
	}
	s.raw = retained
}

// Query returns usage for one memory key over [from, to], preferring
// rolled-up rows and falling back to raw events for any day not yet rolled
// up (spec.md §4.8).
func (s *Store) Query(memoryKey string, from, to time.Time) []DailyRow {
	s.mu.Lock()
	defer s.mu.Unlock()

	byDay := make(map[string]*DailyRow)

	for key, row := range s.daily {
		if row.MemoryKey != memoryKey {
			continue
		}
		if row.Date < dayKey(from) || row.Date > dayKey(to) {
			continue
		}
		cp := *row
		byDay[key] = &cp
	}

	for _, e := range s.raw {
		if e.MemoryKey != memoryKey || e.Timestamp.Before(from) || e.Timestamp.After(to) {
			continue
		}
		key := dayKey(e.Timestamp) + "|" + memoryKey
		row, ok := byDay[key]
		if !ok {
			row = &DailyRow{Date: dayKey(e.Timestamp), MemoryKey: memoryKey}
			byDay[key] = row
		}
		row.InputTokens += int64(e.InputTokens)
		row.OutputTokens += int64(e.OutputTokens)
		row.MemoryTokensRetrieved += int64(e.MemoryTokensRetrieved)
		row.MemoryTokensInjected += int64(e.MemoryTokensInjected)
		row.AvgProcessingMs = (row.AvgProcessingMs*float64(row.RequestCount) + float64(e.MRProcessingMs)) / float64(row.RequestCount+1)
		row.RequestCount++
	}

	out := make([]DailyRow, 0, len(byDay))
	for _, row := range byDay {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

// TopK returns the K memory keys with the highest total token usage
// (input+output) over [from, to] (spec.md §4.8 "top-K-keys query").
func (s *Store) TopK(k int, from, to time.Time) []DailyRow {
	s.mu.Lock()
	totals := make(map[string]*DailyRow)
	add := func(memoryKey string, input, output, retrieved, injected int64) {
		row, ok := totals[memoryKey]
		if !ok {
			row = &DailyRow{MemoryKey: memoryKey}
			totals[memoryKey] = row
		}
		row.InputTokens += input
		row.OutputTokens += output
		row.MemoryTokensRetrieved += retrieved
		row.MemoryTokensInjected += injected
	}

	for _, row := range s.daily {
		d, err := time.Parse("2006-01-02", row.Date)
		if err != nil || d.Before(from) || d.After(to) {
			continue
		}
		add(row.MemoryKey, row.InputTokens, row.OutputTokens, row.MemoryTokensRetrieved, row.MemoryTokensInjected)
	}
	for _, e := range s.raw {
		if e.Timestamp.Before(from) || e.Timestamp.After(to) {
			continue
		}
		add(e.MemoryKey, int64(e.InputTokens), int64(e.OutputTokens), int64(e.MemoryTokensRetrieved), int64(e.MemoryTokensInjected))
	}
	s.mu.Unlock()

	out := make([]DailyRow, 0, len(totals))
	for _, row := range totals {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].InputTokens+out[i].OutputTokens > out[j].InputTokens+out[j].OutputTokens
	})
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out
}
