// Package kronos implements the time-window partition, allocation, and
// parallel-vault search planning scheme described in spec.md §4.3: HOT /
// WORKING / LONG_TERM / EXPIRED windows keyed by chunk age at query time,
// a slot allocator across those windows, and a fan-out search planner over
// a set of resolved vaults.
package kronos

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/memoryrouter/memoryrouter/internal/vault"
)

// Window is one of the four disjoint age partitions.
type Window int

const (
	Hot Window = iota
	Working
	LongTerm
	Expired
)

func (w Window) String() string {
	switch w {
	case Hot:
		return "hot"
	case Working:
		return "working"
	case LongTerm:
		return "longterm"
	default:
		return "expired"
	}
}

// RecencyBias selects the slot-allocation weighting.
type RecencyBias string

const (
	BiasLow    RecencyBias = "low"
	BiasMedium RecencyBias = "medium"
	BiasHigh   RecencyBias = "high"
)

// Windows holds the cutoff durations used to classify chunk age (spec.md
// §4.3). HotWindow defaults to 4h on the request path; a session-scoped
// variant may configure 12h (spec.md §9 Open Question).
type Windows struct {
	Hot      time.Duration
	Working  time.Duration
	LongTerm time.Duration
}

// DefaultWindows returns the spec.md §4.3 defaults: 4h / 3d / 90d.
func DefaultWindows() Windows {
	return Windows{
		Hot:      4 * time.Hour,
		Working:  3 * 24 * time.Hour,
		LongTerm: 90 * 24 * time.Hour,
	}
}

// Classify returns which window a timestamp falls in relative to now.
// Future timestamps (clock skew) are clamped to HOT (I1). Boundaries are
// inclusive on the HOT/WORKING/LONG_TERM upper edge.
func (w Windows) Classify(tsMs int64, now time.Time) Window {
	age := time.Duration(now.UnixMilli()-tsMs) * time.Millisecond
	if age < 0 {
		return Hot
	}
	switch {
	case age <= w.Hot:
		return Hot
	case age <= w.Working:
		return Working
	case age <= w.LongTerm:
		return LongTerm
	default:
		return Expired
	}
}

// Bounds returns the inclusive [min,max] millisecond timestamp bounds for a
// window, given a reference time.
func (w Windows) Bounds(window Window, now time.Time) (minMs, maxMs int64) {
	nowMs := now.UnixMilli()
	switch window {
	case Hot:
		return nowMs - w.Hot.Milliseconds(), nowMs
	case Working:
		return nowMs - w.Working.Milliseconds(), nowMs - w.Hot.Milliseconds() - 1
	case LongTerm:
		return nowMs - w.LongTerm.Milliseconds(), nowMs - w.Working.Milliseconds() - 1
	default: // Expired: open-ended below the long-term floor.
		return math.MinInt64, nowMs - w.LongTerm.Milliseconds() - 1
	}
}

// Allocation is the slot budget split across the three searchable windows
// (EXPIRED is never searched — spec.md §4.3).
type Allocation struct {
	Hot      int
	Working  int
	LongTerm int
}

// Total returns Hot+Working+LongTerm.
func (a Allocation) Total() int { return a.Hot + a.Working + a.LongTerm }

// Allocate splits N slots across {HOT, WORKING, LONG_TERM} by bias weight
// (spec.md §4.3): low/medium use equal weights (1,1,1); high biases toward
// recency (2,1,0.5). Slots are floored proportionally, and the remainder is
// assigned to the most-recent window. For N=0 returns all zeros. Postcondition:
// hot+working+longterm == N, all non-negative, and for bias=high, hot≥longterm.
func Allocate(n int, bias RecencyBias) Allocation {
	if n <= 0 {
		return Allocation{}
	}

	var wHot, wWorking, wLong float64
	switch bias {
	case BiasHigh:
		wHot, wWorking, wLong = 2, 1, 0.5
	default: // low, medium, and any unrecognised value
		wHot, wWorking, wLong = 1, 1, 1
	}

	total := wHot + wWorking + wLong
	hot := int(math.Floor(float64(n) * wHot / total))
	working := int(math.Floor(float64(n) * wWorking / total))
	long := int(math.Floor(float64(n) * wLong / total))

	remainder := n - hot - working - long
	// Remainder assigned to the most-recent window (HOT).
	hot += remainder

	return Allocation{Hot: hot, Working: working, LongTerm: long}
}

// RetrievalResult is what Plan/Execute returns: merged chunks, a rough token
// count, and a per-window breakdown (spec.md §4.3).
type RetrievalResult struct {
	Chunks     []vault.ScoredChunk
	TokenCount int
	Breakdown  struct {
		Hot      int
		Working  int
		LongTerm int
	}
}

// SourcedChunk tags a result with the scope it came from, used when fanning
// out across core + session vaults (spec.md §4.3 "Vault resolution for a
// query").
type SourcedChunk struct {
	vault.ScoredChunk
	Scope string
}

// Request bundles the inputs to Plan/Execute.
type Request struct {
	QueryVec    []float32
	N           int // slot budget (contextLimit)
	Bias        RecencyBias
	Windows     Windows
	Now         time.Time
	Temporal    *TemporalIntent // nil when the query has no detected temporal phrase
	MaxParallel int             // bounds vault×window fan-out; 0 = DefaultMaxParallel
}

// DefaultMaxParallel bounds KRONOS fan-out per spec.md §5 ("implementations
// SHOULD cap this to avoid unbounded fan-out").
const DefaultMaxParallel = 32

// VaultRef pairs a resolved vault with the scope it was resolved from.
type VaultRef struct {
	Vault *vault.Vault
	Scope string
}

// Plan computes the allocation for this request, applying a temporal
// intent override when present.
func Plan(req Request) Allocation {
	if req.Temporal != nil && req.Temporal.HasIntent {
		// Concentrate slots in the detected window rather than spreading
		// proportionally (spec.md §4.3 "the engine may override the
		// allocation... concentrate slots in the detected window").
		switch req.Temporal.Window {
		case Hot:
			return Allocation{Hot: req.N}
		case Working:
			return Allocation{Working: req.N}
		case LongTerm:
			return Allocation{LongTerm: req.N}
		}
	}
	return Allocate(req.N, req.Bias)
}

// Execute fans out one search per (vault × window) across the resolved
// vaults, bounded by MaxParallel, and merges results by score (recency
// breaking ties within a window, per spec.md §4.3).
func Execute(ctx context.Context, vaults []VaultRef, req Request) (*RetrievalResult, error) {
	alloc := Plan(req)
	windows := req.Windows

	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}

	type job struct {
		vr     VaultRef
		window Window
		slots  int
	}

	var jobs []job
	for _, vr := range vaults {
		if alloc.Hot > 0 {
			jobs = append(jobs, job{vr, Hot, alloc.Hot})
		}
		if alloc.Working > 0 {
			jobs = append(jobs, job{vr, Working, alloc.Working})
		}
		if alloc.LongTerm > 0 {
			jobs = append(jobs, job{vr, LongTerm, alloc.LongTerm})
		}
	}

	result := &RetrievalResult{}
	if len(jobs) == 0 {
		return result, nil
	}

	maxParallel := req.MaxParallel
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallel
	}
	sem := semaphore.NewWeighted(int64(maxParallel))

	g, gctx := errgroup.WithContext(ctx)
	resultsCh := make([][]vault.ScoredChunk, len(jobs))
	windowOf := make([]Window, len(jobs))

	for i, j := range jobs {
		i, j := i, j
		windowOf[i] = j.window

		var minMs, maxMs int64
		if req.Temporal != nil && req.Temporal.HasIntent && req.Temporal.Window == j.window {
			minMs, maxMs = req.Temporal.MinMs, req.Temporal.MaxMs
		} else {
			minMs, maxMs = windows.Bounds(j.window, now)
		}

		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			results := j.vr.Vault.Search(gctx, req.QueryVec, vault.Filter{
				MinTimestampMs: minMs,
				MaxTimestampMs: maxMs,
			}, j.slots)
			resultsCh[i] = results
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("kronos: execute: %w", err)
	}

	var merged []vault.ScoredChunk
	var totalChars int
	for i, chunks := range resultsCh {
		switch windowOf[i] {
		case Hot:
			result.Breakdown.Hot += len(chunks)
		case Working:
			result.Breakdown.Working += len(chunks)
		case LongTerm:
			result.Breakdown.LongTerm += len(chunks)
		}
		for _, c := range chunks {
			totalChars += len(c.Chunk.Content)
		}
		merged = append(merged, chunks...)
	}

	sortByScoreThenRecency(merged)
	result.Chunks = merged
	result.TokenCount = (totalChars + 3) / 4 // ceil(chars/4), spec.md §4.3

	return result, nil
}

func sortByScoreThenRecency(chunks []vault.ScoredChunk) {
	// Simple insertion sort is fine: N is bounded by contextLimit (≤100000
	// by contract, but realistically tens of items per request).
	for i := 1; i < len(chunks); i++ {
		j := i
		for j > 0 && less(chunks[j], chunks[j-1]) {
			chunks[j], chunks[j-1] = chunks[j-1], chunks[j]
			j--
		}
	}
}

func less(a, b vault.ScoredChunk) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.Chunk.CreatedAtMs > b.Chunk.CreatedAtMs
}

// ── Temporal query intent detection (spec.md §4.3) ─────────────────────────

// TemporalIntent describes a detected temporal phrase and the window/bounds
// it implies.
type TemporalIntent struct {
	HasIntent bool
	Window    Window
	MinMs     int64
	MaxMs     int64
}

var temporalPhrasePattern = regexp.MustCompile(
	`(?i)\b(last week|yesterday|\d+\s+days?\s+ago|earlier|when did (i|we)|remember when|previously|before|` +
		`last month|this morning|tonight|recent(ly)?|` +
		`in (january|february|march|april|may|june|july|august|september|october|november|december))\b`,
)

// DetectTemporalIntent case-insensitively matches the query against the
// phrase set from spec.md §4.3 and, for the phrases with an explicit
// duration, derives concrete [min,max] bounds relative to referenceTime.
func DetectTemporalIntent(query string, referenceTime time.Time, windows Windows) TemporalIntent {
	loc := strings.ToLower(query)
	if !temporalPhrasePattern.MatchString(loc) {
		return TemporalIntent{}
	}

	nowMs := referenceTime.UnixMilli()

	switch {
	case strings.Contains(loc, "last week"):
		return TemporalIntent{
			HasIntent: true,
			Window:    Working,
			MinMs:     referenceTime.AddDate(0, 0, -7).UnixMilli(),
			MaxMs:     nowMs,
		}
	case strings.Contains(loc, "yesterday"):
		return TemporalIntent{
			HasIntent: true,
			Window:    Working,
			MinMs:     referenceTime.AddDate(0, 0, -1).Truncate(24 * time.Hour).UnixMilli(),
			MaxMs:     referenceTime.Truncate(24 * time.Hour).UnixMilli(),
		}
	case strings.Contains(loc, "last month"):
		return TemporalIntent{
			HasIntent: true,
			Window:    LongTerm,
			MinMs:     referenceTime.AddDate(0, -1, 0).UnixMilli(),
			MaxMs:     nowMs,
		}
	case strings.Contains(loc, "this morning"), strings.Contains(loc, "tonight"):
		return TemporalIntent{HasIntent: true, Window: Hot, MinMs: nowMs - windows.Hot.Milliseconds(), MaxMs: nowMs}
	case strings.Contains(loc, "recent"):
		return TemporalIntent{HasIntent: true, Window: Hot, MinMs: nowMs - windows.Hot.Milliseconds(), MaxMs: nowMs}
	}

	if m := daysAgoPattern.FindStringSubmatch(loc); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil {
			day := referenceTime.AddDate(0, 0, -n).Truncate(24 * time.Hour)
			return TemporalIntent{
				HasIntent: true,
				Window:    classifyForBounds(day, referenceTime, windows),
				MinMs:     day.UnixMilli(),
				MaxMs:     day.Add(24 * time.Hour).UnixMilli(),
			}
		}
	}

	// "earlier", "when did I/we", "remember when", "previously", "before",
	// "in <month>": detected but without a crisp derivable bound; search the
	// whole range [now-LongTerm, now], HOT included, under the WORKING slot.
	return TemporalIntent{
		HasIntent: true,
		Window:    Working,
		MinMs:     nowMs - windows.LongTerm.Milliseconds(),
		MaxMs:     nowMs,
	}
}

var daysAgoPattern = regexp.MustCompile(`(\d+)\s+days?\s+ago`)

func classifyForBounds(t, now time.Time, w Windows) Window {
	return w.Classify(t.UnixMilli(), now)
}
