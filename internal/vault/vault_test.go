package vault

import (
	"context"
	"strings"
	"testing"
)

// TestStoreAssignsMonotonicIDs verifies sequential Store calls get
// increasing ids starting at 1.
func TestStoreAssignsMonotonicIDs(t *testing.T) {
	v := New(64)
	id1, err := v.Store([]float32{1, 0}, "hello", RoleUser, "m", "req-1")
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	id2, err := v.Store([]float32{0, 1}, "world", RoleUser, "m", "req-2")
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if id1 != 1 || id2 != 2 {
		t.Errorf("ids = %d, %d, want 1, 2", id1, id2)
	}
}

// TestStoreDimensionMismatch verifies the vault's dimension is fixed by the
// first Store and later mismatched embeddings are rejected.
func TestStoreDimensionMismatch(t *testing.T) {
	v := New(64)
	if _, err := v.Store([]float32{1, 0, 0}, "first", RoleUser, "m", "r1"); err != nil {
		t.Fatalf("Store: %v", err)
	}
	_, err := v.Store([]float32{1, 0}, "second", RoleUser, "m", "r2")
	if err == nil {
		t.Fatal("expected ErrDimensionMismatch, got nil")
	}
}

// TestStoreDedup verifies that storing identical content within the dedup
// window returns the existing chunk's id rather than inserting a new chunk.
func TestStoreDedup(t *testing.T) {
	v := New(64)
	id1, err := v.Store([]float32{1, 0}, "same content", RoleUser, "m", "r1")
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	id2, err := v.Store([]float32{0, 1}, "same content", RoleUser, "m", "r2")
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if id1 != id2 {
		t.Errorf("expected dedup to return same id, got %d and %d", id1, id2)
	}
	if got := len(v.Export()); got != 1 {
		t.Errorf("expected 1 stored chunk after dedup, got %d", got)
	}
}

// TestSearchFiltersByTimestampWindow verifies Search excludes chunks outside
// the [min,max] filter bounds.
func TestSearchFiltersByTimestampWindow(t *testing.T) {
	v := New(64)
	if _, err := v.StoreAt([]float32{1, 0}, "old", RoleUser, "m", "r1", 1000); err != nil {
		t.Fatalf("StoreAt: %v", err)
	}
	if _, err := v.StoreAt([]float32{1, 0}, "new", RoleUser, "m", "r2", 5000); err != nil {
		t.Fatalf("StoreAt: %v", err)
	}

	results := v.Search(context.Background(), []float32{1, 0}, Filter{MinTimestampMs: 4000, MaxTimestampMs: 6000}, 10)
	if len(results) != 1 {
		t.Fatalf("expected 1 result in window, got %d", len(results))
	}
	if results[0].Chunk.Content != "new" {
		t.Errorf("expected \"new\" chunk, got %q", results[0].Chunk.Content)
	}
}

// TestSearchRanksByCosineSimilarityThenRecency verifies ranking: higher
// cosine similarity first, ties broken by descending timestamp.
func TestSearchRanksByCosineSimilarityThenRecency(t *testing.T) {
	v := New(64)
	// orthogonal to query
	if _, err := v.StoreAt([]float32{0, 1}, "unrelated", RoleUser, "m", "r1", 1000); err != nil {
		t.Fatalf("StoreAt: %v", err)
	}
	// parallel to query, older
	if _, err := v.StoreAt([]float32{1, 0}, "older-match", RoleUser, "m", "r2", 2000); err != nil {
		t.Fatalf("StoreAt: %v", err)
	}
	// parallel to query, newer
	if _, err := v.StoreAt([]float32{1, 0}, "newer-match", RoleUser, "m", "r3", 3000); err != nil {
		t.Fatalf("StoreAt: %v", err)
	}

	results := v.Search(context.Background(), []float32{1, 0}, Filter{MinTimestampMs: 0, MaxTimestampMs: 9999}, 10)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Chunk.Content != "newer-match" || results[1].Chunk.Content != "older-match" {
		t.Errorf("expected newer-match then older-match first, got %q then %q",
			results[0].Chunk.Content, results[1].Chunk.Content)
	}
	if results[2].Chunk.Content != "unrelated" {
		t.Errorf("expected unrelated chunk ranked last, got %q", results[2].Chunk.Content)
	}
}

// TestSearchRespectsLimit verifies the result count is truncated to limit.
func TestSearchRespectsLimit(t *testing.T) {
	v := New(64)
	for i := 0; i < 5; i++ {
		if _, err := v.StoreAt([]float32{1, 0}, strings.Repeat("x", i+1), RoleUser, "m", "r", int64(i*1000)); err != nil {
			t.Fatalf("StoreAt: %v", err)
		}
	}
	results := v.Search(context.Background(), []float32{1, 0}, Filter{MinTimestampMs: 0, MaxTimestampMs: 99999}, 2)
	if len(results) != 2 {
		t.Errorf("expected 2 results with limit=2, got %d", len(results))
	}
}

// TestStoreChunkedCutsAtSentenceBoundary verifies that once the rolling
// buffer crosses TargetTokens, StoreChunked cuts on a sentence boundary
// rather than mid-sentence, and seeds the remainder with overlap.
func TestStoreChunkedCutsAtSentenceBoundary(t *testing.T) {
	v := New(64)

	sentence := "The quick brown fox jumps over the lazy dog. "
	// Each sentence is ~46 chars ≈ 11-12 tokens; repeat until we cross
	// TargetTokens (300) comfortably.
	var cuts []string
	for i := 0; i < 30; i++ {
		cuts = v.StoreChunked(sentence, RoleUser)
		if len(cuts) > 0 {
			break
		}
	}

	if len(cuts) == 0 {
		t.Fatal("expected at least one cut once buffer crossed TargetTokens")
	}
	cut := cuts[0]
	trimmed := strings.TrimSpace(cut)
	if !strings.HasSuffix(trimmed, ".") {
		start := len(trimmed) - 20
		if start < 0 {
			start = 0
		}
		t.Errorf("expected cut to end at a sentence boundary, got suffix %q", trimmed[start:])
	}
}

// TestStoreChunkedBelowThresholdProducesNoCut verifies short content stays
// buffered without producing a cut.
func TestStoreChunkedBelowThresholdProducesNoCut(t *testing.T) {
	v := New(64)
	cuts := v.StoreChunked("short text", RoleUser)
	if len(cuts) != 0 {
		t.Errorf("expected no cuts for short buffer, got %d", len(cuts))
	}
}

// TestResetClearsChunksAndDims verifies Reset empties chunk storage and
// allows a subsequent Store with a different embedding dimension.
func TestResetClearsChunksAndDims(t *testing.T) {
	v := New(64)
	if _, err := v.Store([]float32{1, 0, 0}, "a", RoleUser, "m", "r1"); err != nil {
		t.Fatalf("Store: %v", err)
	}
	v.Reset()
	if len(v.Export()) != 0 {
		t.Errorf("expected 0 chunks after Reset")
	}
	if _, err := v.Store([]float32{1, 0}, "b", RoleUser, "m", "r2"); err != nil {
		t.Errorf("Store after Reset with different dims should succeed, got %v", err)
	}
}

// TestStatsOldestNewest verifies Stats tracks the oldest and newest
// timestamps across stored chunks.
func TestStatsOldestNewest(t *testing.T) {
	v := New(64)
	if _, err := v.StoreAt([]float32{1}, "a", RoleUser, "m", "r1", 5000); err != nil {
		t.Fatalf("StoreAt: %v", err)
	}
	if _, err := v.StoreAt([]float32{1}, "b", RoleUser, "m", "r2", 1000); err != nil {
		t.Fatalf("StoreAt: %v", err)
	}
	if _, err := v.StoreAt([]float32{1}, "c", RoleUser, "m", "r3", 9000); err != nil {
		t.Fatalf("StoreAt: %v", err)
	}

	s := v.Stats()
	if s.OldestTsMs != 1000 {
		t.Errorf("OldestTsMs = %d, want 1000", s.OldestTsMs)
	}
	if s.NewestTsMs != 9000 {
		t.Errorf("NewestTsMs = %d, want 9000", s.NewestTsMs)
	}
	if s.VectorCount != 3 {
		t.Errorf("VectorCount = %d, want 3", s.VectorCount)
	}
}
