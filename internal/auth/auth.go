// Package auth resolves the caller's memory key into a UserContext: the
// memory-key record, its associated provider key set, and owning user
// (spec.md §3 "Memory key" / §4.9 step 1).
package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// ProviderKey is one entry in a memory key's provider key set (spec.md §3
// "Provider key set"). Endpoint is only meaningful for the azure tag.
type ProviderKey struct {
	Tag      string
	APIKey   string
	Endpoint string
}

// Preview returns "first4…last4" — provider keys are never logged or
// returned verbatim (spec.md §3).
func (p ProviderKey) Preview() string {
	k := p.APIKey
	if len(k) <= 8 {
		return "****"
	}
	return k[:4] + "…" + k[len(k)-4:]
}

// MemoryKey is the caller's opaque bearer token record (spec.md §3).
type MemoryKey struct {
	Key      string // "mk_..."
	UserID   string
	Active   bool
	IsAdmin  bool // "mk_admin*" prefix — admin surface access (spec.md §6)
}

// ErrNotFound / ErrInactive are the AuthMissing/AuthInvalid/AuthInactive
// taxonomy from spec.md §7 (ErrNotFound maps to AuthInvalid when a
// non-empty token was supplied and didn't resolve).
var (
	ErrNotFound = errors.New("auth: memory key not found")
	ErrInactive = errors.New("auth: memory key inactive")
)

// Store is the persistence boundary for memory-key records and their
// provider key sets (spec.md §6 "KV-style metadata for auth records,
// user→provider-keys, user→memory-keys index").
type Store interface {
	Resolve(ctx context.Context, key string) (*MemoryKey, error)
	ProviderKeys(ctx context.Context, userID string) ([]ProviderKey, error)
}

// UserContext is the per-request identity derived from authentication
// (spec.md §4.9 step 1: "userContext = {memoryKey, providerKeys, userId,
// sessionId?}").
type UserContext struct {
	MemoryKey    string
	UserID       string
	ProviderKeys map[string]ProviderKey // by tag
	SessionID    string                 // set later, from request options
	PassThrough  bool                   // true when authenticated via X-Memory-Key
	IsAdmin      bool
}

// ProviderKeyFor returns the configured key for tag, or ("", false).
func (c UserContext) ProviderKeyFor(tag string) (ProviderKey, bool) {
	pk, ok := c.ProviderKeys[tag]
	return pk, ok
}

const (
	memoryKeyPrefix = "mk_"
	adminKeyPrefix  = "mk_admin"
)

// IsMemoryKey reports whether s has the "mk_" prefix (spec.md §3).
func IsMemoryKey(s string) bool { return strings.HasPrefix(s, memoryKeyPrefix) }

// Credential carries the raw token extracted from one of the three
// recognised auth header shapes (spec.md §4.9 step 1).
type Credential struct {
	Token       string
	PassThrough bool // true when supplied via X-Memory-Key (forward Authorization as-is)
}

// ExtractCredential inspects Authorization / x-api-key / X-Memory-Key in
// that precedence order and returns the mk_* token plus whether
// pass-through mode applies.
func ExtractCredential(authorization, xAPIKey, xMemoryKey string) (Credential, bool) {
	if tok := bearerOrRaw(authorization); IsMemoryKey(tok) {
		return Credential{Token: tok}, true
	}
	if IsMemoryKey(xAPIKey) {
		return Credential{Token: xAPIKey}, true
	}
	if IsMemoryKey(xMemoryKey) {
		return Credential{Token: xMemoryKey, PassThrough: true}, true
	}
	return Credential{}, false
}

func bearerOrRaw(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	if strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return strings.TrimSpace(header[len("bearer "):])
	}
	return header
}

// Authenticate validates a credential against the store and builds the
// request-scoped UserContext (spec.md §4.9 step 1).
func Authenticate(ctx context.Context, store Store, cred Credential) (*UserContext, error) {
	rec, err := store.Resolve(ctx, cred.Token)
	if err != nil {
		return nil, ErrNotFound
	}
	if !rec.Active {
		return nil, ErrInactive
	}

	keys, err := store.ProviderKeys(ctx, rec.UserID)
	if err != nil {
		keys = nil // fail open on the provider-key lookup: retrieval/dispatch degrade per-tag
	}

	byTag := make(map[string]ProviderKey, len(keys))
	for _, k := range keys {
		byTag[k.Tag] = k
	}

	return &UserContext{
		MemoryKey:    rec.Key,
		UserID:       rec.UserID,
		ProviderKeys: byTag,
		PassThrough:  cred.PassThrough,
		IsAdmin:      rec.IsAdmin || strings.HasPrefix(rec.Key, adminKeyPrefix),
	}, nil
}

// AdminStore extends Store with the provider-key write operations backing
// the admin CRUD surface (spec.md §6 "provider-key CRUD").
type AdminStore interface {
	Store
	SetProviderKey(ctx context.Context, userID string, pk ProviderKey) error
	DeleteProviderKey(ctx context.Context, userID, tag string) error
}

// MemoryStore is an in-process Store for local dev/tests.
type MemoryStore struct {
	mu    sync.Mutex
	byKey map[string]*MemoryKey
	keys  map[string][]ProviderKey // by userID
}

// NewMemoryStore creates an empty in-process auth store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byKey: make(map[string]*MemoryKey), keys: make(map[string][]ProviderKey)}
}

// Seed registers a memory key record and its owner's provider keys.
func (s *MemoryStore) Seed(rec MemoryKey, providerKeys []ProviderKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byKey[rec.Key] = &rec
	s.keys[rec.UserID] = providerKeys
}

func (s *MemoryStore) Resolve(_ context.Context, key string) (*MemoryKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byKey[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) ProviderKeys(_ context.Context, userID string) ([]ProviderKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ProviderKey, len(s.keys[userID]))
	copy(out, s.keys[userID])
	return out, nil
}

// SetProviderKey creates or replaces the provider key for (userID, pk.Tag).
func (s *MemoryStore) SetProviderKey(_ context.Context, userID string, pk ProviderKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.keys[userID] {
		if existing.Tag == pk.Tag {
			s.keys[userID][i] = pk
			return nil
		}
	}
	s.keys[userID] = append(s.keys[userID], pk)
	return nil
}

// DeleteProviderKey removes the provider key for (userID, tag), if present.
func (s *MemoryStore) DeleteProviderKey(_ context.Context, userID, tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := s.keys[userID]
	out := keys[:0]
	for _, k := range keys {
		if k.Tag != tag {
			out = append(out, k)
		}
	}
	s.keys[userID] = out
	return nil
}
