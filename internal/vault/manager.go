package vault

import (
	"fmt"
	"strings"
	"sync"
)

// CoreScope is the default, persistent-across-sessions vault scope
// (spec.md §3). Session-scoped vaults use ScopeForSession.
const CoreScope = "core"

// ScopeForSession returns the scope string for a session-id, e.g.
// "session:abc123".
func ScopeForSession(sessionID string) string {
	return "session:" + sessionID
}

// Key identifies one vault by (memoryKey, scope).
type Key struct {
	MemoryKey string
	Scope     string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.MemoryKey, k.Scope)
}

// ResolveWriteScope returns the scope a write should land in: the session
// vault when sessionID is non-empty, else core (spec.md §4.3 "Storage
// resolution").
func ResolveWriteScope(sessionID string) string {
	if sessionID == "" {
		return CoreScope
	}
	return ScopeForSession(sessionID)
}

// ResolveReadScopes returns the scopes a query should fan out across: both
// core and the session scope when a session-id is present, else core only
// (spec.md §4.3 "Vault resolution for a query").
func ResolveReadScopes(sessionID string) []string {
	if sessionID == "" {
		return []string{CoreScope}
	}
	return []string{CoreScope, ScopeForSession(sessionID)}
}

// IsSessionScope reports whether scope is a "session:<id>" scope rather than
// core.
func IsSessionScope(scope string) bool {
	return strings.HasPrefix(scope, "session:")
}

// Manager owns one Vault per (memoryKey, scope) pair, creating them lazily.
// It is the addressing layer spec.md describes in §3/§4.2 — Vault itself
// only implements the single-vault contract.
type Manager struct {
	mu              sync.Mutex
	vaults          map[Key]*Vault
	dedupWindowSize int
}

// NewManager creates an empty vault registry. dedupWindowSize is forwarded
// to every vault created (see New).
func NewManager(dedupWindowSize int) *Manager {
	return &Manager{
		vaults:          make(map[Key]*Vault),
		dedupWindowSize: dedupWindowSize,
	}
}

// Get returns the vault for (memoryKey, scope), creating it on first use.
func (m *Manager) Get(memoryKey, scope string) *Vault {
	k := Key{MemoryKey: memoryKey, Scope: scope}

	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.vaults[k]
	if !ok {
		v = New(m.dedupWindowSize)
		m.vaults[k] = v
	}
	return v
}

// GetMany resolves a set of scopes for one memory key, in the order given.
func (m *Manager) GetMany(memoryKey string, scopes []string) []*Vault {
	out := make([]*Vault, len(scopes))
	for i, s := range scopes {
		out[i] = m.Get(memoryKey, s)
	}
	return out
}

// Reset empties the vault for (memoryKey, scope) if it exists, via
// Vault.Reset. The registry entry is kept; the emptied vault may declare a
// new dimension on its next Store.
func (m *Manager) Reset(memoryKey, scope string) {
	k := Key{MemoryKey: memoryKey, Scope: scope}

	m.mu.Lock()
	v, ok := m.vaults[k]
	m.mu.Unlock()

	if ok {
		v.Reset()
	}
}

// All returns every (Key, *Vault) pair currently registered, a stable
// snapshot safe to range over concurrently with further Gets. Used by the
// admin reembed-all flow.
func (m *Manager) All() map[Key]*Vault {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[Key]*Vault, len(m.vaults))
	for k, v := range m.vaults {
		out[k] = v
	}
	return out
}

// KeysForMemoryKey returns every scope currently registered for a given
// memory key (used by admin debug-storage).
func (m *Manager) KeysForMemoryKey(memoryKey string) []Key {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Key
	for k := range m.vaults {
		if k.MemoryKey == memoryKey {
			out = append(out, k)
		}
	}
	return out
}
