package db

import (
	"context"
	"strings"
	"sync"
)

// MemoryStore is an in-process Store for tests and runs without DB_DSN.
// Nothing survives a restart.
type MemoryStore struct {
	mu     sync.Mutex
	tokens map[string]Token
	kv     map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: map[string]Token{}, kv: map[string]string{}}
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) SaveToken(_ context.Context, t Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[t.Account] = t
	return nil
}

func (m *MemoryStore) GetToken(_ context.Context, account string) (Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[account]
	if !ok {
		return Token{}, ErrNotFound
	}
	return t, nil
}

func (m *MemoryStore) DeleteToken(_ context.Context, account string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, account)
	return nil
}

func (m *MemoryStore) GetKV(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.kv[key]
	return v, ok, nil
}

func (m *MemoryStore) SetKV(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv[key] = value
	return nil
}

func (m *MemoryStore) DeleteKV(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.kv, key)
	return nil
}

func (m *MemoryStore) ListKV(_ context.Context, prefix string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]string{}
	for k, v := range m.kv {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out, nil
}

func (m *MemoryStore) ActiveComponents(ctx context.Context) ([]string, bool, error) {
	return activeComponents(ctx, m)
}

func (m *MemoryStore) SetActiveComponents(ctx context.Context, ids []string) error {
	return setActiveComponents(ctx, m, ids)
}
