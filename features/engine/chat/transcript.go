package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"goa.design/agentd/runtime/cache"
)

// Conversation roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type (
	// Message is one conversation entry.
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	// Transcripts stores the conversation of each session.
	Transcripts interface {
		// Load returns the session messages, empty when unknown.
		Load(ctx context.Context, sessionID string) ([]Message, error)
		// Append adds messages to the session conversation.
		Append(ctx context.Context, sessionID string, msgs ...Message) error
		// Copy replaces the conversation of to with the one of from.
		Copy(ctx context.Context, from, to string) error
	}

	memoryTranscripts struct {
		mu   sync.Mutex
		msgs map[string][]Message
	}

	// CacheTranscripts stores conversations as JSON documents in a cache so
	// that any instance can resume a session.
	CacheTranscripts struct {
		cache  cache.Cache
		prefix string
		ttl    time.Duration
		max    int
	}
)

// NewMemoryTranscripts returns an in-process store.
func NewMemoryTranscripts() Transcripts {
	return &memoryTranscripts{msgs: make(map[string][]Message)}
}

func (m *memoryTranscripts) Load(_ context.Context, id string) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.msgs[id]...), nil
}

func (m *memoryTranscripts) Append(_ context.Context, id string, msgs ...Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs[id] = append(m.msgs[id], msgs...)
	return nil
}

func (m *memoryTranscripts) Copy(_ context.Context, from, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs[to] = append([]Message(nil), m.msgs[from]...)
	return nil
}

// NewCacheTranscripts returns a store keeping at most maxMessages per
// session (zero keeps all) for ttl (zero never expires).
func NewCacheTranscripts(c cache.Cache, ttl time.Duration, maxMessages int) *CacheTranscripts {
	return &CacheTranscripts{cache: c, prefix: "agentd:transcript:", ttl: ttl, max: maxMessages}
}

// Load implements Transcripts.
func (t *CacheTranscripts) Load(ctx context.Context, id string) ([]Message, error) {
	raw, err := t.cache.Get(ctx, t.prefix+id)
	if errors.Is(err, cache.ErrMiss) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var msgs []Message
	if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
		return nil, fmt.Errorf("decode transcript: %w", err)
	}
	return msgs, nil
}

// Append implements Transcripts. Runs on a session are serialized by its
// lease so the read-modify-write does not race.
func (t *CacheTranscripts) Append(ctx context.Context, id string, msgs ...Message) error {
	cur, err := t.Load(ctx, id)
	if err != nil {
		return err
	}
	return t.store(ctx, id, append(cur, msgs...))
}

// Copy implements Transcripts.
func (t *CacheTranscripts) Copy(ctx context.Context, from, to string) error {
	msgs, err := t.Load(ctx, from)
	if err != nil {
		return err
	}
	return t.store(ctx, to, msgs)
}

func (t *CacheTranscripts) store(ctx context.Context, id string, msgs []Message) error {
	if t.max > 0 && len(msgs) > t.max {
		msgs = msgs[len(msgs)-t.max:]
	}
	b, err := json.Marshal(msgs)
	if err != nil {
		return err
	}
	return t.cache.Set(ctx, t.prefix+id, string(b), t.ttl)
}
