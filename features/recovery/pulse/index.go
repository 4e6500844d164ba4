// Package pulse recovers sessions orphaned by crashed instances.
//
// Instances record their in-flight sessions in a Pulse replicated map
// (session ID to instance ID). A Reaper, driven by a Pulse pool ticker so that
// a single node sweeps at a time, asks the orchestrator to recover every
// indexed session whose lease has expired and prunes entries that no longer
// describe an active run.
package pulse

import (
	"context"
	"errors"
	"fmt"

	"goa.design/agentd/runtime/orchestrator"
)

type (
	// Map is the subset of *rmap.Map used by the index.
	Map interface {
		Set(ctx context.Context, key, value string) (string, error)
		Get(key string) (string, bool)
		Delete(ctx context.Context, key string) (string, error)
		Keys() []string
	}

	// Index implements orchestrator.InflightIndex over a replicated map.
	Index struct {
		m Map
	}
)

var _ orchestrator.InflightIndex = (*Index)(nil)

// NewIndex returns an Index backed by m.
func NewIndex(m Map) (*Index, error) {
	if m == nil {
		return nil, errors.New("replicated map is required")
	}
	return &Index{m: m}, nil
}

// Add records that instanceID runs sessionID.
func (i *Index) Add(ctx context.Context, sessionID, instanceID string) error {
	if _, err := i.m.Set(ctx, sessionID, instanceID); err != nil {
		return fmt.Errorf("index in-flight session: %w", err)
	}
	return nil
}

// Remove forgets sessionID.
func (i *Index) Remove(ctx context.Context, sessionID string) error {
	if _, err := i.m.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("unindex in-flight session: %w", err)
	}
	return nil
}

// Owner returns the instance recorded for sessionID.
func (i *Index) Owner(sessionID string) (string, bool) {
	return i.m.Get(sessionID)
}

// Sessions returns the indexed session IDs.
func (i *Index) Sessions() []string {
	return i.m.Keys()
}
