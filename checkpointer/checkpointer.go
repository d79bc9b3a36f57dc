// Package checkpointer keeps the final snapshot of reaped sessions in the
// key-value store the kv nodes use
package checkpointer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/forechoandlook/stepflow"
	"github.com/forechoandlook/stepflow/kv"
	"github.com/forechoandlook/stepflow/session"
)

// DefaultPrefix namespaces checkpoint keys inside a shared store
const DefaultPrefix = "checkpoint:"

// KVCheckpointer implements session.Archiver on top of a kv.Store
type KVCheckpointer struct {
	store  kv.Store
	prefix string
}

var _ session.Archiver = (*KVCheckpointer)(nil)

func NewKVCheckpointer(store kv.Store, prefix string) *KVCheckpointer {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &KVCheckpointer{
		store:  store,
		prefix: prefix,
	}
}

func (c *KVCheckpointer) Archive(ctx context.Context, st session.FlowState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	return c.store.Put(ctx, c.prefix+st.SessionID, data)
}

func (c *KVCheckpointer) Load(
	ctx context.Context, sessionID string,
) (session.FlowState, error) {
	data, err := c.store.Get(ctx, c.prefix+sessionID)
	if errors.Is(err, kv.ErrNotFound) {
		return session.FlowState{}, fmt.Errorf("%w: %s",
			stepflow.ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return session.FlowState{}, err
	}

	var st session.FlowState
	if err := json.Unmarshal(data, &st); err != nil {
		return session.FlowState{}, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return st, nil
}
