package checkpointer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/forechoandlook/stepflow"
	"github.com/forechoandlook/stepflow/flows"
	"github.com/forechoandlook/stepflow/kv"
	"github.com/forechoandlook/stepflow/session"
)

func TestKVCheckpointerRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	cp := NewKVCheckpointer(store, "")

	st := session.FlowState{
		SessionID:        "s1",
		FlowID:           "draft",
		Status:           session.StatusCompleted,
		CurrentStepIndex: 2,
		NodeCount:        2,
		Context:          stepflow.Vars{"previousOutput": "done"},
	}
	if err := cp.Archive(ctx, st); err != nil {
		t.Fatalf("Archive failed: %v", err)
	}
	if _, err := store.Get(ctx, DefaultPrefix+"s1"); err != nil {
		t.Fatalf("Expected checkpoint under default prefix: %v", err)
	}

	got, err := cp.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.Status != session.StatusCompleted || got.CurrentStepIndex != 2 {
		t.Fatalf("Unexpected state: %+v", got)
	}
	if got.Context.PreviousOutput() != "done" {
		t.Fatalf("Expected previous output to survive, got %v", got.Context.PreviousOutput())
	}

	_, err = cp.Load(ctx, "missing")
	if !errors.Is(err, stepflow.ErrSessionNotFound) {
		t.Fatalf("Expected ErrSessionNotFound, got %v", err)
	}
}

func TestReapedSessionsLandInStore(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	clock := func() time.Time { return now }

	cp := NewKVCheckpointer(kv.NewMemoryStore(), "archive/")
	reg := session.NewRegistry(
		session.WithArchiver(cp),
		session.WithRetention(time.Minute),
		session.WithClock(clock),
	)

	def := flows.NewBuilder("one").Then("a", "set", nil).MustBuild()
	sess, err := reg.Create(def, stepflow.Vars{}, 0)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := reg.Close(sess.ID()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	now = now.Add(2 * time.Minute)
	if n := reg.Reap(ctx); n != 1 {
		t.Fatalf("Expected 1 reaped session, got %d", n)
	}

	st, err := reg.Archived(ctx, sess.ID())
	if err != nil {
		t.Fatalf("Archived failed: %v", err)
	}
	if st.SessionID != sess.ID() {
		t.Fatalf("Expected %s, got %s", sess.ID(), st.SessionID)
	}
}
