package bus

import (
	"context"
	"testing"

	"github.com/petal-labs/flowbridge/execution"
)

func TestMemDeltaStore_AppendAndList(t *testing.T) {
	ctx := context.Background()
	s := NewMemDeltaStore()

	for i := uint64(1); i <= 5; i++ {
		if err := s.Append(ctx, delta("exec-1", i, execution.DeltaStepFinished)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := s.Append(ctx, delta("exec-2", 1, execution.DeltaStarted)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	all, err := s.List(ctx, "exec-1", 0, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("got %d deltas, want 5", len(all))
	}

	after, _ := s.List(ctx, "exec-1", 2, 2)
	if len(after) != 2 || after[0].Seq != 3 || after[1].Seq != 4 {
		t.Fatalf("List(after=2, limit=2) = %+v, want seqs 3 and 4", after)
	}

	latest, _ := s.LatestSeq(ctx, "exec-1")
	if latest != 5 {
		t.Errorf("LatestSeq = %d, want 5", latest)
	}
	none, _ := s.LatestSeq(ctx, "missing")
	if none != 0 {
		t.Errorf("LatestSeq(missing) = %d, want 0", none)
	}

	handles, _ := s.Handles(ctx)
	if len(handles) != 2 || handles[0] != "exec-1" || handles[1] != "exec-2" {
		t.Errorf("Handles = %v, want [exec-1 exec-2]", handles)
	}
}
