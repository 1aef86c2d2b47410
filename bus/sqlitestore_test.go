package bus

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/petal-labs/flowbridge/execution"
)

// testDSN returns a unique shared-memory DSN for test isolation.
func testDSN(t *testing.T) string {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	return fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
}

func newTestStore(t *testing.T, cfg ...SQLiteStoreConfig) *SQLiteDeltaStore {
	t.Helper()
	var c SQLiteStoreConfig
	if len(cfg) > 0 {
		c = cfg[0]
	}
	if c.DSN == "" {
		c.DSN = testDSN(t)
	}
	store, err := NewSQLiteDeltaStore(c)
	if err != nil {
		t.Fatalf("NewSQLiteDeltaStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func stores(t *testing.T) map[string]DeltaStore {
	return map[string]DeltaStore{
		"memory": NewMemDeltaStore(),
		"sqlite": newTestStore(t),
	}
}

func TestDeltaStores_AppendList(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := uint64(1); i <= 5; i++ {
				d := delta("exec-1", i, execution.DeltaStepFinished)
				d.Step = fmt.Sprintf("task-%d", i)
				d.Agent = &execution.AgentStatus{Name: "writer", State: execution.AgentCompleted}
				d.Progress = float64(i) * 20
				d.Payload = map[string]any{"index": float64(i)}
				if err := store.Append(ctx, d); err != nil {
					t.Fatalf("Append(%d): %v", i, err)
				}
			}
			if err := store.Append(ctx, delta("exec-2", 1, execution.DeltaStarted)); err != nil {
				t.Fatalf("Append(exec-2): %v", err)
			}

			all, err := store.List(ctx, "exec-1", 0, 0)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(all) != 5 {
				t.Fatalf("len = %d, want 5", len(all))
			}
			if all[2].Step != "task-3" || all[2].Progress != 60 {
				t.Fatalf("all[2] = %+v", all[2])
			}
			if all[0].Agent == nil || all[0].Agent.Name != "writer" {
				t.Fatalf("agent = %+v, want writer", all[0].Agent)
			}
			if all[4].Payload["index"] != float64(5) {
				t.Fatalf("payload = %v", all[4].Payload)
			}

			page, err := store.List(ctx, "exec-1", 2, 2)
			if err != nil {
				t.Fatalf("List page: %v", err)
			}
			if len(page) != 2 || page[0].Seq != 3 || page[1].Seq != 4 {
				t.Fatalf("page = %+v", page)
			}

			latest, err := store.LatestSeq(ctx, "exec-1")
			if err != nil || latest != 5 {
				t.Fatalf("LatestSeq = %d, %v; want 5", latest, err)
			}
			latest, err = store.LatestSeq(ctx, "missing")
			if err != nil || latest != 0 {
				t.Fatalf("LatestSeq(missing) = %d, %v; want 0", latest, err)
			}

			handles, err := store.Handles(ctx)
			if err != nil {
				t.Fatalf("Handles: %v", err)
			}
			if len(handles) != 2 || handles[0] != "exec-1" || handles[1] != "exec-2" {
				t.Fatalf("handles = %v", handles)
			}
		})
	}
}

func TestSQLiteDeltaStore_DuplicateSeqIgnored(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	d := delta("exec-1", 1, execution.DeltaStarted)
	for range 2 {
		if err := store.Append(ctx, d); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	got, err := store.List(ctx, "exec-1", 0, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
}

func TestSQLiteDeltaStore_PruneByCount(t *testing.T) {
	store := newTestStore(t, SQLiteStoreConfig{RetentionCount: 2, PruneInterval: time.Hour})
	ctx := context.Background()

	for i := uint64(1); i <= 4; i++ {
		if err := store.Append(ctx, delta("exec-1", i, execution.DeltaStepStarted)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := store.Prune(ctx); err != nil {
		t.Fatalf("Prune: %v", err)
	}

	got, err := store.List(ctx, "exec-1", 0, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 || got[0].Seq != 3 {
		t.Fatalf("after prune = %+v", got)
	}
}

func TestSQLiteDeltaStore_PruneByAge(t *testing.T) {
	store := newTestStore(t, SQLiteStoreConfig{RetentionAge: time.Hour, PruneInterval: time.Hour})
	ctx := context.Background()

	old := delta("exec-1", 1, execution.DeltaStarted)
	old.Time = time.Now().Add(-2 * time.Hour)
	fresh := delta("exec-1", 2, execution.DeltaRunning)
	for _, d := range []execution.Delta{old, fresh} {
		if err := store.Append(ctx, d); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := store.Prune(ctx); err != nil {
		t.Fatalf("Prune: %v", err)
	}

	got, err := store.List(ctx, "exec-1", 0, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 || got[0].Seq != 2 {
		t.Fatalf("after prune = %+v", got)
	}
}

func TestSQLiteDeltaStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	ctx := context.Background()

	first, err := NewSQLiteDeltaStore(SQLiteStoreConfig{DSN: path})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := first.Append(ctx, delta("exec-1", 1, execution.DeltaStarted)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second := newTestStore(t, SQLiteStoreConfig{DSN: path})
	latest, err := second.LatestSeq(ctx, "exec-1")
	if err != nil || latest != 1 {
		t.Fatalf("LatestSeq = %d, %v; want 1", latest, err)
	}
}

func TestStoreSubscriber_PersistsTrackerDeltas(t *testing.T) {
	store := NewMemDeltaStore()
	tr := execution.NewTracker(execution.TrackerConfig{Publisher: NewStoreSubscriber(store, nil)})
	defer tr.Close()

	h, _, err := tr.Begin("langgraph", "g", nil)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := tr.StepStarted(h, "n1", ""); err != nil {
		t.Fatalf("StepStarted: %v", err)
	}

	got, err := store.List(context.Background(), h, 0, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("persisted %d deltas, want 3", len(got))
	}
	if got[2].Step != "n1" {
		t.Fatalf("step = %q, want n1", got[2].Step)
	}
}
