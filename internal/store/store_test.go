package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func openBolt(t *testing.T, path string) *BoltStore {
	t.Helper()
	s, err := OpenBolt(path, "")
	if err != nil {
		t.Fatalf("OpenBolt: %v", err)
	}
	return s
}

func newState(t *testing.T) *State {
	t.Helper()
	kv := openBolt(t, filepath.Join(t.TempDir(), "state.db"))
	t.Cleanup(func() { kv.Close() })
	st := NewState(kv)
	if err := st.Seed(context.Background(), []int64{1001}); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	return st
}

func TestBoltStore(t *testing.T) {
	kv := openBolt(t, filepath.Join(t.TempDir(), "kv.db"))
	defer kv.Close()
	testKV(t, kv)
}

func TestSQLiteStore(t *testing.T) {
	kv, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "kv.sqlite"), "")
	if err != nil {
		t.Fatal(err)
	}
	defer kv.Close()
	testKV(t, kv)
}

func TestPostgresStore(t *testing.T) {
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		t.Skip("DATABASE_URL is not set")
	}

	ctx := context.Background()
	kv, err := OpenPostgres(ctx, databaseURL, "test_")
	if err != nil {
		t.Fatal(err)
	}
	defer kv.Close()

	if _, err := kv.pool.Exec(ctx, "DELETE FROM test_state"); err != nil {
		t.Fatal(err)
	}
	testKV(t, kv)
}

func testKV(t *testing.T, kv KV) {
	ctx := context.Background()

	if _, err := kv.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing) error = %v, want ErrNotFound", err)
	}

	if err := kv.Set(ctx, "a", []byte(`{"x":1}`)); err != nil {
		t.Fatal(err)
	}
	got, err := kv.Get(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != `{"x": 1}` && string(got) != `{"x":1}` {
		t.Errorf("Get(a) = %s", got)
	}

	err = kv.Update(ctx, "b", func(v []byte, exists bool) ([]byte, error) {
		if exists {
			t.Errorf("Update(b): exists = true for a new key")
		}
		return []byte(`2`), nil
	})
	if err != nil {
		t.Fatal(err)
	}

	errBoom := errors.New("boom")
	err = kv.Update(ctx, "b", func(v []byte, exists bool) ([]byte, error) {
		return nil, errBoom
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("Update error = %v, want %v", err, errBoom)
	}
	if got, _ := kv.Get(ctx, "b"); string(got) != "2" {
		t.Errorf("failed Update changed value to %s", got)
	}

	all, err := kv.GetAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("GetAll returned %d keys, want 2", len(all))
	}
}

func TestSubscribeIdempotent(t *testing.T) {
	ctx := context.Background()
	st := newState(t)

	added, err := st.AddSubscriber(ctx, Subscriber{ChatID: 2002, Name: "A"})
	if err != nil || !added {
		t.Fatalf("first AddSubscriber = %v, %v; want true, nil", added, err)
	}
	added, err = st.AddSubscriber(ctx, Subscriber{ChatID: 2002, Name: "renamed"})
	if err != nil || added {
		t.Fatalf("second AddSubscriber = %v, %v; want false, nil", added, err)
	}

	subs, err := st.Subscribers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]Subscriber{{ChatID: 2002, Name: "A"}}, subs); diff != "" {
		t.Errorf("subscribers mismatch (-want +got):\n%s", diff)
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	ctx := context.Background()
	st := newState(t)

	if _, err := st.AddSubscriber(ctx, Subscriber{ChatID: 3003, Name: "B"}); err != nil {
		t.Fatal(err)
	}
	removed, ok, err := st.RemoveSubscriber(ctx, 3003)
	if err != nil || !ok || removed.Name != "B" {
		t.Fatalf("RemoveSubscriber = %+v, %v, %v", removed, ok, err)
	}
	_, ok, err = st.RemoveSubscriber(ctx, 3003)
	if err != nil || ok {
		t.Fatalf("second RemoveSubscriber ok = %v, err = %v; want false, nil", ok, err)
	}
	subs, _ := st.Subscribers(ctx)
	if len(subs) != 0 {
		t.Errorf("got %d subscribers, want 0", len(subs))
	}
}

func TestRestartRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	kv := openBolt(t, path)
	st := NewState(kv)
	if err := st.Seed(ctx, []int64{1001, 1002}); err != nil {
		t.Fatal(err)
	}
	st.AddSubscriber(ctx, Subscriber{ChatID: 2002, Name: "A"})
	st.AddSubscriber(ctx, Subscriber{ChatID: 3003, Name: "B"})
	st.SetMode(ctx, ModeMaintenance)
	st.IncrStat(ctx, "peek")
	st.IncrStat(ctx, "peek")
	st.IncrStat(ctx, "news")
	before, err := st.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := kv.Close(); err != nil {
		t.Fatal(err)
	}

	kv = openBolt(t, path)
	defer kv.Close()
	st = NewState(kv)
	if err := st.Seed(ctx, []int64{1002, 1001}); err != nil {
		t.Fatal(err)
	}
	after, err := st.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}

	want := Snapshot{
		Admins:      []int64{1001, 1002},
		Subscribers: []Subscriber{{2002, "A"}, {3003, "B"}},
		Status:      ModeMaintenance,
		Stats:       map[string]int64{"peek": 2, "news": 1},
	}
	if diff := cmp.Diff(want, before); diff != "" {
		t.Errorf("before restart (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("after restart (-before +after):\n%s", diff)
	}
}

func TestIncrStatConcurrent(t *testing.T) {
	ctx := context.Background()
	st := newState(t)

	const workers, perWorker = 8, 25
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perWorker {
				if _, err := st.IncrStat(ctx, "relayed"); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	stats, err := st.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got := stats["relayed"]; got != workers*perWorker {
		t.Errorf("relayed = %d, want %d", got, workers*perWorker)
	}
}

func TestIsAdmin(t *testing.T) {
	ctx := context.Background()
	st := newState(t)

	for id, want := range map[int64]bool{1001: true, 2002: false} {
		got, err := st.IsAdmin(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("IsAdmin(%d) = %v, want %v", id, got, want)
		}
	}
}

func TestUnseededKeyNotFound(t *testing.T) {
	kv := openBolt(t, filepath.Join(t.TempDir(), "state.db"))
	defer kv.Close()
	st := NewState(kv)

	if _, err := st.Mode(context.Background()); !errors.Is(err, ErrNotFound) {
		t.Errorf("Mode on empty store: error = %v, want ErrNotFound", err)
	}
	stats, err := st.Stats(context.Background())
	if err != nil || len(stats) != 0 {
		t.Errorf("Stats on empty store = %v, %v; want empty, nil", stats, err)
	}
}

func TestFeedCursor(t *testing.T) {
	ctx := context.Background()
	st := newState(t)

	if _, ok, err := st.FeedCursor(ctx); ok || err != nil {
		t.Fatalf("FeedCursor on fresh state: ok = %v, err = %v", ok, err)
	}
	t1 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	st.SetFeedCursor(ctx, FeedCursor{Newest: t1, Seen: []string{"a"}})
	st.SetFeedCursor(ctx, FeedCursor{Newest: t1.Add(-time.Hour), Seen: []string{"a", "b"}})

	got, ok, err := st.FeedCursor(ctx)
	if err != nil || !ok {
		t.Fatalf("FeedCursor = %v, %v", ok, err)
	}
	want := FeedCursor{Newest: t1, Seen: []string{"a", "b"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("cursor mismatch (-want +got):\n%s", diff)
	}
}

func TestFeedCursorLegacyTimestamp(t *testing.T) {
	ctx := context.Background()
	st := newState(t)
	if err := st.KV().Set(ctx, KeyFeedCursor, []byte(`"2024-03-01T10:00:00Z"`)); err != nil {
		t.Fatal(err)
	}
	got, ok, err := st.FeedCursor(ctx)
	if err != nil || !ok {
		t.Fatalf("FeedCursor = %v, %v", ok, err)
	}
	if want := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC); !got.Newest.Equal(want) || len(got.Seen) != 0 {
		t.Errorf("FeedCursor = %+v, want newest %v", got, want)
	}
}

func TestSetModeRejectsUnknown(t *testing.T) {
	st := newState(t)
	if err := st.SetMode(context.Background(), "off"); err == nil {
		t.Error("SetMode(off) succeeded, want error")
	}
}

func TestToggleModeConcurrent(t *testing.T) {
	ctx := context.Background()
	st := newState(t)

	const toggles = 20
	var wg sync.WaitGroup
	for range toggles {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := st.ToggleMode(ctx); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	// An even number of atomic flips lands back where it started.
	if m, err := st.Mode(ctx); err != nil || m != ModeRunning {
		t.Errorf("Mode = %q, %v; want running", m, err)
	}
	if m, err := st.ToggleMode(ctx); err != nil || m != ModeMaintenance {
		t.Errorf("ToggleMode = %q, %v; want maintenance", m, err)
	}
}

func TestToggleModeUnseeded(t *testing.T) {
	kv := openBolt(t, filepath.Join(t.TempDir(), "state.db"))
	defer kv.Close()
	if _, err := NewState(kv).ToggleMode(context.Background()); !errors.Is(err, ErrNotFound) {
		t.Errorf("ToggleMode on unseeded store = %v, want ErrNotFound", err)
	}
}
