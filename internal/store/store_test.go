package store

import (
	"path/filepath"
	"testing"
)

func TestMemoryPutGet(t *testing.T) {
	m := NewMemory()
	if err := m.Put("workers/abc", []byte(`{"x":1}`)); err != nil {
		t.Fatal(err)
	}
	v, ok, err := m.Get("workers/abc")
	if err != nil || !ok {
		t.Fatalf("get failed: ok=%v err=%v", ok, err)
	}
	if string(v) != `{"x":1}` {
		t.Fatalf("value = %s", v)
	}
	if _, ok, _ := m.Get("workers/missing"); ok {
		t.Fatal("expected missing key to be absent")
	}
}

func TestScanRangeOrdered(t *testing.T) {
	m := NewMemory()
	m.Put("leaderboard/0002", []byte("b"))
	m.Put("leaderboard/0000", []byte("a"))
	m.Put("leaderboard/0001", []byte("c"))
	m.Put("workers/x", []byte("ignored"))

	kvs, err := m.ScanRange(LeaderboardPrefix)
	if err != nil {
		t.Fatal(err)
	}
	if len(kvs) != 3 {
		t.Fatalf("len = %d, want 3", len(kvs))
	}
	for i, want := range []string{"leaderboard/0000", "leaderboard/0001", "leaderboard/0002"} {
		if kvs[i].Key != want {
			t.Fatalf("kvs[%d].Key = %s, want %s", i, kvs[i].Key, want)
		}
	}
}

func TestLeaderboardRewriteViaBatch(t *testing.T) {
	m := NewMemory()
	m.Put(LeaderboardKey(0), []byte("old"))

	ops := []Op{{Delete: true, Key: LeaderboardKey(0)}}
	for i, v := range []string{"first", "second"} {
		ops = append(ops, Op{Key: LeaderboardKey(i), Value: []byte(v)})
	}
	if err := m.Batch(ops); err != nil {
		t.Fatal(err)
	}

	kvs, _ := m.ScanRange(LeaderboardPrefix)
	if len(kvs) != 2 || string(kvs[0].Value) != "first" {
		t.Fatalf("rewrite failed: %+v", kvs)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "score.snap.gz")

	m := NewMemory()
	m.Put("workers/w1", []byte(`{"totalScore":500}`))
	snap := NewSnapshotter(path, m)
	if err := snap.Save(); err != nil {
		t.Fatal(err)
	}

	restored := NewMemory()
	snap2 := NewSnapshotter(path, restored)
	if err := snap2.Load(); err != nil {
		t.Fatal(err)
	}
	v, ok, _ := restored.Get("workers/w1")
	if !ok || string(v) != `{"totalScore":500}` {
		t.Fatalf("restored value = %s, ok=%v", v, ok)
	}
}

func TestSnapshotLoadMissingFileIsNotError(t *testing.T) {
	dir := t.TempDir()
	snap := NewSnapshotter(filepath.Join(dir, "missing.gz"), NewMemory())
	if err := snap.Load(); err != nil {
		t.Fatalf("missing snapshot should not error: %v", err)
	}
}
