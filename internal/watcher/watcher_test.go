package watcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

const testSettle = 200 * time.Millisecond

// batchRecorder collects flushed batches behind a mutex.
type batchRecorder struct {
	mu      sync.Mutex
	batches [][]string
}

func (r *batchRecorder) add(files []string) {
	r.mu.Lock()
	r.batches = append(r.batches, files)
	r.mu.Unlock()
}

func (r *batchRecorder) snapshot() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]string, len(r.batches))
	copy(out, r.batches)
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// eventually polls fn every tick until it returns true or timeout elapses.
func eventually(t *testing.T, timeout, tick time.Duration, fn func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(tick)
	}
	t.Error(msg)
}

func startWatch(t *testing.T, dir string, rec *batchRecorder) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_ = Watch(ctx, dir, testSettle, quietLogger(), rec.add)
	}()
	time.Sleep(100 * time.Millisecond)
	return cancel
}

func TestWatchBatchesSettledFiles(t *testing.T) {
	dir := t.TempDir()
	rec := &batchRecorder{}
	cancel := startWatch(t, dir, rec)
	defer cancel()

	a := filepath.Join(dir, "subject-1.csv")
	b := filepath.Join(dir, "subject-2.csv")
	_ = os.WriteFile(a, []byte("trial,rt\n"), 0o644)
	_ = os.WriteFile(b, []byte("trial,rt\n"), 0o644)

	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		return len(rec.snapshot()) > 0
	}, "no batch flushed")

	batches := rec.snapshot()
	if len(batches) != 1 {
		t.Fatalf("batches = %d, want files written together flushed together", len(batches))
	}
	got := batches[0]
	if len(got) != 2 || got[0] != a || got[1] != b {
		t.Errorf("batch = %v, want sorted [%s %s]", got, a, b)
	}
}

func TestWatchIgnoresHiddenAndTempFiles(t *testing.T) {
	dir := t.TempDir()
	rec := &batchRecorder{}
	cancel := startWatch(t, dir, rec)
	defer cancel()

	dataFile := filepath.Join(dir, "subject-1.csv")
	_ = os.WriteFile(filepath.Join(dir, ".osfsync-tmp-123"), []byte("x"), 0o644)
	_ = os.WriteFile(filepath.Join(dir, "editor-swap~"), []byte("x"), 0o644)
	_ = os.WriteFile(dataFile, []byte("trial,rt\n"), 0o644)

	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		return len(rec.snapshot()) > 0
	}, "no batch flushed")

	batches := rec.snapshot()
	if len(batches) != 1 || len(batches[0]) != 1 || batches[0][0] != dataFile {
		t.Errorf("batches = %v, want only the data file", batches)
	}
}

func TestWatchFollowsNewSubdirectories(t *testing.T) {
	dir := t.TempDir()
	rec := &batchRecorder{}
	cancel := startWatch(t, dir, rec)
	defer cancel()

	sub := filepath.Join(dir, "session-1")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)

	deep := filepath.Join(sub, "subject-1.csv")
	_ = os.WriteFile(deep, []byte("trial,rt\n"), 0o644)

	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		for _, batch := range rec.snapshot() {
			for _, f := range batch {
				if f == deep {
					return true
				}
			}
		}
		return false
	}, "file in new subdirectory never flushed")
}

func TestWatchDropsVanishedFiles(t *testing.T) {
	dir := t.TempDir()
	rec := &batchRecorder{}
	cancel := startWatch(t, dir, rec)
	defer cancel()

	short := filepath.Join(dir, "fleeting.csv")
	_ = os.WriteFile(short, []byte("x"), 0o644)
	_ = os.Remove(short)

	// Give the settle period room to elapse.
	time.Sleep(3 * testSettle)
	if got := rec.snapshot(); len(got) != 0 {
		t.Errorf("batches = %v, vanished files should not flush", got)
	}
}

func TestWatchStopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, dir, testSettle, quietLogger(), nil)
	}()
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch = %v, want nil on cancellation", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not stop after cancellation")
	}
}

func TestWatchMissingRoot(t *testing.T) {
	err := Watch(context.Background(), filepath.Join(t.TempDir(), "gone"), testSettle, quietLogger(), nil)
	if err == nil {
		t.Error("watching a missing directory should fail")
	}
}

func TestIgnored(t *testing.T) {
	cases := []struct {
		path string
		want bool
	}{
		{"/run/.hidden", true},
		{"/run/backup~", true},
		{"/run/.osfsync-dl-42", true},
		{"/run/subject-1.csv", false},
	}
	for _, c := range cases {
		if got := ignored(c.path); got != c.want {
			t.Errorf("ignored(%q) = %v, want %v", c.path, got, c.want)
		}
	}
}
