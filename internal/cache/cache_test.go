package cache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/proximet/mediacdn/internal/model"
	"github.com/proximet/mediacdn/internal/storage/local"
)

func TestMain(m *testing.M) {
	zlog.Init()
	os.Exit(m.Run())
}

func testStrategy() retry.Strategy {
	return retry.Strategy{Attempts: 1, Delay: time.Millisecond, Backoff: 1}
}

func newLocal(t *testing.T) *local.Storage {
	t.Helper()
	s, err := local.NewStorage(t.TempDir())
	if err != nil {
		t.Fatalf("local.NewStorage: %v", err)
	}
	return s
}

// fakeRemote is an in-memory object store recording saves.
type fakeRemote struct {
	mu      sync.Mutex
	objects map[string][]byte
	saved   chan string
	fail    bool
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{objects: make(map[string][]byte), saved: make(chan string, 8)}
}

func (f *fakeRemote) Exists(_ context.Context, key string) (bool, error) {
	if f.fail {
		return false, errors.New("remote unavailable")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok, nil
}

func (f *fakeRemote) Load(_ context.Context, key string) (io.ReadCloser, error) {
	if f.fail {
		return nil, errors.New("remote unavailable")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, errors.New("no such object")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeRemote) Save(_ context.Context, key string, data []byte, _ string) error {
	if f.fail {
		return errors.New("remote unavailable")
	}
	f.mu.Lock()
	f.objects[key] = append([]byte(nil), data...)
	f.mu.Unlock()
	select {
	case f.saved <- key:
	default:
	}
	return nil
}

func TestKeyNormalizesOperationOrder(t *testing.T) {
	resize := model.Operation{Kind: model.OpResize, Args: map[string]string{"width": "400", "height": "300"}}
	quality := model.Operation{Kind: model.OpQuality, Args: map[string]string{"value": "80"}}

	a := Key(model.TransformRequest{Operations: []model.Operation{resize, quality}, TargetPath: "p.png"})
	b := Key(model.TransformRequest{Operations: []model.Operation{quality, resize}, TargetPath: "p.png"})
	if a != b {
		t.Errorf("operation order changed key: %s vs %s", a, b)
	}

	c := Key(model.TransformRequest{Operations: []model.Operation{resize, quality}, TargetPath: "other.png"})
	if a == c {
		t.Error("different target paths produced the same key")
	}

	if len(a) != 64 {
		t.Errorf("key length = %d, want 64 hex chars", len(a))
	}
}

func TestResolveComputesOnce(t *testing.T) {
	m, err := NewManager(newLocal(t), nil, testStrategy())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	var calls atomic.Int32
	compute := func(context.Context) ([]byte, error) {
		calls.Add(1)
		return []byte("artifact"), nil
	}

	data, origin, err := m.Resolve(context.Background(), "k1", "image/png", compute)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if origin != OriginComputed || string(data) != "artifact" {
		t.Errorf("first resolve: origin=%s data=%q", origin, data)
	}

	data, origin, err = m.Resolve(context.Background(), "k1", "image/png", compute)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if origin != OriginLocal || string(data) != "artifact" {
		t.Errorf("second resolve: origin=%s data=%q", origin, data)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("compute called %d times, want 1", n)
	}
}

func TestResolveCoalescesConcurrentCallers(t *testing.T) {
	m, err := NewManager(newLocal(t), nil, testStrategy())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	var calls atomic.Int32
	compute := func(context.Context) ([]byte, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return []byte("shared"), nil
	}

	const callers = 16
	var wg sync.WaitGroup
	results := make([][]byte, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _, errs[i] = m.Resolve(context.Background(), "hot", "image/png", compute)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if string(results[i]) != "shared" {
			t.Errorf("caller %d observed %q", i, results[i])
		}
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("compute called %d times, want 1", n)
	}
}

func TestResolveFailureLeavesNoEntry(t *testing.T) {
	store := newLocal(t)
	m, err := NewManager(store, nil, testStrategy())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	wantErr := errors.New("decode failed")
	_, _, err = m.Resolve(context.Background(), "bad", "image/png", func(context.Context) ([]byte, error) {
		return nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}

	if store.Exists("bad") {
		t.Error("failed compute left a cache entry behind")
	}
	if m.Entry("bad").Exists {
		t.Error("Entry reports existence after failed compute")
	}
}

func TestResolvePrefersRemoteOverCompute(t *testing.T) {
	remote := newFakeRemote()
	remote.objects["cache/k2"] = []byte("from-remote")
	store := newLocal(t)

	m, err := NewManager(store, remote, testStrategy())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	data, origin, err := m.Resolve(context.Background(), "k2", "image/png", func(context.Context) ([]byte, error) {
		t.Error("compute invoked despite remote hit")
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if origin != OriginRemote || string(data) != "from-remote" {
		t.Errorf("origin=%s data=%q", origin, data)
	}

	// Write-through: the next lookup is local.
	if !store.Exists("k2") {
		t.Error("remote hit was not written through to the local tier")
	}
}

func TestResolveAbsorbsRemoteFailure(t *testing.T) {
	remote := newFakeRemote()
	m, err := NewManager(newLocal(t), remote, testStrategy())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	remote.fail = true

	data, origin, err := m.Resolve(context.Background(), "k3", "image/png", func(context.Context) ([]byte, error) {
		return []byte("computed"), nil
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if origin != OriginComputed || string(data) != "computed" {
		t.Errorf("origin=%s data=%q", origin, data)
	}
}

func TestResolveUploadsComputedResult(t *testing.T) {
	remote := newFakeRemote()
	m, err := NewManager(newLocal(t), remote, testStrategy())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	_, _, err = m.Resolve(context.Background(), "k4", "image/png", func(context.Context) ([]byte, error) {
		return []byte("fresh"), nil
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	select {
	case key := <-remote.saved:
		if key != "cache/k4" {
			t.Errorf("uploaded key = %q, want cache/k4", key)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("computed artifact was not uploaded to the remote backend")
	}
}

func TestNewManagerPurgesLocalWhenRemoteConfigured(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "stale"), []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}
	store, err := local.NewStorage(dir)
	if err != nil {
		t.Fatalf("local.NewStorage: %v", err)
	}

	if _, err := NewManager(store, newFakeRemote(), testStrategy()); err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	if store.Exists("stale") {
		t.Error("stale local entry survived startup purge")
	}
}

func TestEntryReportsStat(t *testing.T) {
	store := newLocal(t)
	m, err := NewManager(store, nil, testStrategy())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	if err := store.Save("k5", []byte("12345")); err != nil {
		t.Fatalf("Save: %v", err)
	}

	e := m.Entry("k5")
	if !e.Exists || e.SizeBytes != 5 || e.WrittenAt.IsZero() {
		t.Errorf("Entry = %+v", e)
	}
}
