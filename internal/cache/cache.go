// Package cache implements the two-tier transform cache: a local disk tier
// in front of an optional remote object-storage backend, with in-flight
// request coalescing per key.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"
	"golang.org/x/sync/singleflight"

	"github.com/proximet/mediacdn/internal/model"
)

// Origin records which tier produced the bytes for a lookup.
type Origin string

const (
	OriginLocal    Origin = "local"
	OriginRemote   Origin = "remote"
	OriginComputed Origin = "computed"
)

// Entry describes the cached artifact for a key. An entry only reports
// Exists once its backing bytes are fully and durably written.
type Entry struct {
	Exists    bool
	WrittenAt time.Time
	SizeBytes int64
	Origin    Origin
}

// ComputeFunc produces the bytes for a key on a cache miss. The manager
// guarantees at most one in-flight invocation per key.
type ComputeFunc func(ctx context.Context) ([]byte, error)

// localStore is the disk tier, matching internal/storage/local.Storage.
type localStore interface {
	Exists(key string) bool
	Stat(key string) (int64, time.Time, error)
	Load(key string) ([]byte, error)
	Save(key string, data []byte) error
	Purge() error
}

// remoteStore is the optional object-storage backend.
type remoteStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	Load(ctx context.Context, key string) (io.ReadCloser, error)
	Save(ctx context.Context, key string, data []byte, contentType string) error
}

// Manager owns the resolve algorithm and the coalescing map. It is injected
// into the handlers rather than accessed as ambient state.
type Manager struct {
	local    localStore
	remote   remoteStore // nil when no backend is configured
	group    singleflight.Group
	strategy retry.Strategy
	prefix   string // remote key prefix for cached artifacts
}

// NewManager creates a Manager. When a remote backend is configured the
// local directory is purged: the backend is the system of record and stale
// local bytes from a previous deployment must not be served as fresh.
func NewManager(local localStore, remote remoteStore, strategy retry.Strategy) (*Manager, error) {
	if remote != nil {
		if err := local.Purge(); err != nil {
			return nil, fmt.Errorf("failed to purge local cache: %w", err)
		}
		zlog.Logger.Info().Msg("local cache purged, remote backend is system of record")
	}

	return &Manager{
		local:    local,
		remote:   remote,
		strategy: strategy,
		prefix:   "cache/",
	}, nil
}

// Key derives the stable cache digest for a request: sha256 over the target
// path and the canonicalized operation list. Operation order and argument
// order are normalized before hashing, so textual variants of the same
// directive share a key.
func Key(req model.TransformRequest) string {
	h := sha256.New()
	io.WriteString(h, req.TargetPath)
	io.WriteString(h, "|")
	io.WriteString(h, req.Directive())
	return hex.EncodeToString(h.Sum(nil))
}

// Resolve returns the bytes for key, checking local disk, then the remote
// backend, then invoking compute. Concurrent callers for the same key await
// a single computation and all observe the same bytes. Remote failures are
// absorbed as cache misses; the local tier is authoritative for serving.
func (m *Manager) Resolve(ctx context.Context, key, contentType string, compute ComputeFunc) ([]byte, Origin, error) {
	type resolved struct {
		data   []byte
		origin Origin
	}

	v, err, _ := m.group.Do(key, func() (interface{}, error) {
		if m.local.Exists(key) {
			data, err := m.local.Load(key)
			if err == nil {
				return resolved{data, OriginLocal}, nil
			}
			zlog.Logger.Err(err).Str("key", key).Msg("failed to read local cache entry")
		}

		if data, ok := m.fetchRemote(ctx, key); ok {
			if err := m.local.Save(key, data); err != nil {
				zlog.Logger.Err(err).Str("key", key).Msg("failed to write through to local cache")
			}
			return resolved{data, OriginRemote}, nil
		}

		data, err := compute(ctx)
		if err != nil {
			return nil, err
		}

		if err := m.local.Save(key, data); err != nil {
			return nil, fmt.Errorf("failed to store computed result: %w", err)
		}
		m.uploadAsync(key, data, contentType)

		return resolved{data, OriginComputed}, nil
	})
	if err != nil {
		return nil, "", err
	}

	r := v.(resolved)
	return r.data, r.origin, nil
}

// Entry reports the cached state of a key without triggering computation.
func (m *Manager) Entry(key string) Entry {
	size, written, err := m.local.Stat(key)
	if err != nil {
		return Entry{}
	}
	return Entry{
		Exists:    true,
		WrittenAt: written,
		SizeBytes: size,
		Origin:    OriginLocal,
	}
}

// Load returns the locally cached bytes for key without computing.
func (m *Manager) Load(key string) ([]byte, error) {
	return m.local.Load(key)
}

// fetchRemote downloads the artifact from the remote backend if present.
// Any remote failure is logged and treated as a miss.
func (m *Manager) fetchRemote(ctx context.Context, key string) ([]byte, bool) {
	if m.remote == nil {
		return nil, false
	}

	exists, err := m.remote.Exists(ctx, m.prefix+key)
	if err != nil {
		zlog.Logger.Err(err).Str("key", key).Msg("remote existence check failed, treating as miss")
		return nil, false
	}
	if !exists {
		return nil, false
	}

	rc, err := m.remote.Load(ctx, m.prefix+key)
	if err != nil {
		zlog.Logger.Err(err).Str("key", key).Msg("remote download failed, treating as miss")
		return nil, false
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		zlog.Logger.Err(err).Str("key", key).Msg("remote read failed, treating as miss")
		return nil, false
	}

	return data, true
}

// uploadAsync pushes a freshly computed artifact to the remote backend off
// the serving path. A failed upload never fails the response.
func (m *Manager) uploadAsync(key string, data []byte, contentType string) {
	if m.remote == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		err := retry.Do(func() error {
			return m.remote.Save(ctx, m.prefix+key, data, contentType)
		}, m.strategy)
		if err != nil {
			zlog.Logger.Err(err).Str("key", key).Msg("failed to upload cache entry to remote backend")
			return
		}

		zlog.Logger.Debug().Str("key", key).Int("size", len(data)).Msg("cache entry uploaded to remote backend")
	}()
}
