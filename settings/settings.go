package settings

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/csaude/sespct-api/interfaces"
)

// Service is the cached settings accessor used by every component. The cache
// is an explicit map owned by the service; Upsert writes through and evicts
// the written key, EvictAll drops everything. There is no TTL: settings only
// change through Upsert, and external writes are followed by an EvictAll
// from the operator surface.
type Service struct {
	repo interfaces.SettingRepo
	log  *slog.Logger

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	value string
	found bool
}

// New creates a settings service over the given repository.
func New(repo interfaces.SettingRepo, log *slog.Logger) *Service {
	return &Service{
		repo:  repo,
		log:   log,
		cache: make(map[string]cacheEntry),
	}
}

// Get returns the trimmed value for key, or def when the key is absent,
// disabled or blank.
func (s *Service) Get(ctx context.Context, key, def string) string {
	s.mu.RLock()
	entry, ok := s.cache[key]
	s.mu.RUnlock()

	if !ok {
		value, err := s.repo.Get(ctx, key)
		switch {
		case err == nil:
			entry = cacheEntry{value: strings.TrimSpace(value), found: true}
		case errors.Is(err, interfaces.ErrNotFound):
			entry = cacheEntry{}
		default:
			// Backend trouble: fall back to the default without caching, so a
			// recovered backend is observed on the next read.
			s.log.Warn("settings read failed", "key", key, "err", err)
			return def
		}

		s.mu.Lock()
		s.cache[key] = entry
		s.mu.Unlock()
	}

	if !entry.found || entry.value == "" {
		return def
	}
	return entry.value
}

// GetBool parses the value as a boolean, returning def on absence or parse
// failure.
func (s *Service) GetBool(ctx context.Context, key string, def bool) bool {
	v := s.Get(ctx, key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(strings.ToLower(v))
	if err != nil {
		return def
	}
	return b
}

// GetInt parses the value as an int, returning def on absence or parse
// failure.
func (s *Service) GetInt(ctx context.Context, key string, def int) int {
	v := s.Get(ctx, key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// GetInt64 parses the value as an int64, returning def on absence or parse
// failure.
func (s *Service) GetInt64(ctx context.Context, key string, def int64) int64 {
	v := s.Get(ctx, key, "")
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// GetDuration interprets the value as whole seconds.
func (s *Service) GetDuration(ctx context.Context, key string, def time.Duration) time.Duration {
	v := s.Get(ctx, key, "")
	if v == "" {
		return def
	}
	secs, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return time.Duration(secs) * time.Second
}

// Upsert persists the value and invalidates the cached entry for key.
func (s *Service) Upsert(ctx context.Context, key, value, valueType, description string, enabled bool, actor string) error {
	if actor == "" {
		actor = "system"
	}
	if err := s.repo.Upsert(ctx, key, value, valueType, description, enabled, actor); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()
	return nil
}

// EvictAll drops the whole cache. Used after out-of-band settings changes.
func (s *Service) EvictAll() {
	s.mu.Lock()
	s.cache = make(map[string]cacheEntry)
	s.mu.Unlock()
}
