package settings

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/csaude/sespct-api/interfaces"
)

type countingRepo struct {
	values map[string]string
	getErr error
	gets   int
}

func newCountingRepo() *countingRepo {
	return &countingRepo{values: map[string]string{}}
}

func (r *countingRepo) Get(_ context.Context, key string) (string, error) {
	r.gets++
	if r.getErr != nil {
		return "", r.getErr
	}
	v, ok := r.values[key]
	if !ok {
		return "", interfaces.ErrNotFound
	}
	return v, nil
}

func (r *countingRepo) Upsert(_ context.Context, key, value, _, _ string, _ bool, _ string) error {
	r.values[key] = value
	return nil
}

func testService(repo interfaces.SettingRepo) *Service {
	return New(repo, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestGetCachesFoundValue(t *testing.T) {
	repo := newCountingRepo()
	repo.values["sesp.ct.baseUrl"] = "  https://ct.example.org  "
	svc := testService(repo)
	ctx := context.Background()

	require.Equal(t, "https://ct.example.org", svc.Get(ctx, "sesp.ct.baseUrl", "def"))
	require.Equal(t, "https://ct.example.org", svc.Get(ctx, "sesp.ct.baseUrl", "def"))
	require.Equal(t, 1, repo.gets)
}

func TestGetCachesNotFound(t *testing.T) {
	repo := newCountingRepo()
	svc := testService(repo)
	ctx := context.Background()

	require.Equal(t, "fallback", svc.Get(ctx, "missing", "fallback"))
	require.Equal(t, "other", svc.Get(ctx, "missing", "other"))
	require.Equal(t, 1, repo.gets)
}

func TestGetBackendErrorNotCached(t *testing.T) {
	repo := newCountingRepo()
	repo.getErr = errors.New("connection refused")
	svc := testService(repo)
	ctx := context.Background()

	require.Equal(t, "def", svc.Get(ctx, "k", "def"))

	// Once the backend recovers the real value is observed immediately.
	repo.getErr = nil
	repo.values["k"] = "recovered"
	require.Equal(t, "recovered", svc.Get(ctx, "k", "def"))
	require.Equal(t, 2, repo.gets)
}

func TestTypedAccessors(t *testing.T) {
	repo := newCountingRepo()
	repo.values["bool.true"] = "TRUE"
	repo.values["bool.bad"] = "yes-ish"
	repo.values["int.ok"] = "42"
	repo.values["int.bad"] = "forty-two"
	repo.values["int64.ok"] = "9000000000"
	repo.values["dur.ok"] = "90"
	svc := testService(repo)
	ctx := context.Background()

	require.True(t, svc.GetBool(ctx, "bool.true", false))
	require.True(t, svc.GetBool(ctx, "bool.bad", true))
	require.False(t, svc.GetBool(ctx, "bool.missing", false))

	require.Equal(t, 42, svc.GetInt(ctx, "int.ok", 7))
	require.Equal(t, 7, svc.GetInt(ctx, "int.bad", 7))
	require.Equal(t, 7, svc.GetInt(ctx, "int.missing", 7))

	require.Equal(t, int64(9000000000), svc.GetInt64(ctx, "int64.ok", 1))

	require.Equal(t, 90*time.Second, svc.GetDuration(ctx, "dur.ok", time.Minute))
	require.Equal(t, time.Minute, svc.GetDuration(ctx, "dur.missing", time.Minute))
}

func TestUpsertEvictsKey(t *testing.T) {
	repo := newCountingRepo()
	repo.values["k"] = "old"
	svc := testService(repo)
	ctx := context.Background()

	require.Equal(t, "old", svc.Get(ctx, "k", ""))

	require.NoError(t, svc.Upsert(ctx, "k", "new", "STRING", "", true, "test"))
	require.Equal(t, "new", svc.Get(ctx, "k", ""))
}

func TestEvictAll(t *testing.T) {
	repo := newCountingRepo()
	repo.values["a"] = "1"
	svc := testService(repo)
	ctx := context.Background()

	require.Equal(t, "1", svc.Get(ctx, "a", ""))

	// Simulate an out-of-band write followed by operator eviction.
	repo.values["a"] = "2"
	require.Equal(t, "1", svc.Get(ctx, "a", ""))
	svc.EvictAll()
	require.Equal(t, "2", svc.Get(ctx, "a", ""))
}
