package storage

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/csaude/sespct-api/interfaces"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRepositoriesForMemory(t *testing.T) {
	f := NewFactory(testLogger())

	repos, err := f.RepositoriesFor("memory://")
	require.NoError(t, err)
	require.NotNil(t, repos.Settings)
	require.NotNil(t, repos.Pedidos)
	require.NotNil(t, repos.Respostas)
	require.NotNil(t, repos.Clients)
	require.NoError(t, repos.Close())
}

func TestRepositoriesForUnsupportedScheme(t *testing.T) {
	f := NewFactory(testLogger())

	_, err := f.RepositoriesFor("redis://localhost:6379")
	require.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)
}

func TestSettingsRepoForVaultURI(t *testing.T) {
	f := NewFactory(testLogger())

	t.Run("bad path", func(t *testing.T) {
		_, err := f.SettingsRepoFor("vault://localhost:8200/onlymount?token=x")
		require.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)
	})

	t.Run("unsupported scheme", func(t *testing.T) {
		_, err := f.SettingsRepoFor("etcd://localhost:2379")
		require.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)
	})
}

func TestArchiveForFile(t *testing.T) {
	f := NewFactory(testLogger())
	dir := t.TempDir()

	archive, err := f.ArchiveFor("file://" + dir)
	require.NoError(t, err)

	loc, err := archive.Store(context.Background(), "payload-1", []byte(`{"x":1}`))
	require.NoError(t, err)
	require.Contains(t, loc, "payload-1.json")

	matches, err := filepath.Glob(filepath.Join(dir, "*", "payload-1.json"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	require.Equal(t, []byte(`{"x":1}`), data)
}

func TestArchiveForMem(t *testing.T) {
	f := NewFactory(testLogger())

	archive, err := f.ArchiveFor("mem://")
	require.NoError(t, err)
	_, ok := archive.(*MemoryArchive)
	require.True(t, ok)
}

func TestArchiveForUnsupportedScheme(t *testing.T) {
	f := NewFactory(testLogger())
	_, err := f.ArchiveFor("ftp://host/dir")
	require.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)
}
