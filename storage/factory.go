// Package storage provides the persistence backends behind the settings,
// pedido, resposta and client repositories, plus the optional payload
// archive. Backends are selected by URI scheme through the Factory.
package storage

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/csaude/sespct-api/interfaces"
)

// Factory creates repositories and archives from location URIs.
type Factory struct {
	log *slog.Logger
}

// NewFactory creates a storage factory.
func NewFactory(log *slog.Logger) *Factory {
	return &Factory{log: log}
}

// Repositories bundles every repository the application needs.
type Repositories struct {
	Settings  interfaces.SettingRepo
	Pedidos   interfaces.PedidoStore
	Respostas interfaces.RespostaStore
	Clients   interfaces.ClientStore

	closer func() error
}

// Close releases the underlying backend, if it holds resources.
func (r *Repositories) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer()
}

// RepositoriesFor creates the repository bundle for a database URI.
//
// Supported schemes:
//   - postgres:// - PostgreSQL via database/sql
//   - memory://   - in-process store (tests, local development)
//
// A vault:// settings URI may be layered on top with SettingsRepoFor.
func (f *Factory) RepositoriesFor(locationURI string) (*Repositories, error) {
	u, err := url.Parse(locationURI)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidLocationURI, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "postgres", "postgresql":
		pg, err := NewPostgresStore(locationURI, f.log)
		if err != nil {
			return nil, err
		}
		return &Repositories{
			Settings:  pg.Settings(),
			Pedidos:   pg.Pedidos(),
			Respostas: pg.Respostas(),
			Clients:   pg.Clients(),
			closer:    pg.Close,
		}, nil

	case "memory":
		mem := NewMemoryStore()
		return &Repositories{
			Settings:  mem.Settings(),
			Pedidos:   mem.Pedidos(),
			Respostas: mem.Respostas(),
			Clients:   mem.Clients(),
		}, nil

	default:
		return nil, fmt.Errorf("%w: unsupported database scheme %q", interfaces.ErrInvalidLocationURI, u.Scheme)
	}
}

// SettingsRepoFor creates a standalone settings repository from a URI.
//
// Supported schemes:
//   - vault://host:port/mount/path?token=... (TLS assumed; use vault+http for plain HTTP)
func (f *Factory) SettingsRepoFor(locationURI string) (interfaces.SettingRepo, error) {
	u, err := url.Parse(locationURI)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidLocationURI, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "vault", "vault+http":
		scheme := "https"
		if u.Scheme == "vault+http" {
			scheme = "http"
		}

		parts := strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("%w: vault URI path must be /<mount>/<dataPath>", interfaces.ErrInvalidLocationURI)
		}

		address := fmt.Sprintf("%s://%s", scheme, u.Host)
		return NewVaultSettingRepo(address, u.Query().Get("token"), parts[0], parts[1], f.log)

	default:
		return nil, fmt.Errorf("%w: unsupported settings scheme %q", interfaces.ErrInvalidLocationURI, u.Scheme)
	}
}

// ArchiveFor creates a payload archive from a URI.
//
// Supported schemes:
//   - file:///var/lib/sespct/archive
//   - s3://bucket/prefix?region=...&endpoint=...&access_key=...&secret_key=...
//   - mem:// (tests)
func (f *Factory) ArchiveFor(locationURI string) (interfaces.PayloadArchive, error) {
	u, err := url.Parse(locationURI)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidLocationURI, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "file":
		return NewFileArchive(u.Path, f.log)

	case "s3":
		q := u.Query()
		region := q.Get("region")
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Archive(u.Host, strings.Trim(u.Path, "/"), region,
			q.Get("endpoint"), q.Get("access_key"), q.Get("secret_key"), f.log)

	case "mem":
		return NewMemoryArchive(), nil

	default:
		return nil, fmt.Errorf("%w: unsupported archive scheme %q", interfaces.ErrInvalidLocationURI, u.Scheme)
	}
}
