package interfaces

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate is returned when an insert would violate the one-record-
	// per-external-id invariant.
	ErrDuplicate = errors.New("record already exists")

	// ErrBackendUnavailable is returned when a storage backend is not accessible.
	// This signals a temporary condition; callers retry on the next cycle.
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrInvalidLocationURI is returned when a storage location URI is malformed
	// or names an unsupported scheme.
	ErrInvalidLocationURI = errors.New("invalid storage location URI")
)

// SettingRepo is the raw persistence contract behind the settings service.
// Values are stored as strings; typing is the service's concern.
type SettingRepo interface {
	// Get returns the enabled value for key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Upsert creates or replaces the value for key.
	Upsert(ctx context.Context, key, value, valueType, description string, enabled bool, actor string) error
}

// PedidoStore persists pedidos synchronized from CT. Implementations must
// enforce uniqueness on PedidoIDCT at the store level; concurrent writers
// rely on that constraint rather than application locking.
type PedidoStore interface {
	// InsertIfAbsent stores p unless a pedido with the same PedidoIDCT already
	// exists. Returns true when a row was inserted.
	InsertIfAbsent(ctx context.Context, p *Pedido) (bool, error)

	// FindByPedidoIDCT returns the pedido with the given CT identifier, or
	// ErrNotFound.
	FindByPedidoIDCT(ctx context.Context, pedidoIDCT int64) (*Pedido, error)

	// FindByStatus returns all pedidos in the given state.
	FindByStatus(ctx context.Context, status RecordStatus) ([]*Pedido, error)

	// MarkConsumed transitions the pedido to CONSUMED and stamps ProcessedAt.
	MarkConsumed(ctx context.Context, pedidoIDCT int64) error

	// Any reports whether the store holds at least one pedido.
	Any(ctx context.Context) (bool, error)
}

// RespostaStore persists respostas. Upsert semantics: one row per
// RespostaIDCT, updated in place on re-delivery.
type RespostaStore interface {
	Upsert(ctx context.Context, r *Resposta) error
	FindByRespostaIDCT(ctx context.Context, respostaIDCT int64) (*Resposta, error)
	FindByPedidoIDCT(ctx context.Context, pedidoIDCT int64) ([]*Resposta, error)
	FindByStatus(ctx context.Context, status RecordStatus) ([]*Resposta, error)
	MarkConsumed(ctx context.Context, respostaIDCT int64) error
}

// ClientStore persists downstream consumers registered against this API.
type ClientStore interface {
	Insert(ctx context.Context, c *Client) error
	FindByClientID(ctx context.Context, clientID string) (*Client, error)
}

// PayloadArchive is an optional write-mostly sink for decrypted partner
// payloads, kept for audit and diagnostics. Archive failures are never fatal
// to the ingestion path.
type PayloadArchive interface {
	// Store persists data under the given name and returns the backend's
	// location string for it.
	Store(ctx context.Context, name string, data []byte) (string, error)
}
