// Package interfaces defines the core types and store contracts shared by the
// sespct-api components. It provides the contract between different components
// without implementation details.
package interfaces

import (
	"strings"
	"time"
)

// Envelope is the wire unit exchanged with the CT partner system. Data is the
// base64 encoding of wrappedKey || iv || ciphertext+tag; Signature is an
// RSA-PKCS#1v1.5/SHA-256 signature computed over the UTF-8 bytes of the Data
// string itself, so receivers can verify authenticity without decrypting.
type Envelope struct {
	Data      string `json:"data"`
	Signature string `json:"signature"`
}

// RecordStatus is the lifecycle state of a synchronized record.
type RecordStatus string

const (
	// StatusNew marks a record discovered from CT and not yet consumed.
	StatusNew RecordStatus = "NEW"
	// StatusConsumed marks a record acknowledged by a downstream consumer.
	StatusConsumed RecordStatus = "CONSUMED"
)

// UnknownFacility is the sentinel facility code used when a record's owning
// health facility cannot be resolved from the payload or the parent pedido.
const UnknownFacility = "UNKNOWN"

// Pedido is a clinical request record synchronized from CT. At most one
// pedido exists per PedidoIDCT.
type Pedido struct {
	ID           int64
	UUID         string
	PedidoIDCT   int64
	FacilityCode string
	Payload      string
	Status       RecordStatus
	CreatedAt    time.Time
	ProcessedAt  *time.Time
	ErrorMsg     string
}

// Resposta is an answer record for a pedido, received either through the
// paged respostas stream or through an inbound webhook. At most one resposta
// exists per RespostaIDCT; re-delivery updates in place.
type Resposta struct {
	ID           int64
	UUID         string
	RespostaIDCT int64
	PedidoIDCT   int64
	FacilityCode string
	Payload      string
	Status       RecordStatus
	CreatedAt    time.Time
	ProcessedAt  *time.Time
	ErrorMsg     string
}

// Client is a downstream consumer registered against this API.
type Client struct {
	ID         int64
	ClientID   string
	SecretHash string
	Salt       string
	USCode     string
	PublicKey  string
	CreatedAt  time.Time
}

// Page is one parsed page of a CT cursor-paginated result stream.
type Page struct {
	Items      []map[string]any
	NextCursor string
	HasMore    *bool
}

// Done reports whether the stream is exhausted: either CT said has_more=false
// or it did not hand back a follow-up cursor.
func (p Page) Done() bool {
	if p.HasMore != nil && !*p.HasMore {
		return true
	}
	return strings.TrimSpace(p.NextCursor) == ""
}
