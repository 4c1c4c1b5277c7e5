// Package httpserver exposes the service's HTTP surface: the public CT
// webhook endpoint, downstream client registration, and the health and
// diagnostic endpoints.
package httpserver

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"

	"github.com/csaude/sespct-api/interfaces"
	"github.com/csaude/sespct-api/metrics"
	"github.com/csaude/sespct-api/settings"
	"github.com/csaude/sespct-api/webhook"
)

// Handler implements the HTTP endpoints behind the router.
type Handler struct {
	ingest   *webhook.Ingest
	clients  interfaces.ClientStore
	settings *settings.Service
	log      *slog.Logger
	metrics  *metrics.Metrics
}

// NewHandler creates the endpoint handler.
func NewHandler(ingest *webhook.Ingest, clients interfaces.ClientStore, svc *settings.Service, log *slog.Logger) *Handler {
	return &Handler{ingest: ingest, clients: clients, settings: svc, log: log}
}

func (h *Handler) setMetrics(m *metrics.Metrics) {
	h.metrics = m
}

// HandleWebhook receives one CT event envelope and answers with the
// encrypted CONSUMED acknowledgment.
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	var env interfaces.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		h.countIngest("bad_request")
		writeError(w, http.StatusBadRequest, "invalid envelope JSON")
		return
	}

	ack, err := h.ingest.Receive(r.Context(), env)
	if err != nil {
		switch {
		case errors.Is(err, interfaces.ErrMalformedEnvelope):
			h.countIngest("bad_request")
			h.countEnvelopeFailure("malformed")
			writeError(w, http.StatusBadRequest, "missing data/signature")
		case errors.Is(err, interfaces.ErrMissingCredential):
			h.countIngest("missing_keys")
			writeError(w, http.StatusPreconditionFailed, "crypto keys not configured")
		case errors.Is(err, interfaces.ErrSignatureInvalid):
			h.countIngest("unauthorized")
			h.countEnvelopeFailure("signature")
			writeError(w, http.StatusUnauthorized, "signature verification failed")
		default:
			if errors.Is(err, interfaces.ErrDecryptionFailed) {
				h.countEnvelopeFailure("decrypt")
			}
			h.log.Warn("webhook processing failed", "err", err)
			h.countIngest("error")
			writeError(w, http.StatusInternalServerError, "failed to process webhook")
		}
		return
	}

	h.countIngest("ok")
	writeJSON(w, http.StatusOK, ack)
}

// clientRegisterRequest is the registration body posted by downstream
// consumers of this API.
type clientRegisterRequest struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	USCode       string `json:"usCode"`
	PublicKey    string `json:"publicKey"`
}

// HandleClientRegister registers a downstream consumer. The secret is stored
// argon2id-hashed with a per-client salt; the response carries this API's
// public key so the consumer can verify envelopes.
func (h *Handler) HandleClientRegister(w http.ResponseWriter, r *http.Request) {
	var req clientRegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid registration JSON")
		return
	}
	if strings.TrimSpace(req.ClientID) == "" || strings.TrimSpace(req.ClientSecret) == "" {
		writeError(w, http.StatusBadRequest, "clientId and clientSecret are required")
		return
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		h.log.Error("salt generation failed", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to register client")
		return
	}

	err := h.clients.Insert(r.Context(), &interfaces.Client{
		ClientID:   req.ClientID,
		SecretHash: hashSecret(req.ClientSecret, salt),
		Salt:       base64.StdEncoding.EncodeToString(salt),
		USCode:     req.USCode,
		PublicKey:  req.PublicKey,
		CreatedAt:  time.Now(),
	})
	if err != nil {
		if errors.Is(err, interfaces.ErrDuplicate) {
			writeError(w, http.StatusConflict, "client already registered")
			return
		}
		h.log.Warn("client registration failed", "clientId", req.ClientID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to register client")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"message": "client registered",
		"data": map[string]string{
			"clientId":        req.ClientID,
			"serverPublicKey": h.settings.Get(r.Context(), settings.KeyAPIPublicPEM, ""),
		},
	})
}

// VerifyClientSecret checks a presented secret against a stored client
// record. The hash comparison is constant time.
func VerifyClientSecret(c *interfaces.Client, presented string) bool {
	salt, err := base64.StdEncoding.DecodeString(c.Salt)
	if err != nil {
		return false
	}
	stored, err := base64.StdEncoding.DecodeString(c.SecretHash)
	if err != nil {
		return false
	}
	hash := argon2.IDKey([]byte(presented), salt, 1, 64*1024, 4, 32)
	return subtle.ConstantTimeCompare(hash, stored) == 1
}

func hashSecret(secret string, salt []byte) string {
	hash := argon2.IDKey([]byte(secret), salt, 1, 64*1024, 4, 32)
	return base64.StdEncoding.EncodeToString(hash)
}

func (h *Handler) countIngest(outcome string) {
	if h.metrics != nil {
		h.metrics.WebhookIngests.WithLabelValues(outcome).Inc()
	}
}

func (h *Handler) countEnvelopeFailure(stage string) {
	if h.metrics != nil {
		h.metrics.EnvelopeFailures.WithLabelValues(stage).Inc()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
