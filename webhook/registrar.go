// Package webhook drives the CT webhook lifecycle: subscription of pedido
// ids, ingestion of inbound event envelopes, and consumption ACKs.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/csaude/sespct-api/envelope"
	"github.com/csaude/sespct-api/interfaces"
	"github.com/csaude/sespct-api/oauth"
	"github.com/csaude/sespct-api/settings"
)

const webhooksPath = "/api/v1/webhooks"

// Registrar registers and unregisters webhook subscriptions with CT.
// Registration is all-or-nothing per invocation: the registered flag is
// persisted only after every chunk succeeded.
type Registrar struct {
	settings *settings.Service
	keeper   *envelope.Keeper
	tokens   *oauth.TokenManager
	http     *http.Client
	log      *slog.Logger
}

// NewRegistrar creates a registrar. The HTTP client does not need the auth
// gate; the bearer token is attached directly.
func NewRegistrar(svc *settings.Service, keeper *envelope.Keeper, tokens *oauth.TokenManager,
	httpClient *http.Client, log *slog.Logger) *Registrar {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Registrar{settings: svc, keeper: keeper, tokens: tokens, http: httpClient, log: log}
}

// RegisterForPedidoIDs subscribes CT events for the given pedido ids, chunked
// by the configured page size. Any non-2xx aborts the whole operation with
// the response body surfaced for diagnostics.
func (r *Registrar) RegisterForPedidoIDs(ctx context.Context, pedidoIDs []int64) error {
	if len(pedidoIDs) == 0 {
		return nil
	}

	webhookURL := r.settings.Get(ctx, settings.KeyWebhookURL, "")
	if webhookURL == "" {
		return fmt.Errorf("%w: setting %s", interfaces.ErrMissingCredential, settings.KeyWebhookURL)
	}

	chunkSize := r.settings.GetInt(ctx, settings.KeyWebhookPageSize, 500)
	if chunkSize <= 0 {
		chunkSize = 500
	}

	secret := r.keeper.DecryptForStorage(ctx, r.settings.Get(ctx, settings.KeyWebhookSecret, ""))
	timeoutSeconds := r.settings.GetInt(ctx, settings.KeyWebhookTimeoutSeconds, 30)
	retry := map[string]any{
		"maxAttempts":    r.settings.GetInt(ctx, settings.KeyWebhookRetryAttempts, 3),
		"backoffSeconds": r.settings.GetInt(ctx, settings.KeyWebhookRetryBackoff, 5),
	}

	for start := 0; start < len(pedidoIDs); start += chunkSize {
		end := start + chunkSize
		if end > len(pedidoIDs) {
			end = len(pedidoIDs)
		}
		chunk := pedidoIDs[start:end]

		payload := map[string]any{
			"url":            webhookURL,
			"events":         r.events(ctx),
			"pedidoIds":      chunk,
			"secret":         secret,
			"timeoutSeconds": timeoutSeconds,
			"retry":          retry,
		}
		if err := r.send(ctx, http.MethodPost, payload); err != nil {
			return fmt.Errorf("webhook registration chunk %d-%d failed: %w", start, end, err)
		}
		r.log.Info("webhook chunk registered", "from", start, "to", end)
	}

	if err := r.settings.Upsert(ctx, settings.KeyWebhookRegistered, "true",
		"BOOLEAN", "Webhook registered with CT", true, "system"); err != nil {
		return fmt.Errorf("failed to persist registered flag: %w", err)
	}
	return nil
}

// Unregister removes the webhook subscription at CT and clears the
// registered flag.
func (r *Registrar) Unregister(ctx context.Context) error {
	payload := map[string]any{
		"url":    r.settings.Get(ctx, settings.KeyWebhookURL, ""),
		"events": r.events(ctx),
	}
	if err := r.send(ctx, http.MethodDelete, payload); err != nil {
		return fmt.Errorf("webhook unregistration failed: %w", err)
	}
	return r.settings.Upsert(ctx, settings.KeyWebhookRegistered, "false",
		"BOOLEAN", "Webhook registered with CT", true, "system")
}

func (r *Registrar) send(ctx context.Context, method string, payload map[string]any) error {
	clearJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	ctPubPEM := r.settings.Get(ctx, settings.KeyCTPublicPEM, "")
	ownPrivPEM := r.settings.Get(ctx, settings.KeyAPIPrivatePEM, "")
	if ctPubPEM == "" || ownPrivPEM == "" {
		return fmt.Errorf("%w: CT public or own private key not configured", interfaces.ErrMissingCredential)
	}
	env, err := envelope.Build(clearJSON, ctPubPEM, ownPrivPEM)
	if err != nil {
		return err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	base := strings.TrimSuffix(r.settings.Get(ctx, settings.KeyBaseURL, settings.DefaultBaseURL), "/")
	req, err := http.NewRequestWithContext(ctx, method, base+webhooksPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	header, err := r.tokens.AuthorizationHeader(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", header)

	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrPartnerUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: %s %s returned %d: %s",
			interfaces.ErrPartnerUnavailable, method, webhooksPath, resp.StatusCode, string(respBody))
	}
	return nil
}

func (r *Registrar) events(ctx context.Context) []string {
	csv := r.settings.Get(ctx, settings.KeyWebhookEvents, "PEDIDO_REPLIED,RESPOSTA_ADDED")
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
