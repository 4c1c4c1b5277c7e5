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

// AckClient confirms consumption of respostas to CT with a signed and
// encrypted acknowledgment.
type AckClient struct {
	settings *settings.Service
	tokens   *oauth.TokenManager
	http     *http.Client
	log      *slog.Logger
	now      func() time.Time
}

// NewAckClient creates an ACK sender.
func NewAckClient(svc *settings.Service, tokens *oauth.TokenManager, httpClient *http.Client, log *slog.Logger) *AckClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &AckClient{settings: svc, tokens: tokens, http: httpClient, log: log, now: time.Now}
}

// SendConsumed posts a CONSUMED acknowledgment for the given pedido ids to
// CT's consumed endpoint. Duplicate ids are collapsed.
func (a *AckClient) SendConsumed(ctx context.Context, pedidoIDs []int64) error {
	if len(pedidoIDs) == 0 {
		return nil
	}

	ack := AckPayload{
		Status:    "CONSUMED",
		PedidoIDs: distinct(pedidoIDs),
		Timestamp: a.now().UTC().Format(time.RFC3339),
	}
	clearJSON, err := json.Marshal(ack)
	if err != nil {
		return fmt.Errorf("failed to encode ACK: %w", err)
	}

	ctPubPEM := a.settings.Get(ctx, settings.KeyCTPublicPEM, "")
	ownPrivPEM := a.settings.Get(ctx, settings.KeyAPIPrivatePEM, "")
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

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.consumedURL(ctx), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build ACK request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	header, err := a.tokens.AuthorizationHeader(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", header)

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: ACK delivery: %v", interfaces.ErrPartnerUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: ACK returned %d: %s", interfaces.ErrPartnerUnavailable, resp.StatusCode, string(respBody))
	}
	a.log.Info("consumed ACK delivered", "pedidos", len(ack.PedidoIDs))
	return nil
}

// AckPayload is the cleartext body of a consumption acknowledgment.
type AckPayload struct {
	Status    string  `json:"status"`
	PedidoIDs []int64 `json:"pedidoIds"`
	Timestamp string  `json:"timestamp"`
}

func (a *AckClient) consumedURL(ctx context.Context) string {
	if u := a.settings.Get(ctx, settings.KeyEndpointRespsConsumed, ""); u != "" {
		return u
	}
	base := strings.TrimSuffix(a.settings.Get(ctx, settings.KeyBaseURL, settings.DefaultBaseURL), "/")
	return base + "/api/respostas/consumed"
}

func distinct(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
