// Package ctclient is the HTTP client for the CT partner API. Every data
// exchange travels as a signed and encrypted envelope; only client
// registration is cleartext.
package ctclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/csaude/sespct-api/envelope"
	"github.com/csaude/sespct-api/interfaces"
	"github.com/csaude/sespct-api/metrics"
	"github.com/csaude/sespct-api/settings"
)

const (
	pedidosCursorPath   = "/api/v1/pedido-troca-linhas/cursor-pagination"
	respostasCursorPath = "/api/v1/resposta-troca-linhas/cursor-pagination"
)

// CursorQuery describes one page request against a cursor-paginated CT
// endpoint. An empty Cursor means start of stream.
type CursorQuery struct {
	Limit     int
	Cursor    string
	Direction string
	Criteria  map[string]any
}

// RegisterResult is CT's answer to a client registration.
type RegisterResult struct {
	ClientID        string
	ServerPublicKey string
}

// Client talks to the CT API. The HTTP client should carry the outbound auth
// gate transport so bearer tokens are attached to cursor calls.
type Client struct {
	settings *settings.Service
	http     *http.Client
	log      *slog.Logger
	metrics  *metrics.Metrics
}

// New creates a CT API client. metrics may be nil.
func New(svc *settings.Service, httpClient *http.Client, log *slog.Logger, m *metrics.Metrics) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{settings: svc, http: httpClient, log: log, metrics: m}
}

// PagePedidos fetches one page of pedidos.
func (c *Client) PagePedidos(ctx context.Context, q CursorQuery) (interfaces.Page, error) {
	return c.page(ctx, pedidosCursorPath, q)
}

// PageRespostas fetches one page of respostas.
func (c *Client) PageRespostas(ctx context.Context, q CursorQuery) (interfaces.Page, error) {
	return c.page(ctx, respostasCursorPath, q)
}

// PageRespostasByPedidoIDs fetches one page of respostas restricted to the
// given pedido ids.
func (c *Client) PageRespostasByPedidoIDs(ctx context.Context, pedidoIDs []int64, q CursorQuery) (interfaces.Page, error) {
	if q.Criteria == nil {
		q.Criteria = map[string]any{}
	}
	q.Criteria["pedidoIds"] = pedidoIDs
	return c.page(ctx, respostasCursorPath, q)
}

func (c *Client) page(ctx context.Context, path string, q CursorQuery) (interfaces.Page, error) {
	cursorObj := map[string]any{"cursor_type": "id"}
	if q.Limit > 0 {
		cursorObj["limit"] = q.Limit
	}
	if q.Direction != "" {
		cursorObj["direction"] = q.Direction
	}
	if q.Cursor != "" {
		cursorObj["after"] = q.Cursor
	}
	criteria := q.Criteria
	if criteria == nil {
		criteria = map[string]any{}
	}

	clear, err := c.exchange(ctx, path, map[string]any{
		"cursor":   cursorObj,
		"criteria": criteria,
	})
	if err != nil {
		return interfaces.Page{}, err
	}
	return ParsePage(clear)
}

// exchange wraps payload in an envelope, POSTs it to path under the CT base
// URL, verifies the response signature and returns the decrypted cleartext.
func (c *Client) exchange(ctx context.Context, path string, payload any) ([]byte, error) {
	clearJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	ctPubPEM := c.settings.Get(ctx, settings.KeyCTPublicPEM, "")
	ownPrivPEM := c.settings.Get(ctx, settings.KeyAPIPrivatePEM, "")
	if ctPubPEM == "" || ownPrivPEM == "" {
		return nil, fmt.Errorf("%w: CT public or own private key not configured", interfaces.ErrMissingCredential)
	}

	env, err := envelope.Build(clearJSON, ctPubPEM, ownPrivPEM)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}

	reqURL := c.baseURL(ctx) + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.countRequest(path, "error")
		return nil, fmt.Errorf("%w: %s: %v", interfaces.ErrPartnerUnavailable, path, err)
	}
	defer resp.Body.Close()
	c.countRequest(path, strconv.Itoa(resp.StatusCode))

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: %s returned %d: %s", interfaces.ErrPartnerUnavailable, path, resp.StatusCode, string(respBody))
	}

	var respEnv interfaces.Envelope
	if err := json.Unmarshal(respBody, &respEnv); err != nil {
		return nil, fmt.Errorf("%w: response is not an envelope: %v", interfaces.ErrMalformedEnvelope, err)
	}

	return envelope.Open(respEnv, ctPubPEM, ownPrivPEM)
}

// RegisterClient registers this API as an OAuth client with CT. The exchange
// is cleartext JSON, key material is established by this very call.
func (c *Client) RegisterClient(ctx context.Context, clientID, clientSecret, publicPEM string) (RegisterResult, error) {
	registerURL := c.settings.Get(ctx, settings.KeyRegisterURL, "")
	if registerURL == "" {
		registerURL = strings.TrimSuffix(c.baseURL(ctx), "/") + "/oauth2/clients"
	}

	body, err := json.Marshal(map[string]any{
		"clientId":              clientID,
		"clientSecret":          clientSecret,
		"publicKey":             publicPEM,
		"keyExpirationDuration": 365,
		"initialKeyVersion":     "1",
		"scopes":                "read,write",
	})
	if err != nil {
		return RegisterResult{}, fmt.Errorf("failed to encode registration: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, registerURL, bytes.NewReader(body))
	if err != nil {
		return RegisterResult{}, fmt.Errorf("failed to build registration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("scopes", "admin")

	resp, err := c.http.Do(req)
	if err != nil {
		c.countRequest("/oauth2/clients", "error")
		return RegisterResult{}, fmt.Errorf("%w: client registration: %v", interfaces.ErrPartnerUnavailable, err)
	}
	defer resp.Body.Close()
	c.countRequest("/oauth2/clients", strconv.Itoa(resp.StatusCode))

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return RegisterResult{}, fmt.Errorf("failed to read registration response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return RegisterResult{}, fmt.Errorf("%w: client registration returned %d: %s", interfaces.ErrPartnerUnavailable, resp.StatusCode, string(respBody))
	}

	var parsed struct {
		ClientID        string `json:"clientId"`
		ServerPublicKey string `json:"serverPublicKey"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return RegisterResult{}, fmt.Errorf("failed to parse registration response: %w", err)
	}

	out := RegisterResult{ClientID: parsed.ClientID, ServerPublicKey: parsed.ServerPublicKey}
	if out.ClientID == "" {
		out.ClientID = clientID
	}
	return out, nil
}

func (c *Client) baseURL(ctx context.Context) string {
	return strings.TrimSuffix(c.settings.Get(ctx, settings.KeyBaseURL, settings.DefaultBaseURL), "/")
}

func (c *Client) countRequest(endpoint, status string) {
	if c.metrics != nil {
		c.metrics.PartnerRequests.WithLabelValues(endpoint, status).Inc()
	}
}
