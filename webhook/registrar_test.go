package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/csaude/sespct-api/envelope"
	"github.com/csaude/sespct-api/interfaces"
	"github.com/csaude/sespct-api/oauth"
	"github.com/csaude/sespct-api/settings"
)

// partnerStub is a fake CT terminating both token grants and webhook calls.
type partnerStub struct {
	t    *testing.T
	keys *keyring

	mux *http.ServeMux
	srv *httptest.Server

	webhookCalls  []map[string]any
	webhookStatus []int
	authHeaders   []string
	methods       []string
}

func newPartnerStub(t *testing.T, keys *keyring) *partnerStub {
	t.Helper()
	p := &partnerStub{t: t, keys: keys, mux: http.NewServeMux()}

	p.mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok-123","expires_in":3600}`))
	})
	p.mux.HandleFunc("/api/v1/webhooks", func(w http.ResponseWriter, r *http.Request) {
		p.authHeaders = append(p.authHeaders, r.Header.Get("Authorization"))
		p.methods = append(p.methods, r.Method)

		var env interfaces.Envelope
		require.NoError(t, json.NewDecoder(r.Body).Decode(&env))
		clear, err := envelope.Open(env, keys.apiPubPEM, keys.ctPrivPEM)
		require.NoError(t, err)
		var payload map[string]any
		require.NoError(t, json.Unmarshal(clear, &payload))
		p.webhookCalls = append(p.webhookCalls, payload)

		status := http.StatusOK
		if n := len(p.webhookCalls); n <= len(p.webhookStatus) && p.webhookStatus[n-1] != 0 {
			status = p.webhookStatus[n-1]
		}
		w.WriteHeader(status)
	})

	p.srv = httptest.NewServer(p.mux)
	t.Cleanup(p.srv.Close)
	return p
}

type registrarFixture struct {
	stub *partnerStub
	repo mapRepo
	svc  *settings.Service
	reg  *Registrar
}

func newRegistrarFixture(t *testing.T) *registrarFixture {
	t.Helper()
	keys := newKeyring(t)
	stub := newPartnerStub(t, keys)

	repo := keys.baseRepo(stub.srv.URL)
	repo[settings.KeyOAuthClientID] = "client-1"
	repo[settings.KeyOAuthSecret] = "plain-secret"
	repo[settings.KeyWebhookURL] = "https://api.example.org/public/webhook/ect"
	repo[settings.KeyWebhookSecret] = "hook-secret"

	svc := serviceOver(repo)
	keeper := envelope.NewKeeper(repo)
	tokens := oauth.NewTokenManager(svc, keeper, stub.srv.Client(), testLogger())
	reg := NewRegistrar(svc, keeper, tokens, stub.srv.Client(), testLogger())
	return &registrarFixture{stub: stub, repo: repo, svc: svc, reg: reg}
}

func TestRegisterForPedidoIDsPayload(t *testing.T) {
	fx := newRegistrarFixture(t)
	ctx := context.Background()

	require.NoError(t, fx.reg.RegisterForPedidoIDs(ctx, []int64{1, 2, 3}))

	require.Len(t, fx.stub.webhookCalls, 1)
	call := fx.stub.webhookCalls[0]
	require.Equal(t, "https://api.example.org/public/webhook/ect", call["url"])
	require.Equal(t, []any{"PEDIDO_REPLIED", "RESPOSTA_ADDED"}, call["events"])
	require.Equal(t, []any{float64(1), float64(2), float64(3)}, call["pedidoIds"])
	require.Equal(t, "hook-secret", call["secret"])
	require.Equal(t, float64(30), call["timeoutSeconds"])
	retry := call["retry"].(map[string]any)
	require.Equal(t, float64(3), retry["maxAttempts"])
	require.Equal(t, float64(5), retry["backoffSeconds"])

	require.Equal(t, "Bearer tok-123", fx.stub.authHeaders[0])
	require.Equal(t, "true", fx.svc.Get(ctx, settings.KeyWebhookRegistered, ""))
}

func TestRegisterForPedidoIDsChunking(t *testing.T) {
	fx := newRegistrarFixture(t)
	fx.repo[settings.KeyWebhookPageSize] = "2"
	ctx := context.Background()

	require.NoError(t, fx.reg.RegisterForPedidoIDs(ctx, []int64{1, 2, 3, 4, 5}))

	require.Len(t, fx.stub.webhookCalls, 3)
	require.Equal(t, []any{float64(1), float64(2)}, fx.stub.webhookCalls[0]["pedidoIds"])
	require.Equal(t, []any{float64(3), float64(4)}, fx.stub.webhookCalls[1]["pedidoIds"])
	require.Equal(t, []any{float64(5)}, fx.stub.webhookCalls[2]["pedidoIds"])
}

func TestRegisterAllOrNothing(t *testing.T) {
	fx := newRegistrarFixture(t)
	fx.repo[settings.KeyWebhookPageSize] = "1"
	fx.stub.webhookStatus = []int{0, http.StatusBadGateway}
	ctx := context.Background()

	err := fx.reg.RegisterForPedidoIDs(ctx, []int64{1, 2, 3})
	require.ErrorIs(t, err, interfaces.ErrPartnerUnavailable)

	// The failed chunk stopped the run and the registered flag stayed unset.
	require.Len(t, fx.stub.webhookCalls, 2)
	require.Empty(t, fx.svc.Get(ctx, settings.KeyWebhookRegistered, ""))
}

func TestRegisterNoIDsIsNoop(t *testing.T) {
	fx := newRegistrarFixture(t)
	require.NoError(t, fx.reg.RegisterForPedidoIDs(context.Background(), nil))
	require.Empty(t, fx.stub.webhookCalls)
}

func TestRegisterRequiresWebhookURL(t *testing.T) {
	fx := newRegistrarFixture(t)
	delete(fx.repo, settings.KeyWebhookURL)
	fx.svc.EvictAll()

	err := fx.reg.RegisterForPedidoIDs(context.Background(), []int64{1})
	require.ErrorIs(t, err, interfaces.ErrMissingCredential)
}

func TestUnregister(t *testing.T) {
	fx := newRegistrarFixture(t)
	ctx := context.Background()

	require.NoError(t, fx.reg.Unregister(ctx))

	require.Equal(t, []string{http.MethodDelete}, fx.stub.methods)
	call := fx.stub.webhookCalls[0]
	require.Equal(t, "https://api.example.org/public/webhook/ect", call["url"])
	require.NotContains(t, call, "pedidoIds")
	require.Equal(t, "false", fx.svc.Get(ctx, settings.KeyWebhookRegistered, ""))
}

func TestEventsCSVParsing(t *testing.T) {
	fx := newRegistrarFixture(t)
	fx.repo[settings.KeyWebhookEvents] = " A , ,B,"
	fx.svc.EvictAll()

	require.NoError(t, fx.reg.RegisterForPedidoIDs(context.Background(), []int64{1}))
	require.Equal(t, []any{"A", "B"}, fx.stub.webhookCalls[0]["events"])
}
