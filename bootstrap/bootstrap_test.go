package bootstrap

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/csaude/sespct-api/ctclient"
	"github.com/csaude/sespct-api/envelope"
	"github.com/csaude/sespct-api/oauth"
	"github.com/csaude/sespct-api/settings"
	"github.com/csaude/sespct-api/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type bootFixture struct {
	svc     *settings.Service
	keeper  *envelope.Keeper
	boot    *Bootstrap
	registr []map[string]any
	regFail bool
}

func newBootFixture(t *testing.T, cfg Config) *bootFixture {
	t.Helper()
	fx := &bootFixture{}

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/clients", func(w http.ResponseWriter, r *http.Request) {
		if fx.regFail {
			http.Error(w, "registration closed", http.StatusForbidden)
			return
		}
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		fx.registr = append(fx.registr, body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"clientId":"` + body["clientId"].(string) + `","serverPublicKey":"CT-PEM"}`))
	})
	mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok","expires_in":3600}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	store := storage.NewMemoryStore()
	fx.svc = settings.New(store.Settings(), testLogger())
	fx.keeper = envelope.NewKeeper(store.Settings())
	require.NoError(t, fx.svc.Upsert(context.Background(), settings.KeyBaseURL, srv.URL, "STRING", "", true, "test"))

	ct := ctclient.New(fx.svc, srv.Client(), testLogger(), nil)
	tokens := oauth.NewTokenManager(fx.svc, fx.keeper, srv.Client(), testLogger())
	fx.boot = New(cfg, fx.svc, fx.keeper, ct, tokens, testLogger())
	return fx
}

func TestRunPrimesEverything(t *testing.T) {
	fx := newBootFixture(t, Config{PublicBaseURL: "https://sespct.example.org/"})
	ctx := context.Background()

	require.NoError(t, fx.boot.Run(ctx))

	// Derived URLs.
	require.Contains(t, fx.svc.Get(ctx, settings.KeyRegisterURL, ""), "/oauth2/clients")
	require.Contains(t, fx.svc.Get(ctx, settings.KeyOAuthTokenURL, ""), "/oauth2/token")
	require.Equal(t, "https://sespct.example.org", fx.svc.Get(ctx, settings.KeyAPIBaseURL, ""))
	require.Equal(t, "https://sespct.example.org/public/webhook/ect", fx.svc.Get(ctx, settings.KeyWebhookURL, ""))
	require.Contains(t, fx.svc.Get(ctx, settings.KeyEndpointRespsConsumed, ""), "/api/respostas/consumed")

	// Identity and key material.
	clientID := fx.svc.Get(ctx, settings.KeyOAuthClientID, "")
	require.True(t, strings.HasPrefix(clientID, "sespct_"))
	require.Contains(t, fx.svc.Get(ctx, settings.KeyAPIPublicPEM, ""), "PUBLIC KEY")
	require.Contains(t, fx.svc.Get(ctx, settings.KeyAPIPrivatePEM, ""), "PRIVATE KEY")

	// Registration stored CT's key and the encrypted secret.
	require.Len(t, fx.registr, 1)
	require.Equal(t, clientID, fx.registr[0]["clientId"])
	require.Equal(t, "CT-PEM", fx.svc.Get(ctx, settings.KeyCTPublicPEM, ""))
	storedSecret := fx.svc.Get(ctx, settings.KeyOAuthSecret, "")
	require.True(t, strings.HasPrefix(storedSecret, "{v1}"))
	plain := fx.keeper.DecryptForStorage(ctx, storedSecret)
	require.True(t, strings.HasPrefix(plain, "secret-"))
	require.Equal(t, fx.registr[0]["clientSecret"], plain)

	// Webhook and sync defaults.
	require.Equal(t, "PEDIDO_REPLIED,RESPOSTA_ADDED", fx.svc.Get(ctx, settings.KeyWebhookEvents, ""))
	require.True(t, strings.HasPrefix(fx.svc.Get(ctx, settings.KeyWebhookSecret, ""), "webhook-"))
	require.Equal(t, 500, fx.svc.GetInt(ctx, settings.KeyWebhookPageSize, 0))
	require.True(t, fx.svc.GetBool(ctx, settings.KeySyncEnabled, false))
	require.Equal(t, 20, fx.svc.GetInt(ctx, settings.KeySyncPageLimit, 0))
}

func TestRunIdempotent(t *testing.T) {
	fx := newBootFixture(t, Config{})
	ctx := context.Background()

	require.NoError(t, fx.boot.Run(ctx))
	require.NoError(t, fx.boot.Run(ctx))
	require.Len(t, fx.registr, 1)
}

func TestRunSkipsRegistrationWhenSecretExists(t *testing.T) {
	fx := newBootFixture(t, Config{})
	ctx := context.Background()

	require.NoError(t, fx.svc.Upsert(ctx, settings.KeyOAuthSecret, "already-there", "SECRET", "", true, "test"))
	require.NoError(t, fx.boot.Run(ctx))
	require.Empty(t, fx.registr)
	require.Equal(t, "already-there", fx.svc.Get(ctx, settings.KeyOAuthSecret, ""))
}

func TestRunKeepsExistingKeyPair(t *testing.T) {
	fx := newBootFixture(t, Config{})
	ctx := context.Background()

	require.NoError(t, fx.svc.Upsert(ctx, settings.KeyAPIPublicPEM, "existing-pub", "TEXT", "", true, "test"))
	require.NoError(t, fx.svc.Upsert(ctx, settings.KeyAPIPrivatePEM, "existing-prv", "TEXT", "", true, "test"))
	require.NoError(t, fx.svc.Upsert(ctx, settings.KeyOAuthSecret, "s", "SECRET", "", true, "test"))

	require.NoError(t, fx.boot.Run(ctx))
	require.Equal(t, "existing-pub", fx.svc.Get(ctx, settings.KeyAPIPublicPEM, ""))
	require.Equal(t, "existing-prv", fx.svc.Get(ctx, settings.KeyAPIPrivatePEM, ""))
}

func TestRunRegistrationFailureSurfaces(t *testing.T) {
	fx := newBootFixture(t, Config{})
	fx.regFail = true
	ctx := context.Background()

	err := fx.boot.Run(ctx)
	require.Error(t, err)

	// Key pair generated before the failure stays persisted for the retry.
	require.Contains(t, fx.svc.Get(ctx, settings.KeyAPIPublicPEM, ""), "PUBLIC KEY")
	require.Empty(t, fx.svc.Get(ctx, settings.KeyOAuthSecret, ""))
}

func TestJoinURL(t *testing.T) {
	require.Equal(t, "https://a/b", joinURL("https://a/", "/b"))
	require.Equal(t, "https://a/b", joinURL("https://a", "b"))
}

func TestRandomHex(t *testing.T) {
	require.Len(t, randomHex(8), 8)
	require.Len(t, randomHex(7), 7)
	require.NotEqual(t, randomHex(16), randomHex(16))
}
