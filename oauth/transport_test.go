package oauth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/csaude/sespct-api/envelope"
	"github.com/csaude/sespct-api/settings"
)

// recordingTransport captures the requests that reach the wrapped base.
type recordingTransport struct {
	requests []*http.Request
}

func (r *recordingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r.requests = append(r.requests, req)
	rec := httptest.NewRecorder()
	rec.WriteHeader(http.StatusOK)
	return rec.Result(), nil
}

func newGate(t *testing.T, stub *tokenStub) (*Transport, *recordingTransport) {
	t.Helper()
	repo := mapRepo{
		settings.KeyBaseURL:       stub.srv.URL,
		settings.KeyOAuthClientID: "client-1",
		settings.KeyOAuthSecret:   "secret-1",
	}
	svc := settings.New(repo, testLogger())
	tokens := NewTokenManager(svc, envelope.NewKeeper(repo), stub.srv.Client(), testLogger())
	base := &recordingTransport{}
	return NewTransport(base, tokens, svc, testLogger()), base
}

func partnerRequest(t *testing.T, stub *tokenStub, path string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, stub.srv.URL+path, nil)
	require.NoError(t, err)
	return req
}

func TestTransportAttachesBearer(t *testing.T) {
	stub := newTokenStub(t)
	gate, base := newGate(t, stub)

	req := partnerRequest(t, stub, "/api/v1/pedido-troca-linhas/cursor-pagination")
	_, err := gate.RoundTrip(req)
	require.NoError(t, err)

	require.Len(t, base.requests, 1)
	require.Equal(t, "Bearer tok-1", base.requests[0].Header.Get("Authorization"))

	// The caller's request was cloned, not mutated.
	require.Empty(t, req.Header.Get("Authorization"))
}

func TestTransportBypassHeader(t *testing.T) {
	stub := newTokenStub(t)
	gate, base := newGate(t, stub)

	req := partnerRequest(t, stub, "/api/v1/anything")
	req.Header.Set(BypassHeader, "true")
	_, err := gate.RoundTrip(req)
	require.NoError(t, err)

	require.Empty(t, base.requests[0].Header.Get("Authorization"))
	require.Equal(t, 0, stub.grantCount())

	// The internal marker never leaves the process, and the caller's
	// request keeps it.
	require.Empty(t, base.requests[0].Header.Get(BypassHeader))
	require.Equal(t, "true", req.Header.Get(BypassHeader))
}

func TestTransportRespectsExistingAuthorization(t *testing.T) {
	stub := newTokenStub(t)
	gate, base := newGate(t, stub)

	req := partnerRequest(t, stub, "/api/v1/anything")
	req.Header.Set("Authorization", "Bearer already-set")
	_, err := gate.RoundTrip(req)
	require.NoError(t, err)

	require.Equal(t, "Bearer already-set", base.requests[0].Header.Get("Authorization"))
	require.Equal(t, 0, stub.grantCount())
}

func TestTransportIgnoresForeignHosts(t *testing.T) {
	stub := newTokenStub(t)
	gate, base := newGate(t, stub)

	req, err := http.NewRequest(http.MethodGet, "https://other.example.org/api/v1/x", nil)
	require.NoError(t, err)
	_, err = gate.RoundTrip(req)
	require.NoError(t, err)

	require.Empty(t, base.requests[0].Header.Get("Authorization"))
	require.Equal(t, 0, stub.grantCount())
}

func TestTransportSkipsTokenAndRegisterEndpoints(t *testing.T) {
	stub := newTokenStub(t)
	gate, base := newGate(t, stub)

	for _, path := range []string{"/oauth2/token", "/oauth2/clients", "/oauth2/clients/"} {
		req := partnerRequest(t, stub, path)
		_, err := gate.RoundTrip(req)
		require.NoError(t, err)
	}
	for _, got := range base.requests {
		require.Empty(t, got.Header.Get("Authorization"))
	}
	require.Equal(t, 0, stub.grantCount())
}

func TestTransportTokenFailureIsBestEffort(t *testing.T) {
	stub := newTokenStub(t)
	stub.respond = func(string) (int, string) {
		return http.StatusInternalServerError, `{"error":"nope"}`
	}
	gate, base := newGate(t, stub)

	req := partnerRequest(t, stub, "/api/v1/pedido-troca-linhas/cursor-pagination")
	resp, err := gate.RoundTrip(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The request went out without credentials; the partner's 401 would
	// surface to the caller instead of a transport error.
	require.Empty(t, base.requests[0].Header.Get("Authorization"))
}

func TestIsTokenRegisterPath(t *testing.T) {
	require.True(t, isTokenRegisterPath("/oauth2/token"))
	require.True(t, isTokenRegisterPath("/v2/oauth2/clients"))
	require.True(t, isTokenRegisterPath("/oauth2/token/"))
	require.False(t, isTokenRegisterPath("/api/v1/pedidos"))
	require.False(t, isTokenRegisterPath("/oauth2/tokens"))
}
