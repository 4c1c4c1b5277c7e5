package oauth

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/csaude/sespct-api/settings"
)

// Transport is an http.RoundTripper gating outbound requests: requests bound
// for the configured CT host get a bearer token attached before they leave.
// Everything else passes through untouched. Decisions are made in a fixed
// order; the first that applies wins:
//
//  1. the request carries BypassHeader, or
//  2. the request already has an Authorization header, or
//  3. the request host differs from the CT base URL host, or
//  4. the request targets the token or client-registration endpoints, or
//  5. attach a bearer token, best effort.
//
// Token failures at step 5 are logged and swallowed: the request proceeds
// without credentials and the partner's 401 surfaces to the caller.
type Transport struct {
	Base     http.RoundTripper
	Tokens   *TokenManager
	Settings *settings.Service
	Log      *slog.Logger
}

// NewTransport wraps base with the CT auth gate. A nil base falls back to
// http.DefaultTransport.
func NewTransport(base http.RoundTripper, tokens *TokenManager, svc *settings.Service, log *slog.Logger) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{Base: base, Tokens: tokens, Settings: svc, Log: log}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get(BypassHeader) != "" {
		// The marker is internal; strip it before the request leaves.
		clone := req.Clone(req.Context())
		clone.Header.Del(BypassHeader)
		return t.Base.RoundTrip(clone)
	}
	if req.Header.Get("Authorization") != "" {
		return t.Base.RoundTrip(req)
	}
	if !t.isPartnerHost(req) {
		return t.Base.RoundTrip(req)
	}
	if isTokenRegisterPath(req.URL.Path) {
		return t.Base.RoundTrip(req)
	}

	header, err := t.Tokens.AuthorizationHeader(req.Context())
	if err != nil {
		t.Log.Warn("proceeding without bearer token", "url", req.URL.String(), "err", err)
		return t.Base.RoundTrip(req)
	}

	// RoundTrippers must not mutate the caller's request.
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", header)
	return t.Base.RoundTrip(clone)
}

func (t *Transport) isPartnerHost(req *http.Request) bool {
	base := t.Settings.Get(req.Context(), settings.KeyBaseURL, settings.DefaultBaseURL)
	parsed, err := url.Parse(base)
	if err != nil || parsed.Host == "" {
		return false
	}
	return strings.EqualFold(req.URL.Host, parsed.Host)
}

// isTokenRegisterPath reports whether the path is one of the CT endpoints
// that must never carry a bearer token: the token grant itself and client
// registration, which authenticate by other means.
func isTokenRegisterPath(path string) bool {
	path = strings.TrimSuffix(path, "/")
	return strings.HasSuffix(path, "/oauth2/token") || strings.HasSuffix(path, "/oauth2/clients")
}
