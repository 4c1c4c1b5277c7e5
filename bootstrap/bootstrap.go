// Package bootstrap primes the service on startup: settings defaults, the
// local RSA key pair, registration with CT, and a best-effort token prefetch.
package bootstrap

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/csaude/sespct-api/ctclient"
	"github.com/csaude/sespct-api/envelope"
	"github.com/csaude/sespct-api/oauth"
	"github.com/csaude/sespct-api/settings"
)

// Config carries the deploy-time values bootstrap cannot derive.
type Config struct {
	// PublicBaseURL is the externally reachable base URL of this API, used to
	// derive the webhook callback URL. Empty keeps any already stored value.
	PublicBaseURL string
}

// Bootstrap performs the one-time startup sequence. Safe to call more than
// once; only the first call runs.
type Bootstrap struct {
	cfg      Config
	settings *settings.Service
	keeper   *envelope.Keeper
	ct       *ctclient.Client
	tokens   *oauth.TokenManager
	log      *slog.Logger
	ran      atomic.Bool
}

func New(cfg Config, svc *settings.Service, keeper *envelope.Keeper, ct *ctclient.Client,
	tokens *oauth.TokenManager, log *slog.Logger) *Bootstrap {
	return &Bootstrap{cfg: cfg, settings: svc, keeper: keeper, ct: ct, tokens: tokens, log: log}
}

// Run executes the bootstrap steps in order. Registration failure is
// returned, everything persisted before it stays persisted; priming steps do
// not fail the sequence.
func (b *Bootstrap) Run(ctx context.Context) error {
	if !b.ran.CompareAndSwap(false, true) {
		return nil
	}
	b.log.Info("bootstrap starting")

	b.primeBaseAndDerivedURLs(ctx)
	b.ensureClientID(ctx)
	if err := b.ensureKeyPair(ctx); err != nil {
		return err
	}
	if err := b.ensureRegistration(ctx); err != nil {
		return err
	}
	b.primeWebhookSettings(ctx)
	b.primeSyncSettings(ctx)
	b.log.Info("bootstrap done")

	go b.prefetchToken(ctx)
	return nil
}

func (b *Bootstrap) primeBaseAndDerivedURLs(ctx context.Context) {
	base := b.settings.Get(ctx, settings.KeyBaseURL, "")
	if base == "" {
		base = settings.DefaultBaseURL
		b.upsert(ctx, settings.KeyBaseURL, base, "STRING", "CT base URL")
	}
	b.primeIfAbsent(ctx, settings.KeyRegisterURL, joinURL(base, "/oauth2/clients"), "STRING", "CT client registration URL")
	b.primeIfAbsent(ctx, settings.KeyOAuthTokenURL, joinURL(base, "/oauth2/token"), "STRING", "CT OAuth token URL")

	apiBase := b.settings.Get(ctx, settings.KeyAPIBaseURL, "")
	if apiBase == "" && b.cfg.PublicBaseURL != "" {
		apiBase = strings.TrimSuffix(b.cfg.PublicBaseURL, "/")
		b.upsert(ctx, settings.KeyAPIBaseURL, apiBase, "STRING", "Public base URL of this API")
	}
	if apiBase != "" {
		b.primeIfAbsent(ctx, settings.KeyWebhookURL, joinURL(apiBase, "/public/webhook/ect"),
			"STRING", "Public URL receiving CT webhooks")
	}
	b.primeIfAbsent(ctx, settings.KeyEndpointRespsConsumed, joinURL(base, "/api/respostas/consumed"),
		"STRING", "CT endpoint confirming resposta consumption")
}

func (b *Bootstrap) ensureClientID(ctx context.Context) {
	if b.settings.Get(ctx, settings.KeyOAuthClientID, "") == "" {
		id := fmt.Sprintf("sespct_%s_%s", randomHex(8), time.Now().Format("20060102"))
		b.upsert(ctx, settings.KeyOAuthClientID, id, "STRING", "OAuth client id at CT")
	}
	b.primeIfAbsent(ctx, settings.KeyClientKeyID, "sespct-api-key-1", "STRING", "Logical key id for rotation")
}

func (b *Bootstrap) ensureKeyPair(ctx context.Context) error {
	pub := b.settings.Get(ctx, settings.KeyAPIPublicPEM, "")
	prv := b.settings.Get(ctx, settings.KeyAPIPrivatePEM, "")
	if pub != "" && prv != "" {
		return nil
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("failed to generate RSA key pair: %w", err)
	}
	prvPEM, err := envelope.MarshalPrivateKeyPEM(key)
	if err != nil {
		return err
	}
	pubPEM, err := envelope.MarshalPublicKeyPEM(&key.PublicKey)
	if err != nil {
		return err
	}

	b.upsert(ctx, settings.KeyAPIPublicPEM, pubPEM, "TEXT", "This API's public key (PEM)")
	b.upsert(ctx, settings.KeyAPIPrivatePEM, prvPEM, "TEXT", "This API's private key (PEM)")
	b.log.Info("generated RSA key pair")
	return nil
}

// ensureRegistration registers this API with CT when no client secret is
// stored yet. The fresh secret is encrypted for storage; CT's public key is
// stored for envelope exchanges.
func (b *Bootstrap) ensureRegistration(ctx context.Context) error {
	if b.settings.Get(ctx, settings.KeyOAuthSecret, "") != "" {
		return nil
	}

	clientID := b.settings.Get(ctx, settings.KeyOAuthClientID, "")
	plainSecret := "secret-" + uuid.NewString()

	result, err := b.ct.RegisterClient(ctx, clientID, plainSecret,
		b.settings.Get(ctx, settings.KeyAPIPublicPEM, ""))
	if err != nil {
		return fmt.Errorf("client registration with CT failed: %w", err)
	}

	if result.ServerPublicKey != "" {
		b.upsert(ctx, settings.KeyCTPublicPEM, result.ServerPublicKey, "TEXT", "CT server public key (PEM)")
	}
	if result.ClientID != "" && result.ClientID != clientID {
		b.upsert(ctx, settings.KeyOAuthClientID, result.ClientID, "STRING", "OAuth client id at CT")
	}

	if err := b.settings.Upsert(ctx, settings.KeyOAuthSecret, b.keeper.EncryptForStorage(ctx, plainSecret),
		"SECRET", "OAuth client secret at CT (encrypted)", true, "system"); err != nil {
		return fmt.Errorf("failed to persist client secret: %w", err)
	}
	b.log.Info("registered with CT", "clientId", result.ClientID)
	return nil
}

func (b *Bootstrap) primeWebhookSettings(ctx context.Context) {
	b.primeIfAbsent(ctx, settings.KeyWebhookEvents, "PEDIDO_REPLIED,RESPOSTA_ADDED",
		"STRING", "Webhook event subscriptions (CSV)")
	if b.settings.Get(ctx, settings.KeyWebhookSecret, "") == "" {
		b.upsert(ctx, settings.KeyWebhookSecret, "webhook-"+randomHex(16), "SECRET", "Webhook validation secret")
	}
	b.primeIfAbsent(ctx, settings.KeyWebhookTimeoutSeconds, "30", "INTEGER", "Webhook delivery timeout (seconds)")
	b.primeIfAbsent(ctx, settings.KeyWebhookRetryAttempts, "3", "INTEGER", "Webhook max delivery attempts")
	b.primeIfAbsent(ctx, settings.KeyWebhookRetryBackoff, "5", "INTEGER", "Webhook retry backoff (seconds)")
	b.primeIfAbsent(ctx, settings.KeyWebhookPageSize, "500", "INTEGER", "Batch size for webhook id registration")
	b.primeIfAbsent(ctx, settings.KeyWebhookRegistered, "false", "BOOLEAN", "Webhook registered with CT")
}

func (b *Bootstrap) primeSyncSettings(ctx context.Context) {
	b.primeIfAbsent(ctx, settings.KeySyncEnabled, "true", "BOOLEAN", "Periodic pedido sync enabled")
	b.primeIfAbsent(ctx, settings.KeySyncLimit, "20", "INTEGER", "Items per page (compat)")
	b.primeIfAbsent(ctx, settings.KeySyncPageLimit, "20", "INTEGER", "Items per page for CT fetches")
	b.primeIfAbsent(ctx, settings.KeySyncRespostasEnabled, "true", "BOOLEAN", "Resposta backfill enabled")
}

// prefetchToken warms the token cache so the first sync run does not pay the
// grant round-trip. Failure is logged, never fatal.
func (b *Bootstrap) prefetchToken(ctx context.Context) {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(5*time.Second), 5), ctx)
	err := backoff.Retry(func() error {
		_, err := b.tokens.Token(ctx)
		return err
	}, policy)
	if err != nil {
		b.log.Warn("token prefetch failed, continuing without it", "err", err)
		return
	}
	b.log.Info("token prefetched")
}

func (b *Bootstrap) primeIfAbsent(ctx context.Context, key, value, valueType, description string) {
	if b.settings.Get(ctx, key, "") != "" {
		return
	}
	b.upsert(ctx, key, value, valueType, description)
}

func (b *Bootstrap) upsert(ctx context.Context, key, value, valueType, description string) {
	if err := b.settings.Upsert(ctx, key, value, valueType, description, true, "system"); err != nil {
		b.log.Warn("failed to prime setting", "key", key, "err", err)
	}
}

func randomHex(n int) string {
	buf := make([]byte, (n+1)/2)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)[:n]
}

func joinURL(base, suffix string) string {
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(suffix, "/")
}
