package webhook

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/csaude/sespct-api/envelope"
	"github.com/csaude/sespct-api/interfaces"
	"github.com/csaude/sespct-api/settings"
)

type mapRepo map[string]string

func (r mapRepo) Get(_ context.Context, key string) (string, error) {
	v, ok := r[key]
	if !ok {
		return "", interfaces.ErrNotFound
	}
	return v, nil
}

func (r mapRepo) Upsert(_ context.Context, key, value, _, _ string, _ bool, _ string) error {
	r[key] = value
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// keyring holds both sides of the envelope exchange for tests: CT's pair and
// this API's pair.
type keyring struct {
	ctKey  *rsa.PrivateKey
	apiKey *rsa.PrivateKey

	ctPrivPEM  string
	ctPubPEM   string
	apiPrivPEM string
	apiPubPEM  string
}

func newKeyring(t *testing.T) *keyring {
	t.Helper()
	ctKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	apiKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	k := &keyring{ctKey: ctKey, apiKey: apiKey}
	k.ctPrivPEM, err = envelope.MarshalPrivateKeyPEM(ctKey)
	require.NoError(t, err)
	k.ctPubPEM, err = envelope.MarshalPublicKeyPEM(&ctKey.PublicKey)
	require.NoError(t, err)
	k.apiPrivPEM, err = envelope.MarshalPrivateKeyPEM(apiKey)
	require.NoError(t, err)
	k.apiPubPEM, err = envelope.MarshalPublicKeyPEM(&apiKey.PublicKey)
	require.NoError(t, err)
	return k
}

// fromCT seals cleartext the way CT sends webhooks: encrypted to the API,
// signed by CT.
func (k *keyring) fromCT(t *testing.T, clear string) interfaces.Envelope {
	t.Helper()
	env, err := envelope.Build([]byte(clear), k.apiPubPEM, k.ctPrivPEM)
	require.NoError(t, err)
	return env
}

// openAsCT opens an envelope addressed to CT, such as an ACK.
func (k *keyring) openAsCT(t *testing.T, env interfaces.Envelope) []byte {
	t.Helper()
	clear, err := envelope.Open(env, k.apiPubPEM, k.ctPrivPEM)
	require.NoError(t, err)
	return clear
}

func (k *keyring) baseRepo(baseURL string) mapRepo {
	return mapRepo{
		settings.KeyBaseURL:       baseURL,
		settings.KeyCTPublicPEM:   k.ctPubPEM,
		settings.KeyAPIPrivatePEM: k.apiPrivPEM,
	}
}

func serviceOver(repo mapRepo) *settings.Service {
	return settings.New(repo, testLogger())
}
