// Package envelope implements the hybrid encryption envelope exchanged with
// the CT partner system, and the AES-GCM scheme protecting settings values
// at rest.
//
// An outbound envelope is produced by encrypting the cleartext with a fresh
// AES-256 key under AES-GCM (random 96-bit IV, 128-bit tag), wrapping the AES
// key with RSA-OAEP(SHA-256, MGF1-SHA256) under the recipient's public key,
// and concatenating wrappedKey || iv || ciphertext+tag. The signature is
// RSA-PKCS#1v1.5/SHA-256 over the UTF-8 bytes of the base64 data string, a
// deliberate protocol choice so verification never requires decryption.
package envelope

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/csaude/sespct-api/interfaces"
)

const (
	gcmIVBytes  = 12
	gcmTagBytes = 16
	aesKeyBytes = 32
)

// Encrypt seals plaintext for the given recipient and returns the base64
// data string. A fresh AES key and IV are drawn from crypto/rand on every
// call; there is no shared state, so concurrent callers are safe.
func Encrypt(plaintext []byte, recipient *rsa.PublicKey) (string, error) {
	aesKey := make([]byte, aesKeyBytes)
	if _, err := io.ReadFull(rand.Reader, aesKey); err != nil {
		return "", fmt.Errorf("failed to generate content key: %w", err)
	}

	iv := make([]byte, gcmIVBytes)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("failed to generate IV: %w", err)
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return "", fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM mode: %w", err)
	}
	ciphertext := gcm.Seal(nil, iv, plaintext, nil)

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, recipient, aesKey, nil)
	if err != nil {
		return "", fmt.Errorf("failed to wrap content key: %w", err)
	}

	blob := make([]byte, 0, len(wrapped)+len(iv)+len(ciphertext))
	blob = append(blob, wrapped...)
	blob = append(blob, iv...)
	blob = append(blob, ciphertext...)

	return base64.StdEncoding.EncodeToString(blob), nil
}

// Decrypt reverses Encrypt. The wrapped-key prefix length is the recipient's
// RSA modulus size in bytes (256 for 2048-bit keys). Returns
// interfaces.ErrMalformedEnvelope when the blob cannot possibly hold a
// wrapped key, IV and tag, and interfaces.ErrDecryptionFailed on OAEP or
// GCM failure.
func Decrypt(dataB64 string, own *rsa.PrivateKey) ([]byte, error) {
	blob, err := base64.StdEncoding.DecodeString(dataB64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64 data: %v", interfaces.ErrMalformedEnvelope, err)
	}

	rsaLen := own.PublicKey.Size()
	if len(blob) < rsaLen+gcmIVBytes+gcmTagBytes {
		return nil, fmt.Errorf("%w: blob too small for rsaLen=%d (len=%d)", interfaces.ErrMalformedEnvelope, rsaLen, len(blob))
	}

	wrapped := blob[:rsaLen]
	iv := blob[rsaLen : rsaLen+gcmIVBytes]
	ctTag := blob[rsaLen+gcmIVBytes:]

	aesKey, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, own, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: key unwrap: %v", interfaces.ErrDecryptionFailed, err)
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrDecryptionFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrDecryptionFailed, err)
	}

	plaintext, err := gcm.Open(nil, iv, ctTag, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", interfaces.ErrDecryptionFailed)
	}
	return plaintext, nil
}

// Sign computes the RSA-PKCS#1v1.5/SHA-256 signature over the UTF-8 bytes of
// dataB64 itself, not the decoded blob, and returns it base64-encoded.
func Sign(dataB64 string, signer *rsa.PrivateKey) (string, error) {
	digest := sha256.Sum256([]byte(dataB64))
	sig, err := rsa.SignPKCS1v15(rand.Reader, signer, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("failed to sign envelope data: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks signature over the UTF-8 bytes of dataB64. The signature may
// arrive base64, base64url or hex encoded; decodings are tried in that order
// and the first success wins.
func Verify(dataB64, signature string, signer *rsa.PublicKey) bool {
	sig, err := DecodeSignature(signature)
	if err != nil {
		return false
	}
	digest := sha256.Sum256([]byte(dataB64))
	return rsa.VerifyPKCS1v15(signer, crypto.SHA256, digest[:], sig) == nil
}

// DecodeSignature decodes a signature trying base64, base64url, then hex.
// Both padded and unpadded base64 forms are accepted. Odd-length hex is a
// decode error, never truncated.
func DecodeSignature(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.URLEncoding,
		base64.RawStdEncoding, base64.RawURLEncoding,
	} {
		if sig, err := enc.DecodeString(s); err == nil {
			return sig, nil
		}
	}
	t := strings.Join(strings.Fields(s), "")
	if len(t)%2 != 0 {
		return nil, errors.New("odd-length hex signature")
	}
	sig, err := hex.DecodeString(t)
	if err != nil {
		return nil, fmt.Errorf("signature is not base64, base64url or hex: %w", err)
	}
	return sig, nil
}

// Build composes Encrypt and Sign from PEM key material. This is the only
// entry point application code should use for outbound envelopes: it
// guarantees the signature and ciphertext are produced from the same data
// string.
func Build(plaintext []byte, recipientPubPEM, ownPrivPEM string) (interfaces.Envelope, error) {
	if strings.TrimSpace(recipientPubPEM) == "" || strings.TrimSpace(ownPrivPEM) == "" {
		return interfaces.Envelope{}, fmt.Errorf("%w: recipient public or own private key PEM absent", interfaces.ErrMissingCredential)
	}

	recipient, err := ParsePublicKeyPEM(recipientPubPEM)
	if err != nil {
		return interfaces.Envelope{}, err
	}
	own, err := ParsePrivateKeyPEM(ownPrivPEM)
	if err != nil {
		return interfaces.Envelope{}, err
	}

	dataB64, err := Encrypt(plaintext, recipient)
	if err != nil {
		return interfaces.Envelope{}, err
	}
	sigB64, err := Sign(dataB64, own)
	if err != nil {
		return interfaces.Envelope{}, err
	}
	return interfaces.Envelope{Data: dataB64, Signature: sigB64}, nil
}

// Open verifies and decrypts an inbound envelope using PEM key material.
// The counterpart of Build.
func Open(env interfaces.Envelope, senderPubPEM, ownPrivPEM string) ([]byte, error) {
	if strings.TrimSpace(senderPubPEM) == "" || strings.TrimSpace(ownPrivPEM) == "" {
		return nil, fmt.Errorf("%w: sender public or own private key PEM absent", interfaces.ErrMissingCredential)
	}

	sender, err := ParsePublicKeyPEM(senderPubPEM)
	if err != nil {
		return nil, err
	}
	own, err := ParsePrivateKeyPEM(ownPrivPEM)
	if err != nil {
		return nil, err
	}

	if !Verify(env.Data, env.Signature, sender) {
		return nil, interfaces.ErrSignatureInvalid
	}
	return Decrypt(env.Data, own)
}

// ParsePrivateKeyPEM parses a PKCS#8 RSA private key. PKCS#1 keys are
// rejected with a remediation hint since CT only issues PKCS#8 material.
func ParsePrivateKeyPEM(pemStr string) (*rsa.PrivateKey, error) {
	if strings.Contains(pemStr, "BEGIN RSA PRIVATE KEY") {
		return nil, errors.New("PKCS#1 private key detected; convert with: openssl pkcs8 -topk8 -in key.pem -out key_pkcs8.pem -nocrypt")
	}

	der, err := base64.StdEncoding.DecodeString(stripPEM(pemStr))
	if err != nil {
		return nil, fmt.Errorf("invalid private key PEM body: %w", err)
	}

	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PKCS#8 private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not RSA")
	}
	return key, nil
}

// ParsePublicKeyPEM parses an X.509 SubjectPublicKeyInfo RSA public key.
func ParsePublicKeyPEM(pemStr string) (*rsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(stripPEM(pemStr))
	if err != nil {
		return nil, fmt.Errorf("invalid public key PEM body: %w", err)
	}

	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not RSA")
	}
	return key, nil
}

// stripPEM removes headers, footers and encryption metadata lines, keeping
// only the base64 body. Key material arriving through settings is sometimes
// reformatted in transit, so this is deliberately lenient.
func stripPEM(pemStr string) string {
	var b strings.Builder
	for _, line := range strings.Split(pemStr, "\n") {
		line = strings.TrimSpace(line)
		if line == "" ||
			strings.HasPrefix(line, "-----") ||
			strings.HasPrefix(line, "Proc-Type:") ||
			strings.HasPrefix(line, "DEK-Info:") {
			continue
		}
		for _, r := range line {
			if (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '+' || r == '/' || r == '=' {
				b.WriteRune(r)
			}
		}
	}
	return b.String()
}

// MarshalPrivateKeyPEM encodes an RSA private key as PKCS#8 PEM.
func MarshalPrivateKeyPEM(key *rsa.PrivateKey) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", fmt.Errorf("failed to marshal private key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})), nil
}

// MarshalPublicKeyPEM encodes an RSA public key as SubjectPublicKeyInfo PEM.
func MarshalPublicKeyPEM(key *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}
