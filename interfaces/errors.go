package interfaces

import "errors"

var (
	// ErrMalformedEnvelope is returned when envelope data is not valid base64
	// or the decoded blob is too short to contain a wrapped key, IV and tag.
	// Malformed envelopes are rejected and never retried.
	ErrMalformedEnvelope = errors.New("malformed envelope")

	// ErrDecryptionFailed is returned on RSA-OAEP unwrap or AES-GCM tag
	// failure. Indistinguishable from tampering; must not be retried silently.
	ErrDecryptionFailed = errors.New("envelope decryption failed")

	// ErrSignatureInvalid is returned when an envelope signature does not
	// verify against the partner's public key. Treated as a security event.
	ErrSignatureInvalid = errors.New("envelope signature invalid")

	// ErrMissingCredential is returned when key material, client id or client
	// secret is absent from settings. A configuration defect, not transient.
	ErrMissingCredential = errors.New("missing credential material")

	// ErrPartnerUnavailable is returned on transport failure or a non-2xx
	// response from CT. The current cycle aborts; the persisted cursor is
	// kept so the next scheduled run resumes from it.
	ErrPartnerUnavailable = errors.New("partner unavailable")
)
