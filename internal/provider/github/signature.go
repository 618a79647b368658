package github

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// signaturePrefix is the algorithm prefix GitHub uses in the
// X-Hub-Signature-256 header.
const signaturePrefix = "sha256="

var (
	ErrSignatureMissing   = errors.New("signature header is missing")
	ErrSignatureMismatch  = errors.New("signature verification failed")
	ErrSecretUnconfigured = errors.New("webhook secret is not configured")
)

// Verifier validates that a webhook payload was sent by GitHub, by comparing
// the HMAC of the raw request body against the digest in the signature
// header.
// The comparison is done in constant time.
type Verifier struct {
	secret []byte
	// allowUnsigned accepts requests without verification when no secret
	// is configured. It exists for development setups, production
	// deployments keep it disabled and reject unsigned requests.
	allowUnsigned bool
	logger        *zap.Logger
}

type VerifierOption func(*Verifier)

// WithAllowUnsigned enables accepting requests without a signature check
// when no webhook secret is configured.
func WithAllowUnsigned() VerifierOption {
	return func(v *Verifier) {
		v.allowUnsigned = true
	}
}

func NewVerifier(secret string, opts ...VerifierOption) *Verifier {
	v := Verifier{
		secret: []byte(secret),
		logger: zap.L().Named("github-signature-verifier"),
	}

	for _, opt := range opts {
		opt(&v)
	}

	return &v
}

// Verify checks signatureHeader against the HMAC-SHA256 of body.
// body must contain the untouched request bytes, computing the digest over a
// re-serialized payload would silently break verification.
// A nil return value means the request is authentic.
func (v *Verifier) Verify(body []byte, signatureHeader string) error {
	if len(v.secret) == 0 {
		if v.allowUnsigned {
			v.logger.Debug("skipping signature verification, no webhook secret configured")
			return nil
		}

		return ErrSecretUnconfigured
	}

	if signatureHeader == "" {
		return ErrSignatureMissing
	}

	if !strings.HasPrefix(signatureHeader, signaturePrefix) {
		return fmt.Errorf("unsupported signature algorithm: %w", ErrSignatureMismatch)
	}

	wanted, err := hex.DecodeString(strings.TrimPrefix(signatureHeader, signaturePrefix))
	if err != nil {
		return fmt.Errorf("signature is not hex encoded: %w", ErrSignatureMismatch)
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)

	if !hmac.Equal(wanted, mac.Sum(nil)) {
		return ErrSignatureMismatch
	}

	return nil
}

// Sign returns the signature header value for body, as GitHub would send it.
func Sign(body, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)

	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}
