package credentials

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"mpesa-payment-svc/redact"
)

var (
	ErrInvalidPublicKey = errors.New("invalid provider public key")
	ErrMissingPublicKey = errors.New("provider public key is required in production")
	ErrMissingAPIKey    = errors.New("provider api key is not configured")
)

// Encrypter turns the API key into the bearer credential expected by the
// provider. It only ever holds the public half of the key pair.
type Encrypter struct {
	apiKey string
	pub    *rsa.PublicKey
	// Set when BearerToken must refuse to produce a credential.
	missing error
	logger  *zap.Logger
}

// NewEncrypter parses a base64 DER (PKIX) public key. An empty key yields an
// encrypter that passes the API key through unencrypted, outside production
// only. In production it yields one whose BearerToken always fails.
func NewEncrypter(apiKey, publicKey string, production bool, logger *zap.Logger) (*Encrypter, error) {
	e := &Encrypter{apiKey: apiKey, logger: logger}
	if apiKey == "" {
		e.missing = ErrMissingAPIKey
		logger.Warn("No provider API key configured, provider calls will be refused")
	}
	publicKey = normalizeKey(publicKey)
	if publicKey == "" {
		if production {
			e.missing = ErrMissingPublicKey
			logger.Error("No provider public key configured in production, provider calls will be refused")
			return e, nil
		}
		logger.Warn("No provider public key configured, API key will be sent unencrypted",
			zap.String("api_key", redact.Secret(apiKey)),
		)
		return e, nil
	}

	der, err := base64.StdEncoding.DecodeString(publicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode: %v", ErrInvalidPublicKey, err)
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse: %v", ErrInvalidPublicKey, err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key", ErrInvalidPublicKey)
	}
	e.pub = pub
	return e, nil
}

// Encrypted reports whether a public key is in use.
func (e *Encrypter) Encrypted() bool {
	return e.pub != nil
}

// BearerToken returns base64(RSA-PKCS1v15(apiKey)). Output differs per call.
func (e *Encrypter) BearerToken() (string, error) {
	if e.missing != nil {
		return "", e.missing
	}
	if e.pub == nil {
		return e.apiKey, nil
	}
	ct, err := rsa.EncryptPKCS1v15(rand.Reader, e.pub, []byte(e.apiKey))
	if err != nil {
		return "", fmt.Errorf("failed to encrypt api key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

// Keys are often pasted with PEM armour or line breaks.
func normalizeKey(key string) string {
	key = strings.TrimSpace(key)
	key = strings.TrimPrefix(key, "-----BEGIN PUBLIC KEY-----")
	key = strings.TrimSuffix(key, "-----END PUBLIC KEY-----")
	return strings.Join(strings.Fields(key), "")
}
