package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// ServiceTokenHeader carries a base64url service token on backend calls.
const ServiceTokenHeader = "X-Service-Token"

// ServiceToken is the CBOR payload of a backend service credential. On the
// wire the encoded payload is followed by a 64-byte Ed25519 signature.
type ServiceToken struct {
	Subject   string `cbor:"1,keyasint"`
	Audience  string `cbor:"2,keyasint"`
	TenantID  string `cbor:"3,keyasint,omitempty"`
	ID        string `cbor:"4,keyasint"`
	IssuedAt  int64  `cbor:"5,keyasint"`
	ExpiresAt int64  `cbor:"6,keyasint"`
}

var (
	ErrTokenTooShort    = errors.New("servicetoken: token too short for signature")
	ErrInvalidSignature = errors.New("servicetoken: invalid Ed25519 signature")
	ErrTokenExpired     = errors.New("servicetoken: token has expired")
	ErrAudienceMismatch = errors.New("servicetoken: audience does not match")
	ErrMalformedToken   = errors.New("servicetoken: malformed token")
)

var (
	tokenEncMode cbor.EncMode
	tokenDecMode cbor.DecMode
)

func init() {
	var err error
	tokenEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("servicetoken: cbor encoder: " + err.Error())
	}
	tokenDecMode, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		MaxMapPairs: 32,
	}.DecMode()
	if err != nil {
		panic("servicetoken: cbor decoder: " + err.Error())
	}
}

// GenerateServiceKeypair creates an Ed25519 keypair for minting tokens.
func GenerateServiceKeypair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generating Ed25519 keypair: %w", err)
	}
	return pub, priv, nil
}

// NewTokenID returns a random 16-byte hex identifier.
func NewTokenID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// MintServiceToken signs token and returns payload||signature.
func MintServiceToken(privateKey ed25519.PrivateKey, token *ServiceToken) ([]byte, error) {
	payload, err := tokenEncMode.Marshal(token)
	if err != nil {
		return nil, fmt.Errorf("servicetoken: encoding payload: %w", err)
	}
	signature := ed25519.Sign(privateKey, payload)

	out := make([]byte, len(payload)+ed25519.SignatureSize)
	copy(out, payload)
	copy(out[len(payload):], signature)
	return out, nil
}

// EncodeServiceToken renders raw token bytes for the X-Service-Token header.
func EncodeServiceToken(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}

// VerifyServiceTokenAt checks signature, expiry and audience as of now.
func VerifyServiceTokenAt(publicKey ed25519.PublicKey, raw []byte, audience string, now time.Time) (*ServiceToken, error) {
	if len(raw) <= ed25519.SignatureSize {
		return nil, ErrTokenTooShort
	}
	split := len(raw) - ed25519.SignatureSize
	payload, signature := raw[:split], raw[split:]

	if !ed25519.Verify(publicKey, payload, signature) {
		return nil, ErrInvalidSignature
	}

	var token ServiceToken
	if err := tokenDecMode.Unmarshal(payload, &token); err != nil {
		return nil, fmt.Errorf("servicetoken: decoding payload: %w", err)
	}
	if token.Subject == "" {
		return nil, ErrMalformedToken
	}
	if now.Unix() >= token.ExpiresAt {
		return nil, ErrTokenExpired
	}
	if token.Audience != audience {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrAudienceMismatch, token.Audience, audience)
	}
	return &token, nil
}

// ServiceVerifier authenticates trusted backend callers.
type ServiceVerifier struct {
	publicKey ed25519.PublicKey
	audience  string
	now       func() time.Time
}

func NewServiceVerifier(publicKey ed25519.PublicKey, audience string) (*ServiceVerifier, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("service token public key has %d bytes, want %d", len(publicKey), ed25519.PublicKeySize)
	}
	if audience == "" {
		return nil, fmt.Errorf("service token audience is required")
	}
	return &ServiceVerifier{publicKey: publicKey, audience: audience, now: time.Now}, nil
}

// Verify decodes a header value and verifies it.
func (v *ServiceVerifier) Verify(headerValue string) (*ServiceToken, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(headerValue))
	if err != nil {
		return nil, ErrMalformedToken
	}
	return VerifyServiceTokenAt(v.publicKey, raw, v.audience, v.now())
}

// ServiceTokenMiddleware marks requests carrying a valid X-Service-Token as
// trusted service calls. A present but invalid token is rejected outright
// instead of falling back to user authentication. With a nil verifier any
// presented token is rejected.
func ServiceTokenMiddleware(v *ServiceVerifier, logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get(ServiceTokenHeader)
			if header == "" {
				return next(c)
			}
			if v == nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "service tokens are not accepted")
			}

			token, err := v.Verify(header)
			if err != nil {
				logger.Warn().Err(err).Str("remote_ip", c.RealIP()).Msg("service token rejected")
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid service token")
			}

			setCaller(c, &Caller{
				ID:       token.Subject,
				TenantID: token.TenantID,
				Roles:    []string{RoleService},
				Service:  true,
			})
			return next(c)
		}
	}
}
