// Package credential implements the delegation credential (C4): a
// short-lived capability token binding a specialist call to the dispatcher
// and a specific request_id.
//
// No JWT/HMAC library has a real call site anywhere in the reference
// corpus (go-jose appears only as an unused transitive dependency), so
// this is a deliberate stdlib construction: HMAC-SHA256 over a canonical
// payload, base64url-encoded, compared in constant time. See DESIGN.md.
package credential

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/vidalytics/corehub/internal/corerr"
)

const issuer = "dispatcher"

// DelegatePermission is the single permission every minted credential
// carries; the permission set is open for future growth but always
// superset-contains this.
const DelegatePermission = "delegate"

// Claims is the signed payload, matching the spec's field list exactly.
type Claims struct {
	Issuer      string    `json:"issuer"`
	Subject     string    `json:"subject"`
	RequestID   string    `json:"request_id"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Permissions []string  `json:"permissions"`
}

// Minter mints and verifies delegation credentials under a single process
// secret, known only to the dispatcher. The secret is immutable after
// construction and read without locking (§5's "Credential secret:
// immutable after init").
type Minter struct {
	secret []byte
	ttl    time.Duration
}

// New constructs a Minter. Returns a Configuration error if secret is
// empty — fail-closed, per the spec's Open Question resolution: there is
// no ephemeral-secret fallback.
func New(secret []byte, ttl time.Duration) (*Minter, error) {
	if len(secret) == 0 {
		return nil, corerr.New(corerr.Configuration, "credential signing secret is required", nil)
	}
	if ttl <= 0 || ttl > time.Hour {
		ttl = time.Hour
	}
	// Defensive copy: caller's slice must not be able to mutate our secret
	// after construction.
	cp := make([]byte, len(secret))
	copy(cp, secret)
	return &Minter{secret: cp, ttl: ttl}, nil
}

// Mint issues a token for (requestID, subject), expiring ttl after now.
func (m *Minter) Mint(requestID, subject string) (string, error) {
	if requestID == "" || subject == "" {
		return "", corerr.New(corerr.Validation, "request_id and subject are required to mint a credential", nil)
	}
	now := time.Now().UTC()
	claims := Claims{
		Issuer:      issuer,
		Subject:     subject,
		RequestID:   requestID,
		IssuedAt:    now,
		ExpiresAt:   now.Add(m.ttl),
		Permissions: []string{DelegatePermission},
	}
	return m.encode(claims)
}

func (m *Minter) encode(claims Claims) (string, error) {
	body, err := json.Marshal(claims)
	if err != nil {
		return "", corerr.New(corerr.System, "failed to encode credential", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(body)
	sig := m.sign(payload)
	return payload + "." + sig, nil
}

func (m *Minter) sign(payload string) string {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Verified is what a successful Verify returns to the caller — the
// dispatcher never hands the raw Claims to specialists, only this
// trimmed view.
type Verified struct {
	Subject     string
	Permissions []string
}

// Verify checks a token against expectedRequestID. Any rejection rule
// (§4.4: bad signature/issuer, expired, request_id mismatch, missing
// permission) returns an Authentication error; there is no partial
// success.
func (m *Minter) Verify(token, expectedRequestID string) (*Verified, error) {
	payload, sig, ok := strings.Cut(token, ".")
	if !ok {
		return nil, authErr("malformed credential")
	}
	expected := m.sign(payload)
	if subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) != 1 {
		return nil, authErr("credential signature invalid")
	}

	body, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return nil, authErr("malformed credential payload")
	}
	var claims Claims
	if err := json.Unmarshal(body, &claims); err != nil {
		return nil, authErr("malformed credential payload")
	}

	if claims.Issuer != issuer {
		return nil, authErr("credential issuer mismatch")
	}
	if time.Now().UTC().After(claims.ExpiresAt) {
		return nil, authErr("credential expired")
	}
	if claims.RequestID != expectedRequestID {
		return nil, authErr("credential request_id mismatch")
	}
	if !hasPermission(claims.Permissions, DelegatePermission) {
		return nil, authErr("credential missing delegate permission")
	}

	return &Verified{Subject: claims.Subject, Permissions: claims.Permissions}, nil
}

func hasPermission(perms []string, want string) bool {
	for _, p := range perms {
		if p == want {
			return true
		}
	}
	return false
}

func authErr(msg string) error {
	return corerr.New(corerr.Authentication, msg, nil)
}

// verifyContextKey lets a specialist-side handler thread the verified
// subject through context without the dispatcher exposing Minter itself.
type verifyContextKey struct{}

// WithVerified attaches a Verified credential to ctx.
func WithVerified(ctx context.Context, v *Verified) context.Context {
	return context.WithValue(ctx, verifyContextKey{}, v)
}

// FromContext retrieves a Verified credential previously attached with
// WithVerified.
func FromContext(ctx context.Context) (*Verified, bool) {
	v, ok := ctx.Value(verifyContextKey{}).(*Verified)
	return v, ok
}

// String is a debug-only rendering; never logged with the secret.
func (c Claims) String() string {
	return fmt.Sprintf("credential{subject=%s request_id=%s expires_at=%s}", c.Subject, c.RequestID, c.ExpiresAt)
}
