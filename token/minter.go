// Package token derives short-lived signed bearer tokens from the
// enrolled device key. Tokens are minted locally; no network call is
// involved. A token is never persisted, only held in memory for the
// current renewal cycle.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sidusio/homecall/keystore"
)

// Issuer is the fixed issuer claim for device-minted tokens. The
// instance verifies against this exact value.
const Issuer = "homecall-device"

// Lifetime is the validity window of a minted token. The renewal
// interval is kept well under this so a transient single-cycle failure
// cannot expire the session.
const Lifetime = time.Hour

// ErrSigningFailed is returned when the stored key is unusable at mint
// time, for example when store corruption raced with the mint.
var ErrSigningFailed = errors.New("token signing failed")

// Token is a minted bearer token together with the identity it asserts.
type Token struct {
	// Raw is the compact three-part JWT.
	Raw string

	DeviceID    string
	InstanceURL string
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// Minter mints RS256-signed bearer tokens from stored credentials.
type Minter struct {
	// Now is the clock used for the iat/exp claims. time.Now when nil.
	Now func() time.Time
}

// Mint builds and signs a bearer token asserting the enrolled identity.
// The output carries no secret beyond the signature itself.
func (m *Minter) Mint(credentials *keystore.Credentials) (*Token, error) {
	key, err := credentials.RSAKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}

	now := time.Now()
	if m.Now != nil {
		now = m.Now()
	}
	issuedAt := now.Truncate(time.Second)
	expiresAt := issuedAt.Add(Lifetime)

	claims := jwt.RegisteredClaims{
		Issuer:    Issuer,
		Subject:   credentials.DeviceID,
		Audience:  jwt.ClaimStrings{credentials.Audience},
		IssuedAt:  jwt.NewNumericDate(issuedAt),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	raw, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}

	return &Token{
		Raw:         raw,
		DeviceID:    credentials.DeviceID,
		InstanceURL: credentials.InstanceURL,
		IssuedAt:    issuedAt,
		ExpiresAt:   expiresAt,
	}, nil
}
