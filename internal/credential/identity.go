package credential

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claim keys issued by the backend's identity framework.
const (
	ClaimID       = "http://schemas.microsoft.com/ws/2008/06/identity/claims/primarysid"
	ClaimUsername = "http://schemas.xmlsoap.org/ws/2005/05/identity/claims/name"
	ClaimEmail    = "http://schemas.xmlsoap.org/ws/2005/05/identity/claims/emailaddress"
)

var ErrMalformedCredential = errors.New("malformed credential")

// Identity is the user the stored credential speaks for.
type Identity struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// Claims is the typed payload of a credential.
type Claims struct {
	ID       string `json:"http://schemas.microsoft.com/ws/2008/06/identity/claims/primarysid"`
	Username string `json:"http://schemas.xmlsoap.org/ws/2005/05/identity/claims/name"`
	Email    string `json:"http://schemas.xmlsoap.org/ws/2005/05/identity/claims/emailaddress"`
	jwt.RegisteredClaims
}

// Identity returns the identity carried by the claims, failing when any of
// the three identity claims is absent.
func (c *Claims) Identity() (Identity, error) {
	switch {
	case c.ID == "":
		return Identity{}, fmt.Errorf("%w: missing claim %s", ErrMalformedCredential, ClaimID)
	case c.Username == "":
		return Identity{}, fmt.Errorf("%w: missing claim %s", ErrMalformedCredential, ClaimUsername)
	case c.Email == "":
		return Identity{}, fmt.Errorf("%w: missing claim %s", ErrMalformedCredential, ClaimEmail)
	}
	return Identity{ID: c.ID, Username: c.Username, Email: c.Email}, nil
}

// ParseClaims decodes the credential payload. The signature is not verified:
// the client has no key and trusts the issuer.
func ParseClaims(credential string) (*Claims, error) {
	if credential == "" {
		return nil, fmt.Errorf("%w: empty", ErrMalformedCredential)
	}
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(credential, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCredential, err)
	}
	return claims, nil
}

// DecodeIdentity extracts the identity claims from a credential.
func DecodeIdentity(credential string) (Identity, error) {
	claims, err := ParseClaims(credential)
	if err != nil {
		return Identity{}, err
	}
	return claims.Identity()
}

// Expired reports whether the credential carries an exp claim in the past.
// Credentials without exp never expire from the client's point of view.
func Expired(credential string, now time.Time) bool {
	claims, err := ParseClaims(credential)
	if err != nil || claims.ExpiresAt == nil {
		return false
	}
	return claims.ExpiresAt.Time.Before(now)
}
