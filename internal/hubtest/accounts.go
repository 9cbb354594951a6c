package hubtest

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"go-chat-client/internal/credential"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrAccountExists      = errors.New("account already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

type account struct {
	ID       int
	Username string
	Email    string
	Password string
}

// Accounts is the fake backend's user store and token issuer.
type Accounts struct {
	secret []byte
	ttl    time.Duration

	mu      sync.Mutex
	nextID  int
	byEmail map[string]*account
	byName  map[string]*account
}

func NewAccounts(secret string, ttl time.Duration) *Accounts {
	return &Accounts{
		secret:  []byte(secret),
		ttl:     ttl,
		byEmail: make(map[string]*account),
		byName:  make(map[string]*account),
	}
}

func (a *Accounts) Register(username, email, password string) error {
	hashedPwd, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.byEmail[email]; ok {
		return ErrAccountExists
	}
	if _, ok := a.byName[username]; ok {
		return ErrAccountExists
	}
	a.nextID++
	u := &account{ID: a.nextID, Username: username, Email: email, Password: string(hashedPwd)}
	a.byEmail[email] = u
	a.byName[username] = u
	return nil
}

// Login checks the password and issues a signed token carrying the identity
// claims the client decodes.
func (a *Accounts) Login(email, password string) (string, error) {
	a.mu.Lock()
	u, ok := a.byEmail[email]
	a.mu.Unlock()
	if !ok {
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return a.Issue(credential.Identity{ID: strconv.Itoa(u.ID), Username: u.Username, Email: u.Email})
}

// Issue signs a token for id without a password check.
func (a *Accounts) Issue(id credential.Identity) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, credential.Claims{
		ID:       id.ID,
		Username: id.Username,
		Email:    id.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "hubtest",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(a.ttl)),
		},
	})
	return token.SignedString(a.secret)
}

// ValidateToken verifies the signature and returns the identity.
func (a *Accounts) ValidateToken(tokenString string) (credential.Identity, error) {
	claims := &credential.Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return credential.Identity{}, ErrInvalidCredentials
	}
	return claims.Identity()
}
