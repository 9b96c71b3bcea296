package api

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	tokenTTL    = 24 * time.Hour
	tokenIssuer = "mmbot"
	adminSubj   = "admin"
)

var (
	ErrInvalidPassword = errors.New("invalid password")
	ErrMissingToken    = errors.New("missing bearer token")
)

// Authenticator issues and checks the HS256 tokens that guard the control
// endpoints. A fresh random key is used when no secret is configured, so
// tokens do not survive a restart.
type Authenticator struct {
	password string
	secret   []byte
	now      func() time.Time
}

func NewAuthenticator(password, secret string) (*Authenticator, error) {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("failed to generate signing key: %w", err)
		}
	}
	return &Authenticator{password: password, secret: key, now: time.Now}, nil
}

func (a *Authenticator) Enabled() bool {
	return a.password != ""
}

// Login checks password and returns a signed token and its expiry.
func (a *Authenticator) Login(password string) (string, time.Time, error) {
	if !a.Enabled() || subtle.ConstantTimeCompare([]byte(password), []byte(a.password)) != 1 {
		return "", time.Time{}, ErrInvalidPassword
	}

	now := a.now()
	expires := now.Add(tokenTTL)
	jti := make([]byte, 8)
	if _, err := rand.Read(jti); err != nil {
		return "", time.Time{}, err
	}
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   adminSubj,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
		ID:        hex.EncodeToString(jti),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expires, nil
}

func (a *Authenticator) Verify(tokenString string) error {
	_, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithSubject(adminSubj),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	return err
}

func bearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

func (a *Authenticator) middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, err := bearerToken(r)
		if err == nil {
			err = a.Verify(token)
		}
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="mmbot"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}
