package relay

import (
	"context"
	"errors"
	"fmt"

	gojwt "github.com/golang-jwt/jwt/v5"
)

var ErrAuthFailed = errors.New("authentication failed")

// resolves a client-presented token to a user. credential issuance is
// not handled here.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*User, error)
}

// checks the token against the login tokens recorded on the user
// document, with expiry
type StoreAuthenticator struct {
	store Store
}

func NewStoreAuthenticator(store Store) *StoreAuthenticator {
	return &StoreAuthenticator{
		store: store,
	}
}

func (self *StoreAuthenticator) Authenticate(ctx context.Context, token string) (*User, error) {
	if token == "" {
		return nil, ErrAuthFailed
	}
	user, err := self.store.UserByToken(ctx, token)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return user, nil
}

// validates an hmac-signed session token carrying `user_id`, then loads
// the user
type JwtAuthenticator struct {
	store  Store
	secret []byte
}

func NewJwtAuthenticator(store Store, secret []byte) *JwtAuthenticator {
	return &JwtAuthenticator{
		store:  store,
		secret: secret,
	}
}

func (self *JwtAuthenticator) Authenticate(ctx context.Context, token string) (*User, error) {
	parsed, err := gojwt.Parse(
		token,
		func(t *gojwt.Token) (any, error) {
			if _, ok := t.Method.(*gojwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
			}
			return self.secret, nil
		},
		gojwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
	)
	if err != nil || !parsed.Valid {
		return nil, ErrAuthFailed
	}

	claims, ok := parsed.Claims.(gojwt.MapClaims)
	if !ok {
		return nil, ErrAuthFailed
	}
	userIdStr, ok := claims["user_id"].(string)
	if !ok {
		return nil, ErrAuthFailed
	}
	userId, err := ParseId(userIdStr)
	if err != nil {
		return nil, ErrAuthFailed
	}

	user, err := self.store.UserById(ctx, userId)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return user, nil
}

// issues a session token for a user. used by operator tooling, not by
// the relay itself.
func SignSessionToken(secret []byte, userId Id) (string, error) {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"user_id": userId.String(),
	})
	return token.SignedString(secret)
}
