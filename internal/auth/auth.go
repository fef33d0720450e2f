package auth

import (
	"context"
	"errors"
	"strings"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// Principal is the verified identity attached to a submission as submitted_by.
type Principal struct {
	ID    string
	Email string
	Name  string
}

type Authenticator interface {
	Authenticate(ctx context.Context, bearer string) (Principal, error)
}

// Anonymous accepts every request. It is only wired when no key material is configured.
type Anonymous struct{}

func (Anonymous) Authenticate(context.Context, string) (Principal, error) {
	return Principal{ID: "anonymous"}, nil
}

// BearerToken extracts the credential from an Authorization header value.
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
