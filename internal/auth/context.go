package auth

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
)

type contextKey string

const credentialKey contextKey = "credential"

// basicSeparator joins user and password in a single opaque credential string.
const basicSeparator = ":::"

// Credential is the backend credential of one request. It is passed through
// unchanged; nothing here validates or refreshes it.
type Credential struct {
	Token    string
	User     string
	Password string
}

// IsBasic reports whether the credential is a user/password pair.
func (c Credential) IsBasic() bool {
	return c.User != ""
}

// IsZero reports whether no credential was supplied.
func (c Credential) IsZero() bool {
	return c.Token == "" && c.User == ""
}

// ParseCredential reads a bearer token or a "user:::password" pair.
func ParseCredential(raw string) Credential {
	raw = strings.TrimSpace(raw)
	if user, password, ok := strings.Cut(raw, basicSeparator); ok {
		return Credential{User: user, Password: password}
	}
	return Credential{Token: raw}
}

// Apply sets the Authorization header of a backend request.
func (c Credential) Apply(req *http.Request) {
	switch {
	case c.IsBasic():
		req.SetBasicAuth(c.User, c.Password)
	case c.Token != "":
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
}

// CredentialFromRequest reads the Authorization header ("Bearer <token>",
// "Basic <base64>" or a raw credential), falling back to the auth_id cookie.
func CredentialFromRequest(r *http.Request) (Credential, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		if cookie, err := r.Cookie("auth_id"); err == nil {
			header = cookie.Value
		}
	}
	if header == "" {
		return Credential{}, nil
	}

	scheme, value, hasScheme := strings.Cut(header, " ")
	if !hasScheme {
		return ParseCredential(header), nil
	}
	switch strings.ToLower(scheme) {
	case "bearer":
		return ParseCredential(value), nil
	case "basic":
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(value))
		if err != nil {
			return Credential{}, fmt.Errorf("invalid basic credential: %w", err)
		}
		user, password, ok := strings.Cut(string(decoded), ":")
		if !ok {
			return Credential{}, fmt.Errorf("invalid basic credential: missing separator")
		}
		return Credential{User: user, Password: password}, nil
	default:
		return ParseCredential(header), nil
	}
}

// ContextWithCredential returns a new context that carries the backend credential.
func ContextWithCredential(ctx context.Context, credential Credential) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, credentialKey, credential)
}

// CredentialFromContext retrieves the backend credential from the context, if any.
func CredentialFromContext(ctx context.Context) (Credential, bool) {
	if ctx == nil {
		return Credential{}, false
	}
	credential, ok := ctx.Value(credentialKey).(Credential)
	if !ok || credential.IsZero() {
		return Credential{}, false
	}
	return credential, true
}

// Middleware stores the request credential in the request context.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		credential, err := CredentialFromRequest(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithCredential(r.Context(), credential)))
	})
}
