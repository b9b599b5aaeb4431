package graphql

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"

	"github.com/hirotachi/appsync-cli-chat/pkg/config"
)

// Authorizer yields the headers that authorize a request against host. The same
// headers go on HTTP requests, in the real-time handshake and in every start
// frame.
type Authorizer interface {
	Headers(host string) map[string]string
}

type APIKeyAuthorizer struct {
	Key string
}

func (a APIKeyAuthorizer) Headers(host string) map[string]string {
	return map[string]string{"host": host, "x-api-key": a.Key}
}

// UserPoolAuthorizer presents a Cognito ID token issued elsewhere. The token is
// never verified here, the backend does that.
type UserPoolAuthorizer struct {
	Token  string
	claims jwt.MapClaims
}

func NewUserPoolAuthorizer(token string) (*UserPoolAuthorizer, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, errors.Wrap(err, "malformed id token")
	}
	return &UserPoolAuthorizer{Token: token, claims: claims}, nil
}

func (a *UserPoolAuthorizer) Headers(host string) map[string]string {
	return map[string]string{"host": host, "Authorization": a.Token}
}

// Username returns the cognito:username claim, falling back to the subject.
func (a *UserPoolAuthorizer) Username() string {
	if name, ok := a.claims["cognito:username"].(string); ok && name != "" {
		return name
	}
	sub, _ := a.claims.GetSubject()
	return sub
}

// CheckExpiry fails when the token is expired at now.
func (a *UserPoolAuthorizer) CheckExpiry(now time.Time) error {
	exp, err := a.claims.GetExpirationTime()
	if err != nil {
		return errors.Wrap(err, "invalid exp claim")
	}
	if exp != nil && !now.Before(exp.Time) {
		return errors.Errorf("id token expired at %s", exp.Time.Format(time.RFC3339))
	}
	return nil
}

// NewAuthorizer picks the authorizer matching cfg.AuthMode.
func NewAuthorizer(cfg *config.Config) (Authorizer, error) {
	switch cfg.AuthMode {
	case config.AuthModeAPIKey:
		return APIKeyAuthorizer{Key: cfg.APIKey}, nil
	case config.AuthModeUserPools:
		auth, err := NewUserPoolAuthorizer(cfg.IDToken)
		if err != nil {
			return nil, err
		}
		if err := auth.CheckExpiry(time.Now()); err != nil {
			return nil, err
		}
		return auth, nil
	default:
		return nil, errors.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

// DisplayName is the name shown in the header of the chat.
func DisplayName(auth Authorizer) string {
	if userPool, ok := auth.(*UserPoolAuthorizer); ok {
		if name := userPool.Username(); name != "" {
			return name
		}
	}
	return "guest"
}
