package auth

import (
	"errors"
	"os"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAuthDisabled       = errors.New("authentication is disabled")
)

// Authenticator validates the single operator account. Credentials come from
// the environment so the config file, which the UI can rewrite, never holds
// secrets.
type Authenticator struct {
	enabled      bool
	username     string
	passwordHash []byte
	tokens       *JWTManager
}

// NewAuthenticator reads FACEWATCH_AUTH_ENABLED, FACEWATCH_AUTH_USERNAME and
// FACEWATCH_AUTH_PASSWORD. The password may be given as a bcrypt hash; a
// plaintext value is hashed at startup.
func NewAuthenticator() *Authenticator {
	enabled := os.Getenv("FACEWATCH_AUTH_ENABLED") == "true"

	username := os.Getenv("FACEWATCH_AUTH_USERNAME")
	if username == "" {
		username = "admin"
	}

	var passwordHash []byte
	if password := os.Getenv("FACEWATCH_AUTH_PASSWORD"); enabled && password != "" {
		if len(password) == 60 && password[0] == '$' {
			passwordHash = []byte(password)
		} else {
			if hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost); err == nil {
				passwordHash = hash
			}
		}
	}

	return &Authenticator{
		enabled:      enabled,
		username:     username,
		passwordHash: passwordHash,
		tokens:       NewJWTManager(),
	}
}

func (a *Authenticator) IsEnabled() bool { return a.enabled }

// Login checks the credentials and mints a token. The expiry comes back as a
// unix timestamp for the login response body.
func (a *Authenticator) Login(username, password string) (string, int64, error) {
	if !a.enabled {
		return "", 0, ErrAuthDisabled
	}
	if username != a.username {
		return "", 0, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(a.passwordHash, []byte(password)); err != nil {
		return "", 0, ErrInvalidCredentials
	}

	token, expiresAt, err := a.tokens.Generate(username)
	if err != nil {
		return "", 0, err
	}
	return token, expiresAt.Unix(), nil
}

// ValidateToken checks a bearer token and returns its claims.
func (a *Authenticator) ValidateToken(token string) (*Claims, error) {
	return a.tokens.Validate(token)
}

// HashPassword is a helper for generating FACEWATCH_AUTH_PASSWORD values.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
