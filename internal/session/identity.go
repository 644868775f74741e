package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/matheus3301/msgsync/internal/protocol"
)

// TokenEnv supplies the access token instead of the token file.
const TokenEnv = "MSGSYNC_TOKEN"

// ErrNoIdentity is returned when no access token is configured.
var ErrNoIdentity = errors.New("session: no access token")

// Claims is the payload of an access token.
type Claims struct {
	UserID      int64  `json:"user_id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
	jwt.RegisteredClaims
}

// Identity is the local user of a session.
type Identity struct {
	token string
	user  protocol.Participant
}

// LoadIdentity reads the token from $MSGSYNC_TOKEN or the session's token file.
func LoadIdentity(name string) (*Identity, error) {
	token := strings.TrimSpace(os.Getenv(TokenEnv))
	if token == "" {
		data, err := os.ReadFile(TokenPath(name))
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoIdentity
		}
		if err != nil {
			return nil, fmt.Errorf("read token: %w", err)
		}
		token = strings.TrimSpace(string(data))
	}
	if token == "" {
		return nil, ErrNoIdentity
	}
	return ParseIdentity(token)
}

// ParseIdentity extracts the user from a token. The signature is not checked:
// the server verifies it during the handshake.
func ParseIdentity(token string) (*Identity, error) {
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	id := claims.UserID
	if id == 0 && claims.Subject != "" {
		v, err := strconv.ParseInt(claims.Subject, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("token subject %q is not a user id", claims.Subject)
		}
		id = v
	}
	if id == 0 {
		return nil, fmt.Errorf("token carries no user id")
	}
	name := claims.DisplayName
	if name == "" {
		name = claims.Username
	}
	return &Identity{
		token: token,
		user:  protocol.Participant{ID: id, DisplayName: name},
	}, nil
}

// SaveToken stores a token for the session with owner-only permissions.
func SaveToken(name, token string) error {
	path := TokenPath(name)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strings.TrimSpace(token)+"\n"), 0600)
}

func (i *Identity) Token() (string, error) {
	return i.token, nil
}

func (i *Identity) Participant() protocol.Participant {
	return i.user
}

func (i *Identity) UserID() int64 {
	return i.user.ID
}
