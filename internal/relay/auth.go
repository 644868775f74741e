package relay

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/matheus3301/msgsync/internal/protocol"
	"github.com/matheus3301/msgsync/internal/session"
)

var errInvalidToken = errors.New("invalid token")

// Verifier checks and mints HS256 access tokens.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify validates a token and returns the user it was issued to.
func (v *Verifier) Verify(token string) (protocol.Participant, error) {
	var claims session.Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return protocol.Participant{}, fmt.Errorf("%w: %v", errInvalidToken, err)
	}

	id := claims.UserID
	if id == 0 && claims.Subject != "" {
		id, _ = strconv.ParseInt(claims.Subject, 10, 64)
	}
	if id <= 0 {
		return protocol.Participant{}, fmt.Errorf("%w: no user id", errInvalidToken)
	}
	name := claims.DisplayName
	if name == "" {
		name = claims.Username
	}
	return protocol.Participant{ID: id, DisplayName: name}, nil
}

// Issue mints a token for user valid for ttl. A zero ttl never expires.
func (v *Verifier) Issue(user protocol.Participant, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := session.Claims{
		UserID:      user.ID,
		Username:    user.DisplayName,
		DisplayName: user.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  strconv.FormatInt(user.ID, 10),
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
