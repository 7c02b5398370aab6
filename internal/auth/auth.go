// Package auth verifies the bearer tokens issued by the wallet login flow.
package auth

import (
	"context"
	"strings"
	"time"

	"github.com/BearBump/CustodyBox/internal/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

var ErrUnauthorized = errors.New("unauthorized")

type Authenticator struct {
	secret []byte
}

func New(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Authenticate parses an HS256 token carrying wallet, role and exp claims.
func (a *Authenticator) Authenticate(tokenString string) (models.Actor, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return models.Actor{}, errors.Wrap(ErrUnauthorized, err.Error())
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return models.Actor{}, errors.Wrap(ErrUnauthorized, "invalid claims")
	}
	wallet, _ := claims["wallet"].(string)
	role, _ := claims["role"].(string)
	actor := models.Actor{
		WalletAddress: strings.TrimSpace(wallet),
		Role:          models.Role(strings.ToUpper(strings.TrimSpace(role))),
	}
	if actor.WalletAddress == "" {
		return models.Actor{}, errors.Wrap(ErrUnauthorized, "missing wallet claim")
	}
	if !actor.Role.Valid() {
		return models.Actor{}, errors.Wrapf(ErrUnauthorized, "unknown role %q", role)
	}
	return actor, nil
}

// Issue signs a token for the actor; used by tooling and tests.
func (a *Authenticator) Issue(actor models.Actor, ttl time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"wallet": actor.WalletAddress,
		"role":   string(actor.Role),
		"exp":    time.Now().Add(ttl).Unix(),
	})
	s, err := token.SignedString(a.secret)
	if err != nil {
		return "", errors.Wrap(err, "sign token")
	}
	return s, nil
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" value.
func BearerToken(header string) (string, bool) {
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

type actorKey struct{}

func WithActor(ctx context.Context, a models.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

func ActorFrom(ctx context.Context) (models.Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(models.Actor)
	return a, ok
}
