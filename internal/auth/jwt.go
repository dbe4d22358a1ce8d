package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthenticated covers every token failure. Callers must not tell them apart.
var ErrUnauthenticated = errors.New("unauthenticated")

// Identity is what a valid token says about its holder.
type Identity struct {
	UserID   string
	Username string
	Avatar   string
}

// Claims issued by the main server. The user id travels in "id"; older
// tokens only carry "sub".
type Claims struct {
	ID       string `json:"id,omitempty"`
	Username string `json:"username,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
	jwt.RegisteredClaims
}

type Options struct {
	Current     string
	Previous    string
	UseRotation bool
	Leeway      time.Duration
}

// Validator checks HS256 tokens against the current secret and, while a
// rotation is in progress, the previous one.
type Validator struct {
	secrets [][]byte
	parser  *jwt.Parser
}

func NewValidator(opts Options) *Validator {
	secrets := [][]byte{[]byte(opts.Current)}
	if opts.UseRotation && opts.Previous != "" {
		secrets = append(secrets, []byte(opts.Previous))
	}
	return &Validator{
		secrets: secrets,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithLeeway(opts.Leeway),
		),
	}
}

func (v *Validator) Validate(tokenString string) (Identity, error) {
	if tokenString == "" {
		return Identity{}, ErrUnauthenticated
	}

	for _, secret := range v.secrets {
		claims := &Claims{}
		token, err := v.parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
			return secret, nil
		})
		if err != nil || !token.Valid {
			continue
		}

		id := claims.ID
		if id == "" {
			id = claims.Subject
		}
		if id == "" {
			return Identity{}, ErrUnauthenticated
		}
		return Identity{UserID: id, Username: claims.Username, Avatar: claims.Avatar}, nil
	}
	return Identity{}, ErrUnauthenticated
}

// Sign mints a token for id. Production tokens come from the main server;
// this exists for the load generator and tests.
func Sign(secret string, id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		ID:       id.UserID,
		Username: id.Username,
		Avatar:   id.Avatar,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "roomchat",
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	ss, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return ss, nil
}
