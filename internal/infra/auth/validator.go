package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/xela07ax/capi-tool-gateway/internal/domain"
)

var ErrInvalidToken = errors.New("invalid token")

// Option уточняет проверку claims.
type Option func(*[]jwt.ParserOption)

func WithIssuer(iss string) Option {
	return func(o *[]jwt.ParserOption) {
		if iss != "" {
			*o = append(*o, jwt.WithIssuer(iss))
		}
	}
}

func WithAudience(aud string) Option {
	return func(o *[]jwt.ParserOption) {
		if aud != "" {
			*o = append(*o, jwt.WithAudience(aud))
		}
	}
}

// WithLeeway допускает расхождение часов с эмитентом.
func WithLeeway(d time.Duration) Option {
	return func(o *[]jwt.ParserOption) {
		if d > 0 {
			*o = append(*o, jwt.WithLeeway(d))
		}
	}
}

// RSAValidator проверяет токены операторов: только RS256, exp обязателен.
type RSAValidator struct {
	key    *rsa.PublicKey
	parser *jwt.Parser
}

var _ TokenValidator = (*RSAValidator)(nil)

func NewRSAValidator(key *rsa.PublicKey, opts ...Option) *RSAValidator {
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	for _, o := range opts {
		o(&parserOpts)
	}
	return &RSAValidator{key: key, parser: jwt.NewParser(parserOpts...)}
}

// VerifyToken принимает значение заголовка Authorization, префикс "Bearer " необязателен.
func (v *RSAValidator) VerifyToken(header string) (*domain.CustomClaims, error) {
	raw := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if raw == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidToken)
	}

	claims := &domain.CustomClaims{}
	if _, err := v.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return claims, nil
}

// ParseRSAPublicKey читает PEM (PKIX или PKCS1).
func ParseRSAPublicKey(pemData []byte) (*rsa.PublicKey, error) {
	if len(pemData) == 0 {
		return nil, errors.New("auth: public key is empty")
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(pemData)
	if err != nil {
		return nil, fmt.Errorf("auth: parse public key: %w", err)
	}
	return key, nil
}
