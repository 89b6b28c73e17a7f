package upstream

import (
	"context"
	"encoding/base64"
)

// CredentialProvider выдает заголовок Authorization для upstream.
// Пустая строка означает, что способ аутентификации не настроен.
type CredentialProvider interface {
	AuthHeader(ctx context.Context) (string, error)
	Method() string
}

// BearerToken — статический OAuth/API токен.
type BearerToken struct {
	Token string
}

func (p BearerToken) AuthHeader(context.Context) (string, error) {
	if p.Token == "" {
		return "", nil
	}
	return "Bearer " + p.Token, nil
}

func (p BearerToken) Method() string { return "bearer" }

// BasicAuth — пара логин/пароль API-пользователя.
type BasicAuth struct {
	Username string
	Password string
}

func (p BasicAuth) AuthHeader(context.Context) (string, error) {
	if p.Username == "" || p.Password == "" {
		return "", nil
	}
	raw := p.Username + ":" + p.Password
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(raw)), nil
}

func (p BasicAuth) Method() string { return "basic" }

// Chain опрашивает провайдеров по порядку, побеждает первый непустой заголовок.
// Ошибка провайдера не фатальна: переходим к следующему.
type Chain []CredentialProvider

func (c Chain) AuthHeader(ctx context.Context) (string, error) {
	for _, p := range c {
		h, err := p.AuthHeader(ctx)
		if err != nil || h == "" {
			continue
		}
		return h, nil
	}
	return "", nil
}

func (c Chain) Method() string {
	for _, p := range c {
		if h, err := p.AuthHeader(context.Background()); err == nil && h != "" {
			return p.Method()
		}
	}
	return "none"
}
