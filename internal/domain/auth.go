package domain

import (
	"github.com/golang-jwt/jwt/v5"
)

const (
	// Scope, без которого HTTP API не пустит к вызову инструментов.
	ScopeToolsCall = "tools:call"
	// Включение и выключение инструментов, чтение журнала аудита.
	ScopeToolsAdmin = "tools:admin"
)

// CustomClaims — claims вызывающего HTTP API (оператор или агентская платформа).
type CustomClaims struct {
	UserID string          `json:"user_id"`
	Scopes map[string]bool `json:"scopes"` // "tools:call": true
	jwt.RegisteredClaims
}

// HasScope проверяет право на действие.
func (c *CustomClaims) HasScope(scope string) bool {
	return c != nil && c.Scopes[scope]
}
