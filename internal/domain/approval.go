package domain

import (
	"errors"
	"time"
)

// Статусы State Machine подтверждения
type ConfirmationStatus string

const (
	StatusNone     ConfirmationStatus = "NONE"
	StatusPending  ConfirmationStatus = "PENDING"
	StatusConsumed ConfirmationStatus = "CONSUMED"
	StatusRejected ConfirmationStatus = "REJECTED"
	StatusExpired  ConfirmationStatus = "EXPIRED" // неявное состояние, в него переводит ленивая очистка
)

var (
	ErrInvalidTransition = errors.New("invalid confirmation status transition")
	ErrAlreadyProcessed  = errors.New("confirmation already processed")
)

// PendingConfirmation — токен подтверждения, привязанный к конкретному вызову tier-3 инструмента.
type PendingConfirmation struct {
	Token           string             `json:"token"`
	ToolName        string             `json:"tool_name"`
	CanonicalParams string             `json:"canonical_params"` // JCS-представление params без мета-полей
	Status          ConfirmationStatus `json:"status"`
	CreatedAt       time.Time          `json:"created_at"`
}

// CanTransitionTo проверяет правила конечного автомата
func (c *PendingConfirmation) CanTransitionTo(next ConfirmationStatus) error {
	if c.Status != StatusPending {
		return ErrAlreadyProcessed
	}
	if next == StatusPending || next == StatusNone {
		return ErrInvalidTransition
	}
	return nil
}

// ExpiredAt сообщает, истек ли токен к моменту now при заданном TTL.
func (c *PendingConfirmation) ExpiredAt(now time.Time, ttl time.Duration) bool {
	return now.Sub(c.CreatedAt) > ttl
}

// ConfirmationChallenge — ответ на первую попытку tier-3 вызова без токена.
type ConfirmationChallenge struct {
	RequiresConfirmation bool     `json:"requiresConfirmation"`
	Tier                 Tier     `json:"tier"`
	Action               string   `json:"action"`
	Warning              string   `json:"warning"`
	HowToConfirm         string   `json:"howToConfirm"`
	PreChecks            []string `json:"preChecks"`
	ConfirmationToken    string   `json:"confirmationToken"`
	ExpiresInSeconds     int      `json:"expiresInSeconds"`
}
