package policy

/*
Файл gate.go — двухфазное подтверждение разрушительных вызовов (tier 3).

Первый вызов без токена выдает challenge и одноразовый токен, привязанный
к имени инструмента и каноническому JSON параметров. Второй вызов с тем же
набором параметров и токеном проходит к хендлеру ровно один раз.
Все состояние живет в памяти процесса под мьютексом.
*/

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
	"go.uber.org/zap"

	"github.com/xela07ax/capi-tool-gateway/internal/domain"
	"github.com/xela07ax/capi-tool-gateway/internal/risk"
)

const DefaultTTL = 5 * time.Minute

const destructiveWarning = "This is a destructive operation (tier 3). Review the pre-checks with the user before confirming."

var (
	ErrConfirmationExpired  = errors.New("confirmation token expired")
	ErrConfirmationUnknown  = errors.New("confirmation token unknown")
	ErrConfirmationMismatch = errors.New("parameters changed since confirmation")
)

// RejectionError — отказ в подтверждении с причиной, понятной человеку.
type RejectionError struct {
	Reason  error
	Message string
}

func (e *RejectionError) Error() string { return e.Message }
func (e *RejectionError) Unwrap() error { return e.Reason }

// Clock позволяет подменить время в тестах.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Decision — итог проверки. Если Challenge != nil, хендлер вызывать нельзя.
type Decision struct {
	Proceed   bool
	Confirmed bool // вызов прошел по погашенному токену
	Challenge *domain.ConfirmationChallenge
}

type Gate struct {
	mu      sync.Mutex
	pending map[string]*domain.PendingConfirmation
	// Истекшие токены помним еще один TTL, чтобы ответить "expired", а не "unknown"
	tombstones map[string]time.Time

	ttl    time.Duration
	clock  Clock
	logger *zap.Logger
}

func NewGate(ttl time.Duration, clock Clock, logger *zap.Logger) *Gate {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		pending:    make(map[string]*domain.PendingConfirmation),
		tombstones: make(map[string]time.Time),
		ttl:        ttl,
		clock:      clock,
		logger:     logger.Named("gate"),
	}
}

// Check решает судьбу вызова. Ошибка — всегда *RejectionError либо сбой канонизации.
func (g *Gate) Check(inv domain.ToolInvocation, a risk.Assessment) (Decision, error) {
	if !a.RequiresConfirmation() {
		return Decision{Proceed: true}, nil
	}

	canonical, err := Canonicalize(inv.Params)
	if err != nil {
		return Decision{}, fmt.Errorf("canonicalize params: %w", err)
	}

	if inv.ConfirmationToken == "" {
		return g.issue(inv.ToolName, canonical, a)
	}
	return g.redeem(inv.ToolName, inv.ConfirmationToken, canonical)
}

func (g *Gate) issue(toolName, canonical string, a risk.Assessment) (Decision, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return Decision{}, fmt.Errorf("mint confirmation token: %w", err)
	}
	token := id.String()

	g.mu.Lock()
	now := g.clock.Now()
	// Выдача тоже чистит просроченные токены
	g.sweepLocked(now)
	g.pending[token] = &domain.PendingConfirmation{
		Token:           token,
		ToolName:        toolName,
		CanonicalParams: canonical,
		Status:          domain.StatusPending,
		CreatedAt:       now,
	}
	g.mu.Unlock()

	g.logger.Info("confirmation required", zap.String("tool", toolName))

	preChecks := a.PreChecks
	if preChecks == nil {
		preChecks = []string{}
	}
	return Decision{Challenge: &domain.ConfirmationChallenge{
		RequiresConfirmation: true,
		Tier:                 a.Tier,
		Action:               a.ConfirmationMessage,
		Warning:              destructiveWarning,
		HowToConfirm: fmt.Sprintf(
			"Call %s again with exactly the same parameters plus \"%s\": \"%s\".",
			toolName, domain.ParamConfirmationToken, token),
		PreChecks:         preChecks,
		ConfirmationToken: token,
		ExpiresInSeconds:  int(g.ttl / time.Second),
	}}, nil
}

func (g *Gate) redeem(toolName, token, canonical string) (Decision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	g.sweepLocked(now)

	pc, ok := g.pending[token]
	if !ok {
		if _, expired := g.tombstones[token]; expired {
			delete(g.tombstones, token)
			return Decision{}, reject(ErrConfirmationExpired,
				"Confirmation token has expired. Call the tool again without "+domain.ParamConfirmationToken+" to get a new one.")
		}
		return Decision{}, reject(ErrConfirmationUnknown,
			"Invalid or unknown confirmation token. Call the tool again without "+domain.ParamConfirmationToken+" to get a new one.")
	}

	if pc.ToolName != toolName {
		g.rejectLocked(pc)
		return Decision{}, reject(ErrConfirmationUnknown,
			fmt.Sprintf("Confirmation token was issued for a different tool (%s). Call %s again without %s.",
				pc.ToolName, toolName, domain.ParamConfirmationToken))
	}

	if pc.CanonicalParams != canonical {
		g.rejectLocked(pc)
		return Decision{}, reject(ErrConfirmationMismatch,
			"Parameters changed since confirmation. Call the tool again without "+domain.ParamConfirmationToken+" to review the new parameters.")
	}

	if err := pc.CanTransitionTo(domain.StatusConsumed); err != nil {
		return Decision{}, reject(ErrConfirmationUnknown, "Confirmation token was already used.")
	}
	pc.Status = domain.StatusConsumed
	delete(g.pending, token)

	g.logger.Info("confirmation redeemed", zap.String("tool", toolName))
	return Decision{Proceed: true, Confirmed: true}, nil
}

func (g *Gate) rejectLocked(pc *domain.PendingConfirmation) {
	if pc.CanTransitionTo(domain.StatusRejected) == nil {
		pc.Status = domain.StatusRejected
	}
	delete(g.pending, pc.Token)
	g.logger.Warn("confirmation rejected", zap.String("tool", pc.ToolName))
}

// sweepLocked — ленивая очистка: токены старше TTL переводятся в EXPIRED.
func (g *Gate) sweepLocked(now time.Time) {
	for token, pc := range g.pending {
		if pc.ExpiredAt(now, g.ttl) {
			pc.Status = domain.StatusExpired
			delete(g.pending, token)
			g.tombstones[token] = now
		}
	}
	for token, at := range g.tombstones {
		if now.Sub(at) > g.ttl {
			delete(g.tombstones, token)
		}
	}
}

// Pending — число ожидающих токенов.
func (g *Gate) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

func reject(reason error, msg string) *RejectionError {
	return &RejectionError{Reason: reason, Message: msg}
}

// Canonicalize возвращает RFC 8785 JSON параметров без мета-полей.
// Порядок ключей на входе не влияет на результат.
func Canonicalize(params map[string]any) (string, error) {
	raw, err := json.Marshal(domain.StripMeta(params))
	if err != nil {
		return "", err
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
