package domain

import "fmt"

// Tier — уровень риска операции, от него зависит подтверждение.
type Tier int

const (
	TierRead        Tier = 1 // только чтение
	TierMutating    Tier = 2 // изменяет состояние
	TierDestructive Tier = 3 // разрушительная или дорогая операция, требует подтверждения
)

func (t Tier) String() string {
	switch t {
	case TierRead:
		return "read"
	case TierMutating:
		return "mutating"
	case TierDestructive:
		return "destructive"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// Транспортные мета-поля. Они не являются параметрами upstream-операции
// и вырезаются до сравнения параметров и вызова хендлера.
const (
	ParamConfirmationToken = "_confirmationToken"
	ParamSummary           = "summary"
)

// MetaParams — полный список мета-полей.
var MetaParams = []string{ParamConfirmationToken, ParamSummary}

// ToolInvocation — один вызов инструмента. Создается на каждый вызов, не персистится.
type ToolInvocation struct {
	ToolName          string
	Params            map[string]any
	Summary           bool
	ConfirmationToken string
}

// NewInvocation разбирает сырые аргументы: вынимает мета-поля, остальное копирует в Params.
// Summary по умолчанию включен.
func NewInvocation(toolName string, args map[string]any) ToolInvocation {
	inv := ToolInvocation{
		ToolName: toolName,
		Params:   make(map[string]any, len(args)),
		Summary:  true,
	}
	for k, v := range args {
		switch k {
		case ParamConfirmationToken:
			if s, ok := v.(string); ok {
				inv.ConfirmationToken = s
			}
		case ParamSummary:
			if b, ok := v.(bool); ok {
				inv.Summary = b
			}
		default:
			inv.Params[k] = v
		}
	}
	return inv
}

// StripMeta возвращает копию params без мета-полей.
func StripMeta(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		if isMeta(k) {
			continue
		}
		out[k] = v
	}
	return out
}

func isMeta(key string) bool {
	for _, m := range MetaParams {
		if key == m {
			return true
		}
	}
	return false
}
