package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных шлюза в Redis
	RedisNamespace = "capigw"
)

// Ключи для Lists (журналы)
const (
	RedisKeyAuditLog = RedisNamespace + ":audit:log"
)

// AuditListKey — ключ журнала аудита для отдельного инстанса (если нужен свой список).
func AuditListKey(instance string) string {
	if instance == "" {
		return RedisKeyAuditLog
	}
	return fmt.Sprintf("%s:audit:log:%s", RedisNamespace, instance)
}
