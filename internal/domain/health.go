package domain

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Rank — порядок сортировки: critical раньше warning, warning раньше info.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityWarning:
		return 1
	case SeverityInfo:
		return 2
	default:
		return 3
	}
}

type IssueCategory string

const (
	CategorySSL        IssueCategory = "ssl"
	CategoryCapacity   IssueCategory = "capacity"
	CategoryPHPVersion IssueCategory = "php_version"
	CategoryStatus     IssueCategory = "status"
)

// HealthIssue — одна найденная проблема флота. Живет только в рамках вызова.
type HealthIssue struct {
	Severity    Severity      `json:"severity"`
	Category    IssueCategory `json:"category"`
	AccountID   string        `json:"account_id"`
	AccountName string        `json:"account_name"`
	InstallID   string        `json:"install_id,omitempty"`
	InstallName string        `json:"install_name,omitempty"`
	Message     string        `json:"message"`
}
