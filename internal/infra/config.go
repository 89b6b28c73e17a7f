package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации шлюза.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Upstream     UpstreamConfig     `mapstructure:"upstream"`
	Safety       SafetyConfig       `mapstructure:"safety"`
	Fanout       FanoutConfig       `mapstructure:"fanout"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Audit        AuditConfig        `mapstructure:"audit"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Logger       LoggerConfig       `mapstructure:"logger"`
}

// ServerConfig описывает настройки HTTP-сервера (режим serve).
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port" validate:"min=1,max=65535"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// UpstreamConfig — CAPI и устойчивость клиента к нему.
type UpstreamConfig struct {
	BaseURL        string        `mapstructure:"base_url" validate:"required,url"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	Token          string        `mapstructure:"token"`
	MaxAttempts    int           `mapstructure:"max_attempts" validate:"min=1,max=10"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	PageSize       int           `mapstructure:"page_size" validate:"min=1,max=1000"`
	Timeout        time.Duration `mapstructure:"timeout"`

	// Клиентский лимит запросов в секунду, 0 — без лимита
	RateLimit float64 `mapstructure:"rate_limit" validate:"min=0"`
	RateBurst int     `mapstructure:"rate_burst" validate:"min=0"`

	// Настройки Circuit Breaker
	CBMaxRequests      uint32        `mapstructure:"cb_max_requests"`
	CBInterval         time.Duration `mapstructure:"cb_interval"`
	CBTimeout          time.Duration `mapstructure:"cb_timeout"`
	CBFailureThreshold uint32        `mapstructure:"cb_failure_threshold"`
}

type SafetyConfig struct {
	ConfirmationTTL time.Duration `mapstructure:"confirmation_ttl"`
	DisabledTools   []string      `mapstructure:"disabled_tools"`
}

type FanoutConfig struct {
	MaxConcurrency int `mapstructure:"max_concurrency" validate:"min=1,max=64"`
}

type OrchestratorConfig struct {
	SSLLookahead time.Duration `mapstructure:"ssl_lookahead"`
}

// Куда пишется журнал аудита
const (
	AuditSinkFile     = "file"
	AuditSinkPostgres = "postgres"
	AuditSinkRedis    = "redis"
	AuditSinkNone     = "none"
)

type AuditConfig struct {
	Sink          string        `mapstructure:"sink" validate:"oneof=file postgres redis none"`
	Path          string        `mapstructure:"path" validate:"required_if=Sink file"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	DatabaseURL   string        `mapstructure:"database_url" validate:"required_if=Sink postgres"`
	RedisAddr     string        `mapstructure:"redis_addr" validate:"required_if=Sink redis"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	RedisKey      string        `mapstructure:"redis_key"`
	RedisInstance string        `mapstructure:"redis_instance"`
}

// RedisListKey — явный redis_key либо список инстанса в пространстве шлюза.
func (c AuditConfig) RedisListKey() string {
	if c.RedisKey != "" {
		return c.RedisKey
	}
	return AuditListKey(c.RedisInstance)
}

// AuthConfig — проверка JWT на HTTP API. Пустой ключ выключает проверку.
type AuthConfig struct {
	PublicKeyPath string        `mapstructure:"public_key_path"`
	PublicKey     []byte        `mapstructure:"-"`
	Issuer        string        `mapstructure:"issuer"`
	Audience      string        `mapstructure:"audience"`
	Leeway        time.Duration `mapstructure:"leeway"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
// path — явный путь к файлу, пустая строка включает поиск config.yaml.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")    // имя файла без расширения
		v.SetConfigType("yaml")      // формат
		v.AddConfigPath(".")         // ищем в корне
		v.AddConfigPath("./configs") // и в папке с конфигами
	}

	// 2. Настройка переменных окружения (ENV)
	// Позволяет перекрывать конфиг: SERVER_PORT=9000 перекроет server.port
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Учетные данные CAPI живут под устоявшимися именами переменных
	_ = v.BindEnv("upstream.username", "WP_ENGINE_API_USERNAME")
	_ = v.BindEnv("upstream.password", "WP_ENGINE_API_PASSWORD")
	_ = v.BindEnv("upstream.token", "WP_ENGINE_API_TOKEN")
	_ = v.BindEnv("audit.path", "CAPI_AUDIT_LOG", "AUDIT_PATH")

	// 3. Установка дефолтных значений
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет — работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// 6. Ключ JWT из ENV или из файла
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate проверяет значения по тегам validate.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 120*time.Second)

	v.SetDefault("upstream.base_url", "https://api.wpengineapi.com/v1")
	v.SetDefault("upstream.max_attempts", 3)
	v.SetDefault("upstream.retry_base_delay", 500*time.Millisecond)
	v.SetDefault("upstream.page_size", 100)
	v.SetDefault("upstream.timeout", 30*time.Second)
	v.SetDefault("upstream.rate_limit", 0)
	v.SetDefault("upstream.rate_burst", 10)
	v.SetDefault("upstream.cb_max_requests", 3)
	v.SetDefault("upstream.cb_interval", 5*time.Second)
	v.SetDefault("upstream.cb_timeout", 30*time.Second)
	v.SetDefault("upstream.cb_failure_threshold", 5)

	v.SetDefault("safety.confirmation_ttl", 5*time.Minute)
	v.SetDefault("fanout.max_concurrency", 5)
	v.SetDefault("orchestrator.ssl_lookahead", 30*24*time.Hour)

	v.SetDefault("audit.sink", AuditSinkFile)
	v.SetDefault("audit.path", defaultAuditPath())
	v.SetDefault("audit.flush_interval", 2*time.Second)
	v.SetDefault("audit.redis_key", "")
	v.SetDefault("audit.redis_instance", "")

	v.SetDefault("auth.leeway", 30*time.Second)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}

func defaultAuditPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "capigw-audit.ndjson"
	}
	return home + "/.capigw/audit.ndjson"
}

// loadKeyResource — ключ из ENV (PEM целиком) или из файла по пути из конфига
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
