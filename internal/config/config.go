package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Log        LogConfig        `mapstructure:"log"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Security   SecurityConfig   `mapstructure:"security"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Automation AutomationConfig `mapstructure:"automation"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // postgres, sqlite
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	SQLitePath      string        `mapstructure:"sqlite_path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN 返回 Postgres 连接串
func (d DatabaseConfig) DSN() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=UTC",
		d.Host, d.User, d.Password, d.Name, d.Port, sslMode)
}

// URL 返回 pgx 使用的 postgres:// 形式连接串（River 使用）
func (d DatabaseConfig) URL() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", d.User, d.Password, d.Host, d.Port, d.Name, sslMode)
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // json, text
	Output     string `mapstructure:"output"` // stdout, file, both
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`    // MB
	MaxAge     int    `mapstructure:"max_age"`     // days
	MaxBackups int    `mapstructure:"max_backups"` // number of backup files
	Compress   bool   `mapstructure:"compress"`    // compress backup files
}

type MonitoringConfig struct {
	Enabled      bool               `mapstructure:"enabled"`
	MetricsPath  string             `mapstructure:"metrics_path"`
	HealthChecks HealthChecksConfig `mapstructure:"health_checks"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
}

type HealthChecksConfig struct {
	Database bool `mapstructure:"database"`
	NATS     bool `mapstructure:"nats"`
}

// TracingConfig OpenTelemetry 追踪配置
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`     // OTLP gRPC 端点，例如 http://otel-collector:4317
	Insecure    bool    `mapstructure:"insecure"`     // 是否使用明文（本地/开发）
	SampleRatio float64 `mapstructure:"sample_ratio"` // 采样率 0.0~1.0
	ServiceName string  `mapstructure:"service_name"` // 自定义服务名，缺省使用 "fieldcrm"
}

type SecurityConfig struct {
	CORS         CORSConfig         `mapstructure:"cors"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
}

type CORSConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers"`
}

type RateLimitingConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

// NATSConfig 事件总线配置
type NATSConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	URL           string        `mapstructure:"url"`
	Subject       string        `mapstructure:"subject"`
	QueueGroup    string        `mapstructure:"queue_group"`
	ActionSubject string        `mapstructure:"action_subject"` // 动作委托发布前缀
	Timeout       time.Duration `mapstructure:"timeout"`
}

// AutomationConfig 自动化规则引擎配置
type AutomationConfig struct {
	MaxParallelRules    int               `mapstructure:"max_parallel_rules"`
	EventTimeout        time.Duration     `mapstructure:"event_timeout"`
	RuleRefreshInterval time.Duration     `mapstructure:"rule_refresh_interval"`
	DefaultTimezone     string            `mapstructure:"default_timezone"`
	TenantTimezones     map[string]string `mapstructure:"tenant_timezones"`
	Ledger              LedgerConfig      `mapstructure:"ledger"`
	Scheduler           SchedulerConfig   `mapstructure:"scheduler"`
	Delegates           DelegatesConfig   `mapstructure:"delegates"`
}

type LedgerConfig struct {
	Backend    string `mapstructure:"backend"` // gorm, badger
	BadgerPath string `mapstructure:"badger_path"`
}

type SchedulerConfig struct {
	Backend      string        `mapstructure:"backend"` // poller, river
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	Workers      int           `mapstructure:"workers"`
}

type DelegatesConfig struct {
	Mode           string               `mapstructure:"mode"` // log, http, nats
	HTTP           HTTPDelegatesConfig  `mapstructure:"http"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

// HTTPDelegatesConfig 外部协作服务端点
type HTTPDelegatesConfig struct {
	BaseURL   string            `mapstructure:"base_url"`
	Endpoints map[string]string `mapstructure:"endpoints"` // action type -> path
	Timeout   time.Duration     `mapstructure:"timeout"`
	AuthToken string            `mapstructure:"auth_token"`
}

type CircuitBreakerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	MaxFailures     int           `mapstructure:"max_failures"`
	ResetTimeout    time.Duration `mapstructure:"reset_timeout"`
	HalfOpenMaxReqs int           `mapstructure:"half_open_max_requests"`
}

// SetDefaults 将默认配置注册到 viper，保证未出现在配置文件中的键也能被 Unmarshal
func SetDefaults(v *viper.Viper) {
	d := GetDefaultConfig()
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.host", d.Database.Host)
	v.SetDefault("database.port", d.Database.Port)
	v.SetDefault("database.user", d.Database.User)
	v.SetDefault("database.password", d.Database.Password)
	v.SetDefault("database.name", d.Database.Name)
	v.SetDefault("database.ssl_mode", d.Database.SSLMode)
	v.SetDefault("database.sqlite_path", d.Database.SQLitePath)
	v.SetDefault("database.max_open_conns", d.Database.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", d.Database.MaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", d.Database.ConnMaxLifetime)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.output", d.Log.Output)
	v.SetDefault("log.file_path", d.Log.FilePath)
	v.SetDefault("log.max_size", d.Log.MaxSize)
	v.SetDefault("log.max_age", d.Log.MaxAge)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.compress", d.Log.Compress)
	v.SetDefault("monitoring.enabled", d.Monitoring.Enabled)
	v.SetDefault("monitoring.metrics_path", d.Monitoring.MetricsPath)
	v.SetDefault("monitoring.health_checks.database", d.Monitoring.HealthChecks.Database)
	v.SetDefault("monitoring.health_checks.nats", d.Monitoring.HealthChecks.NATS)
	v.SetDefault("monitoring.tracing.enabled", d.Monitoring.Tracing.Enabled)
	v.SetDefault("monitoring.tracing.endpoint", d.Monitoring.Tracing.Endpoint)
	v.SetDefault("monitoring.tracing.insecure", d.Monitoring.Tracing.Insecure)
	v.SetDefault("monitoring.tracing.sample_ratio", d.Monitoring.Tracing.SampleRatio)
	v.SetDefault("monitoring.tracing.service_name", d.Monitoring.Tracing.ServiceName)
	v.SetDefault("security.cors.enabled", d.Security.CORS.Enabled)
	v.SetDefault("security.cors.allowed_origins", d.Security.CORS.AllowedOrigins)
	v.SetDefault("security.cors.allowed_methods", d.Security.CORS.AllowedMethods)
	v.SetDefault("security.cors.allowed_headers", d.Security.CORS.AllowedHeaders)
	v.SetDefault("security.rate_limiting.enabled", d.Security.RateLimiting.Enabled)
	v.SetDefault("security.rate_limiting.requests_per_minute", d.Security.RateLimiting.RequestsPerMinute)
	v.SetDefault("security.rate_limiting.burst", d.Security.RateLimiting.Burst)
	v.SetDefault("nats.enabled", d.NATS.Enabled)
	v.SetDefault("nats.url", d.NATS.URL)
	v.SetDefault("nats.subject", d.NATS.Subject)
	v.SetDefault("nats.queue_group", d.NATS.QueueGroup)
	v.SetDefault("nats.action_subject", d.NATS.ActionSubject)
	v.SetDefault("nats.timeout", d.NATS.Timeout)
	v.SetDefault("automation.max_parallel_rules", d.Automation.MaxParallelRules)
	v.SetDefault("automation.event_timeout", d.Automation.EventTimeout)
	v.SetDefault("automation.rule_refresh_interval", d.Automation.RuleRefreshInterval)
	v.SetDefault("automation.default_timezone", d.Automation.DefaultTimezone)
	v.SetDefault("automation.ledger.backend", d.Automation.Ledger.Backend)
	v.SetDefault("automation.ledger.badger_path", d.Automation.Ledger.BadgerPath)
	v.SetDefault("automation.scheduler.backend", d.Automation.Scheduler.Backend)
	v.SetDefault("automation.scheduler.poll_interval", d.Automation.Scheduler.PollInterval)
	v.SetDefault("automation.scheduler.batch_size", d.Automation.Scheduler.BatchSize)
	v.SetDefault("automation.scheduler.workers", d.Automation.Scheduler.Workers)
	v.SetDefault("automation.delegates.mode", d.Automation.Delegates.Mode)
	v.SetDefault("automation.delegates.http.base_url", d.Automation.Delegates.HTTP.BaseURL)
	v.SetDefault("automation.delegates.http.endpoints", d.Automation.Delegates.HTTP.Endpoints)
	v.SetDefault("automation.delegates.http.timeout", d.Automation.Delegates.HTTP.Timeout)
	v.SetDefault("automation.delegates.circuit_breaker.enabled", d.Automation.Delegates.CircuitBreaker.Enabled)
	v.SetDefault("automation.delegates.circuit_breaker.max_failures", d.Automation.Delegates.CircuitBreaker.MaxFailures)
	v.SetDefault("automation.delegates.circuit_breaker.reset_timeout", d.Automation.Delegates.CircuitBreaker.ResetTimeout)
	v.SetDefault("automation.delegates.circuit_breaker.half_open_max_requests", d.Automation.Delegates.CircuitBreaker.HalfOpenMaxReqs)
}

// Load 从全局 viper 实例加载配置
func Load() *Config {
	cfg, err := LoadFrom(viper.GetViper())
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadFrom 从指定 viper 实例加载配置
func LoadFrom(v *viper.Viper) (*Config, error) {
	SetDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &config, nil
}

// GetDefaultConfig 返回默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Password:        "password",
			Name:            "fieldcrm",
			SSLMode:         "disable",
			SQLitePath:      "./data/fieldcrm.db",
			MaxOpenConns:    100,
			MaxIdleConns:    10,
			ConnMaxLifetime: 3600 * time.Second,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "both",
			FilePath:   "./logs/fieldcrm.log",
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 3,
			Compress:   true,
		},
		Monitoring: MonitoringConfig{
			Enabled:     true,
			MetricsPath: "/metrics",
			HealthChecks: HealthChecksConfig{
				Database: true,
				NATS:     false,
			},
			Tracing: TracingConfig{
				Enabled:     false,
				Endpoint:    "http://localhost:4317",
				Insecure:    true,
				SampleRatio: 0.1,
				ServiceName: "fieldcrm",
			},
		},
		Security: SecurityConfig{
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE"},
				AllowedHeaders: []string{"*"},
			},
			RateLimiting: RateLimitingConfig{
				Enabled:           true,
				RequestsPerMinute: 600,
				Burst:             100,
			},
		},
		NATS: NATSConfig{
			Enabled:       false,
			URL:           "nats://localhost:4222",
			Subject:       "crm.events.>",
			QueueGroup:    "automation-engine",
			ActionSubject: "crm.actions",
			Timeout:       5 * time.Second,
		},
		Automation: AutomationConfig{
			MaxParallelRules:    8,
			EventTimeout:        30 * time.Second,
			RuleRefreshInterval: time.Minute,
			DefaultTimezone:     "UTC",
			TenantTimezones:     map[string]string{},
			Ledger: LedgerConfig{
				Backend:    "gorm",
				BadgerPath: "./data/ledger",
			},
			Scheduler: SchedulerConfig{
				Backend:      "poller",
				PollInterval: 15 * time.Second,
				BatchSize:    100,
				Workers:      10,
			},
			Delegates: DelegatesConfig{
				Mode: "log",
				HTTP: HTTPDelegatesConfig{
					BaseURL: "http://localhost:9000",
					Endpoints: map[string]string{
						"send_email":   "/internal/email",
						"send_sms":     "/internal/sms",
						"notify":       "/internal/notifications",
						"create_task":  "/internal/tasks",
						"update_field": "/internal/fields",
					},
					Timeout: 10 * time.Second,
				},
				CircuitBreaker: CircuitBreakerConfig{
					Enabled:         true,
					MaxFailures:     5,
					ResetTimeout:    60 * time.Second,
					HalfOpenMaxReqs: 3,
				},
			},
		},
	}
}
