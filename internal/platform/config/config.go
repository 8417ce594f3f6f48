package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config はアプリケーション全体の設定を表現します。
type Config struct {
	Server           ServerConfig           `yaml:"server"`
	Database         DatabaseConfig         `yaml:"database"`
	IdentityProvider IdentityProviderConfig `yaml:"identity_provider"`
	Verification     VerificationConfig     `yaml:"verification"`
	RabbitMQ         RabbitMQConfig         `yaml:"rabbitmq"`
	Mail             MailConfig             `yaml:"mail"`
	Auth             AuthConfig             `yaml:"auth"`
	Metrics          MetricsConfig          `yaml:"metrics"`
	Log              LogConfig              `yaml:"log"`
	Provisioning     ProvisioningConfig     `yaml:"provisioning"`
}

// ServerConfig は gRPC サーバーに関する設定です。
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// DatabaseConfig は PostgreSQL 接続に関する設定です。
type DatabaseConfig struct {
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	User               string        `yaml:"user"`
	Password           string        `yaml:"password"`
	Name               string        `yaml:"name"`
	SSLMode            string        `yaml:"ssl_mode"`
	MaxOpenConns       int           `yaml:"max_open_conns"`
	MaxIdleConns       int           `yaml:"max_idle_conns"`
	ConnMaxLifetime    time.Duration `yaml:"-"`
	ConnMaxIdleTime    time.Duration `yaml:"-"`
	ConnMaxLifetimeRaw string        `yaml:"conn_max_lifetime"`
	ConnMaxIdleTimeRaw string        `yaml:"conn_max_idle_time"`
	// ApplicationName は pg_stat_activity に表示される接続名です。
	ApplicationName     string        `yaml:"application_name"`
	StatementTimeout    time.Duration `yaml:"-"`
	StatementTimeoutRaw string        `yaml:"statement_timeout"`
	// ConnectAttempts は起動時の疎通確認の試行回数です。
	ConnectAttempts int `yaml:"connect_attempts"`
}

// IdentityProviderConfig は Keycloak 管理 API に関する設定です。
type IdentityProviderConfig struct {
	BaseURL           string        `yaml:"base_url"`
	Realm             string        `yaml:"realm"`
	AdminRealm        string        `yaml:"admin_realm"`
	AdminClientID     string        `yaml:"admin_client_id"`
	AdminUsername     string        `yaml:"admin_username"`
	AdminPassword     string        `yaml:"admin_password"`
	TemporaryPassword string        `yaml:"temporary_password"`
	Timeout           time.Duration `yaml:"-"`
	TimeoutRaw        string        `yaml:"timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryBackoff      time.Duration `yaml:"-"`
	RetryBackoffRaw   string        `yaml:"retry_backoff"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	CacheAdminToken   bool          `yaml:"cache_admin_token"`
}

// VerificationConfig はメールアドレス確認トークン発行サービスに関する設定です。
type VerificationConfig struct {
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	LinkBase   string        `yaml:"link_base"`
	Timeout    time.Duration `yaml:"-"`
	TimeoutRaw string        `yaml:"timeout"`
}

// RabbitMQConfig はメール配送キューに関する設定です。URL が空の場合はログ出力のみ行います。
type RabbitMQConfig struct {
	URL   string `yaml:"url"`
	Queue string `yaml:"queue"`
}

// MailConfig はメール文面に関する設定です。
type MailConfig struct {
	From          string `yaml:"from"`
	DefaultLocale string `yaml:"default_locale"`
}

// AuthConfig は操作者認証に関する設定です。
type AuthConfig struct {
	Enabled       bool   `yaml:"enabled"`
	PublicKeyPath string `yaml:"public_key_path"`
	Issuer        string `yaml:"issuer"`
	ClientID      string `yaml:"client_id"`
	RequiredRole  string `yaml:"required_role"`
}

// MetricsConfig は Prometheus エンドポイントに関する設定です。ListenAddr が空なら公開しません。
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	Path       string `yaml:"path"`
}

// LogConfig はロガーの設定です。
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ProvisioningConfig はプロビジョニングフローの設定です。
type ProvisioningConfig struct {
	DefaultClientAlias     string        `yaml:"default_client_alias"`
	DefaultRoleName        string        `yaml:"default_role_name"`
	CompensationTimeout    time.Duration `yaml:"-"`
	CompensationTimeoutRaw string        `yaml:"compensation_timeout"`
}

// Load は指定されたパスから設定ファイルを読み込みます。${VAR} 形式の参照は環境変数で展開されます。
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(b))), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	if err := cfg.validateAndNormalize(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LoadDatabase は database セクションのみを読み込み検証します。マイグレーションなど DB だけを扱うツール向けです。
func LoadDatabase(path string) (*DatabaseConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file %s: %w", path, err)
	}

	var cfg struct {
		Database DatabaseConfig `yaml:"database"`
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(b))), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	if err := cfg.Database.validateAndNormalize(); err != nil {
		return nil, err
	}

	return &cfg.Database, nil
}

func (c *Config) validateAndNormalize() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("config: server.listen_addr must be set")
	}

	validators := []func() error{
		c.Database.validateAndNormalize,
		c.IdentityProvider.validateAndNormalize,
		c.Verification.validateAndNormalize,
		c.RabbitMQ.validateAndNormalize,
		c.Mail.validateAndNormalize,
		c.Auth.validateAndNormalize,
		c.Metrics.validateAndNormalize,
		c.Log.validateAndNormalize,
		c.Provisioning.validateAndNormalize,
	}
	for _, validate := range validators {
		if err := validate(); err != nil {
			return err
		}
	}

	return nil
}

func (d *DatabaseConfig) validateAndNormalize() error {
	if d.Host == "" {
		return fmt.Errorf("config: database.host must be set")
	}
	if d.Port == 0 {
		return fmt.Errorf("config: database.port must be set")
	}
	if d.User == "" {
		return fmt.Errorf("config: database.user must be set")
	}
	if d.Password == "" {
		return fmt.Errorf("config: database.password must be set")
	}
	if d.Name == "" {
		return fmt.Errorf("config: database.name must be set")
	}
	if d.SSLMode == "" {
		d.SSLMode = "disable"
	}

	lifetime, err := parseDurationAllowEmpty(d.ConnMaxLifetimeRaw)
	if err != nil {
		return fmt.Errorf("config: database.conn_max_lifetime: %w", err)
	}
	d.ConnMaxLifetime = lifetime

	idleTime, err := parseDurationAllowEmpty(d.ConnMaxIdleTimeRaw)
	if err != nil {
		return fmt.Errorf("config: database.conn_max_idle_time: %w", err)
	}
	d.ConnMaxIdleTime = idleTime

	statementTimeout, err := parseDurationAllowEmpty(d.StatementTimeoutRaw)
	if err != nil {
		return fmt.Errorf("config: database.statement_timeout: %w", err)
	}
	d.StatementTimeout = statementTimeout

	if d.ApplicationName == "" {
		d.ApplicationName = "staff-provisioning"
	}
	if d.ConnectAttempts < 0 {
		return fmt.Errorf("config: database.connect_attempts must not be negative")
	}
	if d.ConnectAttempts == 0 {
		d.ConnectAttempts = 1
	}

	return nil
}

const maxIdentityProviderRetries = 10

func (i *IdentityProviderConfig) validateAndNormalize() error {
	if err := requireURL("identity_provider.base_url", i.BaseURL); err != nil {
		return err
	}
	i.BaseURL = strings.TrimRight(i.BaseURL, "/")
	if i.AdminUsername == "" {
		return fmt.Errorf("config: identity_provider.admin_username must be set")
	}
	if i.AdminPassword == "" {
		return fmt.Errorf("config: identity_provider.admin_password must be set")
	}
	if i.TemporaryPassword == "" {
		return fmt.Errorf("config: identity_provider.temporary_password must be set")
	}
	if i.Realm == "" {
		i.Realm = "sandbox"
	}
	if i.AdminRealm == "" {
		i.AdminRealm = "master"
	}
	if i.AdminClientID == "" {
		i.AdminClientID = "admin-cli"
	}
	if i.MaxRetries < 0 || i.MaxRetries > maxIdentityProviderRetries {
		return fmt.Errorf("config: identity_provider.max_retries must be between 0 and %d", maxIdentityProviderRetries)
	}
	if i.RequestsPerSecond < 0 {
		return fmt.Errorf("config: identity_provider.requests_per_second must not be negative")
	}
	if i.RequestsPerSecond > 0 && i.Burst <= 0 {
		i.Burst = 1
	}

	timeout, err := parseDurationWithDefault(i.TimeoutRaw, 10*time.Second)
	if err != nil {
		return fmt.Errorf("config: identity_provider.timeout: %w", err)
	}
	i.Timeout = timeout

	backoff, err := parseDurationWithDefault(i.RetryBackoffRaw, 200*time.Millisecond)
	if err != nil {
		return fmt.Errorf("config: identity_provider.retry_backoff: %w", err)
	}
	i.RetryBackoff = backoff

	return nil
}

func (v *VerificationConfig) validateAndNormalize() error {
	if err := requireURL("verification.base_url", v.BaseURL); err != nil {
		return err
	}
	v.BaseURL = strings.TrimRight(v.BaseURL, "/")
	if v.APIKey == "" {
		return fmt.Errorf("config: verification.api_key must be set")
	}
	if v.LinkBase == "" {
		v.LinkBase = "http://localhost:8081/api/auth/verify-email"
	}
	if err := requireURL("verification.link_base", v.LinkBase); err != nil {
		return err
	}

	timeout, err := parseDurationWithDefault(v.TimeoutRaw, 5*time.Second)
	if err != nil {
		return fmt.Errorf("config: verification.timeout: %w", err)
	}
	v.Timeout = timeout

	return nil
}

func (r *RabbitMQConfig) validateAndNormalize() error {
	if r.Queue == "" {
		r.Queue = "mail.outbound"
	}
	return nil
}

func (m *MailConfig) validateAndNormalize() error {
	if m.From == "" {
		m.From = "no-reply@localhost"
	}
	if m.DefaultLocale == "" {
		m.DefaultLocale = "en"
	}
	return nil
}

func (a *AuthConfig) validateAndNormalize() error {
	if !a.Enabled {
		return nil
	}
	if a.PublicKeyPath == "" {
		return fmt.Errorf("config: auth.public_key_path must be set when auth is enabled")
	}
	if a.RequiredRole != "" && a.ClientID == "" {
		return fmt.Errorf("config: auth.client_id must be set when auth.required_role is set")
	}
	return nil
}

func (m *MetricsConfig) validateAndNormalize() error {
	if m.Path == "" {
		m.Path = "/metrics"
	}
	if !strings.HasPrefix(m.Path, "/") {
		return fmt.Errorf("config: metrics.path must start with /")
	}
	return nil
}

func (l *LogConfig) validateAndNormalize() error {
	if l.Level == "" {
		l.Level = "info"
	}
	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "error":
		l.Level = strings.ToLower(l.Level)
	default:
		return fmt.Errorf("config: log.level %q is not supported", l.Level)
	}

	if l.Format == "" {
		l.Format = "json"
	}
	if l.Format != "json" && l.Format != "text" {
		return fmt.Errorf("config: log.format %q is not supported", l.Format)
	}
	return nil
}

func (p *ProvisioningConfig) validateAndNormalize() error {
	if p.DefaultClientAlias == "" {
		p.DefaultClientAlias = "sandbox"
	}
	if p.DefaultRoleName == "" {
		p.DefaultRoleName = "ROLE_USER"
	}

	timeout, err := parseDurationWithDefault(p.CompensationTimeoutRaw, 10*time.Second)
	if err != nil {
		return fmt.Errorf("config: provisioning.compensation_timeout: %w", err)
	}
	p.CompensationTimeout = timeout

	return nil
}

func requireURL(field, raw string) error {
	if raw == "" {
		return fmt.Errorf("config: %s must be set", field)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config: %s must be an absolute URL", field)
	}
	return nil
}

func parseDurationAllowEmpty(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	return d, nil
}

func parseDurationWithDefault(raw string, def time.Duration) (time.Duration, error) {
	d, err := parseDurationAllowEmpty(raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// DSN は pgx 用の接続文字列を返します。
func (d DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     d.Host + ":" + strconv.Itoa(d.Port),
		Path:     "/" + d.Name,
		RawQuery: "sslmode=" + url.QueryEscape(d.SSLMode),
	}
	return u.String()
}
