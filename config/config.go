// Package config 加载服务配置。
//
// 配置来源与优先级（高到低）：
//  1. 环境变量，前缀 IDBUILDER__，节与键以 "__" 连接
//     （如 IDBUILDER__STORAGE__BACKEND=redis）
//  2. .env 文件（godotenv）
//  3. TOML 配置文件（默认 idbuilder.toml）
package config

import (
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/ceyewan/idbuilder/clog"
	"github.com/ceyewan/idbuilder/connector"
	"github.com/ceyewan/idbuilder/storage/filestore"
	"github.com/ceyewan/idbuilder/xerrors"
)

// Config 服务配置
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       clog.Config     `mapstructure:"log"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Sequence  SequenceConfig  `mapstructure:"sequence"`
	Snowflake SnowflakeConfig `mapstructure:"snowflake"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	Addr           string        `mapstructure:"addr"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AuthConfig 认证配置
type AuthConfig struct {
	// AdminToken 管理面令牌，必填
	AdminToken string `mapstructure:"admin_token"`
	// TokenExpiry 签发 key 令牌时对外公布的有效期
	TokenExpiry time.Duration `mapstructure:"token_expiry"`
}

// StorageConfig 存储后端配置。Backend 取 file | redis | mysql | postgres。
type StorageConfig struct {
	Backend  string              `mapstructure:"backend"`
	File     filestore.Config    `mapstructure:"file"`
	Redis    connector.RedisConfig `mapstructure:"redis"`
	MySQL    connector.SQLConfig `mapstructure:"mysql"`
	Postgres connector.SQLConfig `mapstructure:"postgres"`
}

// SequenceConfig 序列管理器配置
type SequenceConfig struct {
	BatchSize         int     `mapstructure:"batch_size"`
	PrefetchThreshold float64 `mapstructure:"prefetch_threshold"`
}

// SnowflakeConfig 雪花协调器配置
type SnowflakeConfig struct {
	LeaseTTL time.Duration `mapstructure:"lease_ttl"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

func (c *Config) setDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.RequestTimeout <= 0 {
		c.Server.RequestTimeout = 30 * time.Second
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "file"
	}
	if c.Storage.File.Dir == "" {
		c.Storage.File.Dir = "./data"
	}
	if c.Auth.TokenExpiry <= 0 {
		c.Auth.TokenExpiry = 365 * 24 * time.Hour
	}
	if c.Snowflake.LeaseTTL <= 0 {
		c.Snowflake.LeaseTTL = 60 * time.Second
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Auth.AdminToken == "" {
		return xerrors.New("config: auth.admin_token is required")
	}
	switch c.Storage.Backend {
	case "file", "redis", "mysql", "postgres":
	default:
		return xerrors.Wrapf(xerrors.New("config: unknown storage backend"), "backend: %q", c.Storage.Backend)
	}
	return nil
}

// Loader 配置加载器，持有底层 viper 以支持文件变更监听
type Loader struct {
	v *viper.Viper
}

// NewLoader 创建加载器。path 为空时在工作目录与 /etc/idbuilder 查找 idbuilder.toml。
func NewLoader(path string) *Loader {
	v := viper.New()
	v.SetConfigType("toml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("idbuilder")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/idbuilder")
	}

	// 前缀 IDBUILDER_ 经 viper 的 "_" 连接后得到 IDBUILDER__SECTION__KEY
	v.SetEnvPrefix("IDBUILDER_")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))
	v.AutomaticEnv()

	return &Loader{v: v}
}

// Load 读取全部来源并返回配置
func (l *Loader) Load() (*Config, error) {
	// .env 文件先于环境变量读取生效
	_ = godotenv.Load()

	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, xerrors.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, xerrors.Wrap(err, "config: unmarshal")
	}
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Watch 监听配置文件变更。回调拿到重新加载后的配置；
// 加载失败时回调不触发，保持旧配置继续生效。
func (l *Loader) Watch(logger clog.Logger, onChange func(*Config)) {
	l.v.OnConfigChange(func(_ fsnotify.Event) {
		cfg, err := l.Load()
		if err != nil {
			logger.Warn("config reload failed", clog.Error(err))
			return
		}
		onChange(cfg)
	})
	l.v.WatchConfig()
}

// Load 一次性加载配置的便捷入口
func Load(path string) (*Config, error) {
	return NewLoader(path).Load()
}
