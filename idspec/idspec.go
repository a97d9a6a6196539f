// Package idspec 定义三类 ID 生成器的配置模型与校验规则。
//
// 配置以 JSON 形式持久化到存储后端，(key) 在全部类型之间共享一个命名空间。
package idspec

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/ceyewan/idbuilder/xerrors"
)

// IDType ID 生成策略类型
type IDType string

const (
	TypeIncrement IDType = "increment"
	TypeSnowflake IDType = "snowflake"
	TypeFormatted IDType = "formatted"
)

var (
	// ErrInvalidKey key 名称不合法
	ErrInvalidKey = xerrors.New("idspec: invalid key name")
	// ErrInvalidConfig 配置字段不合法
	ErrInvalidConfig = xerrors.New("idspec: invalid config")
)

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_\-]{1,255}$`)

// ValidateKey 校验 key 名称。
// 以 "__" 开头或结尾的名称保留给内部派生 key 使用。
func ValidateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return xerrors.Wrapf(ErrInvalidKey, "key: %q", key)
	}
	if strings.HasPrefix(key, "__") || strings.HasSuffix(key, "__") {
		return xerrors.Wrapf(ErrInvalidKey, "key is reserved: %q", key)
	}
	return nil
}

// Config 是按 id_type 区分的配置联合体。
// 持久化时仅序列化与类型匹配的分支。
type Config struct {
	Key    string `json:"key"`
	IDType IDType `json:"id_type"`

	Increment *IncrementConfig `json:"increment,omitempty"`
	Snowflake *SnowflakeConfig `json:"snowflake,omitempty"`
	Formatted *FormattedConfig `json:"formatted,omitempty"`
}

// IncrementConfig 自增 ID 配置
type IncrementConfig struct {
	// Base 首个发出的值
	Base int64 `json:"base"`
	// Delta 默认步长
	Delta int64 `json:"delta"`
	// MaxRequestDelta 单次请求允许的最大步长
	MaxRequestDelta int64 `json:"max_request_delta"`
	// RandDelta 是否启用随机步长
	RandDelta bool `json:"rand_delta"`
}

// SnowflakeConfig 雪花 ID 位布局配置。
// 服务端只负责租约 worker_id，位运算由客户端完成。
type SnowflakeConfig struct {
	SkipSize     uint8 `json:"skip_size"`
	BaseTS       int64 `json:"base_ts"`
	TSSize       uint8 `json:"ts_size"`
	WorkerIDSize uint8 `json:"worker_id_size"`
	SeqSize      uint8 `json:"seq_size"`
}

// FormattedConfig 模板化字符串 ID 配置
type FormattedConfig struct {
	Parts []Part `json:"parts"`
}

// Part 类型常量
const (
	PartFixedChars       = "fixed_chars"
	PartFixedPollingChar = "fixed_polling_char"
	PartFixedRandomChars = "fixed_random_chars"
	PartDateFormat       = "date_format"
	PartTimestamp        = "timestamp"
	PartUnixSeconds      = "unix_seconds"
	PartAutoIncrement    = "auto_increment"
)

// 填充方向
const (
	PaddingPrefix = "prefix"
	PaddingSuffix = "suffix"
)

// 计数器重置粒度
const (
	ResetNone  = "none"
	ResetYear  = "year"
	ResetMonth = "month"
	ResetDate  = "date"
)

// Part 模板片段。Type 决定生效的字段子集。
type Part struct {
	Type string `json:"type"`

	// FixedChars
	Value string `json:"value,omitempty"`

	// FixedPollingChar / FixedRandomChars 的字符池
	Chars string `json:"chars,omitempty"`

	// FixedRandomChars / AutoIncrement 的长度
	Length int `json:"length,omitempty"`

	// DateFormat
	Pattern string `json:"pattern,omitempty"`
	TZ      string `json:"tz,omitempty"`

	// Timestamp 的毫秒基准 / UnixSeconds 的秒基准
	BaseTS int64 `json:"base_ts,omitempty"`
	Base   int64 `json:"base,omitempty"`

	// AutoIncrement
	LengthFixed bool   `json:"length_fixed,omitempty"`
	PaddingMode string `json:"padding_mode,omitempty"`
	PaddingChar string `json:"padding_char,omitempty"`
	NumberBase  int    `json:"number_base,omitempty"`
	ResetScope  string `json:"reset_scope,omitempty"`
}

// Validate 校验整个配置。管理面写入前必须调用。
func (c *Config) Validate() error {
	if err := ValidateKey(c.Key); err != nil {
		return err
	}

	switch c.IDType {
	case TypeIncrement:
		if c.Increment == nil {
			return xerrors.Wrap(ErrInvalidConfig, "increment config missing")
		}
		return c.Increment.Validate()
	case TypeSnowflake:
		if c.Snowflake == nil {
			return xerrors.Wrap(ErrInvalidConfig, "snowflake config missing")
		}
		return c.Snowflake.Validate()
	case TypeFormatted:
		if c.Formatted == nil {
			return xerrors.Wrap(ErrInvalidConfig, "formatted config missing")
		}
		return c.Formatted.Validate()
	default:
		return xerrors.Wrapf(ErrInvalidConfig, "unknown id_type: %q", c.IDType)
	}
}

// Validate 校验自增配置
func (c *IncrementConfig) Validate() error {
	if c.Delta < 1 {
		return xerrors.Wrap(ErrInvalidConfig, "delta must be >= 1")
	}
	if c.MaxRequestDelta < 1 {
		return xerrors.Wrap(ErrInvalidConfig, "max_request_delta must be >= 1")
	}
	return nil
}

// Validate 校验雪花配置。各段位宽至少 1，总和不超过 64。
func (c *SnowflakeConfig) Validate() error {
	if c.SkipSize < 1 || c.TSSize < 1 || c.WorkerIDSize < 1 || c.SeqSize < 1 {
		return xerrors.Wrap(ErrInvalidConfig, "all bit sizes must be >= 1")
	}
	total := uint16(c.SkipSize) + uint16(c.TSSize) + uint16(c.WorkerIDSize) + uint16(c.SeqSize)
	if total > 64 {
		return xerrors.Wrapf(ErrInvalidConfig, "bit sizes sum to %d, must be <= 64", total)
	}
	if c.BaseTS < 0 {
		return xerrors.Wrap(ErrInvalidConfig, "base_ts must be >= 0")
	}
	return nil
}

// WorkerPoolSize worker_id 池容量 2^worker_id_size
func (c *SnowflakeConfig) WorkerPoolSize() int64 {
	return int64(1) << c.WorkerIDSize
}

// Validate 校验模板配置。必须恰好包含一个 auto_increment 片段。
func (c *FormattedConfig) Validate() error {
	if len(c.Parts) == 0 {
		return xerrors.Wrap(ErrInvalidConfig, "parts cannot be empty")
	}

	autoIncr := 0
	for i := range c.Parts {
		p := &c.Parts[i]
		if err := p.validate(); err != nil {
			return err
		}
		if p.Type == PartAutoIncrement {
			autoIncr++
		}
	}
	if autoIncr != 1 {
		return xerrors.Wrapf(ErrInvalidConfig, "exactly one auto_increment part required, got %d", autoIncr)
	}
	return nil
}

// AutoIncrementPart 返回配置中唯一的 auto_increment 片段。
// 仅在 Validate 通过后调用。
func (c *FormattedConfig) AutoIncrementPart() *Part {
	for i := range c.Parts {
		if c.Parts[i].Type == PartAutoIncrement {
			return &c.Parts[i]
		}
	}
	return nil
}

func (p *Part) validate() error {
	switch p.Type {
	case PartFixedChars:
		if p.Value == "" {
			return xerrors.Wrap(ErrInvalidConfig, "fixed_chars: value cannot be empty")
		}
	case PartFixedPollingChar:
		if p.Chars == "" {
			return xerrors.Wrap(ErrInvalidConfig, "fixed_polling_char: chars cannot be empty")
		}
	case PartFixedRandomChars:
		if p.Chars == "" {
			return xerrors.Wrap(ErrInvalidConfig, "fixed_random_chars: chars cannot be empty")
		}
		if p.Length < 1 {
			return xerrors.Wrap(ErrInvalidConfig, "fixed_random_chars: length must be >= 1")
		}
	case PartDateFormat:
		if p.Pattern == "" {
			return xerrors.Wrap(ErrInvalidConfig, "date_format: pattern cannot be empty")
		}
		if p.TZ != "" {
			if _, err := time.LoadLocation(p.TZ); err != nil {
				return xerrors.Wrapf(ErrInvalidConfig, "date_format: unknown tz %q", p.TZ)
			}
		}
	case PartTimestamp, PartUnixSeconds:
		// base 可为任意非负值
		if p.BaseTS < 0 || p.Base < 0 {
			return xerrors.Wrap(ErrInvalidConfig, "timestamp base must be >= 0")
		}
	case PartAutoIncrement:
		if p.Length < 1 {
			return xerrors.Wrap(ErrInvalidConfig, "auto_increment: length must be >= 1")
		}
		if p.NumberBase != 0 && (p.NumberBase < 2 || p.NumberBase > 36) {
			return xerrors.Wrap(ErrInvalidConfig, "auto_increment: number_base must be in [2,36]")
		}
		switch p.PaddingMode {
		case "", PaddingPrefix, PaddingSuffix:
		default:
			return xerrors.Wrapf(ErrInvalidConfig, "auto_increment: bad padding_mode %q", p.PaddingMode)
		}
		switch p.ResetScope {
		case "", ResetNone, ResetYear, ResetMonth, ResetDate:
		default:
			return xerrors.Wrapf(ErrInvalidConfig, "auto_increment: bad reset_scope %q", p.ResetScope)
		}
		if len(p.PaddingChar) > 1 {
			return xerrors.Wrap(ErrInvalidConfig, "auto_increment: padding_char must be a single character")
		}
	default:
		return xerrors.Wrapf(ErrInvalidConfig, "unknown part type: %q", p.Type)
	}
	return nil
}

// Marshal 将配置序列化为持久化用的 JSON
func (c *Config) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// Unmarshal 从持久化 JSON 反序列化配置
func Unmarshal(data []byte) (*Config, error) {
	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, xerrors.Wrap(err, "idspec: unmarshal config")
	}
	return &c, nil
}
