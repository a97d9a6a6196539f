// Package format 实现模板化字符串 ID 的渲染管线。
//
// 模板由有序的片段组成，除 auto_increment 外都是 (now, n) 的纯函数。
// auto_increment 的计数来自序列管理器，使用派生 key（"fmt:<key>"），
// 并按 reset_scope 以 witness 为条件在作用域切换时归位。
package format

import (
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/ceyewan/idbuilder/idspec"
	"github.com/ceyewan/idbuilder/xerrors"
)

// DerivedKeyPrefix 模板计数器在存储中的派生 key 前缀
const DerivedKeyPrefix = "fmt:"

// DerivedKey 返回模板计数器的存储 key
func DerivedKey(key string) string {
	return DerivedKeyPrefix + key
}

// Renderer 编译后的模板
type Renderer struct {
	parts []idspec.Part
	auto  *idspec.Part
	// loc 用于计算 witness 的时区，取第一个设置了 tz 的 date_format 片段的 tz，默认 UTC
	loc *time.Location
}

// New 编译模板配置。配置必须已通过 Validate。
func New(cfg *idspec.FormattedConfig) (*Renderer, error) {
	r := &Renderer{
		parts: cfg.Parts,
		auto:  cfg.AutoIncrementPart(),
		loc:   time.UTC,
	}
	if r.auto == nil {
		return nil, xerrors.New("format: auto_increment part missing")
	}

	for i := range cfg.Parts {
		p := &cfg.Parts[i]
		if p.Type == idspec.PartDateFormat && p.TZ != "" {
			loc, err := time.LoadLocation(p.TZ)
			if err != nil {
				return nil, xerrors.Wrapf(err, "format: load tz %q", p.TZ)
			}
			r.loc = loc
			break
		}
	}
	return r, nil
}

// ResetScope 模板的计数器重置粒度
func (r *Renderer) ResetScope() string {
	if r.auto.ResetScope == "" {
		return idspec.ResetNone
	}
	return r.auto.ResetScope
}

// Witness 计算当前时刻的作用域标记。
// year → "YYYY"，month → "YYYY-MM"，date → "YYYY-MM-DD"，none → ""。
func (r *Renderer) Witness(now time.Time) string {
	t := now.In(r.loc)
	switch r.ResetScope() {
	case idspec.ResetYear:
		return t.Format("2006")
	case idspec.ResetMonth:
		return t.Format("2006-01")
	case idspec.ResetDate:
		return t.Format("2006-01-02")
	default:
		return ""
	}
}

// Render 把一个计数值渲染为完整的 ID 字符串
func (r *Renderer) Render(n int64, now time.Time, rng *rand.Rand) string {
	var b strings.Builder
	for i := range r.parts {
		p := &r.parts[i]
		switch p.Type {
		case idspec.PartFixedChars:
			b.WriteString(p.Value)
		case idspec.PartFixedPollingChar:
			chars := []rune(p.Chars)
			idx := n % int64(len(chars))
			if idx < 0 {
				idx += int64(len(chars))
			}
			b.WriteRune(chars[idx])
		case idspec.PartFixedRandomChars:
			chars := []rune(p.Chars)
			for j := 0; j < p.Length; j++ {
				b.WriteRune(chars[rng.Intn(len(chars))])
			}
		case idspec.PartDateFormat:
			loc := time.UTC
			if p.TZ != "" {
				if l, err := time.LoadLocation(p.TZ); err == nil {
					loc = l
				}
			}
			b.WriteString(formatDate(p.Pattern, now.In(loc)))
		case idspec.PartTimestamp:
			b.WriteString(strconv.FormatInt(now.UnixMilli()-p.BaseTS, 10))
		case idspec.PartUnixSeconds:
			b.WriteString(strconv.FormatInt(now.Unix()-p.Base, 10))
		case idspec.PartAutoIncrement:
			b.WriteString(renderCounter(p, n))
		}
	}
	return b.String()
}

// renderCounter 按进制渲染计数值并做定宽填充
func renderCounter(p *idspec.Part, n int64) string {
	base := p.NumberBase
	if base == 0 {
		base = 10
	}
	s := strconv.FormatInt(n, base)

	if len(s) >= p.Length {
		// length_fixed=false 时宽度自然增长；true 时也不截断，由容量规划保证
		return s
	}
	if !p.LengthFixed {
		return s
	}

	pad := p.PaddingChar
	if pad == "" {
		pad = "0"
	}
	fill := strings.Repeat(pad, p.Length-len(s))
	if p.PaddingMode == idspec.PaddingSuffix {
		return s + fill
	}
	return fill + s
}

// formatDate 按模式字母渲染时间。
// 支持 yyyy yy MM dd HH mm ss，未知字母原样输出。
func formatDate(pattern string, t time.Time) string {
	var b strings.Builder
	i := 0
	for i < len(pattern) {
		c := pattern[i]
		j := i
		for j < len(pattern) && pattern[j] == c {
			j++
		}
		run := j - i

		switch {
		case c == 'y' && run >= 4:
			b.WriteString(t.Format("2006"))
		case c == 'y' && run >= 2:
			b.WriteString(t.Format("06"))
		case c == 'M' && run >= 2:
			b.WriteString(t.Format("01"))
		case c == 'd' && run >= 2:
			b.WriteString(t.Format("02"))
		case c == 'H' && run >= 2:
			b.WriteString(t.Format("15"))
		case c == 'm' && run >= 2:
			b.WriteString(t.Format("04"))
		case c == 's' && run >= 2:
			b.WriteString(t.Format("05"))
		default:
			b.WriteString(pattern[i:j])
		}
		i = j
	}
	return b.String()
}
