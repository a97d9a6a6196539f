package service

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/ceyewan/idbuilder/clog"
	"github.com/ceyewan/idbuilder/format"
	"github.com/ceyewan/idbuilder/idspec"
	"github.com/ceyewan/idbuilder/sequence"
	"github.com/ceyewan/idbuilder/storage"
	"github.com/ceyewan/idbuilder/xerrors"
)

// FormattedService 模板化字符串 ID 服务。
// 计数器挂在派生 key（fmt:<key>）上，与客户端命名空间隔离。
type FormattedService struct {
	store  storage.Store
	seq    *sequence.Manager
	logger clog.Logger

	mu        sync.RWMutex
	renderers map[string]*compiledRenderer
}

type compiledRenderer struct {
	renderer *format.Renderer
	cfg      *idspec.FormattedConfig
}

// NewFormatted 创建模板 ID 服务
func NewFormatted(store storage.Store, seq *sequence.Manager, logger clog.Logger) *FormattedService {
	if logger == nil {
		logger = clog.Discard()
	}
	return &FormattedService{
		store:     store,
		seq:       seq,
		logger:    logger.With(clog.String("service", "formatted")),
		renderers: make(map[string]*compiledRenderer),
	}
}

// renderer 取出或编译 key 的渲染器。
// 配置可能被管理面更新，这里逐项比较模板片段做廉价的缓存失效。
func (s *FormattedService) renderer(ctx context.Context, key string) (*format.Renderer, *idspec.FormattedConfig, error) {
	cfg, err := s.store.GetConfig(ctx, key)
	if err != nil {
		if xerrors.Is(err, storage.ErrNotFound) {
			return nil, nil, xerrors.Wrapf(ErrConfigNotFound, "key: %s", key)
		}
		return nil, nil, err
	}
	if cfg.IDType != idspec.TypeFormatted || cfg.Formatted == nil {
		return nil, nil, xerrors.Wrapf(ErrTypeMismatch, "key %s is %s", key, cfg.IDType)
	}

	s.mu.RLock()
	cached, ok := s.renderers[key]
	s.mu.RUnlock()
	if ok && sameParts(cached.cfg, cfg.Formatted) {
		return cached.renderer, cached.cfg, nil
	}

	r, err := format.New(cfg.Formatted)
	if err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	s.renderers[key] = &compiledRenderer{renderer: r, cfg: cfg.Formatted}
	s.mu.Unlock()
	return r, cfg.Formatted, nil
}

func sameParts(a, b *idspec.FormattedConfig) bool {
	if len(a.Parts) != len(b.Parts) {
		return false
	}
	for i := range a.Parts {
		if a.Parts[i] != b.Parts[i] {
			return false
		}
	}
	return true
}

// Generate 发出 size 个模板 ID
func (s *FormattedService) Generate(ctx context.Context, key string, size int) ([]string, error) {
	if size < 1 || size > MaxBatchSize {
		return nil, xerrors.Wrapf(ErrSizeTooLarge, "size: %d", size)
	}

	r, _, err := s.renderer(ctx, key)
	if err != nil {
		return nil, err
	}

	derived := format.DerivedKey(key)
	now := time.Now()

	// 作用域切换时通过 CAS 重置计数器；多 worker 下恰好一个会执行
	if witness := r.Witness(now); witness != "" {
		if err := s.seq.EnsureWitness(ctx, derived, witness, 0); err != nil {
			return nil, err
		}
	}

	// 重置后计数从 1 开始：Init=0，Floor=1 兜住陈旧 chunk
	values, err := s.seq.Draw(ctx, derived, size, sequence.DrawSpec{
		Delta: 1,
		Init:  0,
		Floor: 1,
	})
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(now.UnixNano()))
	out := make([]string, len(values))
	for i, n := range values {
		out[i] = r.Render(n, now, rng)
	}
	return out, nil
}
