// Package sequence 实现按 key 的批量发号引擎。
//
// 每个 key 在进程内维护一个 chunk（半开区间 [next, end)，附带抽取时的步长）。
// 抽号优先命中本地 chunk；不足时同步向存储批量预留；余量低于水位线后
// 异步预取下一个 chunk。同一 key 的抽号在进程内严格单调递增；
// 跨 worker 只保证全局唯一，不保证顺序。
package sequence

import (
	"context"
	"sync"
	"time"

	"github.com/ceyewan/idbuilder/clog"
	"github.com/ceyewan/idbuilder/storage"
	"github.com/ceyewan/idbuilder/xerrors"
)

const (
	// DefaultBatchSize 每次异步预取向存储预留的取值个数，也是水位计算所用的 chunk 容量
	DefaultBatchSize = 100
	// DefaultPrefetchThreshold 触发异步预取的余量水位
	DefaultPrefetchThreshold = 0.2
	// prefetchTimeout 后台预取的存储调用超时
	prefetchTimeout = 10 * time.Second
)

// ErrExhausted 序列耗尽，chunk 已被标记为不可用
var ErrExhausted = xerrors.New("sequence: exhausted")

// DrawSpec 一次抽号的参数。
// Init 为懒初始化播种值（base - delta，首个发出的值即 base）。
// Floor 大于 0 时，低于 Floor 的取值视为重置前的陈旧余量，直接丢弃。
type DrawSpec struct {
	Delta int64
	Init  int64
	Max   int64
	Floor int64
}

// chunk 半开区间 [next, end)，步长 delta
type chunk struct {
	next  int64
	end   int64
	delta int64
}

func (c *chunk) remaining() int64 {
	if c == nil || c.next >= c.end {
		return 0
	}
	return (c.end - c.next + c.delta - 1) / c.delta
}

// keyState 每个 key 的进程内协调记录
type keyState struct {
	mu          sync.Mutex
	cur         *chunk
	pending     *chunk // 预取完成、尚未启用的后继 chunk
	prefetching bool
	prefetchCh  chan struct{} // 预取在途时非 nil，完成后关闭
	poisoned    bool
	witness     string
}

// Recorder 指标回调，由 metrics 包实现
type Recorder interface {
	// ObserveReserve 记录一次存储批量预留的耗时
	ObserveReserve(d time.Duration)
	// IncScopeReset 记录一次由本 worker 执行的作用域重置
	IncScopeReset()
}

// Manager 序列管理器
type Manager struct {
	store     storage.Store
	logger    clog.Logger
	recorder  Recorder
	batchSize int
	threshold float64

	mu   sync.Mutex
	keys map[string]*keyState
}

// Option Manager 初始化选项
type Option func(*Manager)

// WithLogger 设置 Logger
func WithLogger(logger clog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithBatchSize 设置批量预留大小
func WithBatchSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.batchSize = n
		}
	}
}

// WithPrefetchThreshold 设置预取水位
func WithPrefetchThreshold(t float64) Option {
	return func(m *Manager) {
		if t > 0 && t < 1 {
			m.threshold = t
		}
	}
}

// WithRecorder 设置指标回调
func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// NewManager 创建序列管理器
func NewManager(store storage.Store, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		logger:    clog.Discard(),
		batchSize: DefaultBatchSize,
		threshold: DefaultPrefetchThreshold,
		keys:      make(map[string]*keyState),
	}
	for _, o := range opts {
		o(m)
	}
	m.logger = m.logger.With(clog.String("component", "sequence"))
	return m
}

// reserve 包装存储预留并上报耗时
func (m *Manager) reserve(ctx context.Context, req storage.ReserveRequest) (storage.Range, error) {
	start := time.Now()
	rng, err := m.store.ReserveRange(ctx, req)
	if m.recorder != nil {
		m.recorder.ObserveReserve(time.Since(start))
	}
	return rng, err
}

func (m *Manager) state(key string) *keyState {
	m.mu.Lock()
	defer m.mu.Unlock()
	ks, ok := m.keys[key]
	if !ok {
		ks = &keyState{}
		m.keys[key] = ks
	}
	return ks
}

// Draw 抽取 n 个取值。进程内同一 key 的结果严格单调递增。
func (m *Manager) Draw(ctx context.Context, key string, n int, spec DrawSpec) ([]int64, error) {
	if n <= 0 {
		return nil, xerrors.New("sequence: draw count must be positive")
	}

	ks := m.state(key)
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if ks.poisoned {
		return nil, ErrExhausted
	}

	out := make([]int64, 0, n)
	for len(out) < n {
		m.dropStale(ks, spec)

		if ks.cur.remaining() == 0 {
			if ks.pending != nil && ks.pending.delta == spec.Delta {
				ks.cur, ks.pending = ks.pending, nil
				continue
			}
			ks.pending = nil

			// 在途预取先于同步预留落地，否则本次同步预留会越过它，
			// 预取区间启用时就会打破进程内的单调性
			if ks.prefetching {
				ch := ks.prefetchCh
				ks.mu.Unlock()
				select {
				case <-ch:
				case <-ctx.Done():
					ks.mu.Lock()
					return nil, ctx.Err()
				}
				ks.mu.Lock()
				continue
			}

			// 同步预留恰好缺口数量的取值，本次抽号会把它们全部用完
			need := n - len(out)
			rng, err := m.reserve(ctx, storage.ReserveRequest{
				Key:   key,
				Count: need,
				Delta: spec.Delta,
				Init:  spec.Init,
				Max:   spec.Max,
			})
			if err != nil {
				if xerrors.Is(err, storage.ErrExhausted) {
					ks.poisoned = true
					m.logger.Warn("sequence exhausted, key poisoned", clog.String("key", key))
					return nil, ErrExhausted
				}
				return nil, err
			}
			ks.cur = &chunk{next: rng.First, end: rng.Last + rng.Delta, delta: rng.Delta}
			continue
		}

		out = append(out, ks.cur.next)
		ks.cur.next += ks.cur.delta
	}

	m.maybePrefetch(ks, key, spec)
	return out, nil
}

// dropStale 丢弃与当前请求不匹配或已因重置而陈旧的 chunk
func (m *Manager) dropStale(ks *keyState, spec DrawSpec) {
	if ks.cur != nil && ks.cur.delta != spec.Delta {
		ks.cur = nil
	}
	if ks.pending != nil && ks.pending.delta != spec.Delta {
		ks.pending = nil
	}
	if spec.Floor > 0 {
		if ks.cur != nil && ks.cur.next < spec.Floor {
			ks.cur = nil
		}
		if ks.pending != nil && ks.pending.next < spec.Floor {
			ks.pending = nil
		}
	}
}

// maybePrefetch 余量低于水位时调度一次异步预取。
// 预取先在锁外向存储预留，完成后再把扩展换入；当前 chunk 仍有余量的前台抽号
// 不等待它，chunk 已耗尽的抽号会等它落地（见 Draw）。
func (m *Manager) maybePrefetch(ks *keyState, key string, spec DrawSpec) {
	if ks.prefetching || ks.pending != nil || ks.poisoned {
		return
	}
	if float64(ks.cur.remaining())/float64(m.batchSize) >= m.threshold {
		return
	}
	ks.prefetching = true
	ks.prefetchCh = make(chan struct{})

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), prefetchTimeout)
		defer cancel()

		rng, err := m.reserve(ctx, storage.ReserveRequest{
			Key:   key,
			Count: m.batchSize,
			Delta: spec.Delta,
			Init:  spec.Init,
			Max:   spec.Max,
		})

		ks.mu.Lock()
		defer ks.mu.Unlock()
		ks.prefetching = false
		close(ks.prefetchCh)
		ks.prefetchCh = nil
		if err != nil {
			// 预取失败只损失计数器空间，不影响前台
			if xerrors.Is(err, storage.ErrExhausted) {
				m.logger.Warn("prefetch hit exhaustion", clog.String("key", key))
			} else {
				m.logger.Warn("prefetch failed", clog.String("key", key), clog.Error(err))
			}
			return
		}

		next := &chunk{next: rng.First, end: rng.Last + rng.Delta, delta: rng.Delta}
		if ks.cur.remaining() == 0 {
			ks.cur = next
		} else {
			ks.pending = next
		}
	}()
}

// EnsureWitness 保证 key 的重置 witness 与 want 一致。
// 不一致时发起 CAS 重置；其他 worker 已完成重置（AlreadyReset）视为成功。
// 重置成功后丢弃本地 chunk，陈旧余量由 Draw 的 Floor 兜底。
func (m *Manager) EnsureWitness(ctx context.Context, key, want string, resetTo int64) error {
	if want == "" {
		return nil
	}

	ks := m.state(key)
	ks.mu.Lock()
	if ks.witness == want {
		ks.mu.Unlock()
		return nil
	}
	// 在途预取落地前不做重置，否则预取可能预留到重置前后两侧的区间
	for ks.prefetching {
		ch := ks.prefetchCh
		ks.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		ks.mu.Lock()
	}
	ks.mu.Unlock()

	stored, err := m.store.GetWitness(ctx, key)
	if err != nil && !xerrors.Is(err, storage.ErrNotFound) {
		return err
	}

	if stored != want {
		err = m.store.ResetSequence(ctx, key, resetTo, want)
		switch {
		case err == nil:
			if m.recorder != nil {
				m.recorder.IncScopeReset()
			}
			m.logger.Info("scope reset performed",
				clog.String("key", key), clog.String("witness", want))
		case xerrors.Is(err, storage.ErrAlreadyReset):
			// 其他 worker 赢得了本次作用域切换
		default:
			return err
		}
	}

	ks.mu.Lock()
	ks.witness = want
	ks.cur = nil
	ks.pending = nil
	ks.poisoned = false
	ks.mu.Unlock()
	return nil
}

// Invalidate 丢弃 key 的进程内状态（管理操作解除封禁时使用）
func (m *Manager) Invalidate(key string) {
	ks := m.state(key)
	ks.mu.Lock()
	ks.cur = nil
	ks.pending = nil
	ks.poisoned = false
	ks.mu.Unlock()
}
