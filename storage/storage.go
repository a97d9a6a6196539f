// Package storage 定义持久化后端的统一契约。
//
// 同一个接口由四种后端实现：本地文件、Redis、MySQL、PostgreSQL。
// 契约以可观测的原子性语义描述：
//   - ReserveRange 在所有 worker 之间返回互不相交的闭区间
//   - ResetSequence 以 witness 为条件做 CAS，保证每个作用域切换至多重置一次
//   - TryAcquireLock 在 TTL 内不会把锁同时授予两个持有者
//
// 上层组件不关心具体选择了哪个后端。
package storage

import (
	"context"
	"time"

	"github.com/ceyewan/idbuilder/idspec"
)

// SchemaVersion 当前代码要求的结构版本
const SchemaVersion = 1

// Range 一次批量预留得到的闭区间 [First, Last]，步长 Delta。
// 取值依次为 First, First+Delta, ..., Last。
type Range struct {
	First int64
	Last  int64
	Delta int64
}

// Values 展开区间内的全部取值
func (r Range) Values() []int64 {
	if r.Delta <= 0 {
		return nil
	}
	n := (r.Last-r.First)/r.Delta + 1
	out := make([]int64, 0, n)
	for v := r.First; v <= r.Last; v += r.Delta {
		out = append(out, v)
	}
	return out
}

// Count 区间内的取值个数
func (r Range) Count() int {
	if r.Delta <= 0 {
		return 0
	}
	return int((r.Last-r.First)/r.Delta) + 1
}

// ReserveRequest 批量预留请求。
// 序列不存在时以 Init 作为播种值（首个发出的值为 Init+Delta）。
// Max 大于 0 时为该 key 的计数上限，预留越过上限返回 ErrExhausted。
type ReserveRequest struct {
	Key   string
	Count int
	Delta int64
	Init  int64
	Max   int64
}

// SequenceState 序列的持久化状态
type SequenceState struct {
	Key          string
	CurrentValue int64
	Version      int64
	Witness      string
	UpdatedAt    time.Time
}

// ConfigEntry 配置列表项
type ConfigEntry struct {
	Key    string
	IDType idspec.IDType
}

// ConfigPage 游标分页的配置列表
type ConfigPage struct {
	Items      []ConfigEntry
	NextCursor string
	HasMore    bool
}

// Store 是所有后端必须满足的统一契约。
type Store interface {
	// ReserveRange 原子地将 key 的持久计数器前进 Count*Delta，
	// 返回闭区间 [First, Last]。不同调用方拿到的区间互不相交。
	// 溢出 int64 或越过 Max 上限时返回 ErrExhausted。
	ReserveRange(ctx context.Context, req ReserveRequest) (Range, error)

	// GetSequence 返回当前已提交的计数值；从未分配过时返回 ErrNotFound。
	GetSequence(ctx context.Context, key string) (int64, error)

	// ResetSequence 将计数器置为 newValue 并记录 witness，两者原子完成。
	// 若已记录的 witness 与入参相同，不做任何修改并返回 ErrAlreadyReset。
	ResetSequence(ctx context.Context, key string, newValue int64, witness string) error

	// GetWitness 返回 key 当前记录的 witness；序列不存在时返回 ErrNotFound。
	GetWitness(ctx context.Context, key string) (string, error)

	// GetConfig 读取配置；不存在时返回 ErrNotFound。
	GetConfig(ctx context.Context, key string) (*idspec.Config, error)

	// PutConfig 写入配置（upsert），同一 key 的写入串行化。
	PutConfig(ctx context.Context, cfg *idspec.Config) error

	// ListConfigs 按 key 字典序游标分页列出配置。
	ListConfigs(ctx context.Context, from string, size int) (ConfigPage, error)

	// PutToken 写入 key 令牌哈希（upsert）。
	PutToken(ctx context.Context, key, hash string) error

	// GetToken 读取 key 令牌哈希；不存在时返回 ErrNotFound。
	GetToken(ctx context.Context, key string) (string, error)

	// TryAcquireLock 尽力而为的分布式互斥。
	// 同一 lockKey 在 TTL 内不会同时授予两个 owner；TTL 到期后可被重新获取。
	TryAcquireLock(ctx context.Context, lockKey, ownerID string, ttl time.Duration) (bool, error)

	// ReleaseLock 仅当仍由 ownerID 持有时释放锁。
	ReleaseLock(ctx context.Context, lockKey, ownerID string) error

	// AcquireWorkerID 为 fingerprint 在 [0, pool) 池中租约一个 worker_id。
	// 已持有未过期租约的 fingerprint 续约并返回原 id；
	// 否则认领编号最小的空闲 id。池满时返回 ErrPoolExhausted。
	AcquireWorkerID(ctx context.Context, key, fingerprint string, pool int64, ttl time.Duration) (int64, error)

	// GetSchemaVersion 返回已应用的结构版本，未初始化时为 0。
	GetSchemaVersion(ctx context.Context) (int, error)

	// InitSchema 幂等的结构初始化（建表/建目录），并记录版本。
	InitSchema(ctx context.Context) error

	// HealthCheck 往返探测后端可用性。
	HealthCheck(ctx context.Context) error

	// Name 后端名称，用于日志与指标
	Name() string

	// Close 释放后端资源
	Close() error
}
