package service

import (
	"context"
	"time"

	"github.com/ceyewan/idbuilder/clog"
	"github.com/ceyewan/idbuilder/idspec"
	"github.com/ceyewan/idbuilder/storage"
	"github.com/ceyewan/idbuilder/xerrors"
)

// DefaultLeaseTTL worker_id 租约默认时长
const DefaultLeaseTTL = 60 * time.Second

// SnowflakeService 雪花 ID 协调器。
// 服务端只分配 (key, worker_id) 租约并返回位布局描述符，
// 移位与拼装由客户端完成。
type SnowflakeService struct {
	store    storage.Store
	logger   clog.Logger
	leaseTTL time.Duration
}

// SnowflakeDescriptor 返回给客户端的位布局描述符
type SnowflakeDescriptor struct {
	SkipSize     uint8 `json:"skip_size"`
	BaseTS       int64 `json:"base_ts"`
	TSSize       uint8 `json:"ts_size"`
	WorkerID     int64 `json:"worker_id"`
	WorkerIDSize uint8 `json:"worker_id_size"`
	SeqSize      uint8 `json:"seq_size"`
	// LeaseExpiresAt 客户端只应在租约有效期内使用 worker_id
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
}

// NewSnowflake 创建雪花协调器
func NewSnowflake(store storage.Store, leaseTTL time.Duration, logger clog.Logger) *SnowflakeService {
	if leaseTTL <= 0 {
		leaseTTL = DefaultLeaseTTL
	}
	if logger == nil {
		logger = clog.Discard()
	}
	return &SnowflakeService{
		store:    store,
		logger:   logger.With(clog.String("service", "snowflake")),
		leaseTTL: leaseTTL,
	}
}

// Describe 为 fingerprint 租约一个 worker_id 并返回完整描述符。
// 同一 fingerprint 重复调用续约并返回相同的 id；池满返回 storage.ErrPoolExhausted。
func (s *SnowflakeService) Describe(ctx context.Context, key, fingerprint string) (*SnowflakeDescriptor, error) {
	if fingerprint == "" {
		return nil, xerrors.Wrap(ErrBadParams, "fingerprint is empty")
	}

	cfg, err := s.store.GetConfig(ctx, key)
	if err != nil {
		if xerrors.Is(err, storage.ErrNotFound) {
			return nil, xerrors.Wrapf(ErrConfigNotFound, "key: %s", key)
		}
		return nil, err
	}
	if cfg.IDType != idspec.TypeSnowflake || cfg.Snowflake == nil {
		return nil, xerrors.Wrapf(ErrTypeMismatch, "key %s is %s", key, cfg.IDType)
	}
	sf := cfg.Snowflake

	workerID, err := s.store.AcquireWorkerID(ctx, key, fingerprint, sf.WorkerPoolSize(), s.leaseTTL)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("worker id leased",
		clog.String("key", key),
		clog.Int64("worker_id", workerID),
		clog.String("fingerprint", fingerprint))

	return &SnowflakeDescriptor{
		SkipSize:       sf.SkipSize,
		BaseTS:         sf.BaseTS,
		TSSize:         sf.TSSize,
		WorkerID:       workerID,
		WorkerIDSize:   sf.WorkerIDSize,
		SeqSize:        sf.SeqSize,
		LeaseExpiresAt: time.Now().Add(s.leaseTTL),
	}, nil
}
