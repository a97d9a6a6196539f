package service

import (
	"context"
	"time"

	"github.com/ceyewan/idbuilder/clog"
	"github.com/ceyewan/idbuilder/storage"
	"github.com/ceyewan/idbuilder/xerrors"
)

const (
	// schemaInitLock 结构初始化的全局锁名
	schemaInitLock = "schema_init"
	// schemaLockTTL 初始化锁的 TTL
	schemaLockTTL = 60 * time.Second
	// schemaInitDeadline 等待其他 worker 完成初始化的总期限
	schemaInitDeadline = 5 * time.Minute
	// schemaPollInterval 轮询版本的间隔
	schemaPollInterval = 500 * time.Millisecond
)

// ErrSchemaInitTimeout 在期限内没有等到结构初始化完成
var ErrSchemaInitTimeout = xerrors.New("service: schema init deadline exceeded")

// Bootstrapper 跨 worker 的一次性结构初始化协调。
// 一批 worker 同时启动时，恰好一个执行 InitSchema，其余阻塞等待版本就绪。
type Bootstrapper struct {
	store   storage.Store
	ownerID string
	logger  clog.Logger
}

// NewBootstrapper 创建初始化协调器。ownerID 标识本 worker（如随机 UUID）。
func NewBootstrapper(store storage.Store, ownerID string, logger clog.Logger) *Bootstrapper {
	if logger == nil {
		logger = clog.Discard()
	}
	return &Bootstrapper{
		store:   store,
		ownerID: ownerID,
		logger:  logger.With(clog.String("component", "bootstrap")),
	}
}

// Run 确保结构版本达到当前代码要求。服务在此返回前不得开始接受请求。
func (b *Bootstrapper) Run(ctx context.Context) error {
	deadline := time.Now().Add(schemaInitDeadline)

	for {
		v, err := b.store.GetSchemaVersion(ctx)
		if err == nil && v >= storage.SchemaVersion {
			return nil
		}

		acquired, lockErr := b.store.TryAcquireLock(ctx, schemaInitLock, b.ownerID, schemaLockTTL)
		if lockErr != nil {
			b.logger.Warn("schema lock attempt failed", clog.Error(lockErr))
		}

		if acquired {
			err := b.initUnderLock(ctx)
			if relErr := b.store.ReleaseLock(ctx, schemaInitLock, b.ownerID); relErr != nil {
				b.logger.Warn("release schema lock failed", clog.Error(relErr))
			}
			return err
		}

		// 其他 worker 持有锁，轮询版本直到就绪或超时
		if time.Now().After(deadline) {
			return ErrSchemaInitTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(schemaPollInterval):
		}
	}
}

func (b *Bootstrapper) initUnderLock(ctx context.Context) error {
	v, err := b.store.GetSchemaVersion(ctx)
	if err != nil {
		return err
	}
	if v >= storage.SchemaVersion {
		return nil
	}

	b.logger.Info("initializing schema",
		clog.Int("from", v), clog.Int("to", storage.SchemaVersion))
	if err := b.store.InitSchema(ctx); err != nil {
		return xerrors.Wrap(err, "bootstrap: init schema")
	}
	return nil
}
