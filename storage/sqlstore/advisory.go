package sqlstore

import (
	"context"
	"database/sql"
	"hash/fnv"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/ceyewan/idbuilder/clog"
	"github.com/ceyewan/idbuilder/xerrors"
)

// advisoryLocker 用数据库原生咨询锁实现命名锁。
// 咨询锁是会话级别的，必须把持锁会话固定在一个专用连接上，
// 释放时走同一连接。TTL 通过定时关闭连接来兜底：连接断开即释放锁。
type advisoryLocker struct {
	db      *gorm.DB
	dialect string
	logger  clog.Logger

	mu   sync.Mutex
	held map[string]*advisoryHold
}

type advisoryHold struct {
	conn    *sql.Conn
	ownerID string
	timer   *time.Timer
}

func newAdvisoryLocker(db *gorm.DB, dialect string, logger clog.Logger) *advisoryLocker {
	return &advisoryLocker{
		db:      db,
		dialect: dialect,
		logger:  logger,
		held:    make(map[string]*advisoryHold),
	}
}

// lockID PostgreSQL 咨询锁需要整数键
func lockID(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}

func (a *advisoryLocker) tryAcquire(ctx context.Context, name, ownerID string, ttl time.Duration) (bool, error) {
	a.mu.Lock()
	if hold, ok := a.held[name]; ok {
		if hold.ownerID == ownerID {
			// 续约：重置 TTL 定时器
			hold.timer.Reset(ttl)
			a.mu.Unlock()
			return true, nil
		}
		a.mu.Unlock()
		return false, nil
	}
	a.mu.Unlock()

	sqlDB, err := a.db.DB()
	if err != nil {
		return false, xerrors.Wrap(err, "sqlstore: advisory lock")
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return false, xerrors.Wrap(err, "sqlstore: advisory lock conn")
	}

	var got bool
	switch a.dialect {
	case "mysql":
		var res sql.NullInt64
		err = conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, 0)", "idbuilder:"+name).Scan(&res)
		got = err == nil && res.Valid && res.Int64 == 1
	case "postgres":
		err = conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", lockID(name)).Scan(&got)
	}
	if err != nil {
		_ = conn.Close()
		return false, xerrors.Wrapf(err, "sqlstore: advisory lock %s", name)
	}
	if !got {
		_ = conn.Close()
		return false, nil
	}

	hold := &advisoryHold{conn: conn, ownerID: ownerID}
	hold.timer = time.AfterFunc(ttl, func() {
		a.expire(name, hold)
	})

	a.mu.Lock()
	a.held[name] = hold
	a.mu.Unlock()
	return true, nil
}

func (a *advisoryLocker) release(ctx context.Context, name, ownerID string) error {
	a.mu.Lock()
	hold, ok := a.held[name]
	if !ok || hold.ownerID != ownerID {
		a.mu.Unlock()
		return nil
	}
	delete(a.held, name)
	a.mu.Unlock()

	hold.timer.Stop()
	switch a.dialect {
	case "mysql":
		_, _ = hold.conn.ExecContext(ctx, "SELECT RELEASE_LOCK(?)", "idbuilder:"+name)
	case "postgres":
		_, _ = hold.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", lockID(name))
	}
	return hold.conn.Close()
}

// expire TTL 到期，关闭连接让数据库回收锁
func (a *advisoryLocker) expire(name string, hold *advisoryHold) {
	a.mu.Lock()
	if cur, ok := a.held[name]; !ok || cur != hold {
		a.mu.Unlock()
		return
	}
	delete(a.held, name)
	a.mu.Unlock()

	a.logger.Warn("advisory lock ttl expired", clog.String("lock", name))
	_ = hold.conn.Close()
}

func (a *advisoryLocker) close() {
	a.mu.Lock()
	holds := make([]*advisoryHold, 0, len(a.held))
	for _, h := range a.held {
		holds = append(holds, h)
	}
	a.held = make(map[string]*advisoryHold)
	a.mu.Unlock()

	for _, h := range holds {
		h.timer.Stop()
		_ = h.conn.Close()
	}
}
