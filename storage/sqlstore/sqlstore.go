// Package sqlstore 实现基于关系数据库的存储后端，支持 MySQL 与 PostgreSQL，
// 测试场景下也可运行在 SQLite 上。
//
// 批量预留在事务内完成：SELECT ... FOR UPDATE 读出当前值，
// 再以 version 条件做乐观 UPDATE；零行命中时带抖动退避重试。
// 命名锁在 MySQL/PostgreSQL 上使用原生咨询锁（GET_LOCK /
// pg_try_advisory_lock，见 advisory.go），SQLite 退化为锁表 CAS。
package sqlstore

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ceyewan/idbuilder/clog"
	"github.com/ceyewan/idbuilder/idspec"
	"github.com/ceyewan/idbuilder/storage"
	"github.com/ceyewan/idbuilder/xerrors"
)

const (
	// maxRetries 乐观并发冲突的最大重试次数
	maxRetries = 5
	// 重试退避的抖动区间
	retryJitterMin = 10 * time.Millisecond
	retryJitterMax = 50 * time.Millisecond
)

// Store 关系数据库后端实现
type Store struct {
	db       *gorm.DB
	dialect  string
	logger   clog.Logger
	advisory *advisoryLocker
}

var _ storage.Store = (*Store)(nil)

// New 创建 SQL 后端。dialect 取 "mysql" | "postgres" | "sqlite"。
func New(db *gorm.DB, dialect string, logger clog.Logger) (*Store, error) {
	if db == nil {
		return nil, xerrors.New("sqlstore: db is nil")
	}
	if logger == nil {
		logger = clog.Discard()
	}
	s := &Store{
		db:      db,
		dialect: dialect,
		logger:  logger.With(clog.String("backend", dialect)),
	}
	if dialect == "mysql" || dialect == "postgres" {
		s.advisory = newAdvisoryLocker(db, dialect, s.logger)
	}
	return s, nil
}

// backoff 带抖动的指数退避
func backoff(attempt int) time.Duration {
	jitter := retryJitterMin + time.Duration(rand.Int63n(int64(retryJitterMax-retryJitterMin)))
	return time.Duration(1<<attempt) * jitter / 2
}

// forUpdate 给查询加排他行锁；SQLite 不支持，事务本身已互斥
func (s *Store) forUpdate(tx *gorm.DB) *gorm.DB {
	if s.dialect == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// ReserveRange 事务内读出当前值，乐观 UPDATE 前进计数器
func (s *Store) ReserveRange(ctx context.Context, req storage.ReserveRequest) (storage.Range, error) {
	advance := int64(req.Count) * req.Delta

	for attempt := 0; attempt < maxRetries; attempt++ {
		var rng storage.Range
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var seq idSequence
			err := s.forUpdate(tx).Where("key_name = ?", req.Key).First(&seq).Error
			if xerrors.Is(err, gorm.ErrRecordNotFound) {
				// 懒初始化：播种 Init。并发插入由唯一索引挡下，走重试。
				seq = idSequence{
					KeyName:      req.Key,
					CurrentValue: req.Init,
					Version:      0,
					UpdatedAt:    time.Now().UTC(),
				}
				if err := tx.Create(&seq).Error; err != nil {
					return storage.ErrConflict
				}
			} else if err != nil {
				return xerrors.Wrap(err, "sqlstore: select sequence")
			}

			if seq.CurrentValue > math.MaxInt64-advance {
				return storage.ErrExhausted
			}
			last := seq.CurrentValue + advance
			if req.Max > 0 && last > req.Max {
				return storage.ErrExhausted
			}

			res := tx.Model(&idSequence{}).
				Where("key_name = ? AND version = ?", req.Key, seq.Version).
				Updates(map[string]any{
					"current_value": last,
					"version":       seq.Version + 1,
					"updated_at":    time.Now().UTC(),
				})
			if res.Error != nil {
				return xerrors.Wrap(res.Error, "sqlstore: update sequence")
			}
			if res.RowsAffected == 0 {
				return storage.ErrConflict
			}

			rng = storage.Range{
				First: last - int64(req.Count-1)*req.Delta,
				Last:  last,
				Delta: req.Delta,
			}
			return nil
		})

		if err == nil {
			return rng, nil
		}
		if !xerrors.Is(err, storage.ErrConflict) {
			return storage.Range{}, err
		}
		select {
		case <-ctx.Done():
			return storage.Range{}, ctx.Err()
		case <-time.After(backoff(attempt)):
		}
	}
	return storage.Range{}, storage.ErrConflict
}

func (s *Store) GetSequence(ctx context.Context, key string) (int64, error) {
	var seq idSequence
	err := s.db.WithContext(ctx).Where("key_name = ?", key).First(&seq).Error
	if xerrors.Is(err, gorm.ErrRecordNotFound) {
		return 0, storage.ErrNotFound
	}
	if err != nil {
		return 0, xerrors.Wrap(err, "sqlstore: get sequence")
	}
	return seq.CurrentValue, nil
}

// ResetSequence 事务内比较 witness 后条件写入
func (s *Store) ResetSequence(ctx context.Context, key string, newValue int64, witness string) error {
	for attempt := 0; attempt < maxRetries; attempt++ {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var seq idSequence
			err := s.forUpdate(tx).Where("key_name = ?", key).First(&seq).Error
			if xerrors.Is(err, gorm.ErrRecordNotFound) {
				seq = idSequence{
					KeyName:      key,
					CurrentValue: newValue,
					Version:      0,
					Witness:      witness,
					UpdatedAt:    time.Now().UTC(),
				}
				if err := tx.Create(&seq).Error; err != nil {
					return storage.ErrConflict
				}
				return nil
			}
			if err != nil {
				return xerrors.Wrap(err, "sqlstore: select sequence")
			}

			if seq.Witness == witness {
				return storage.ErrAlreadyReset
			}

			res := tx.Model(&idSequence{}).
				Where("key_name = ? AND version = ?", key, seq.Version).
				Updates(map[string]any{
					"current_value": newValue,
					"version":       seq.Version + 1,
					"witness":       witness,
					"updated_at":    time.Now().UTC(),
				})
			if res.Error != nil {
				return xerrors.Wrap(res.Error, "sqlstore: reset sequence")
			}
			if res.RowsAffected == 0 {
				return storage.ErrConflict
			}
			return nil
		})

		if err == nil || !xerrors.Is(err, storage.ErrConflict) {
			if err == nil {
				s.logger.Info("sequence reset",
					clog.String("key", key),
					clog.Int64("value", newValue),
					clog.String("witness", witness))
			}
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff(attempt)):
		}
	}
	return storage.ErrConflict
}

func (s *Store) GetWitness(ctx context.Context, key string) (string, error) {
	var seq idSequence
	err := s.db.WithContext(ctx).Where("key_name = ?", key).First(&seq).Error
	if xerrors.Is(err, gorm.ErrRecordNotFound) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", xerrors.Wrap(err, "sqlstore: get witness")
	}
	return seq.Witness, nil
}

func (s *Store) GetConfig(ctx context.Context, key string) (*idspec.Config, error) {
	var row idConfig
	err := s.db.WithContext(ctx).Where("key_name = ?", key).First(&row).Error
	if xerrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(err, "sqlstore: get config")
	}
	return idspec.Unmarshal([]byte(row.ConfigJSON))
}

// PutConfig upsert；同一 key 的写入由唯一索引串行化
func (s *Store) PutConfig(ctx context.Context, cfg *idspec.Config) error {
	data, err := cfg.Marshal()
	if err != nil {
		return err
	}
	row := idConfig{
		KeyName:    cfg.Key,
		IDType:     string(cfg.IDType),
		ConfigJSON: string(data),
		UpdatedAt:  time.Now().UTC(),
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"id_type", "config_json", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return xerrors.Wrap(err, "sqlstore: put config")
	}
	return nil
}

func (s *Store) ListConfigs(ctx context.Context, from string, size int) (storage.ConfigPage, error) {
	var page storage.ConfigPage
	var rows []idConfig
	err := s.db.WithContext(ctx).
		Where("key_name > ?", from).
		Order("key_name ASC").
		Limit(size + 1).
		Find(&rows).Error
	if err != nil {
		return page, xerrors.Wrap(err, "sqlstore: list configs")
	}

	if len(rows) > size {
		page.HasMore = true
		rows = rows[:size]
	}
	for _, row := range rows {
		page.Items = append(page.Items, storage.ConfigEntry{
			Key:    row.KeyName,
			IDType: idspec.IDType(row.IDType),
		})
	}
	if n := len(page.Items); n > 0 {
		page.NextCursor = page.Items[n-1].Key
	}
	return page, nil
}

func (s *Store) PutToken(ctx context.Context, key, hash string) error {
	row := keyToken{KeyName: key, TokenHash: hash, UpdatedAt: time.Now().UTC()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"token_hash", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return xerrors.Wrap(err, "sqlstore: put token")
	}
	return nil
}

func (s *Store) GetToken(ctx context.Context, key string) (string, error) {
	var row keyToken
	err := s.db.WithContext(ctx).Where("key_name = ?", key).First(&row).Error
	if xerrors.Is(err, gorm.ErrRecordNotFound) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", xerrors.Wrap(err, "sqlstore: get token")
	}
	return row.TokenHash, nil
}

// TryAcquireLock MySQL/PostgreSQL 走原生咨询锁，SQLite 走锁表 CAS
func (s *Store) TryAcquireLock(ctx context.Context, lockName, ownerID string, ttl time.Duration) (bool, error) {
	if s.advisory != nil {
		return s.advisory.tryAcquire(ctx, lockName, ownerID, ttl)
	}
	return s.tableTryAcquire(ctx, lockName, ownerID, ttl)
}

func (s *Store) ReleaseLock(ctx context.Context, lockName, ownerID string) error {
	if s.advisory != nil {
		return s.advisory.release(ctx, lockName, ownerID)
	}
	return s.tableRelease(ctx, lockName, ownerID)
}

// tableTryAcquire 锁表实现：行级 CAS，过期即可抢占
func (s *Store) tableTryAcquire(ctx context.Context, lockName, ownerID string, ttl time.Duration) (bool, error) {
	// 初始化协调先于建表发生，锁表自身按需创建
	if !s.db.WithContext(ctx).Migrator().HasTable(&distributedLock{}) {
		if err := s.db.WithContext(ctx).AutoMigrate(&distributedLock{}); err != nil {
			return false, xerrors.Wrap(err, "sqlstore: migrate lock table")
		}
	}
	now := time.Now().UTC()
	acquired := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row distributedLock
		err := s.forUpdate(tx).Where("lock_key = ?", lockName).First(&row).Error
		if xerrors.Is(err, gorm.ErrRecordNotFound) {
			row = distributedLock{LockKey: lockName, OwnerID: ownerID, ExpiresAt: now.Add(ttl)}
			if err := tx.Create(&row).Error; err != nil {
				return nil // 并发插入输了，视为未获取
			}
			acquired = true
			return nil
		}
		if err != nil {
			return xerrors.Wrap(err, "sqlstore: select lock")
		}

		if row.OwnerID != ownerID && row.ExpiresAt.After(now) {
			return nil
		}
		res := tx.Model(&distributedLock{}).
			Where("lock_key = ? AND (owner_id = ? OR expires_at <= ?)", lockName, ownerID, now).
			Updates(map[string]any{"owner_id": ownerID, "expires_at": now.Add(ttl)})
		if res.Error != nil {
			return xerrors.Wrap(res.Error, "sqlstore: update lock")
		}
		acquired = res.RowsAffected > 0
		return nil
	})
	return acquired, err
}

func (s *Store) tableRelease(ctx context.Context, lockName, ownerID string) error {
	err := s.db.WithContext(ctx).
		Where("lock_key = ? AND owner_id = ?", lockName, ownerID).
		Delete(&distributedLock{}).Error
	if err != nil {
		return xerrors.Wrap(err, "sqlstore: release lock")
	}
	return nil
}

// AcquireWorkerID 租约以 "worker:<key>:<i>" 行的形式存于锁表
func (s *Store) AcquireWorkerID(ctx context.Context, key, fingerprint string, pool int64, ttl time.Duration) (int64, error) {
	prefix := fmt.Sprintf("worker:%s:", key)

	for attempt := 0; attempt < maxRetries; attempt++ {
		var workerID int64 = -1
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var rows []distributedLock
			err := s.forUpdate(tx).
				Where("lock_key LIKE ?", prefix+"%").
				Find(&rows).Error
			if err != nil {
				return xerrors.Wrap(err, "sqlstore: select leases")
			}

			now := time.Now().UTC()
			held := make(map[string]distributedLock, len(rows))
			for _, row := range rows {
				held[row.LockKey] = row
			}

			// fingerprint 已持有的未过期租约直接续约
			for i := int64(0); i < pool; i++ {
				lk := fmt.Sprintf("%s%d", prefix, i)
				if row, ok := held[lk]; ok && row.OwnerID == fingerprint && row.ExpiresAt.After(now) {
					res := tx.Model(&distributedLock{}).
						Where("lock_key = ?", lk).
						Update("expires_at", now.Add(ttl))
					if res.Error != nil {
						return xerrors.Wrap(res.Error, "sqlstore: renew lease")
					}
					workerID = i
					return nil
				}
			}

			// 认领编号最小的空闲槽位
			for i := int64(0); i < pool; i++ {
				lk := fmt.Sprintf("%s%d", prefix, i)
				row, ok := held[lk]
				if ok && row.ExpiresAt.After(now) {
					continue
				}
				if ok {
					res := tx.Model(&distributedLock{}).
						Where("lock_key = ? AND expires_at <= ?", lk, now).
						Updates(map[string]any{"owner_id": fingerprint, "expires_at": now.Add(ttl)})
					if res.Error != nil {
						return xerrors.Wrap(res.Error, "sqlstore: claim lease")
					}
					if res.RowsAffected == 0 {
						return storage.ErrConflict
					}
				} else {
					lease := distributedLock{LockKey: lk, OwnerID: fingerprint, ExpiresAt: now.Add(ttl)}
					if err := tx.Create(&lease).Error; err != nil {
						return storage.ErrConflict
					}
				}
				workerID = i
				return nil
			}
			return storage.ErrPoolExhausted
		})

		if err == nil {
			return workerID, nil
		}
		if !xerrors.Is(err, storage.ErrConflict) {
			return -1, err
		}
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-time.After(backoff(attempt)):
		}
	}
	return -1, storage.ErrConflict
}

func (s *Store) GetSchemaVersion(ctx context.Context) (int, error) {
	if !s.db.WithContext(ctx).Migrator().HasTable(&schemaVersion{}) {
		return 0, nil
	}
	var rows []schemaVersion
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return 0, xerrors.Wrap(err, "sqlstore: get schema version")
	}
	max := 0
	for _, row := range rows {
		if row.Version > max {
			max = row.Version
		}
	}
	return max, nil
}

// InitSchema 建表并记录版本，可重复执行
func (s *Store) InitSchema(ctx context.Context) error {
	db := s.db.WithContext(ctx)
	if err := db.AutoMigrate(&idSequence{}, &idConfig{}, &keyToken{}, &distributedLock{}, &schemaVersion{}); err != nil {
		return xerrors.Wrap(err, "sqlstore: migrate")
	}

	v, err := s.GetSchemaVersion(ctx)
	if err != nil {
		return err
	}
	if v >= storage.SchemaVersion {
		return nil
	}
	row := schemaVersion{Version: storage.SchemaVersion, AppliedAt: time.Now().UTC()}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return xerrors.Wrap(err, "sqlstore: record schema version")
	}
	s.logger.Info("schema initialized", clog.Int("version", storage.SchemaVersion))
	return nil
}

func (s *Store) HealthCheck(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return xerrors.Wrap(err, "sqlstore: health check")
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Name() string {
	return s.dialect
}

func (s *Store) Close() error {
	if s.advisory != nil {
		s.advisory.close()
	}
	return nil
}
