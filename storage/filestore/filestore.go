// Package filestore 实现基于本地文件系统的存储后端。
//
// 目录布局：
//
//	{base}/configs/<key>.json    配置
//	{base}/sequences/<key>.json  序列状态 {current, version, witness, updated_at}
//	{base}/tokens/<key>          key 令牌哈希
//	{base}/locks/<key>.lock      flock 锁文件
//	{base}/leases/<key>.json     snowflake worker_id 租约表
//	{base}/schema_version        纯文本整数
//
// 每次读改写都在对应 key 的 flock 排他锁内完成。
// 仅支持单机部署：只有一个进程指向同一目录时才能保证全局唯一发号。
package filestore

import (
	"context"
	"encoding/json"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/ceyewan/idbuilder/clog"
	"github.com/ceyewan/idbuilder/idspec"
	"github.com/ceyewan/idbuilder/storage"
	"github.com/ceyewan/idbuilder/xerrors"
)

// Config 文件后端配置
type Config struct {
	// Dir 数据根目录
	Dir string `json:"dir" mapstructure:"dir"`
}

// Store 文件后端实现
type Store struct {
	dir    string
	logger clog.Logger
}

var _ storage.Store = (*Store)(nil)

// New 创建文件后端。目录不存在时延迟到 InitSchema 创建。
func New(cfg *Config, logger clog.Logger) (*Store, error) {
	if cfg == nil || cfg.Dir == "" {
		return nil, xerrors.New("filestore: dir is required")
	}
	if logger == nil {
		logger = clog.Discard()
	}
	// 锁目录提前建好：初始化协调本身要用 flock
	if err := os.MkdirAll(filepath.Join(cfg.Dir, "locks"), 0o755); err != nil {
		return nil, xerrors.Wrap(err, "filestore: mkdir locks")
	}
	return &Store{
		dir:    cfg.Dir,
		logger: logger.With(clog.String("backend", "file")),
	}, nil
}

// sequenceRecord 序列文件的 JSON 结构
type sequenceRecord struct {
	Current   int64     `json:"current"`
	Version   int64     `json:"version"`
	Witness   string    `json:"witness,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// leaseRecord 单个 worker_id 租约
type leaseRecord struct {
	Fingerprint string    `json:"fingerprint"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// lockRecord 命名锁的持有者信息
type lockRecord struct {
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

// escape 把派生 key（可能包含 ':'）映射为安全的文件名
func escape(key string) string {
	return url.PathEscape(key)
}

func (s *Store) seqPath(key string) string {
	return filepath.Join(s.dir, "sequences", escape(key)+".json")
}

func (s *Store) cfgPath(key string) string {
	return filepath.Join(s.dir, "configs", escape(key)+".json")
}

func (s *Store) tokenPath(key string) string {
	return filepath.Join(s.dir, "tokens", escape(key))
}

func (s *Store) lockPath(name string) string {
	return filepath.Join(s.dir, "locks", escape(name)+".lock")
}

func (s *Store) leasePath(key string) string {
	return filepath.Join(s.dir, "leases", escape(key)+".json")
}

// withFlock 在 name 对应的排他文件锁内执行 fn
func (s *Store) withFlock(ctx context.Context, name string, fn func() error) error {
	fl := flock.New(s.lockPath(name))
	locked, err := fl.TryLockContext(ctx, 10*time.Millisecond)
	if err != nil {
		return xerrors.Wrapf(err, "filestore: flock %s", name)
	}
	if !locked {
		return xerrors.Wrapf(xerrors.New("filestore: flock not acquired"), "lock: %s", name)
	}
	defer func() {
		_ = fl.Unlock()
	}()
	return fn()
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return storage.ErrNotFound
		}
		return err
	}
	return json.Unmarshal(data, v)
}

// writeJSON 原子写：写临时文件后 rename
func writeJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReserveRange 在 flock 内读改写序列文件
func (s *Store) ReserveRange(ctx context.Context, req storage.ReserveRequest) (storage.Range, error) {
	var rng storage.Range
	err := s.withFlock(ctx, "seq:"+req.Key, func() error {
		var rec sequenceRecord
		err := readJSON(s.seqPath(req.Key), &rec)
		switch {
		case err == nil:
		case xerrors.Is(err, storage.ErrNotFound):
			rec = sequenceRecord{Current: req.Init}
		default:
			return xerrors.Wrap(err, "filestore: read sequence")
		}

		advance := int64(req.Count) * req.Delta
		if rec.Current > math.MaxInt64-advance {
			return storage.ErrExhausted
		}
		last := rec.Current + advance
		if req.Max > 0 && last > req.Max {
			return storage.ErrExhausted
		}

		rec.Current = last
		rec.Version++
		rec.UpdatedAt = time.Now().UTC()
		if err := writeJSON(s.seqPath(req.Key), &rec); err != nil {
			return xerrors.Wrap(err, "filestore: write sequence")
		}

		rng = storage.Range{
			First: last - int64(req.Count-1)*req.Delta,
			Last:  last,
			Delta: req.Delta,
		}
		return nil
	})
	return rng, err
}

func (s *Store) GetSequence(ctx context.Context, key string) (int64, error) {
	var rec sequenceRecord
	if err := readJSON(s.seqPath(key), &rec); err != nil {
		if xerrors.Is(err, storage.ErrNotFound) {
			return 0, storage.ErrNotFound
		}
		return 0, xerrors.Wrap(err, "filestore: read sequence")
	}
	return rec.Current, nil
}

func (s *Store) ResetSequence(ctx context.Context, key string, newValue int64, witness string) error {
	return s.withFlock(ctx, "seq:"+key, func() error {
		var rec sequenceRecord
		err := readJSON(s.seqPath(key), &rec)
		if err != nil && !xerrors.Is(err, storage.ErrNotFound) {
			return xerrors.Wrap(err, "filestore: read sequence")
		}
		if err == nil && rec.Witness == witness {
			return storage.ErrAlreadyReset
		}

		rec.Current = newValue
		rec.Version++
		rec.Witness = witness
		rec.UpdatedAt = time.Now().UTC()
		if err := writeJSON(s.seqPath(key), &rec); err != nil {
			return xerrors.Wrap(err, "filestore: write sequence")
		}
		s.logger.Info("sequence reset",
			clog.String("key", key),
			clog.Int64("value", newValue),
			clog.String("witness", witness))
		return nil
	})
}

func (s *Store) GetWitness(ctx context.Context, key string) (string, error) {
	var rec sequenceRecord
	if err := readJSON(s.seqPath(key), &rec); err != nil {
		if xerrors.Is(err, storage.ErrNotFound) {
			return "", storage.ErrNotFound
		}
		return "", xerrors.Wrap(err, "filestore: read sequence")
	}
	return rec.Witness, nil
}

func (s *Store) GetConfig(ctx context.Context, key string) (*idspec.Config, error) {
	data, err := os.ReadFile(s.cfgPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.ErrNotFound
		}
		return nil, xerrors.Wrap(err, "filestore: read config")
	}
	return idspec.Unmarshal(data)
}

func (s *Store) PutConfig(ctx context.Context, cfg *idspec.Config) error {
	return s.withFlock(ctx, "cfg:"+cfg.Key, func() error {
		data, err := cfg.Marshal()
		if err != nil {
			return err
		}
		tmp := s.cfgPath(cfg.Key) + ".tmp"
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			return xerrors.Wrap(err, "filestore: write config")
		}
		return os.Rename(tmp, s.cfgPath(cfg.Key))
	})
}

func (s *Store) ListConfigs(ctx context.Context, from string, size int) (storage.ConfigPage, error) {
	var page storage.ConfigPage

	entries, err := os.ReadDir(filepath.Join(s.dir, "configs"))
	if err != nil {
		if os.IsNotExist(err) {
			return page, nil
		}
		return page, xerrors.Wrap(err, "filestore: list configs")
	}

	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		name := strings.TrimSuffix(e.Name(), ".json")
		if name == e.Name() {
			continue
		}
		key, err := url.PathUnescape(name)
		if err != nil {
			continue
		}
		if key > from {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	for _, key := range keys {
		if len(page.Items) == size {
			page.HasMore = true
			break
		}
		cfg, err := s.GetConfig(ctx, key)
		if err != nil {
			continue
		}
		page.Items = append(page.Items, storage.ConfigEntry{Key: key, IDType: cfg.IDType})
	}
	if n := len(page.Items); n > 0 {
		page.NextCursor = page.Items[n-1].Key
	}
	return page, nil
}

func (s *Store) PutToken(ctx context.Context, key, hash string) error {
	return s.withFlock(ctx, "token:"+key, func() error {
		tmp := s.tokenPath(key) + ".tmp"
		if err := os.WriteFile(tmp, []byte(hash), 0o600); err != nil {
			return xerrors.Wrap(err, "filestore: write token")
		}
		return os.Rename(tmp, s.tokenPath(key))
	})
}

func (s *Store) GetToken(ctx context.Context, key string) (string, error) {
	data, err := os.ReadFile(s.tokenPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return "", storage.ErrNotFound
		}
		return "", xerrors.Wrap(err, "filestore: read token")
	}
	return string(data), nil
}

func (s *Store) TryAcquireLock(ctx context.Context, lockKey, ownerID string, ttl time.Duration) (bool, error) {
	acquired := false
	err := s.withFlock(ctx, "dlock:"+lockKey, func() error {
		path := filepath.Join(s.dir, "locks", escape(lockKey)+".json")
		var rec lockRecord
		err := readJSON(path, &rec)
		now := time.Now()
		if err == nil && rec.Owner != ownerID && rec.ExpiresAt.After(now) {
			return nil // 他人持有且未过期
		}
		if err != nil && !xerrors.Is(err, storage.ErrNotFound) {
			return xerrors.Wrap(err, "filestore: read lock")
		}

		rec = lockRecord{Owner: ownerID, ExpiresAt: now.Add(ttl)}
		if err := writeJSON(path, &rec); err != nil {
			return xerrors.Wrap(err, "filestore: write lock")
		}
		acquired = true
		return nil
	})
	return acquired, err
}

func (s *Store) ReleaseLock(ctx context.Context, lockKey, ownerID string) error {
	return s.withFlock(ctx, "dlock:"+lockKey, func() error {
		path := filepath.Join(s.dir, "locks", escape(lockKey)+".json")
		var rec lockRecord
		err := readJSON(path, &rec)
		if err != nil {
			if xerrors.Is(err, storage.ErrNotFound) {
				return nil
			}
			return xerrors.Wrap(err, "filestore: read lock")
		}
		if rec.Owner != ownerID {
			return nil
		}
		return os.Remove(path)
	})
}

func (s *Store) AcquireWorkerID(ctx context.Context, key, fingerprint string, pool int64, ttl time.Duration) (int64, error) {
	var workerID int64 = -1
	err := s.withFlock(ctx, "lease:"+key, func() error {
		leases := map[string]leaseRecord{}
		err := readJSON(s.leasePath(key), &leases)
		if err != nil && !xerrors.Is(err, storage.ErrNotFound) {
			return xerrors.Wrap(err, "filestore: read leases")
		}

		now := time.Now()

		// 先找 fingerprint 已持有的未过期租约，续约
		for i := int64(0); i < pool; i++ {
			slot := strconv.FormatInt(i, 10)
			if rec, ok := leases[slot]; ok && rec.Fingerprint == fingerprint && rec.ExpiresAt.After(now) {
				leases[slot] = leaseRecord{Fingerprint: fingerprint, ExpiresAt: now.Add(ttl)}
				workerID = i
				return writeJSON(s.leasePath(key), leases)
			}
		}

		// 认领编号最小的空闲槽位
		for i := int64(0); i < pool; i++ {
			slot := strconv.FormatInt(i, 10)
			if rec, ok := leases[slot]; ok && rec.ExpiresAt.After(now) {
				continue
			}
			leases[slot] = leaseRecord{Fingerprint: fingerprint, ExpiresAt: now.Add(ttl)}
			workerID = i
			return writeJSON(s.leasePath(key), leases)
		}
		return storage.ErrPoolExhausted
	})
	if err != nil {
		return -1, err
	}
	return workerID, nil
}

func (s *Store) GetSchemaVersion(ctx context.Context) (int, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, "schema_version"))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, xerrors.Wrap(err, "filestore: read schema version")
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, xerrors.Wrap(err, "filestore: parse schema version")
	}
	return v, nil
}

// InitSchema 建立目录树并写入版本号，可重复执行
func (s *Store) InitSchema(ctx context.Context) error {
	for _, sub := range []string{"configs", "sequences", "tokens", "locks", "leases"} {
		if err := os.MkdirAll(filepath.Join(s.dir, sub), 0o755); err != nil {
			return xerrors.Wrapf(err, "filestore: mkdir %s", sub)
		}
	}
	v, err := s.GetSchemaVersion(ctx)
	if err != nil {
		return err
	}
	if v >= storage.SchemaVersion {
		return nil
	}
	path := filepath.Join(s.dir, "schema_version")
	if err := os.WriteFile(path, []byte(strconv.Itoa(storage.SchemaVersion)), 0o644); err != nil {
		return xerrors.Wrap(err, "filestore: write schema version")
	}
	s.logger.Info("schema initialized", clog.Int("version", storage.SchemaVersion))
	return nil
}

func (s *Store) HealthCheck(ctx context.Context) error {
	if _, err := os.Stat(s.dir); err != nil {
		return xerrors.Wrap(err, "filestore: health check")
	}
	return nil
}

func (s *Store) Name() string {
	return "file"
}

func (s *Store) Close() error {
	return nil
}
