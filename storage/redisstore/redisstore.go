// Package redisstore 实现基于 Redis 的存储后端。
//
// 键布局（{key} 为 hash-tag，保证同一 key 的相关键落在同一 slot）：
//
//	idbuilder:seq:{<key>}      序列计数器
//	idbuilder:witness:{<key>}  重置 witness
//	idbuilder:cfg:{<key>}      配置 JSON
//	idbuilder:cfg:index        配置 key 的 ZSET 索引，用于游标分页
//	idbuilder:token:{<key>}    key 令牌哈希
//	idbuilder:lock:<name>      分布式锁
//	idbuilder:lease:{<key>}:<i> snowflake worker_id 租约
//	idbuilder:schema:version   结构版本
//
// 批量预留依赖 INCRBY 的服务端原子性；witness 重置与锁释放使用 Lua 脚本。
package redisstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ceyewan/idbuilder/clog"
	"github.com/ceyewan/idbuilder/connector"
	"github.com/ceyewan/idbuilder/idspec"
	"github.com/ceyewan/idbuilder/storage"
	"github.com/ceyewan/idbuilder/xerrors"
)

// Store Redis 后端实现
type Store struct {
	conn   connector.RedisConnector
	logger clog.Logger
}

var _ storage.Store = (*Store)(nil)

// New 创建 Redis 后端
func New(conn connector.RedisConnector, logger clog.Logger) (*Store, error) {
	if conn == nil {
		return nil, xerrors.New("redisstore: connector is nil")
	}
	if logger == nil {
		logger = clog.Discard()
	}
	return &Store{
		conn:   conn,
		logger: logger.With(clog.String("backend", "redis")),
	}, nil
}

func seqKey(key string) string     { return fmt.Sprintf("idbuilder:seq:{%s}", key) }
func witnessKey(key string) string { return fmt.Sprintf("idbuilder:witness:{%s}", key) }
func cfgKey(key string) string     { return fmt.Sprintf("idbuilder:cfg:{%s}", key) }
func tokenKey(key string) string   { return fmt.Sprintf("idbuilder:token:{%s}", key) }
func lockKey(name string) string   { return "idbuilder:lock:" + name }
func leaseKey(key string, i int64) string {
	return fmt.Sprintf("idbuilder:lease:{%s}:%d", key, i)
}

const (
	cfgIndexKey      = "idbuilder:cfg:index"
	schemaVersionKey = "idbuilder:schema:version"
)

// resetScript 比较 witness，不同则同时写入计数器与 witness。
// 返回 1 表示完成重置，0 表示该 witness 已由他人写入。
var resetScript = redis.NewScript(`
if redis.call("GET", KEYS[2]) == ARGV[2] then
	return 0
end
redis.call("SET", KEYS[1], ARGV[1])
redis.call("SET", KEYS[2], ARGV[2])
return 1
`)

// acquireLockScript 持有者续约，否则 SET NX PX
var acquireLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
	return 1
end
if redis.call("SET", KEYS[1], ARGV[1], "NX", "PX", ARGV[2]) then
	return 1
end
return 0
`)

// releaseLockScript 仅持有者可删除
var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// leaseScript 先为 fingerprint 续约既有租约，再认领编号最小的空闲槽位。
// KEYS[1] 为租约键前缀（含 hash-tag），返回租到的编号或 -1。
var leaseScript = redis.NewScript(`
local prefix = KEYS[1]
local fp = ARGV[1]
local ttl = tonumber(ARGV[2])
local pool = tonumber(ARGV[3])
for i = 0, pool - 1 do
	local key = prefix .. ":" .. i
	if redis.call("GET", key) == fp then
		redis.call("PEXPIRE", key, ttl)
		return i
	end
end
for i = 0, pool - 1 do
	local key = prefix .. ":" .. i
	if redis.call("SET", key, fp, "NX", "PX", ttl) then
		return i
	end
end
return -1
`)

// ReserveRange 以 SETNX 播种后 INCRBY 前进，由调用方换算区间首值
func (s *Store) ReserveRange(ctx context.Context, req storage.ReserveRequest) (storage.Range, error) {
	client := s.conn.GetClient()
	key := seqKey(req.Key)

	// 序列不存在时播种 Init，SETNX 保证并发下只生效一次
	if err := client.SetNX(ctx, key, req.Init, 0).Err(); err != nil {
		return storage.Range{}, xerrors.Wrap(err, "redisstore: seed sequence")
	}

	advance := int64(req.Count) * req.Delta
	last, err := client.IncrBy(ctx, key, advance).Result()
	if err != nil {
		// Redis 在溢出 int64 时拒绝 INCRBY
		if strings.Contains(err.Error(), "increment or decrement would overflow") {
			return storage.Range{}, storage.ErrExhausted
		}
		return storage.Range{}, xerrors.Wrap(err, "redisstore: incrby")
	}

	if req.Max > 0 && last > req.Max {
		return storage.Range{}, storage.ErrExhausted
	}
	if last < req.Init {
		// 理论上只在计数器被外部破坏时出现
		return storage.Range{}, storage.ErrExhausted
	}

	return storage.Range{
		First: last - int64(req.Count-1)*req.Delta,
		Last:  last,
		Delta: req.Delta,
	}, nil
}

func (s *Store) GetSequence(ctx context.Context, key string) (int64, error) {
	v, err := s.conn.GetClient().Get(ctx, seqKey(key)).Int64()
	if err != nil {
		if xerrors.Is(err, redis.Nil) {
			return 0, storage.ErrNotFound
		}
		return 0, xerrors.Wrap(err, "redisstore: get sequence")
	}
	return v, nil
}

func (s *Store) ResetSequence(ctx context.Context, key string, newValue int64, witness string) error {
	res, err := resetScript.Run(ctx, s.conn.GetClient(),
		[]string{seqKey(key), witnessKey(key)},
		newValue, witness).Int()
	if err != nil {
		return xerrors.Wrap(err, "redisstore: reset sequence")
	}
	if res == 0 {
		return storage.ErrAlreadyReset
	}
	s.logger.Info("sequence reset",
		clog.String("key", key),
		clog.Int64("value", newValue),
		clog.String("witness", witness))
	return nil
}

func (s *Store) GetWitness(ctx context.Context, key string) (string, error) {
	v, err := s.conn.GetClient().Get(ctx, witnessKey(key)).Result()
	if err != nil {
		if xerrors.Is(err, redis.Nil) {
			// 从未重置过的序列没有 witness 键
			if _, serr := s.GetSequence(ctx, key); serr != nil {
				return "", serr
			}
			return "", nil
		}
		return "", xerrors.Wrap(err, "redisstore: get witness")
	}
	return v, nil
}

func (s *Store) GetConfig(ctx context.Context, key string) (*idspec.Config, error) {
	data, err := s.conn.GetClient().Get(ctx, cfgKey(key)).Bytes()
	if err != nil {
		if xerrors.Is(err, redis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, xerrors.Wrap(err, "redisstore: get config")
	}
	return idspec.Unmarshal(data)
}

func (s *Store) PutConfig(ctx context.Context, cfg *idspec.Config) error {
	data, err := cfg.Marshal()
	if err != nil {
		return err
	}

	client := s.conn.GetClient()
	pipe := client.TxPipeline()
	pipe.Set(ctx, cfgKey(cfg.Key), data, 0)
	pipe.ZAdd(ctx, cfgIndexKey, redis.Z{Score: 0, Member: cfg.Key})
	if _, err := pipe.Exec(ctx); err != nil {
		return xerrors.Wrap(err, "redisstore: put config")
	}
	return nil
}

// ListConfigs 通过 ZSET 索引做 ZRANGEBYLEX 游标分页
func (s *Store) ListConfigs(ctx context.Context, from string, size int) (storage.ConfigPage, error) {
	var page storage.ConfigPage
	client := s.conn.GetClient()

	min := "-"
	if from != "" {
		min = "(" + from
	}
	keys, err := client.ZRangeByLex(ctx, cfgIndexKey, &redis.ZRangeBy{
		Min:   min,
		Max:   "+",
		Count: int64(size) + 1,
	}).Result()
	if err != nil {
		return page, xerrors.Wrap(err, "redisstore: list configs")
	}

	if len(keys) > size {
		page.HasMore = true
		keys = keys[:size]
	}
	for _, key := range keys {
		cfg, err := s.GetConfig(ctx, key)
		if err != nil {
			if xerrors.Is(err, storage.ErrNotFound) {
				continue
			}
			return page, err
		}
		page.Items = append(page.Items, storage.ConfigEntry{Key: key, IDType: cfg.IDType})
	}
	if n := len(page.Items); n > 0 {
		page.NextCursor = page.Items[n-1].Key
	}
	return page, nil
}

func (s *Store) PutToken(ctx context.Context, key, hash string) error {
	if err := s.conn.GetClient().Set(ctx, tokenKey(key), hash, 0).Err(); err != nil {
		return xerrors.Wrap(err, "redisstore: put token")
	}
	return nil
}

func (s *Store) GetToken(ctx context.Context, key string) (string, error) {
	v, err := s.conn.GetClient().Get(ctx, tokenKey(key)).Result()
	if err != nil {
		if xerrors.Is(err, redis.Nil) {
			return "", storage.ErrNotFound
		}
		return "", xerrors.Wrap(err, "redisstore: get token")
	}
	return v, nil
}

func (s *Store) TryAcquireLock(ctx context.Context, name, ownerID string, ttl time.Duration) (bool, error) {
	res, err := acquireLockScript.Run(ctx, s.conn.GetClient(),
		[]string{lockKey(name)},
		ownerID, ttl.Milliseconds()).Int()
	if err != nil {
		return false, xerrors.Wrap(err, "redisstore: acquire lock")
	}
	return res == 1, nil
}

func (s *Store) ReleaseLock(ctx context.Context, name, ownerID string) error {
	if _, err := releaseLockScript.Run(ctx, s.conn.GetClient(),
		[]string{lockKey(name)}, ownerID).Result(); err != nil {
		return xerrors.Wrap(err, "redisstore: release lock")
	}
	return nil
}

func (s *Store) AcquireWorkerID(ctx context.Context, key, fingerprint string, pool int64, ttl time.Duration) (int64, error) {
	prefix := fmt.Sprintf("idbuilder:lease:{%s}", key)
	res, err := leaseScript.Run(ctx, s.conn.GetClient(),
		[]string{prefix},
		fingerprint, ttl.Milliseconds(), pool).Int64()
	if err != nil {
		return -1, xerrors.Wrap(err, "redisstore: acquire worker id")
	}
	if res < 0 {
		return -1, storage.ErrPoolExhausted
	}
	return res, nil
}

func (s *Store) GetSchemaVersion(ctx context.Context) (int, error) {
	v, err := s.conn.GetClient().Get(ctx, schemaVersionKey).Int()
	if err != nil {
		if xerrors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, xerrors.Wrap(err, "redisstore: get schema version")
	}
	return v, nil
}

// InitSchema Redis 无结构可建，仅记录版本号
func (s *Store) InitSchema(ctx context.Context) error {
	v, err := s.GetSchemaVersion(ctx)
	if err != nil {
		return err
	}
	if v >= storage.SchemaVersion {
		return nil
	}
	if err := s.conn.GetClient().Set(ctx, schemaVersionKey, storage.SchemaVersion, 0).Err(); err != nil {
		return xerrors.Wrap(err, "redisstore: set schema version")
	}
	s.logger.Info("schema initialized", clog.Int("version", storage.SchemaVersion))
	return nil
}

func (s *Store) HealthCheck(ctx context.Context) error {
	return s.conn.HealthCheck(ctx)
}

func (s *Store) Name() string {
	return "redis"
}

// Close 后端不拥有连接器，由应用层统一释放
func (s *Store) Close() error {
	return nil
}
