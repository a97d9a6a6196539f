package storage_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/idbuilder/idspec"
	"github.com/ceyewan/idbuilder/storage"
	"github.com/ceyewan/idbuilder/testkit"
)

// 契约测试：每个后端都要满足同一组可观测语义。

func TestReserveRangeBasics(t *testing.T) {
	for name, st := range testkit.AllStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			// 懒初始化：播种 Init=999，首个区间从 1000 开始
			rng, err := st.ReserveRange(ctx, storage.ReserveRequest{
				Key: "orders", Count: 5, Delta: 1, Init: 999,
			})
			require.NoError(t, err)
			assert.Equal(t, int64(1000), rng.First)
			assert.Equal(t, int64(1004), rng.Last)
			assert.Equal(t, []int64{1000, 1001, 1002, 1003, 1004}, rng.Values())

			// 后续区间紧随其后
			rng, err = st.ReserveRange(ctx, storage.ReserveRequest{
				Key: "orders", Count: 3, Delta: 1, Init: 999,
			})
			require.NoError(t, err)
			assert.Equal(t, int64(1005), rng.First)
			assert.Equal(t, int64(1007), rng.Last)

			// 步长大于 1
			rng, err = st.ReserveRange(ctx, storage.ReserveRequest{
				Key: "stepped", Count: 3, Delta: 10, Init: 0,
			})
			require.NoError(t, err)
			assert.Equal(t, int64(10), rng.First)
			assert.Equal(t, int64(30), rng.Last)
			assert.Equal(t, 3, rng.Count())
		})
	}
}

func TestReserveRangeMaxCap(t *testing.T) {
	for name, st := range testkit.AllStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := st.ReserveRange(ctx, storage.ReserveRequest{
				Key: "capped", Count: 5, Delta: 1, Init: 0, Max: 10,
			})
			require.NoError(t, err)

			// 越过上限
			_, err = st.ReserveRange(ctx, storage.ReserveRequest{
				Key: "capped", Count: 10, Delta: 1, Init: 0, Max: 10,
			})
			assert.ErrorIs(t, err, storage.ErrExhausted)
		})
	}
}

func TestReserveRangeConcurrentDisjoint(t *testing.T) {
	// SQLite 对并发写入支持有限，这里只覆盖 file 与 redis
	redisStore, _ := testkit.NewRedisStore(t)
	stores := map[string]storage.Store{
		"file":  testkit.NewFileStore(t),
		"redis": redisStore,
	}

	for name, st := range stores {
		t.Run(name, func(t *testing.T) {
			const (
				workers = 8
				rounds  = 50
				batch   = 7
			)

			var mu sync.Mutex
			seen := make(map[int64]bool)
			var wg sync.WaitGroup

			for w := 0; w < workers; w++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ctx := context.Background()
					for r := 0; r < rounds; r++ {
						rng, err := st.ReserveRange(ctx, storage.ReserveRequest{
							Key: "hot", Count: batch, Delta: 1, Init: 0,
						})
						if err != nil {
							t.Errorf("reserve: %v", err)
							return
						}
						mu.Lock()
						for _, v := range rng.Values() {
							if seen[v] {
								t.Errorf("duplicate id %d", v)
							}
							seen[v] = true
						}
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			assert.Len(t, seen, workers*rounds*batch)
		})
	}
}

func TestResetSequenceWitnessCAS(t *testing.T) {
	for name, st := range testkit.AllStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := "fmt:invoice"

			_, err := st.ReserveRange(ctx, storage.ReserveRequest{
				Key: key, Count: 100, Delta: 1, Init: 0,
			})
			require.NoError(t, err)

			// 第一次重置成功
			require.NoError(t, st.ResetSequence(ctx, key, 0, "2025-01-27"))

			// 同一 witness 的第二次重置是幂等空操作
			err = st.ResetSequence(ctx, key, 0, "2025-01-27")
			assert.ErrorIs(t, err, storage.ErrAlreadyReset)

			w, err := st.GetWitness(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, "2025-01-27", w)

			// 重置后计数从头开始
			rng, err := st.ReserveRange(ctx, storage.ReserveRequest{
				Key: key, Count: 1, Delta: 1, Init: 0,
			})
			require.NoError(t, err)
			assert.Equal(t, int64(1), rng.First)

			// 新的作用域再次可重置
			require.NoError(t, st.ResetSequence(ctx, key, 0, "2025-01-28"))
		})
	}
}

func TestSequenceNotFound(t *testing.T) {
	for name, st := range testkit.AllStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := st.GetSequence(ctx, "missing")
			assert.ErrorIs(t, err, storage.ErrNotFound)
			_, err = st.GetWitness(ctx, "missing")
			assert.ErrorIs(t, err, storage.ErrNotFound)
		})
	}
}

func TestConfigRoundTripAndList(t *testing.T) {
	for name, st := range testkit.AllStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			for i := 0; i < 5; i++ {
				cfg := &idspec.Config{
					Key:    fmt.Sprintf("key-%02d", i),
					IDType: idspec.TypeIncrement,
					Increment: &idspec.IncrementConfig{
						Base: int64(i * 100), Delta: 1, MaxRequestDelta: 10,
					},
				}
				require.NoError(t, st.PutConfig(ctx, cfg))
			}

			got, err := st.GetConfig(ctx, "key-03")
			require.NoError(t, err)
			assert.Equal(t, idspec.TypeIncrement, got.IDType)
			assert.Equal(t, int64(300), got.Increment.Base)

			// upsert 覆盖
			require.NoError(t, st.PutConfig(ctx, &idspec.Config{
				Key:    "key-03",
				IDType: idspec.TypeIncrement,
				Increment: &idspec.IncrementConfig{
					Base: 999, Delta: 2, MaxRequestDelta: 10,
				},
			}))
			got, err = st.GetConfig(ctx, "key-03")
			require.NoError(t, err)
			assert.Equal(t, int64(999), got.Increment.Base)

			_, err = st.GetConfig(ctx, "nope")
			assert.ErrorIs(t, err, storage.ErrNotFound)

			// 游标分页
			page, err := st.ListConfigs(ctx, "", 2)
			require.NoError(t, err)
			require.Len(t, page.Items, 2)
			assert.Equal(t, "key-00", page.Items[0].Key)
			assert.Equal(t, "key-01", page.Items[1].Key)
			assert.True(t, page.HasMore)
			assert.Equal(t, "key-01", page.NextCursor)

			page, err = st.ListConfigs(ctx, page.NextCursor, 10)
			require.NoError(t, err)
			require.Len(t, page.Items, 3)
			assert.Equal(t, "key-02", page.Items[0].Key)
			assert.False(t, page.HasMore)
		})
	}
}

func TestTokenStore(t *testing.T) {
	for name, st := range testkit.AllStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := st.GetToken(ctx, "orders")
			assert.ErrorIs(t, err, storage.ErrNotFound)

			require.NoError(t, st.PutToken(ctx, "orders", "hash-1"))
			h, err := st.GetToken(ctx, "orders")
			require.NoError(t, err)
			assert.Equal(t, "hash-1", h)

			require.NoError(t, st.PutToken(ctx, "orders", "hash-2"))
			h, err = st.GetToken(ctx, "orders")
			require.NoError(t, err)
			assert.Equal(t, "hash-2", h)
		})
	}
}

func TestDistributedLock(t *testing.T) {
	for name, st := range testkit.AllStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			ok, err := st.TryAcquireLock(ctx, "init", "owner-a", time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)

			// 他人拿不到
			ok, err = st.TryAcquireLock(ctx, "init", "owner-b", time.Minute)
			require.NoError(t, err)
			assert.False(t, ok)

			// 持有者可续约
			ok, err = st.TryAcquireLock(ctx, "init", "owner-a", time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)

			// 非持有者的释放不生效
			require.NoError(t, st.ReleaseLock(ctx, "init", "owner-b"))
			ok, err = st.TryAcquireLock(ctx, "init", "owner-b", time.Minute)
			require.NoError(t, err)
			assert.False(t, ok)

			// 持有者释放后可被他人获取
			require.NoError(t, st.ReleaseLock(ctx, "init", "owner-a"))
			ok, err = st.TryAcquireLock(ctx, "init", "owner-b", time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestWorkerIDLease(t *testing.T) {
	for name, st := range testkit.AllStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			const pool = 4

			// 依次认领最小空闲编号
			for i := int64(0); i < pool; i++ {
				id, err := st.AcquireWorkerID(ctx, "events", fmt.Sprintf("client-%d", i), pool, time.Minute)
				require.NoError(t, err)
				assert.Equal(t, i, id)
			}

			// 池满
			_, err := st.AcquireWorkerID(ctx, "events", "client-extra", pool, time.Minute)
			assert.ErrorIs(t, err, storage.ErrPoolExhausted)

			// 同一 fingerprint 续约拿到同一编号
			id, err := st.AcquireWorkerID(ctx, "events", "client-2", pool, time.Minute)
			require.NoError(t, err)
			assert.Equal(t, int64(2), id)
		})
	}
}

func TestSchemaInitIdempotent(t *testing.T) {
	for name, st := range testkit.AllStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			// testkit 已经初始化过一次，再跑两次必须无害
			require.NoError(t, st.InitSchema(ctx))
			require.NoError(t, st.InitSchema(ctx))

			v, err := st.GetSchemaVersion(ctx)
			require.NoError(t, err)
			assert.Equal(t, storage.SchemaVersion, v)

			require.NoError(t, st.HealthCheck(ctx))
		})
	}
}
