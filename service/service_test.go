package service_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/idbuilder/idspec"
	"github.com/ceyewan/idbuilder/sequence"
	"github.com/ceyewan/idbuilder/service"
	"github.com/ceyewan/idbuilder/storage"
	"github.com/ceyewan/idbuilder/testkit"
)

func setupIncrement(t *testing.T, cfg *idspec.IncrementConfig) (*service.IncrementService, storage.Store) {
	t.Helper()
	st := testkit.NewFileStore(t)
	ctx := context.Background()
	require.NoError(t, st.PutConfig(ctx, &idspec.Config{
		Key: "orders", IDType: idspec.TypeIncrement, Increment: cfg,
	}))
	seq := sequence.NewManager(st, sequence.WithLogger(testkit.NewLogger()))
	return service.NewIncrement(st, seq, testkit.NewLogger()), st
}

func TestIncrementGenerate(t *testing.T) {
	svc, _ := setupIncrement(t, &idspec.IncrementConfig{
		Base: 1000, Delta: 1, MaxRequestDelta: 100,
	})
	ctx := context.Background()

	ids, err := svc.Generate(ctx, service.GenerateRequest{Key: "orders", Size: 5, Delta: 1})
	require.NoError(t, err)
	assert.Equal(t, []int64{1000, 1001, 1002, 1003, 1004}, ids)

	ids, err = svc.Generate(ctx, service.GenerateRequest{Key: "orders", Size: 3, Delta: 1})
	require.NoError(t, err)
	assert.Equal(t, []int64{1005, 1006, 1007}, ids)
}

func TestIncrementValidation(t *testing.T) {
	svc, _ := setupIncrement(t, &idspec.IncrementConfig{
		Base: 1, Delta: 1, MaxRequestDelta: 10,
	})
	ctx := context.Background()

	_, err := svc.Generate(ctx, service.GenerateRequest{Key: "orders", Size: 0, Delta: 1})
	assert.ErrorIs(t, err, service.ErrSizeTooLarge)

	_, err = svc.Generate(ctx, service.GenerateRequest{Key: "orders", Size: 1001, Delta: 1})
	assert.ErrorIs(t, err, service.ErrSizeTooLarge)

	_, err = svc.Generate(ctx, service.GenerateRequest{Key: "orders", Size: 1, Delta: -1})
	assert.ErrorIs(t, err, service.ErrBadParams)

	// 缺省步长回退到配置默认值
	ids, err := svc.Generate(ctx, service.GenerateRequest{Key: "orders", Size: 2})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, ids)

	_, err = svc.Generate(ctx, service.GenerateRequest{Key: "orders", Size: 1, Delta: 11})
	assert.ErrorIs(t, err, service.ErrDeltaTooLarge)

	_, err = svc.Generate(ctx, service.GenerateRequest{Key: "missing", Size: 1, Delta: 1})
	assert.ErrorIs(t, err, service.ErrConfigNotFound)
}

func TestIncrementTypeMismatch(t *testing.T) {
	st := testkit.NewFileStore(t)
	ctx := context.Background()
	require.NoError(t, st.PutConfig(ctx, &idspec.Config{
		Key: "events", IDType: idspec.TypeSnowflake,
		Snowflake: &idspec.SnowflakeConfig{SkipSize: 1, TSSize: 41, WorkerIDSize: 10, SeqSize: 12},
	}))
	seq := sequence.NewManager(st)
	svc := service.NewIncrement(st, seq, testkit.NewLogger())

	_, err := svc.Generate(ctx, service.GenerateRequest{Key: "events", Size: 1, Delta: 1})
	assert.ErrorIs(t, err, service.ErrTypeMismatch)
}

func TestIncrementRandDelta(t *testing.T) {
	svc, _ := setupIncrement(t, &idspec.IncrementConfig{
		Base: 0, Delta: 1, MaxRequestDelta: 20, RandDelta: true,
	})
	ctx := context.Background()

	seen := make(map[int64]bool)
	var last int64 = -1 << 62
	for round := 0; round < 10; round++ {
		ids, err := svc.Generate(ctx, service.GenerateRequest{Key: "orders", Size: 10, Delta: 5})
		require.NoError(t, err)
		require.Len(t, ids, 10)
		for _, v := range ids {
			require.Greater(t, v, last, "rand-delta ids must stay strictly increasing")
			require.False(t, seen[v], "duplicate id %d", v)
			seen[v] = true
			last = v
		}
	}
}

func TestSnowflakeDescribe(t *testing.T) {
	st := testkit.NewFileStore(t)
	ctx := context.Background()
	require.NoError(t, st.PutConfig(ctx, &idspec.Config{
		Key: "events", IDType: idspec.TypeSnowflake,
		Snowflake: &idspec.SnowflakeConfig{
			SkipSize: 1, BaseTS: 1704067200000, TSSize: 41, WorkerIDSize: 2, SeqSize: 12,
		},
	}))
	svc := service.NewSnowflake(st, time.Minute, testkit.NewLogger())

	// 三个客户端依次拿到 0、1、2
	for i := 0; i < 3; i++ {
		desc, err := svc.Describe(ctx, "events", fmt.Sprintf("client-%d", i))
		require.NoError(t, err)
		assert.Equal(t, int64(i), desc.WorkerID)
		assert.Equal(t, uint8(2), desc.WorkerIDSize)
		assert.Equal(t, int64(1704067200000), desc.BaseTS)
	}

	// 第四个拿到 3，第五个池满
	_, err := svc.Describe(ctx, "events", "client-3")
	require.NoError(t, err)
	_, err = svc.Describe(ctx, "events", "client-4")
	assert.ErrorIs(t, err, storage.ErrPoolExhausted)

	// 重复调用续约并返回相同编号
	desc, err := svc.Describe(ctx, "events", "client-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), desc.WorkerID)
}

func TestSnowflakeLeaseExpiry(t *testing.T) {
	st := testkit.NewFileStore(t)
	ctx := context.Background()
	require.NoError(t, st.PutConfig(ctx, &idspec.Config{
		Key: "events", IDType: idspec.TypeSnowflake,
		Snowflake: &idspec.SnowflakeConfig{
			SkipSize: 1, TSSize: 41, WorkerIDSize: 1, SeqSize: 12,
		},
	}))
	svc := service.NewSnowflake(st, 50*time.Millisecond, testkit.NewLogger())

	desc, err := svc.Describe(ctx, "events", "client-a")
	require.NoError(t, err)
	assert.Equal(t, int64(0), desc.WorkerID)

	desc, err = svc.Describe(ctx, "events", "client-b")
	require.NoError(t, err)
	assert.Equal(t, int64(1), desc.WorkerID)

	_, err = svc.Describe(ctx, "events", "client-c")
	assert.ErrorIs(t, err, storage.ErrPoolExhausted)

	// 租约过期后新客户端回收编号 0
	time.Sleep(80 * time.Millisecond)
	desc, err = svc.Describe(ctx, "events", "client-c")
	require.NoError(t, err)
	assert.Equal(t, int64(0), desc.WorkerID)
}

func TestTokenIssueResetVerify(t *testing.T) {
	st := testkit.NewFileStore(t)
	svc := service.NewToken(st, testkit.NewLogger())
	ctx := context.Background()

	// 重复签发返回同一令牌
	tok1, err := svc.Issue(ctx, "orders")
	require.NoError(t, err)
	require.Len(t, tok1, 64)

	tok2, err := svc.Issue(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, tok1, tok2)

	ok, err := svc.Verify(ctx, "orders", tok1)
	require.NoError(t, err)
	assert.True(t, ok)

	// 重置后旧令牌失效
	tok3, err := svc.Reset(ctx, "orders")
	require.NoError(t, err)
	assert.NotEqual(t, tok1, tok3)

	ok, err = svc.Verify(ctx, "orders", tok1)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = svc.Verify(ctx, "orders", tok3)
	require.NoError(t, err)
	assert.True(t, ok)

	// 未知 key 校验失败而非报错
	ok, err = svc.Verify(ctx, "ghost", tok3)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBootstrapSingleInit(t *testing.T) {
	st := testkit.NewFileStore(t)
	ctx := context.Background()

	// 多个 worker 先后启动，结构初始化幂等
	for i := 0; i < 3; i++ {
		boot := service.NewBootstrapper(st, fmt.Sprintf("worker-%d", i), testkit.NewLogger())
		require.NoError(t, boot.Run(ctx))
	}

	v, err := st.GetSchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, storage.SchemaVersion, v)
}
