// Package testkit 提供各存储后端的测试装配辅助。
package testkit

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ceyewan/idbuilder/clog"
	"github.com/ceyewan/idbuilder/connector"
	"github.com/ceyewan/idbuilder/storage"
	"github.com/ceyewan/idbuilder/storage/filestore"
	"github.com/ceyewan/idbuilder/storage/redisstore"
	"github.com/ceyewan/idbuilder/storage/sqlstore"
)

// NewLogger 测试用 Logger，丢弃全部输出
func NewLogger() clog.Logger {
	return clog.Discard()
}

// NewFileStore 临时目录上的文件后端
func NewFileStore(t *testing.T) *filestore.Store {
	t.Helper()
	st, err := filestore.New(&filestore.Config{Dir: t.TempDir()}, NewLogger())
	if err != nil {
		t.Fatalf("create file store: %v", err)
	}
	if err := st.InitSchema(context.Background()); err != nil {
		t.Fatalf("init file schema: %v", err)
	}
	return st
}

// NewMiniredis 启动进程内 Redis 并返回客户端
func NewMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

// NewRedisStore miniredis 上的 Redis 后端
func NewRedisStore(t *testing.T) (*redisstore.Store, *miniredis.Miniredis) {
	t.Helper()
	mr, client := NewMiniredis(t)
	conn := connector.NewRedisFromClient("test", client)
	st, err := redisstore.New(conn, NewLogger())
	if err != nil {
		t.Fatalf("create redis store: %v", err)
	}
	if err := st.InitSchema(context.Background()); err != nil {
		t.Fatalf("init redis schema: %v", err)
	}
	return st, mr
}

// NewSQLStore 临时 SQLite 库上的 SQL 后端
func NewSQLStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	// 内存库在连接池下会退化为每连接一库，这里用临时文件
	path := filepath.Join(t.TempDir(), "idbuilder_test.db")
	conn, err := connector.NewSQLite(&connector.SQLiteConfig{Name: "test", Path: path}, connector.WithLogger(NewLogger()))
	if err != nil {
		t.Fatalf("create sqlite connector: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	st, err := sqlstore.New(conn.GetClient(), "sqlite", NewLogger())
	if err != nil {
		t.Fatalf("create sql store: %v", err)
	}
	if err := st.InitSchema(context.Background()); err != nil {
		t.Fatalf("init sql schema: %v", err)
	}
	return st
}

// AllStores 返回三种可在单测中运行的后端
func AllStores(t *testing.T) map[string]storage.Store {
	t.Helper()
	redisStore, _ := NewRedisStore(t)
	return map[string]storage.Store{
		"file":   NewFileStore(t),
		"redis":  redisStore,
		"sqlite": NewSQLStore(t),
	}
}
