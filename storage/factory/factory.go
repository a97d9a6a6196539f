// Package factory 按配置装配存储后端。
// 服务启动时选定一个后端，之后核心各组件只面向 storage.Store 契约。
package factory

import (
	"context"

	"github.com/ceyewan/idbuilder/clog"
	"github.com/ceyewan/idbuilder/config"
	"github.com/ceyewan/idbuilder/connector"
	"github.com/ceyewan/idbuilder/storage"
	"github.com/ceyewan/idbuilder/storage/filestore"
	"github.com/ceyewan/idbuilder/storage/redisstore"
	"github.com/ceyewan/idbuilder/storage/sqlstore"
	"github.com/ceyewan/idbuilder/xerrors"
)

// Open 创建并连接配置指定的后端。
// 返回的清理函数按 LIFO 释放后端与底层连接器。
func Open(ctx context.Context, cfg *config.StorageConfig, logger clog.Logger) (storage.Store, func() error, error) {
	switch cfg.Backend {
	case "file":
		st, err := filestore.New(&cfg.File, logger)
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil

	case "redis":
		conn, err := connector.NewRedis(&cfg.Redis, connector.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		if err := conn.Connect(ctx); err != nil {
			return nil, nil, err
		}
		st, err := redisstore.New(conn, logger)
		if err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
		cleanup := func() error {
			err := st.Close()
			return xerrors.Join(err, conn.Close())
		}
		return st, cleanup, nil

	case "mysql":
		conn, err := connector.NewMySQL(&cfg.MySQL, connector.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		if err := conn.Connect(ctx); err != nil {
			return nil, nil, err
		}
		st, err := sqlstore.New(conn.GetClient(), "mysql", logger)
		if err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
		cleanup := func() error {
			err := st.Close()
			return xerrors.Join(err, conn.Close())
		}
		return st, cleanup, nil

	case "postgres":
		conn, err := connector.NewPostgreSQL(&cfg.Postgres, connector.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		if err := conn.Connect(ctx); err != nil {
			return nil, nil, err
		}
		st, err := sqlstore.New(conn.GetClient(), "postgres", logger)
		if err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
		cleanup := func() error {
			err := st.Close()
			return xerrors.Join(err, conn.Close())
		}
		return st, cleanup, nil

	default:
		return nil, nil, xerrors.Wrapf(storage.ErrUnsupportedBackend, "backend: %q", cfg.Backend)
	}
}
