package connector

import (
	"context"
	"fmt"
	"sync/atomic"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ceyewan/idbuilder/clog"
	"github.com/ceyewan/idbuilder/xerrors"
)

// sqlConnector MySQL / PostgreSQL / SQLite 共用的 GORM 连接器实现
type sqlConnector struct {
	cfg     *SQLConfig
	dialect string
	db      *gorm.DB
	logger  clog.Logger
	healthy atomic.Bool
}

// NewMySQL 创建 MySQL 连接器
func NewMySQL(cfg *SQLConfig, opts ...Option) (MySQLConnector, error) {
	cfg.setDefaults(3306)
	if err := cfg.validate(); err != nil {
		return nil, xerrors.Wrap(err, "invalid mysql config")
	}

	opt := &options{}
	for _, o := range opts {
		o(opt)
	}
	opt.applyDefaults()

	dsn := cfg.DSN
	if dsn == "" {
		dsn = fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
			cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database)
	}

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "mysql connector[%s]: open failed", cfg.Name)
	}

	return &sqlConnector{
		cfg:     cfg,
		dialect: "mysql",
		db:      db,
		logger:  opt.logger.With(clog.String("connector", "mysql"), clog.String("name", cfg.Name)),
	}, nil
}

// NewPostgreSQL 创建 PostgreSQL 连接器
func NewPostgreSQL(cfg *SQLConfig, opts ...Option) (PostgreSQLConnector, error) {
	cfg.setDefaults(5432)
	if err := cfg.validate(); err != nil {
		return nil, xerrors.Wrap(err, "invalid postgresql config")
	}

	opt := &options{}
	for _, o := range opts {
		o(opt)
	}
	opt.applyDefaults()

	dsn := cfg.DSN
	if dsn == "" {
		dsn = fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.Database)
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "postgresql connector[%s]: open failed", cfg.Name)
	}

	return &sqlConnector{
		cfg:     cfg,
		dialect: "postgres",
		db:      db,
		logger:  opt.logger.With(clog.String("connector", "postgres"), clog.String("name", cfg.Name)),
	}, nil
}

// NewSQLite 创建 SQLite 连接器，主要用于测试
func NewSQLite(cfg *SQLiteConfig, opts ...Option) (SQLiteConnector, error) {
	cfg.setDefaults()

	opt := &options{}
	for _, o := range opts {
		o(opt)
	}
	opt.applyDefaults()

	db, err := gorm.Open(sqlite.Open(cfg.Path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "sqlite connector[%s]: open failed", cfg.Name)
	}

	return &sqlConnector{
		cfg:     &SQLConfig{Name: cfg.Name},
		dialect: "sqlite",
		db:      db,
		logger:  opt.logger.With(clog.String("connector", "sqlite"), clog.String("name", cfg.Name)),
	}, nil
}

// Connect 建立连接并配置连接池
func (c *sqlConnector) Connect(ctx context.Context) error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return xerrors.Wrapf(err, "%s connector[%s]: failed to get db instance", c.dialect, c.cfg.Name)
	}

	if c.cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(c.cfg.MaxIdleConns)
	}
	if c.cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(c.cfg.MaxOpenConns)
	}
	if c.cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(c.cfg.ConnMaxLifetime)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		c.logger.Error("failed to connect", clog.Error(err))
		return xerrors.Wrapf(err, "%s connector[%s]: ping failed", c.dialect, c.cfg.Name)
	}

	c.healthy.Store(true)
	c.logger.Info("connected", clog.String("dialect", c.dialect))
	return nil
}

// Close 关闭连接
func (c *sqlConnector) Close() error {
	c.healthy.Store(false)
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// HealthCheck 检查连接健康状态
func (c *sqlConnector) HealthCheck(ctx context.Context) error {
	sqlDB, err := c.db.DB()
	if err != nil {
		c.healthy.Store(false)
		return xerrors.Wrapf(err, "%s connector[%s]: health check failed", c.dialect, c.cfg.Name)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		c.healthy.Store(false)
		c.logger.Warn("health check failed", clog.Error(err))
		return xerrors.Wrapf(err, "%s connector[%s]: ping failed", c.dialect, c.cfg.Name)
	}
	c.healthy.Store(true)
	return nil
}

// IsHealthy 返回缓存的健康状态
func (c *sqlConnector) IsHealthy() bool {
	return c.healthy.Load()
}

// Name 返回连接实例名称
func (c *sqlConnector) Name() string {
	return c.cfg.Name
}

// GetClient 返回底层 GORM 实例
func (c *sqlConnector) GetClient() *gorm.DB {
	return c.db
}
