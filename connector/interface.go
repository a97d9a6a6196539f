// Package connector 提供统一的连接管理能力。
//
// 核心特性：
//   - 统一抽象：通过 Connector 接口提供一致的连接管理 API
//   - 类型安全：通过 TypedConnector[T] 泛型接口确保编译时类型检查
//   - 幂等连接：Connect() 方法可安全重复调用
//   - 资源管理：遵循"谁创建，谁负责释放"原则，Close() 应在应用层调用
//
// Connector 拥有底层连接的生命周期；存储后端等组件仅借用 Connector，
// 不应调用 Close()。应用层按 LIFO 顺序释放资源。
package connector

import (
	"context"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Connector 定义所有连接器的通用行为。
// 接口方法均为并发安全，可从多个协程同时调用。
type Connector interface {
	// Connect 建立连接。幂等，可安全多次调用。
	Connect(ctx context.Context) error

	// Close 关闭连接并释放资源。幂等。
	Close() error

	// HealthCheck 通过测试请求验证连接可用性，并更新内部健康状态缓存。
	HealthCheck(ctx context.Context) error

	// IsHealthy 返回缓存的健康状态，无阻塞。
	IsHealthy() bool

	// Name 返回连接实例名称，用于日志与指标标识。
	Name() string
}

// TypedConnector 提供类型安全的客户端访问。
// 类型参数 T 是客户端类型，如 *redis.Client、*gorm.DB。
type TypedConnector[T any] interface {
	Connector

	// GetClient 返回底层客户端实例。
	// 在 Connect() 之前或 Close() 之后调用可能返回 nil。
	GetClient() T
}

// RedisConnector Redis 连接器接口。
type RedisConnector interface {
	TypedConnector[*redis.Client]
}

// MySQLConnector MySQL 连接器接口，基于 GORM。
type MySQLConnector interface {
	TypedConnector[*gorm.DB]
}

// PostgreSQLConnector PostgreSQL 连接器接口，基于 GORM。
type PostgreSQLConnector interface {
	TypedConnector[*gorm.DB]
}

// SQLiteConnector SQLite 连接器接口，基于 GORM。
// 支持内存数据库，主要用于测试场景。
type SQLiteConnector interface {
	TypedConnector[*gorm.DB]
}
