package sqlstore

import "time"

// idSequence 对应表 id_sequences。
// version 列用于乐观并发控制；witness 记录最近一次重置的作用域标记。
type idSequence struct {
	ID           uint      `gorm:"primaryKey"`
	KeyName      string    `gorm:"column:key_name;size:255;uniqueIndex"`
	CurrentValue int64     `gorm:"column:current_value"`
	Version      int64     `gorm:"column:version"`
	Witness      string    `gorm:"column:witness;size:64"`
	UpdatedAt    time.Time `gorm:"column:updated_at"`
}

func (idSequence) TableName() string { return "id_sequences" }

// idConfig 对应表 id_configs
type idConfig struct {
	ID         uint      `gorm:"primaryKey"`
	KeyName    string    `gorm:"column:key_name;size:255;uniqueIndex"`
	IDType     string    `gorm:"column:id_type;size:16"`
	ConfigJSON string    `gorm:"column:config_json;type:text"`
	UpdatedAt  time.Time `gorm:"column:updated_at"`
}

func (idConfig) TableName() string { return "id_configs" }

// keyToken 对应表 key_tokens
type keyToken struct {
	ID        uint      `gorm:"primaryKey"`
	KeyName   string    `gorm:"column:key_name;size:255;uniqueIndex"`
	TokenHash string    `gorm:"column:token_hash;size:64"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (keyToken) TableName() string { return "key_tokens" }

// distributedLock 对应表 distributed_locks。
// 同时承载命名锁与 snowflake worker_id 租约（lock_key = "worker:<key>:<i>"）。
type distributedLock struct {
	LockKey   string    `gorm:"column:lock_key;size:300;primaryKey"`
	OwnerID   string    `gorm:"column:owner_id;size:128"`
	ExpiresAt time.Time `gorm:"column:expires_at"`
}

func (distributedLock) TableName() string { return "distributed_locks" }

// schemaVersion 对应表 schema_versions
type schemaVersion struct {
	Version   int       `gorm:"column:version;uniqueIndex"`
	AppliedAt time.Time `gorm:"column:applied_at"`
}

func (schemaVersion) TableName() string { return "schema_versions" }
