package storage

import "github.com/ceyewan/idbuilder/xerrors"

var (
	// ErrNotFound 记录不存在
	ErrNotFound = xerrors.New("storage: not found")

	// ErrExhausted 计数器溢出或越过配置上限
	ErrExhausted = xerrors.New("storage: sequence exhausted")

	// ErrAlreadyReset 目标 witness 已被其他 worker 写入
	ErrAlreadyReset = xerrors.New("storage: already reset for witness")

	// ErrPoolExhausted worker_id 池已全部被租约
	ErrPoolExhausted = xerrors.New("storage: worker id pool exhausted")

	// ErrConflict 乐观并发冲突，重试次数耗尽
	ErrConflict = xerrors.New("storage: version conflict")

	// ErrUnsupportedBackend 未知的后端类型
	ErrUnsupportedBackend = xerrors.New("storage: unsupported backend")
)
