package service

import "github.com/ceyewan/idbuilder/xerrors"

var (
	// ErrBadParams 参数非法
	ErrBadParams = xerrors.New("service: bad params")

	// ErrSizeTooLarge size 超出 [1, 1000]
	ErrSizeTooLarge = xerrors.New("service: size too large")

	// ErrDeltaTooLarge delta 超出配置允许的 max_request_delta
	ErrDeltaTooLarge = xerrors.New("service: delta too large")

	// ErrConfigNotFound 配置不存在
	ErrConfigNotFound = xerrors.New("service: config not found")

	// ErrTypeMismatch 配置存在但类型不符
	ErrTypeMismatch = xerrors.New("service: id type mismatch")
)

const (
	// MaxBatchSize 单次请求最多发出的 ID 数
	MaxBatchSize = 1000
)
