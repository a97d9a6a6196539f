package connector

import "github.com/ceyewan/idbuilder/clog"

// Option 组件初始化选项函数
type Option func(*options)

type options struct {
	logger clog.Logger
}

func (o *options) applyDefaults() {
	if o.logger == nil {
		o.logger = clog.Discard()
	}
}

// WithLogger 设置 Logger
func WithLogger(logger clog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}
