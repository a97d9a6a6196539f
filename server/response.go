package server

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ceyewan/idbuilder/clog"

	"github.com/ceyewan/idbuilder/errcode"
	"github.com/ceyewan/idbuilder/idspec"
	"github.com/ceyewan/idbuilder/sequence"
	"github.com/ceyewan/idbuilder/service"
	"github.com/ceyewan/idbuilder/storage"
	"github.com/ceyewan/idbuilder/xerrors"
)

// Response 统一响应信封
type Response struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

// respondOK 成功响应
func (s *Server) respondOK(c *gin.Context, data any) {
	s.count(c, errcode.Success)
	c.JSON(200, Response{Code: int(errcode.Success), Message: "ok", Data: data})
}

// respondCode 按业务码响应
func (s *Server) respondCode(c *gin.Context, code errcode.Code, msg string) {
	if msg == "" {
		msg = code.Message()
	}
	s.count(c, code)
	c.AbortWithStatusJSON(code.HTTPStatus(), Response{Code: int(code), Message: msg, Data: nil})
}

// respondError 错误响应，错误链映射为业务码
func (s *Server) respondError(c *gin.Context, err error) {
	code := mapError(err)
	msg := code.Message()
	// 参数类与资源类错误把细节透出给调用方，内部错误不透出
	if code != errcode.Internal {
		msg = err.Error()
	} else {
		s.logger.Error("request failed",
			clog.String("path", c.FullPath()), clog.Error(err))
	}
	s.count(c, code)
	c.AbortWithStatusJSON(code.HTTPStatus(), Response{Code: int(code), Message: msg, Data: nil})
}

func (s *Server) count(c *gin.Context, code errcode.Code) {
	if s.metrics == nil {
		return
	}
	s.metrics.RequestTotal.WithLabelValues(c.FullPath(), strconv.Itoa(int(code))).Inc()
}

// mapError 把内部错误链翻译为对外业务码
func mapError(err error) errcode.Code {
	switch {
	case xerrors.Is(err, service.ErrSizeTooLarge):
		return errcode.SizeTooLarge
	case xerrors.Is(err, service.ErrDeltaTooLarge):
		return errcode.DeltaTooLarge
	case xerrors.Is(err, idspec.ErrInvalidKey):
		return errcode.InvalidKey
	case xerrors.Is(err, service.ErrBadParams),
		xerrors.Is(err, service.ErrTypeMismatch),
		xerrors.Is(err, idspec.ErrInvalidConfig):
		return errcode.BadParams
	case xerrors.Is(err, service.ErrConfigNotFound),
		xerrors.Is(err, storage.ErrNotFound):
		return errcode.NotFound
	case xerrors.Is(err, sequence.ErrExhausted),
		xerrors.Is(err, storage.ErrExhausted):
		return errcode.Exhausted
	case xerrors.Is(err, storage.ErrPoolExhausted):
		return errcode.Unavailable
	default:
		return errcode.Internal
	}
}
