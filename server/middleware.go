package server

import (
	"crypto/subtle"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ceyewan/idbuilder/clog"
	"github.com/ceyewan/idbuilder/errcode"
)

// bearerToken 取出 Authorization: Bearer <token>
func bearerToken(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

// requireAdmin 管理面认证：比较配置中的 admin token（常数时间）
func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			s.respondCode(c, errcode.Unauthenticated, "")
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			// 持有合法 key 令牌但访问管理面，算权限不足
			if key := c.Query("key"); key != "" {
				if ok, _ := s.tokens.Verify(c.Request.Context(), key, token); ok {
					s.respondCode(c, errcode.Unauthorized, "")
					return
				}
			}
			s.respondCode(c, errcode.Unauthenticated, "")
			return
		}
		c.Next()
	}
}

// requireKeyToken 数据面认证：按 key 校验令牌
func (s *Server) requireKeyToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.Query("key")
		if key == "" {
			s.respondCode(c, errcode.BadParams, "key is required")
			return
		}
		token := bearerToken(c)
		if token == "" {
			s.respondCode(c, errcode.Unauthenticated, "")
			return
		}

		// admin token 用于数据面访问属于越权使用
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) == 1 {
			s.respondCode(c, errcode.Unauthorized, "")
			return
		}

		ok, err := s.tokens.Verify(c.Request.Context(), key, token)
		if err != nil {
			s.respondError(c, err)
			return
		}
		if !ok {
			s.respondCode(c, errcode.Unauthenticated, "")
			return
		}
		c.Next()
	}
}

// requestLog 访问日志
func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			clog.String("method", c.Request.Method),
			clog.String("path", c.FullPath()),
			clog.Int("status", c.Writer.Status()),
			clog.Duration("elapsed", time.Since(start)))
	}
}
