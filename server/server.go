// Package server 提供 HTTP 服务面：路由、认证中间件与响应编解码。
// 核心逻辑全部在 service 层，这里只做参数解析与错误翻译。
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ceyewan/idbuilder/clog"
	"github.com/ceyewan/idbuilder/metrics"
	"github.com/ceyewan/idbuilder/service"
	"github.com/ceyewan/idbuilder/storage"
)

// Options 服务器装配参数
type Options struct {
	Addr           string
	AdminToken     string
	TokenExpiry    time.Duration
	RequestTimeout time.Duration
	Metrics        *metrics.Metrics
	Logger         clog.Logger
}

// Server HTTP 服务
type Server struct {
	store     storage.Store
	increment *service.IncrementService
	formatted *service.FormattedService
	snowflake *service.SnowflakeService
	tokens    *service.TokenService

	adminToken  string
	tokenExpiry time.Duration
	metrics     *metrics.Metrics
	logger      clog.Logger

	engine *gin.Engine
	http   *http.Server
}

// New 装配服务器
func New(
	store storage.Store,
	increment *service.IncrementService,
	formatted *service.FormattedService,
	snowflake *service.SnowflakeService,
	tokens *service.TokenService,
	opts Options,
) *Server {
	if opts.Logger == nil {
		opts.Logger = clog.Discard()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.TokenExpiry <= 0 {
		opts.TokenExpiry = 365 * 24 * time.Hour
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		store:       store,
		increment:   increment,
		formatted:   formatted,
		snowflake:   snowflake,
		tokens:      tokens,
		adminToken:  opts.AdminToken,
		tokenExpiry: opts.TokenExpiry,
		metrics:     opts.Metrics,
		logger:      opts.Logger.With(clog.String("component", "server")),
		engine:      engine,
	}
	engine.Use(s.requestLog())
	s.routes()

	s.http = &http.Server{
		Addr:         opts.Addr,
		Handler:      engine,
		ReadTimeout:  opts.RequestTimeout,
		WriteTimeout: opts.RequestTimeout,
	}
	return s
}

func (s *Server) routes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/ready", s.handleReady)

	if s.metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	auth := s.engine.Group("/v1/auth", s.requireAdmin())
	{
		auth.GET("/verify", s.handleAuthVerify)
		auth.GET("/token", s.handleToken)
		auth.GET("/tokenreset", s.handleTokenReset)
	}

	cfg := s.engine.Group("/v1/config", s.requireAdmin())
	{
		cfg.GET("/list", s.handleConfigList)
		cfg.GET("/increment", s.handleConfigGet)
		cfg.POST("/increment", s.handleConfigIncrement)
		cfg.GET("/snowflake", s.handleConfigGet)
		cfg.POST("/snowflake", s.handleConfigSnowflake)
		cfg.GET("/formatted", s.handleConfigGet)
		cfg.POST("/formatted", s.handleConfigFormatted)
	}

	id := s.engine.Group("/v1/id", s.requireKeyToken())
	{
		id.GET("/increment", s.handleIDIncrement)
		id.GET("/snowflake", s.handleIDSnowflake)
		id.GET("/formatted", s.handleIDFormatted)
	}
}

// Handler 暴露底层处理器，测试使用
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run 阻塞运行直到 ListenAndServe 返回
func (s *Server) Run() error {
	s.logger.Info("http server listening", clog.String("addr", s.http.Addr))
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown 优雅停机
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	s.respondOK(c, gin.H{})
}

func (s *Server) handleReady(c *gin.Context) {
	if err := s.store.HealthCheck(c.Request.Context()); err != nil {
		s.respondError(c, err)
		return
	}
	s.respondOK(c, gin.H{})
}
