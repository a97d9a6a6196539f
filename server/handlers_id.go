package server

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ceyewan/idbuilder/errcode"
	"github.com/ceyewan/idbuilder/service"
)

func (s *Server) handleIDIncrement(c *gin.Context) {
	key := c.Query("key")

	size := 1
	if raw := c.Query("size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.respondCode(c, errcode.BadParams, "size must be an integer")
			return
		}
		size = n
	}

	// delta 缺省为 0，由服务层回退到配置的默认步长
	var delta int64
	if raw := c.Query("delta"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 1 {
			s.respondCode(c, errcode.BadParams, "delta must be a positive integer")
			return
		}
		delta = n
	}

	randDelta := false
	if raw := c.Query("rand_delta"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			s.respondCode(c, errcode.BadParams, "rand_delta must be a boolean")
			return
		}
		randDelta = b
	}

	ids, err := s.increment.Generate(c.Request.Context(), service.GenerateRequest{
		Key:       key,
		Size:      size,
		Delta:     delta,
		RandDelta: randDelta,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}

	if s.metrics != nil {
		s.metrics.IDsIssued.WithLabelValues("increment").Add(float64(len(ids)))
	}
	s.respondOK(c, gin.H{"id": ids})
}

func (s *Server) handleIDSnowflake(c *gin.Context) {
	key := c.Query("key")

	// 客户端指纹：显式参数优先，缺省用对端地址
	fingerprint := c.Query("fingerprint")
	if fingerprint == "" {
		fingerprint = c.ClientIP()
	}

	desc, err := s.snowflake.Describe(c.Request.Context(), key, fingerprint)
	if err != nil {
		s.respondError(c, err)
		return
	}

	if s.metrics != nil {
		s.metrics.IDsIssued.WithLabelValues("snowflake").Inc()
	}
	s.respondOK(c, desc)
}

func (s *Server) handleIDFormatted(c *gin.Context) {
	key := c.Query("key")

	size := 1
	if raw := c.Query("size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.respondCode(c, errcode.BadParams, "size must be an integer")
			return
		}
		size = n
	}

	ids, err := s.formatted.Generate(c.Request.Context(), key, size)
	if err != nil {
		s.respondError(c, err)
		return
	}

	if s.metrics != nil {
		s.metrics.IDsIssued.WithLabelValues("formatted").Add(float64(len(ids)))
	}
	s.respondOK(c, gin.H{"id": ids})
}
