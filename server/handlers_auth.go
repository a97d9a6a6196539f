package server

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ceyewan/idbuilder/errcode"
	"github.com/ceyewan/idbuilder/idspec"
)

func (s *Server) handleAuthVerify(c *gin.Context) {
	s.respondOK(c, gin.H{})
}

type tokenResponse struct {
	Key       string    `json:"key"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) handleToken(c *gin.Context) {
	key := c.Query("key")
	if err := idspec.ValidateKey(key); err != nil {
		s.respondCode(c, errcode.InvalidKey, "")
		return
	}

	token, err := s.tokens.Issue(c.Request.Context(), key)
	if err != nil {
		s.respondError(c, err)
		return
	}
	s.respondOK(c, tokenResponse{
		Key:       key,
		Token:     token,
		ExpiresAt: time.Now().Add(s.tokenExpiry),
	})
}

func (s *Server) handleTokenReset(c *gin.Context) {
	key := c.Query("key")
	if err := idspec.ValidateKey(key); err != nil {
		s.respondCode(c, errcode.InvalidKey, "")
		return
	}

	token, err := s.tokens.Reset(c.Request.Context(), key)
	if err != nil {
		s.respondError(c, err)
		return
	}
	s.respondOK(c, tokenResponse{
		Key:       key,
		Token:     token,
		ExpiresAt: time.Now().Add(s.tokenExpiry),
	})
}
