package server

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ceyewan/idbuilder/errcode"
	"github.com/ceyewan/idbuilder/idspec"
	"github.com/ceyewan/idbuilder/storage"
	"github.com/ceyewan/idbuilder/xerrors"
)

// incrementDTO 自增配置的请求/响应体
type incrementDTO struct {
	Key             string `json:"key"`
	Base            int64  `json:"base"`
	Delta           int64  `json:"delta"`
	MaxRequestDelta int64  `json:"max_request_delta"`
	RandDelta       bool   `json:"rand_delta"`
}

// snowflakeDTO 雪花配置的请求/响应体
type snowflakeDTO struct {
	Key          string `json:"key"`
	SkipSize     uint8  `json:"skip_size"`
	BaseTS       int64  `json:"base_ts"`
	TSSize       uint8  `json:"ts_size"`
	WorkerIDSize uint8  `json:"worker_id_size"`
	SeqSize      uint8  `json:"seq_size"`
}

// formattedDTO 模板配置的请求/响应体
type formattedDTO struct {
	Key   string        `json:"key"`
	Parts []idspec.Part `json:"parts"`
}

func (s *Server) handleConfigIncrement(c *gin.Context) {
	var dto incrementDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		s.respondCode(c, errcode.BadParams, err.Error())
		return
	}
	if dto.Delta == 0 {
		dto.Delta = 1
	}
	if dto.MaxRequestDelta == 0 {
		dto.MaxRequestDelta = dto.Delta
	}

	cfg := &idspec.Config{
		Key:    dto.Key,
		IDType: idspec.TypeIncrement,
		Increment: &idspec.IncrementConfig{
			Base:            dto.Base,
			Delta:           dto.Delta,
			MaxRequestDelta: dto.MaxRequestDelta,
			RandDelta:       dto.RandDelta,
		},
	}
	s.putConfig(c, cfg, dto)
}

func (s *Server) handleConfigSnowflake(c *gin.Context) {
	var dto snowflakeDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		s.respondCode(c, errcode.BadParams, err.Error())
		return
	}

	cfg := &idspec.Config{
		Key:    dto.Key,
		IDType: idspec.TypeSnowflake,
		Snowflake: &idspec.SnowflakeConfig{
			SkipSize:     dto.SkipSize,
			BaseTS:       dto.BaseTS,
			TSSize:       dto.TSSize,
			WorkerIDSize: dto.WorkerIDSize,
			SeqSize:      dto.SeqSize,
		},
	}
	s.putConfig(c, cfg, dto)
}

func (s *Server) handleConfigFormatted(c *gin.Context) {
	var dto formattedDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		s.respondCode(c, errcode.BadParams, err.Error())
		return
	}

	cfg := &idspec.Config{
		Key:       dto.Key,
		IDType:    idspec.TypeFormatted,
		Formatted: &idspec.FormattedConfig{Parts: dto.Parts},
	}
	s.putConfig(c, cfg, dto)
}

// putConfig 校验并持久化配置，成功时回显请求体
func (s *Server) putConfig(c *gin.Context, cfg *idspec.Config, echo any) {
	if err := cfg.Validate(); err != nil {
		s.respondError(c, err)
		return
	}
	if err := s.store.PutConfig(c.Request.Context(), cfg); err != nil {
		s.respondError(c, err)
		return
	}
	s.logger.Info("config saved")
	s.respondOK(c, echo)
}

// handleConfigGet 读回配置，响应体与 POST 的回显一致
func (s *Server) handleConfigGet(c *gin.Context) {
	key := c.Query("key")
	if err := idspec.ValidateKey(key); err != nil {
		s.respondCode(c, errcode.InvalidKey, "")
		return
	}

	cfg, err := s.store.GetConfig(c.Request.Context(), key)
	if err != nil {
		s.respondError(c, err)
		return
	}

	switch cfg.IDType {
	case idspec.TypeIncrement:
		s.respondOK(c, incrementDTO{
			Key:             cfg.Key,
			Base:            cfg.Increment.Base,
			Delta:           cfg.Increment.Delta,
			MaxRequestDelta: cfg.Increment.MaxRequestDelta,
			RandDelta:       cfg.Increment.RandDelta,
		})
	case idspec.TypeSnowflake:
		s.respondOK(c, snowflakeDTO{
			Key:          cfg.Key,
			SkipSize:     cfg.Snowflake.SkipSize,
			BaseTS:       cfg.Snowflake.BaseTS,
			TSSize:       cfg.Snowflake.TSSize,
			WorkerIDSize: cfg.Snowflake.WorkerIDSize,
			SeqSize:      cfg.Snowflake.SeqSize,
		})
	case idspec.TypeFormatted:
		s.respondOK(c, formattedDTO{Key: cfg.Key, Parts: cfg.Formatted.Parts})
	default:
		s.respondCode(c, errcode.Internal, "")
	}
}

type configListItem struct {
	Key    string `json:"key"`
	IDType string `json:"id_type"`
}

type configListResponse struct {
	Items      []configListItem `json:"items"`
	NextCursor string           `json:"next_cursor"`
	HasMore    bool             `json:"has_more"`
}

func (s *Server) handleConfigList(c *gin.Context) {
	// key 参数给出时做单 key 查询
	if key := c.Query("key"); key != "" {
		cfg, err := s.store.GetConfig(c.Request.Context(), key)
		if err != nil {
			if xerrors.Is(err, storage.ErrNotFound) {
				s.respondOK(c, configListResponse{Items: []configListItem{}})
				return
			}
			s.respondError(c, err)
			return
		}
		s.respondOK(c, configListResponse{
			Items: []configListItem{{Key: cfg.Key, IDType: string(cfg.IDType)}},
		})
		return
	}

	size := 20
	if raw := c.Query("size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			s.respondCode(c, errcode.BadParams, "size must be in [1, 100]")
			return
		}
		size = n
	}

	page, err := s.store.ListConfigs(c.Request.Context(), c.Query("from"), size)
	if err != nil {
		s.respondError(c, err)
		return
	}

	resp := configListResponse{
		Items:      make([]configListItem, 0, len(page.Items)),
		NextCursor: page.NextCursor,
		HasMore:    page.HasMore,
	}
	for _, item := range page.Items {
		resp.Items = append(resp.Items, configListItem{Key: item.Key, IDType: string(item.IDType)})
	}
	s.respondOK(c, resp)
}
