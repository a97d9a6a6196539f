package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"sync"

	"github.com/ceyewan/idbuilder/clog"
	"github.com/ceyewan/idbuilder/storage"
	"github.com/ceyewan/idbuilder/xerrors"
)

// TokenService key 令牌的签发与校验。
// 存储中只保留 SHA-256 哈希；明文只在签发时返回一次。
// 本进程签发过的明文保留在内存缓存中，使重复签发返回同一令牌。
type TokenService struct {
	store  storage.Store
	logger clog.Logger

	mu    sync.RWMutex
	cache map[string]string // key -> 明文令牌（仅本进程签发的）
}

// NewToken 创建令牌服务
func NewToken(store storage.Store, logger clog.Logger) *TokenService {
	if logger == nil {
		logger = clog.Discard()
	}
	return &TokenService{
		store:  store,
		logger: logger.With(clog.String("service", "token")),
		cache:  make(map[string]string),
	}
}

// newToken 生成 256 位随机令牌
func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", xerrors.Wrap(err, "token: rand")
	}
	return hex.EncodeToString(buf), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Issue 为 key 签发令牌。
// 已有令牌时返回缓存的明文；明文不可恢复（其他进程签发）时轮换。
func (s *TokenService) Issue(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	cached, ok := s.cache[key]
	s.mu.RUnlock()

	if ok {
		stored, err := s.store.GetToken(ctx, key)
		if err == nil && stored == hashToken(cached) {
			return cached, nil
		}
	}

	_, err := s.store.GetToken(ctx, key)
	switch {
	case err == nil:
		// 哈希存在但明文不在本进程，只能轮换
		s.logger.Warn("token plaintext unavailable, rotating", clog.String("key", key))
		return s.Reset(ctx, key)
	case xerrors.Is(err, storage.ErrNotFound):
		return s.Reset(ctx, key)
	default:
		return "", err
	}
}

// Reset 生成新令牌并原子替换存储中的哈希。旧令牌立即失效。
func (s *TokenService) Reset(ctx context.Context, key string) (string, error) {
	token, err := newToken()
	if err != nil {
		return "", err
	}
	if err := s.store.PutToken(ctx, key, hashToken(token)); err != nil {
		return "", err
	}

	s.mu.Lock()
	s.cache[key] = token
	s.mu.Unlock()

	s.logger.Info("token issued", clog.String("key", key))
	return token, nil
}

// Verify 校验令牌。哈希比较使用常数时间算法。
func (s *TokenService) Verify(ctx context.Context, key, token string) (bool, error) {
	stored, err := s.store.GetToken(ctx, key)
	if err != nil {
		if xerrors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	given := hashToken(token)
	return subtle.ConstantTimeCompare([]byte(stored), []byte(given)) == 1, nil
}
