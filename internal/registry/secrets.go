package registry

import (
	"crypto/subtle"
	"sync"
	"time"

	"fleet/internal/orchestrator"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
)

var _ orchestrator.SecretIssuer = (*Secrets)(nil)

// Secrets hands out one-time node secrets that expire with the agent timeout.
type Secrets struct {
	mu    sync.Mutex
	cache *ttlcache.Cache[string, string]
}

func NewSecrets() *Secrets {
	cache := ttlcache.New[string, string](
		ttlcache.WithTTL[string, string](time.Duration(orchestrator.DefaultAgentTimeoutSeconds) * time.Second),
		ttlcache.WithDisableTouchOnHit[string, string](),
	)
	go cache.Start()
	return &Secrets{cache: cache}
}

func (s *Secrets) Issue(workerName string, ttl time.Duration) (string, error) {
	secret := uuid.NewString()
	if ttl <= 0 {
		ttl = ttlcache.DefaultTTL
	}
	s.cache.Set(workerName, secret, ttl)
	return secret, nil
}

// Redeem consumes the secret on a match. A wrong secret leaves it in place.
func (s *Secrets) Redeem(workerName, secret string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := s.cache.Get(workerName)
	if item == nil {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(item.Value()), []byte(secret)) != 1 {
		return false
	}
	s.cache.Delete(workerName)
	return true
}

func (s *Secrets) Revoke(workerName string) {
	s.cache.Delete(workerName)
}

func (s *Secrets) Close() {
	s.cache.Stop()
}
