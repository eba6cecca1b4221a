package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pietrobelluno/quickbooks-online-mcp-server/internal/domain/oauth"
	"github.com/pietrobelluno/quickbooks-online-mcp-server/internal/repository"
)

const (
	challengePrefix = "oauth:pkce:"
	bridgePrefix    = "oauth:bridge:"
	codePrefix      = "oauth:code:"
)

// RedisChallengeStore implements ChallengeStore backed by Redis. Expiry is
// delegated to Redis TTLs, so there is nothing to sweep.
type RedisChallengeStore struct {
	client redis.UniversalClient
}

var _ repository.ChallengeStore = (*RedisChallengeStore)(nil)

// NewRedisChallengeStore constructs a Redis-backed PKCE challenge store.
func NewRedisChallengeStore(client redis.UniversalClient) *RedisChallengeStore {
	return &RedisChallengeStore{client: client}
}

// SaveChallenge stores the encoded challenge with TTL, keyed by outer state.
func (s *RedisChallengeStore) SaveChallenge(ctx context.Context, outerState string, ch oauth.PKCEChallenge, ttl time.Duration) error {
	payload, err := json.Marshal(ch)
	if err != nil {
		return fmt.Errorf("marshal challenge: %w", err)
	}
	if err := s.client.Set(ctx, challengePrefix+outerState, payload, ttl).Err(); err != nil {
		return fmt.Errorf("persist challenge: %w", err)
	}
	return nil
}

// GetChallenge loads and decodes the challenge; nil when missing or expired.
func (s *RedisChallengeStore) GetChallenge(ctx context.Context, outerState string) (*oauth.PKCEChallenge, error) {
	bytes, err := s.client.Get(ctx, challengePrefix+outerState).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("load challenge: %w", err)
	}
	var ch oauth.PKCEChallenge
	if err := json.Unmarshal(bytes, &ch); err != nil {
		return nil, fmt.Errorf("decode challenge: %w", err)
	}
	return &ch, nil
}

// DeleteChallenge removes the persisted challenge key.
func (s *RedisChallengeStore) DeleteChallenge(ctx context.Context, outerState string) error {
	if err := s.client.Del(ctx, challengePrefix+outerState).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("delete challenge: %w", err)
	}
	return nil
}

// RedisStateBridgeStore implements StateBridgeStore backed by Redis.
type RedisStateBridgeStore struct {
	client redis.UniversalClient
}

var _ repository.StateBridgeStore = (*RedisStateBridgeStore)(nil)

// NewRedisStateBridgeStore constructs a Redis-backed state bridge store.
func NewRedisStateBridgeStore(client redis.UniversalClient) *RedisStateBridgeStore {
	return &RedisStateBridgeStore{client: client}
}

// SaveEntry stores the encoded bridge entry with TTL.
func (s *RedisStateBridgeStore) SaveEntry(ctx context.Context, token string, entry oauth.StateBridgeEntry, ttl time.Duration) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal bridge entry: %w", err)
	}
	if err := s.client.Set(ctx, bridgePrefix+token, payload, ttl).Err(); err != nil {
		return fmt.Errorf("persist bridge entry: %w", err)
	}
	return nil
}

// GetEntry loads and decodes the bridge entry; nil when missing or expired.
func (s *RedisStateBridgeStore) GetEntry(ctx context.Context, token string) (*oauth.StateBridgeEntry, error) {
	bytes, err := s.client.Get(ctx, bridgePrefix+token).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("load bridge entry: %w", err)
	}
	var entry oauth.StateBridgeEntry
	if err := json.Unmarshal(bytes, &entry); err != nil {
		return nil, fmt.Errorf("decode bridge entry: %w", err)
	}
	return &entry, nil
}

// DeleteEntry removes the persisted bridge key.
func (s *RedisStateBridgeStore) DeleteEntry(ctx context.Context, token string) error {
	if err := s.client.Del(ctx, bridgePrefix+token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("delete bridge entry: %w", err)
	}
	return nil
}

// RedisAuthCodeStore implements AuthCodeStore backed by Redis.
type RedisAuthCodeStore struct {
	client redis.UniversalClient
}

var _ repository.AuthCodeStore = (*RedisAuthCodeStore)(nil)

// NewRedisAuthCodeStore constructs a Redis-backed authorization code store.
func NewRedisAuthCodeStore(client redis.UniversalClient) *RedisAuthCodeStore {
	return &RedisAuthCodeStore{client: client}
}

// SaveCode stores the encoded authorization code with TTL.
func (s *RedisAuthCodeStore) SaveCode(ctx context.Context, code oauth.AuthorizationCode, ttl time.Duration) error {
	payload, err := json.Marshal(code)
	if err != nil {
		return fmt.Errorf("marshal code: %w", err)
	}
	if err := s.client.Set(ctx, codePrefix+code.Code, payload, ttl).Err(); err != nil {
		return fmt.Errorf("persist code: %w", err)
	}
	return nil
}

// ConsumeCode atomically removes and returns the code. GETDEL closes the
// replay window: a concurrent consume of the same code sees redis.Nil.
func (s *RedisAuthCodeStore) ConsumeCode(ctx context.Context, code string) (*oauth.AuthorizationCode, error) {
	bytes, err := s.client.GetDel(ctx, codePrefix+code).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("consume code: %w", err)
	}
	var stored oauth.AuthorizationCode
	if err := json.Unmarshal(bytes, &stored); err != nil {
		return nil, fmt.Errorf("decode code: %w", err)
	}
	if time.Now().After(stored.ExpiresAt) || stored.Used {
		return nil, nil
	}
	stored.Used = true
	return &stored, nil
}
