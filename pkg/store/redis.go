package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/commitgate/pkg/crosschain"
	"github.com/Mindburn-Labs/commitgate/pkg/crypto"
	"github.com/Mindburn-Labs/commitgate/pkg/nonce"
)

// consumeScript marks a key consumed exactly once.
// KEYS[1] = consumption key
// ARGV[1] = entry path ("signed_update", "reveal" or "proof")
// ARGV[2] = consumed_at (RFC 3339)
// Returns 1 when this call consumed the key, 0 when it was already consumed.
var consumeScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
    return 0
end
redis.call("HSET", KEYS[1], "via", ARGV[1], "consumed_at", ARGV[2])
return 1
`)

// DefaultRedisPrefix namespaces every key this package writes.
const DefaultRedisPrefix = "commitgate"

// NewRedisClient builds a client for addr.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func runConsume(ctx context.Context, client redis.Scripter, key, via string, now time.Time) (bool, error) {
	res, err := consumeScript.Run(ctx, client, []string{key}, via, now.UTC().Format(time.RFC3339Nano)).Int64()
	if err != nil {
		return false, fmt.Errorf("redis consume error: %w", err)
	}
	return res == 1, nil
}

// RedisCommitmentStore implements nonce.Store on Redis hashes.
type RedisCommitmentStore struct {
	client redis.UniversalClient
	prefix string
	clock  func() time.Time
}

func NewRedisCommitmentStore(client redis.UniversalClient, prefix string) *RedisCommitmentStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisCommitmentStore{client: client, prefix: prefix, clock: time.Now}
}

func (s *RedisCommitmentStore) key(digest crypto.Hash) string {
	return fmt.Sprintf("%s:commitment:%s", s.prefix, digest.Hex())
}

func (s *RedisCommitmentStore) Status(ctx context.Context, digest crypto.Hash) (nonce.Status, error) {
	via, err := s.client.HGet(ctx, s.key(digest), "via").Result()
	if errors.Is(err, redis.Nil) {
		return nonce.Status{Digest: digest}, nil
	}
	if err != nil {
		return nonce.Status{}, fmt.Errorf("redis status error: %w", err)
	}
	return nonce.Status{
		Digest:   digest,
		Consumed: true,
		Revealed: nonce.Via(via) == nonce.ViaReveal,
	}, nil
}

func (s *RedisCommitmentStore) Consume(ctx context.Context, digest crypto.Hash, via nonce.Via) error {
	ok, err := runConsume(ctx, s.client, s.key(digest), string(via), s.clock())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: commitment %s", nonce.ErrAlreadyConsumed, digest)
	}
	return nil
}

// RedisCrossChainStore implements crosschain.Store on Redis hashes.
type RedisCrossChainStore struct {
	client redis.UniversalClient
	prefix string
	clock  func() time.Time
}

func NewRedisCrossChainStore(client redis.UniversalClient, prefix string) *RedisCrossChainStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisCrossChainStore{client: client, prefix: prefix, clock: time.Now}
}

func (s *RedisCrossChainStore) key(domainID uint64, n nonce.Nonce) string {
	return fmt.Sprintf("%s:crosschain:%d:%s", s.prefix, domainID, n.Hex())
}

func (s *RedisCrossChainStore) Consumed(ctx context.Context, domainID uint64, n nonce.Nonce) (bool, error) {
	count, err := s.client.Exists(ctx, s.key(domainID, n)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists error: %w", err)
	}
	return count == 1, nil
}

func (s *RedisCrossChainStore) Consume(ctx context.Context, domainID uint64, n nonce.Nonce) error {
	ok, err := runConsume(ctx, s.client, s.key(domainID, n), "proof", s.clock())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: domain %d nonce %s", crosschain.ErrAlreadyConsumed, domainID, n)
	}
	return nil
}
