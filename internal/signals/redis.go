package signals

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/medrex/emergency-access/pkg/emergency"
)

// SetMembership is the subset of the Redis client used for origin lookups
type SetMembership interface {
	SIsMember(ctx context.Context, key string, member interface{}) *redis.BoolCmd
}

// RedisOriginSignal classifies addresses by membership in Redis sets that are
// maintained by an external threat feed
type RedisOriginSignal struct {
	client        SetMembership
	suspiciousKey string
	vpnKey        string
}

// NewRedisOriginSignal creates a Redis-backed origin signal
func NewRedisOriginSignal(client SetMembership, suspiciousKey, vpnKey string) *RedisOriginSignal {
	return &RedisOriginSignal{
		client:        client,
		suspiciousKey: suspiciousKey,
		vpnKey:        vpnKey,
	}
}

// Classify implements emergency.OriginSignal
func (s *RedisOriginSignal) Classify(ctx context.Context, ipAddress string) (emergency.OriginRisk, error) {
	if ipAddress == "" {
		return emergency.OriginNormal, nil
	}

	if s.suspiciousKey != "" {
		suspicious, err := s.client.SIsMember(ctx, s.suspiciousKey, ipAddress).Result()
		if err != nil {
			return emergency.OriginNormal, fmt.Errorf("failed to check suspicious origin: %w", err)
		}
		if suspicious {
			return emergency.OriginSuspicious, nil
		}
	}

	if s.vpnKey != "" {
		vpn, err := s.client.SIsMember(ctx, s.vpnKey, ipAddress).Result()
		if err != nil {
			return emergency.OriginNormal, fmt.Errorf("failed to check vpn origin: %w", err)
		}
		if vpn {
			return emergency.OriginVPN, nil
		}
	}

	return emergency.OriginNormal, nil
}
