package signals

import (
	"context"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medrex/emergency-access/pkg/emergency"
)

// fakeSets answers SISMEMBER from in-memory sets
type fakeSets struct {
	sets    map[string]map[string]bool
	err     error
	queries []string
}

func (f *fakeSets) SIsMember(_ context.Context, key string, member interface{}) *redis.BoolCmd {
	f.queries = append(f.queries, key)
	if f.err != nil {
		return redis.NewBoolResult(false, f.err)
	}
	return redis.NewBoolResult(f.sets[key][member.(string)], nil)
}

func TestRedisOriginSignal_Classify(t *testing.T) {
	sets := &fakeSets{sets: map[string]map[string]bool{
		"origin:suspicious": {"203.0.113.7": true},
		"origin:vpn":        {"198.51.100.42": true, "203.0.113.7": true},
	}}
	signal := NewRedisOriginSignal(sets, "origin:suspicious", "origin:vpn")

	got, err := signal.Classify(context.Background(), "203.0.113.7")
	require.NoError(t, err)
	assert.Equal(t, emergency.OriginSuspicious, got)

	got, err = signal.Classify(context.Background(), "198.51.100.42")
	require.NoError(t, err)
	assert.Equal(t, emergency.OriginVPN, got)

	got, err = signal.Classify(context.Background(), "10.0.0.5")
	require.NoError(t, err)
	assert.Equal(t, emergency.OriginNormal, got)
}

func TestRedisOriginSignal_SkipsEmptyAddressAndKeys(t *testing.T) {
	sets := &fakeSets{sets: map[string]map[string]bool{}}

	got, err := NewRedisOriginSignal(sets, "origin:suspicious", "").Classify(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, emergency.OriginNormal, got)
	assert.Empty(t, sets.queries)

	_, err = NewRedisOriginSignal(sets, "origin:suspicious", "").Classify(context.Background(), "10.0.0.5")
	require.NoError(t, err)
	assert.Equal(t, []string{"origin:suspicious"}, sets.queries)
}

func TestRedisOriginSignal_Error(t *testing.T) {
	sets := &fakeSets{err: errors.New("dial tcp: connection refused")}
	signal := NewRedisOriginSignal(sets, "origin:suspicious", "origin:vpn")

	got, err := signal.Classify(context.Background(), "10.0.0.5")
	assert.ErrorContains(t, err, "failed to check suspicious origin")
	assert.Equal(t, emergency.OriginNormal, got)
}
