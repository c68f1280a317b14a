package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromViperBuildsOneEndpointPerAddr(t *testing.T) {
	v := viper.New()
	v.Set("downstream_groups", []map[string]any{
		{
			"name": "api",
			"addrs": []map[string]any{
				{"addr": "10.0.0.1:8080"},
				{"addr": "10.0.0.2:8080", "tls": true},
			},
		},
	})

	cfg, err := LoadFromViper(v, 1)
	require.NoError(t, err)
	require.Len(t, cfg.Groups, 1, "each addrs entry must contribute to the SAME group, not duplicate it")

	group := cfg.Groups[0]
	assert.Equal(t, "api", group.Name)
	assert.Len(t, group.Addrs, 2)
	assert.Equal(t, uint64(1), group.Generation())
}

func TestLoadFromViperReadsWeightAndRetryPolicy(t *testing.T) {
	v := viper.New()
	v.Set("downstream_groups", []map[string]any{
		{
			"name":               "api",
			"retry_max_attempts": 3,
			"retry_backoff":      "50ms",
			"addrs": []map[string]any{
				{"addr": "10.0.0.1:8080", "weight": 5},
				{"addr": "10.0.0.2:8080"},
			},
		},
	})

	cfg, err := LoadFromViper(v, 1)
	require.NoError(t, err)
	group := cfg.Groups[0]
	assert.Equal(t, 3, group.Retry.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, group.Retry.Backoff)
	assert.Equal(t, 5, group.Addrs[0].Weight)
	assert.Equal(t, 1, group.Addrs[1].Weight, "an unset weight must default to 1, not 0")
}

func TestLoadFromViperDefaultsRetryMaxAttemptsToOne(t *testing.T) {
	v := viper.New()
	v.Set("downstream_groups", []map[string]any{
		{"name": "api", "addrs": []map[string]any{{"addr": "10.0.0.1:8080"}}},
	})

	cfg, err := LoadFromViper(v, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Groups[0].Retry.MaxAttempts)
}

func TestSnapshotReplaceEnforcesMonotonicGeneration(t *testing.T) {
	initial := &DownstreamConfig{Generation: 1}
	snap := NewSnapshot(initial)

	assert.True(t, snap.Replace(&DownstreamConfig{Generation: 2}))
	assert.False(t, snap.Replace(&DownstreamConfig{Generation: 2}), "equal generation must be rejected")
	assert.False(t, snap.Replace(&DownstreamConfig{Generation: 1}), "stale generation must be rejected")
	assert.Equal(t, uint64(2), snap.Load().Generation)
}

func TestGroupByName(t *testing.T) {
	cfg := &DownstreamConfig{Groups: []*DownstreamAddrGroup{
		{Name: "api"},
		{Name: "static"},
	}}
	require.NotNil(t, cfg.GroupByName("static"))
	assert.Nil(t, cfg.GroupByName("missing"))
}
