package model

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStage(t *testing.T) {
	tests := []struct {
		input string
		want  Stage
	}{
		{"bronze", StageBronze},
		{"silver", StageSilver},
		{"all", StageAll},
		{" ALL ", StageAll},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseStage(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseStage("gold")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown stage")
}

func TestStage_Includes(t *testing.T) {
	assert.True(t, StageBronze.IncludesBronze())
	assert.False(t, StageBronze.IncludesSilver())
	assert.False(t, StageSilver.IncludesBronze())
	assert.True(t, StageSilver.IncludesSilver())
	assert.True(t, StageAll.IncludesBronze())
	assert.True(t, StageAll.IncludesSilver())
}

func TestParseEnv(t *testing.T) {
	env, err := ParseEnv("")
	require.NoError(t, err)
	assert.Equal(t, EnvProd, env)

	env, err = ParseEnv("dev")
	require.NoError(t, err)
	assert.Equal(t, EnvDev, env)

	_, err = ParseEnv("staging")
	assert.Error(t, err)
}

func TestRunContext_PartitionKey(t *testing.T) {
	ts := time.Date(2025, 5, 4, 10, 11, 12, 999, time.FixedZone("CEST", 2*3600))
	run := NewRunContext("bnbo_status", StageAll, EnvProd, ts)

	assert.Equal(t, "20250504T081112Z", run.PartitionKey())

	parsed, err := ParsePartitionKey(run.PartitionKey())
	require.NoError(t, err)
	assert.True(t, parsed.Equal(run.StartedAt))
}

func TestRunContext_NextPageMonotonic(t *testing.T) {
	run := NewRunContext("s", StageBronze, EnvTest, time.Now())

	var mu sync.Mutex
	seen := make(map[int]bool)
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p := run.NextPage()
			mu.Lock()
			seen[p] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 50)
	for i := range 50 {
		assert.True(t, seen[i], "page %d missing", i)
	}
	assert.Equal(t, 50, run.Cursor())
}

func TestParsePartitionKey_Invalid(t *testing.T) {
	_, err := ParsePartitionKey("2025-05-04")
	assert.Error(t, err)
}
