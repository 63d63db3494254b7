package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompute_PartitionsAllSizes(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	for mb := int64(1); mb <= 500; mb++ {
		plan := Compute(mb*bytesPerMB, 0, cfg)
		require.True(t, plan.Estimated)
		require.NotEmpty(t, plan.Chunks, "size %dMB", mb)

		next := 1
		for i, c := range plan.Chunks {
			require.Equal(t, i, c.ChunkIndex, "size %dMB", mb)
			require.Equal(t, next, c.StartPage, "gap or overlap at chunk %d for %dMB", i, mb)
			require.GreaterOrEqual(t, c.EndPage, c.StartPage)
			next = c.EndPage + 1
		}
		require.Equal(t, plan.TotalPages+1, next, "chunks must end at the last page for %dMB", mb)
	}
}

func TestCompute_WorkerCountMonotonicAndCapped(t *testing.T) {
	cfg := DefaultConfig()
	prev := 0
	for kb := int64(1); kb <= 500*1024; kb += 97 {
		plan := Compute(kb*1024, 0, cfg)
		assert.GreaterOrEqual(t, plan.WorkerCount, prev, "worker count dropped at %dKB", kb)
		assert.LessOrEqual(t, plan.WorkerCount, cfg.MaxWorkers)
		assert.GreaterOrEqual(t, plan.WorkerCount, 1)
		prev = plan.WorkerCount
	}
}

func TestCompute_SixtyMegabytePDF(t *testing.T) {
	plan := Compute(60*bytesPerMB, 0, DefaultConfig())

	assert.Equal(t, 150, plan.TotalPages)
	assert.Equal(t, 20, plan.PagesPerChunk)
	assert.LessOrEqual(t, len(plan.Chunks), 8)
	assert.Equal(t, 8, plan.WorkerCount)

	for i, c := range plan.Chunks {
		if i < len(plan.Chunks)-1 {
			assert.Equal(t, plan.PagesPerChunk, c.Pages(), "chunk %d", i)
		} else {
			assert.LessOrEqual(t, c.Pages(), plan.PagesPerChunk)
		}
	}
}

func TestCompute_KnownPagesOverrideEstimate(t *testing.T) {
	plan := Compute(60*bytesPerMB, 12, DefaultConfig())

	assert.False(t, plan.Estimated)
	assert.Equal(t, 12, plan.TotalPages)
	require.Len(t, plan.Chunks, 1)
	assert.Equal(t, 12, plan.Chunks[0].EndPage)
	assert.Equal(t, 8, plan.WorkerCount)
}

func TestCompute_TinyFile(t *testing.T) {
	plan := Compute(10, 0, DefaultConfig())
	assert.Equal(t, 1, plan.TotalPages)
	assert.Equal(t, 1, plan.WorkerCount)
	require.Len(t, plan.Chunks, 1)
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tiers = []Tier{{MaxPages: 200, PagesPerChunk: 20}, {MaxPages: 100, PagesPerChunk: 25}, {PagesPerChunk: 10}}
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Tiers = []Tier{{MaxPages: 100, PagesPerChunk: 25}}
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.MaxWorkers = 0
	assert.Error(t, cfg.Validate())
}

func TestPartition_Degenerate(t *testing.T) {
	assert.Nil(t, Partition(0, 10))
	assert.Nil(t, Partition(10, 0))
	assert.Len(t, Partition(10, 3), 4)
}
