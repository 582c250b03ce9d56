package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("STORE_DRIVER", "")
	t.Setenv("RUNNER_BATCH_SIZE", "")
	cfg := Load()

	assert.Equal(t, "postgres", cfg.StoreDriver)
	assert.Equal(t, 5, cfg.RunnerBatchSize)
	assert.Equal(t, 15*time.Minute, cfg.StuckJobAfter)
	assert.Equal(t, int64(5*1024*1024), cfg.FetchMaxBytes)
	assert.Equal(t, 30, cfg.FreeMonthlyGrant)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("RUNNER_BATCH_SIZE", "12")
	t.Setenv("RATE_LIMIT_REFILL_PER_SEC", "2.5")
	t.Setenv("BLOB_S3_PATH_STYLE", "true")
	t.Setenv("JOB_TIMEOUT", "90s")
	t.Setenv("REDIS_DB", "not-a-number")
	cfg := Load()

	assert.Equal(t, "memory", cfg.StoreDriver)
	assert.Equal(t, 12, cfg.RunnerBatchSize)
	assert.Equal(t, 2.5, cfg.RateLimitRefill)
	assert.True(t, cfg.BlobS3PathStyle)
	assert.Equal(t, 90*time.Second, cfg.JobTimeout)
	assert.Equal(t, 0, cfg.RedisDB)
}

func TestMonthlyGrantFor(t *testing.T) {
	cfg := Config{FreeMonthlyGrant: 30, ProMonthlyGrant: 200, PowerMonthlyGrant: 500}
	assert.Equal(t, 200, cfg.MonthlyGrantFor("pro"))
	assert.Equal(t, 500, cfg.MonthlyGrantFor("power"))
	assert.Equal(t, 30, cfg.MonthlyGrantFor("enterprise"))
}
