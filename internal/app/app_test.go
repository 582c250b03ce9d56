package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"citestack/internal/config"
	"citestack/internal/logging"
	"citestack/internal/models"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Load()
	cfg.StoreDriver = "memory"
	cfg.RedisAddr = ""
	cfg.BlobDir = t.TempDir()
	cfg.BlobS3Bucket = ""
	cfg.AdminSecret = "admin"
	return cfg
}

func TestBuild_MemoryWithoutRedis(t *testing.T) {
	a, err := Build(context.Background(), testConfig(t), logging.Nop())
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.Wakeup)
	assert.Nil(t, a.Limiter)

	rec := httptest.NewRecorder()
	a.Server().Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBuild_EnqueueWakesRunner(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.RedisAddr = mr.Addr()

	a, err := Build(context.Background(), cfg, logging.Nop())
	require.NoError(t, err)
	defer a.Close()
	require.NotNil(t, a.Wakeup)

	ctx := context.Background()
	item, err := a.Store.CreateItem(ctx, models.NewItem{UserID: "u1", SourceType: models.SourcePaste, RawText: "hello"})
	require.NoError(t, err)
	_, err = a.Enqueuer.EnqueueScreenshot(ctx, "u1", item.ID, "")
	require.NoError(t, err)

	pending, err := a.Wakeup.Pending(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, pending)

	res, err := a.Runner.RunBatch(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Claimed)
	assert.Equal(t, 1, res.Processed)
}

func TestBuild_UnknownDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.StoreDriver = "sqlite"
	_, err := Build(context.Background(), cfg, logging.Nop())
	require.Error(t, err)
}
