package substrate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_WiresEveryComponentWithOfflineEmbedder(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.Embedding.Offline = true
	cfg.Storage.StorageDir = dir + "/vectors"
	cfg.Maintenance.EnableAutomatic = false

	s, err := New(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, s.Embedder)
	require.NotNil(t, s.Store)
	require.NotNil(t, s.Queue)
	require.NotNil(t, s.Index)
	require.NotNil(t, s.Pipeline)
	require.NotNil(t, s.Maintain)
	require.NotNil(t, s.Allocator)
	require.NotNil(t, s.Metrics)
}

func TestSubstrate_StartStop_RunsCleanly(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.Embedding.Offline = true
	cfg.Storage.StorageDir = dir + "/vectors"
	cfg.Maintenance.EnableAutomatic = false

	s, err := New(context.Background(), cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	time.Sleep(20 * time.Millisecond)
	cancel()
	assert.NoError(t, s.Stop())
}

func TestSubstrate_Search_EmbedsQueryAndRecordsMetrics(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.Embedding.Offline = true
	cfg.Storage.StorageDir = dir + "/vectors"
	cfg.Maintenance.EnableAutomatic = false

	s, err := New(context.Background(), cfg)
	require.NoError(t, err)

	results, err := s.Search(context.Background(), "hello world", 5)
	require.NoError(t, err)
	assert.Empty(t, results) // nothing indexed yet

	history := s.Metrics.SearchHistory()
	require.Len(t, history, 1)
	assert.Equal(t, "hello world", history[0].Query)
}
