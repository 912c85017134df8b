package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CHATFLOW_LLM_DEFAULT_PROVIDER", "")
	cfg, err := Load(emptyConfigFile(t))
	require.NoError(t, err)

	assert.Equal(t, ProviderAnthropic, cfg.LLM.DefaultProvider)
	assert.Equal(t, 1024, cfg.Embedding.Dimensions)
	assert.Equal(t, 0.95, cfg.SemanticCache.Threshold)
	assert.Equal(t, 3600*time.Second, cfg.SemanticCache.TTL)
	assert.Equal(t, 512, cfg.Chunking.ChunkSize)
	assert.Equal(t, 128, cfg.Chunking.ChunkOverlap)
	assert.Equal(t, 300*time.Second, cfg.Run.DefaultTimeout)
	assert.Equal(t, 60*time.Second, cfg.Run.NodeDefaultTimeout)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("CHATFLOW_LLM_DEFAULT_PROVIDER", "openai")
	t.Setenv("CHATFLOW_LLM_OPENAI_API_KEY", "sk-test-123")
	t.Setenv("CHATFLOW_EMBEDDING_DIMENSIONS", "768")

	cfg, err := Load(emptyConfigFile(t))
	require.NoError(t, err)

	assert.Equal(t, "openai", cfg.LLM.DefaultProvider)
	assert.Equal(t, "sk-test-123", cfg.LLM.Providers[ProviderOpenAI].APIKey)
	assert.Equal(t, 768, cfg.Embedding.Dimensions)
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/chatflow.yaml"
	require.NoError(t, os.WriteFile(path, []byte(`
llm:
  default_provider: google
retrieval:
  default_top_k: 8
  max_top_k: 40
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "google", cfg.LLM.DefaultProvider)
	assert.Equal(t, 8, cfg.Retrieval.DefaultTopK)
	assert.Equal(t, 40, cfg.Retrieval.MaxTopK)
}

// emptyConfigFile points Load at a file guaranteed not to exist, so tests
// exercise the env+defaults path without picking up a real chatflow.yaml
// that might be sitting in the working or home directory.
func emptyConfigFile(t *testing.T) string {
	t.Helper()
	return t.TempDir() + "/does-not-exist.yaml"
}
