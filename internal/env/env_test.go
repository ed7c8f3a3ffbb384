package env

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codepr/crawlworker/wire"
)

func setupEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	require.NoError(t, os.Setenv(key, value))
	t.Cleanup(func() {
		if had {
			os.Setenv(key, old)
		} else {
			os.Unsetenv(key)
		}
	})
}

func TestGetEnv(t *testing.T) {
	setupEnv(t, "TEST_GETENV", "test-getenv")
	assert.Equal(t, "test-getenv", GetEnv("TEST_GETENV", "default"))
	os.Unsetenv("TEST_GETENV")
	assert.Equal(t, "default", GetEnv("TEST_GETENV", "default"))
}

func TestGetEnvAsInt(t *testing.T) {
	setupEnv(t, "TEST_GETENV_INT", "2")
	assert.Equal(t, 2, GetEnvAsInt("TEST_GETENV_INT", 6))
	os.Unsetenv("TEST_GETENV_INT")
	assert.Equal(t, 6, GetEnvAsInt("TEST_GETENV_INT", 6))
}

func TestLoadOrDefaultMissingFileReturnsDefaults(t *testing.T) {
	cfg := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Equal(t, Default(), cfg)
}

func TestLoadParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
coordinator_addr: "10.0.0.1:23331"
page_cache_max: 128
parsers: 2
parse_param:
  - type: url
  - type: title
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:23331", cfg.CoordinatorAddr)
	assert.Equal(t, 128, cfg.PageCacheMax)
	assert.Equal(t, 2, cfg.Parsers)
	require.Len(t, cfg.ParseParam, 2)
	assert.Equal(t, "title", cfg.ParseParam[1].Type)
}

func TestTagRulesConvertsKnownTypes(t *testing.T) {
	rules := TagRules([]TagRuleConfig{{Type: "url"}, {Type: "meta", Attr: "name"}, {Type: "bogus"}})
	require.Len(t, rules, 3)
	assert.Equal(t, wire.TagURL, rules[0].Type)
	assert.Equal(t, wire.TagMeta, rules[1].Type)
	assert.Equal(t, wire.TagInvalid, rules[2].Type)
	assert.Equal(t, "name", rules[1].Attr)
}
