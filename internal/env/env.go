// Package env loads worker configuration from environment variables and
// an optional YAML file, adapted from the teacher's env package (which
// only offered GetEnv/GetEnvAsInt overrides for a handful of scalars).
// crawlworker's Config carries enough structured settings (cache sizes,
// table names, tag rules) that a YAML file is the natural home for them,
// while the simple scalars still read from the environment the way the
// teacher's NewFromEnv constructors do.
package env

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/codepr/crawlworker/page"
	"github.com/codepr/crawlworker/wire"
)

// GetEnv reads an environment variable or returns defaultVal.
func GetEnv(key string, defaultVal string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultVal
}

// GetEnvAsInt reads an environment variable as an int, or returns
// defaultVal if unset or unparsable.
func GetEnvAsInt(key string, defaultVal int) int {
	valueStr := GetEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultVal
}

// TagRuleConfig is the YAML-friendly shape of a wire.TagRule.
type TagRuleConfig struct {
	Type string `yaml:"type"`
	Attr string `yaml:"attr"`
}

// Config is the full set of settings a worker process needs beyond what
// the coordinator hands it over IPC at runtime (spec.md §6.3 tunables,
// plus the connection target the coordinator itself can't supply).
type Config struct {
	CoordinatorAddr string          `yaml:"coordinator_addr"`
	StoreRoot       string          `yaml:"store_root"`
	PageTable       string          `yaml:"page_table"`
	RobotsTable     string          `yaml:"robots_table"`
	PageCacheMax    int             `yaml:"page_cache_max"`
	RobotsCacheMax  int             `yaml:"robots_cache_max"`
	FetchTimeout    time.Duration   `yaml:"fetch_timeout"`
	BytesPerSec     int64           `yaml:"iocontrol_bytes_per_sec"`
	Parsers         int             `yaml:"parsers"`
	ParseParam      []TagRuleConfig `yaml:"parse_param"`
}

// Default returns a Config populated with spec.md §6.3's documented
// tunable defaults.
func Default() Config {
	return Config{
		CoordinatorAddr: fmt.Sprintf("127.0.0.1:%d", wire.DefaultPort),
		StoreRoot:       "./data",
		PageTable:       "pages",
		RobotsTable:     "robots",
		PageCacheMax:    4096,
		RobotsCacheMax:  1024,
		FetchTimeout:    10 * time.Second,
		BytesPerSec:     0,
		Parsers:         8,
		ParseParam:      []TagRuleConfig{{Type: "url"}},
	}
}

// Load reads a YAML config file at path, falling back to Default()'s
// values for anything the file omits.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("env: reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("env: parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, but swallows a missing file and returns the
// built-in defaults instead of an error — the common case for a worker
// started without an explicit -config flag.
func LoadOrDefault(path string) Config {
	if path == "" {
		return Default()
	}
	cfg, err := Load(path)
	if err != nil {
		return Default()
	}
	return cfg
}

// TagRules converts the YAML-friendly tag rule config into wire.TagRule,
// the form WorkerConfig.ParseParam carries over the wire (cmd/worker
// converts it to crawler/fetcher.TagRule for GoqueryParser).
func TagRules(cfgRules []TagRuleConfig) []wire.TagRule {
	rules := make([]wire.TagRule, 0, len(cfgRules))
	for _, r := range cfgRules {
		rules = append(rules, wire.TagRule{Type: tagType(r.Type), Attr: r.Attr})
	}
	return rules
}

func tagType(name string) wire.TagType {
	switch name {
	case "url":
		return page.TagURL
	case "title":
		return page.TagTitle
	case "description":
		return page.TagDescription
	case "meta":
		return page.TagMeta
	case "email":
		return page.TagEmail
	case "image":
		return page.TagImage
	default:
		return page.TagInvalid
	}
}
