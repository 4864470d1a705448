package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultBaseURL        = "https://integrate.api.nvidia.com/v1"
	DefaultPort           = "3000"
	DefaultModel          = "meta/llama-3.1-8b-instruct"
	DefaultLargeModel     = "meta/llama-3.1-405b-instruct"
	DefaultMediumModel    = "meta/llama-3.1-70b-instruct"
	DefaultTemperature    = 0.6
	DefaultMaxTokens      = 9024
	MaxTokensUpperBound   = 9024
	DefaultRequestTimeout = 45 * time.Second
	DefaultMaxBodyBytes   = 100 << 20
)

// Config is built once at start-up and never mutated afterwards.
type Config struct {
	BaseURL string
	Port    string

	// ShowReasoning merges upstream reasoning into visible content as <think> blocks.
	ShowReasoning bool
	// ThinkingMode asks the upstream model to produce reasoning at all.
	ThinkingMode bool

	DefaultModel string
	LargeModel   string
	MediumModel  string

	// ModelOverrides is merged over the built-in model table.
	ModelOverrides map[string]string

	DefaultTemperature float64
	DefaultMaxTokens   int

	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64
	CORSAllowOrigin string

	APIKeyFile string
}

// Load reads configuration through getenv. Passing os.Getenv is the usual
// case; the Workers build passes the binding lookup instead.
func Load(getenv func(string) string) (*Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	env := envReader{getenv: getenv}

	cfg := &Config{
		BaseURL:         strings.TrimRight(env.str("NIM_API_BASE", DefaultBaseURL), "/"),
		Port:            env.str("PORT", DefaultPort),
		ShowReasoning:   env.boolean("SHOW_REASONING", false),
		ThinkingMode:    env.boolean("ENABLE_THINKING_MODE", false),
		DefaultModel:    env.str("DEFAULT_MODEL", DefaultModel),
		LargeModel:      env.str("LARGE_FALLBACK_MODEL", DefaultLargeModel),
		MediumModel:     env.str("MEDIUM_FALLBACK_MODEL", DefaultMediumModel),
		CORSAllowOrigin: env.str("CORS_ALLOW_ORIGIN", "*"),
		APIKeyFile:      env.str("NIM_API_KEY_FILE", ""),
	}

	cfg.DefaultTemperature = env.float("DEFAULT_TEMPERATURE", DefaultTemperature)
	cfg.DefaultMaxTokens = env.integer("DEFAULT_MAX_TOKENS", DefaultMaxTokens)
	cfg.RequestTimeout = env.duration("REQUEST_TIMEOUT", DefaultRequestTimeout)
	cfg.ShutdownTimeout = env.duration("SHUTDOWN_TIMEOUT", 15*time.Second)
	cfg.MaxBodyBytes = int64(env.integer("MAX_BODY_BYTES", DefaultMaxBodyBytes))

	if len(env.errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(env.errs, "; "))
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if path := env.str("MODEL_MAP_FILE", ""); path != "" {
		overrides, err := LoadModelMap(path)
		if err != nil {
			return nil, err
		}
		cfg.ModelOverrides = overrides
	}

	return cfg, nil
}

func (c *Config) validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid configuration: NIM_API_BASE %q is not an absolute URL", c.BaseURL)
	}
	if c.DefaultTemperature < 0 || c.DefaultTemperature > 2 {
		return fmt.Errorf("invalid configuration: DEFAULT_TEMPERATURE must be within [0, 2], got %v", c.DefaultTemperature)
	}
	if c.DefaultMaxTokens < 1 || c.DefaultMaxTokens > MaxTokensUpperBound {
		return fmt.Errorf("invalid configuration: DEFAULT_MAX_TOKENS must be within [1, %d], got %d", MaxTokensUpperBound, c.DefaultMaxTokens)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("invalid configuration: REQUEST_TIMEOUT must be positive")
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("invalid configuration: MAX_BODY_BYTES must be positive")
	}
	if strings.TrimSpace(c.DefaultModel) == "" {
		return fmt.Errorf("invalid configuration: DEFAULT_MODEL must not be empty")
	}
	return nil
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return ":" + c.Port
}

type modelMapFile struct {
	Models map[string]string `yaml:"models"`
}

// LoadModelMap reads a YAML file of the form
//
//	models:
//	  gpt-4o: deepseek-ai/deepseek-v3.1
func LoadModelMap(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model map file: %w", err)
	}
	var f modelMapFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse model map file: %w", err)
	}
	out := make(map[string]string, len(f.Models))
	for k, v := range f.Models {
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if k == "" || v == "" {
			return nil, fmt.Errorf("model map file %s: empty model id in entry %q", path, k)
		}
		out[k] = v
	}
	return out, nil
}

type envReader struct {
	getenv func(string) string
	errs   []string
}

func (e *envReader) str(key, fallback string) string {
	if v := strings.TrimSpace(e.getenv(key)); v != "" {
		return v
	}
	return fallback
}

func (e *envReader) boolean(key string, fallback bool) bool {
	v := strings.ToLower(strings.TrimSpace(e.getenv(key)))
	switch v {
	case "":
		return fallback
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	e.errs = append(e.errs, fmt.Sprintf("%s: %q is not a boolean", key, v))
	return fallback
}

func (e *envReader) integer(key string, fallback int) int {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %q is not an integer", key, v))
		return fallback
	}
	return n
}

func (e *envReader) float(key string, fallback float64) float64 {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %q is not a number", key, v))
		return fallback
	}
	return f
}

// duration accepts Go durations ("45s", "2m") and bare seconds ("45").
func (e *envReader) duration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return fallback
	}
	if seconds, err := strconv.Atoi(v); err == nil {
		return time.Duration(seconds) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %q is not a duration", key, v))
		return fallback
	}
	return d
}
