package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"goa.design/agentd/features/engine/chat"
	"goa.design/agentd/runtime/lease"
)

type (
	// Config is the agentd configuration. Values are layered: defaults, the
	// YAML file, environment variables, then command-line flags.
	Config struct {
		Addr       string `yaml:"addr"`
		InstanceID string `yaml:"instance_id"`
		Debug      bool   `yaml:"debug"`

		// Store selects the durable store: memory, postgres or mongo.
		Store         string `yaml:"store"`
		PostgresDSN   string `yaml:"postgres_dsn"`
		MongoURI      string `yaml:"mongo_uri"`
		MongoDatabase string `yaml:"mongo_database"`

		// RedisURL enables the Redis cache and the Pulse cluster features.
		// Either a redis:// URL or host:port.
		RedisURL      string `yaml:"redis_url"`
		RedisPassword string `yaml:"redis_password"`
		Cluster       string `yaml:"cluster"`

		// Engine selects the run engine: scripted, anthropic, openai or
		// bedrock.
		Engine          string                `yaml:"engine"`
		AnthropicAPIKey string                `yaml:"anthropic_api_key"`
		OpenAIAPIKey    string                `yaml:"openai_api_key"`
		AWSRegion       string                `yaml:"aws_region"`
		AWSAccessKeyID  string                `yaml:"aws_access_key_id"`
		AWSSecretKey    string                `yaml:"aws_secret_access_key"`
		AWSSessionToken string                `yaml:"aws_session_token"`
		BaseURL         string                `yaml:"base_url"`
		DefaultModel    string                `yaml:"default_model"`
		Models          []string              `yaml:"models"`
		MaxTokens       int                   `yaml:"max_tokens"`
		Prices          map[string]chat.Price `yaml:"prices"`
		TokensPerMinute float64               `yaml:"tokens_per_minute"`
		MaxTokensPerMin float64               `yaml:"max_tokens_per_minute"`

		TranscriptTTL         time.Duration `yaml:"transcript_ttl"`
		TranscriptMaxMessages int           `yaml:"transcript_max_messages"`

		LeaseTTL        time.Duration `yaml:"lease_ttl"`
		MaxRunDuration  time.Duration `yaml:"max_run_duration"`
		InterruptGrace  time.Duration `yaml:"interrupt_grace"`
		DrainGrace      time.Duration `yaml:"drain_grace"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		ReaperInterval  time.Duration `yaml:"reaper_interval"`
		RelayRetention  time.Duration `yaml:"relay_retention"`

		SubmitRate  float64       `yaml:"submit_rate"`
		SubmitBurst int           `yaml:"submit_burst"`
		KeepAlive   time.Duration `yaml:"keep_alive"`

		// ToolServersFile is a YAML or JSON document mapping tool-server
		// names to opaque definitions.
		ToolServersFile string `yaml:"tool_servers_file"`

		// ToolServers is loaded from ToolServersFile.
		ToolServers map[string]json.RawMessage `yaml:"-"`
	}

	getenvFunc func(string) string
)

const (
	storeMemory   = "memory"
	storePostgres = "postgres"
	storeMongo    = "mongo"

	engineScripted  = "scripted"
	engineAnthropic = "anthropic"
	engineOpenAI    = "openai"
	engineBedrock   = "bedrock"
)

func defaultConfig() Config {
	return Config{
		Addr:                  ":8080",
		Store:                 storeMemory,
		MongoDatabase:         "agentd",
		Cluster:               "agentd",
		Engine:                engineScripted,
		MaxTokens:             4096,
		TranscriptTTL:         24 * time.Hour,
		TranscriptMaxMessages: 200,
		LeaseTTL:              lease.DefaultTTL,
		MaxRunDuration:        30 * time.Minute,
		InterruptGrace:        10 * time.Second,
		DrainGrace:            30 * time.Second,
		ShutdownTimeout:       45 * time.Second,
		ReaperInterval:        30 * time.Second,
		RelayRetention:        time.Hour,
		SubmitBurst:           10,
		KeepAlive:             15 * time.Second,
	}
}

// loadConfig builds the configuration from args and the environment.
func loadConfig(args []string, getenv getenvFunc) (Config, error) {
	cfg := defaultConfig()

	fs := flag.NewFlagSet("agentd", flag.ContinueOnError)
	var (
		configF      = fs.String("config", "", "YAML configuration file (env AGENTD_CONFIG)")
		addrF        = fs.String("addr", "", "HTTP listen address")
		storeF       = fs.String("store", "", "Durable store: memory, postgres or mongo")
		engineF      = fs.String("engine", "", "Run engine: scripted, anthropic, openai or bedrock")
		modelF       = fs.String("model", "", "Default model id")
		redisF       = fs.String("redis", "", "Redis URL")
		toolServersF = fs.String("tool-servers", "", "Tool-server definitions file")
		instanceF    = fs.String("instance-id", "", "Instance id (defaults to a random id)")
		dbgF         = fs.Bool("debug", false, "Enable debug logs and endpoints")
	)
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	path := *configF
	if path == "" {
		path = getenv("AGENTD_CONFIG")
	}
	if path != "" {
		if err := readYAML(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Addr = *addrF
		case "store":
			cfg.Store = *storeF
		case "engine":
			cfg.Engine = *engineF
		case "model":
			cfg.DefaultModel = *modelF
		case "redis":
			cfg.RedisURL = *redisF
		case "tool-servers":
			cfg.ToolServersFile = *toolServersF
		case "instance-id":
			cfg.InstanceID = *instanceF
		case "debug":
			cfg.Debug = *dbgF
		}
	})

	if cfg.ToolServersFile != "" {
		servers, err := loadToolServers(cfg.ToolServersFile)
		if err != nil {
			return Config{}, err
		}
		cfg.ToolServers = servers
	}
	if len(cfg.Models) == 0 && cfg.DefaultModel != "" {
		cfg.Models = []string{cfg.DefaultModel}
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch c.Store {
	case storeMemory:
	case storePostgres:
		if c.PostgresDSN == "" {
			return errors.New("postgres store requires POSTGRES_DSN")
		}
	case storeMongo:
		if c.MongoURI == "" {
			return errors.New("mongo store requires MONGO_URI")
		}
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}
	switch c.Engine {
	case engineScripted:
	case engineAnthropic:
		if c.AnthropicAPIKey == "" {
			return errors.New("anthropic engine requires ANTHROPIC_API_KEY")
		}
	case engineOpenAI:
		if c.OpenAIAPIKey == "" {
			return errors.New("openai engine requires OPENAI_API_KEY")
		}
	case engineBedrock:
		if c.AWSRegion == "" || c.AWSAccessKeyID == "" || c.AWSSecretKey == "" {
			return errors.New("bedrock engine requires AWS_REGION, AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY")
		}
	default:
		return fmt.Errorf("unknown engine %q", c.Engine)
	}
	if c.Engine != engineScripted && c.DefaultModel == "" {
		return fmt.Errorf("%s engine requires a default model", c.Engine)
	}
	if c.LeaseTTL <= 0 {
		return errors.New("lease_ttl must be positive")
	}
	if c.SubmitRate < 0 {
		return errors.New("submit_rate must not be negative")
	}
	return nil
}

func readYAML(path string, dst any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, dst)
}

// loadToolServers reads a tool-server file. JSON documents are valid YAML so
// one decoder handles both.
func loadToolServers(path string) (map[string]json.RawMessage, error) {
	var raw map[string]any
	if err := readYAML(path, &raw); err != nil {
		return nil, fmt.Errorf("load tool servers %s: %w", path, err)
	}
	out := make(map[string]json.RawMessage, len(raw))
	for name, def := range raw {
		data, err := json.Marshal(def)
		if err != nil {
			return nil, fmt.Errorf("tool server %q: %w", name, err)
		}
		out[name] = data
	}
	return out, nil
}

func applyEnv(cfg *Config, getenv getenvFunc) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	str("AGENTD_ADDR", &cfg.Addr)
	str("AGENTD_INSTANCE_ID", &cfg.InstanceID)
	str("AGENTD_STORE", &cfg.Store)
	str("AGENTD_ENGINE", &cfg.Engine)
	str("AGENTD_DEFAULT_MODEL", &cfg.DefaultModel)
	str("AGENTD_BASE_URL", &cfg.BaseURL)
	str("AGENTD_TOOL_SERVERS_FILE", &cfg.ToolServersFile)
	str("AGENTD_MONGO_DATABASE", &cfg.MongoDatabase)
	str("AGENTD_CLUSTER", &cfg.Cluster)
	str("POSTGRES_DSN", &cfg.PostgresDSN)
	str("MONGO_URI", &cfg.MongoURI)
	str("REDIS_URL", &cfg.RedisURL)
	str("REDIS_PASSWORD", &cfg.RedisPassword)
	str("ANTHROPIC_API_KEY", &cfg.AnthropicAPIKey)
	str("OPENAI_API_KEY", &cfg.OpenAIAPIKey)
	str("AWS_REGION", &cfg.AWSRegion)
	str("AWS_ACCESS_KEY_ID", &cfg.AWSAccessKeyID)
	str("AWS_SECRET_ACCESS_KEY", &cfg.AWSSecretKey)
	str("AWS_SESSION_TOKEN", &cfg.AWSSessionToken)
	if v := getenv("AGENTD_MODELS"); v != "" {
		cfg.Models = nil
		for m := range strings.SplitSeq(v, ",") {
			if m = strings.TrimSpace(m); m != "" {
				cfg.Models = append(cfg.Models, m)
			}
		}
	}
	if v := getenv("AGENTD_DEBUG"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("AGENTD_DEBUG: %w", err)
		}
		cfg.Debug = b
	}
	if v := getenv("AGENTD_SUBMIT_RATE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("AGENTD_SUBMIT_RATE: %w", err)
		}
		cfg.SubmitRate = f
	}
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"AGENTD_LEASE_TTL", &cfg.LeaseTTL},
		{"AGENTD_MAX_RUN_DURATION", &cfg.MaxRunDuration},
		{"AGENTD_DRAIN_GRACE", &cfg.DrainGrace},
		{"AGENTD_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
	}
	for _, d := range durations {
		v := getenv(d.key)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = parsed
	}
	return nil
}
