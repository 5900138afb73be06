package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/revision/internal/history"
	"github.com/MarcoPoloResearchLab/revision/internal/redaction"
	"github.com/spf13/viper"
)

const (
	envPrefix              = "REVISION"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabasePath    = "revision.db"
	defaultMaxOpenConns    = 1
	defaultLogLevel        = "info"
	defaultLogFormat       = "json"
	defaultCookieName      = "app_session"
	defaultIssuer          = "revision-auth"
	defaultTokenTTLMinutes = 30
	defaultSequencerMode   = SequencerModeLatest
	defaultRedisKeyPrefix  = "revision:version:"
	defaultCursorBatchSize = 100

	SequencerModeLatest = "latest"
	SequencerModeRedis  = "redis"

	collectionsKey = "collections"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress        string
	DatabasePath       string
	DatabaseMaxConns   int
	LogLevel           string
	LogFormat          string
	AuthSigningSecret  string
	AuthIssuer         string
	AuthCookieName     string
	TokenTTL           time.Duration
	SequencerMode      string
	RedisAddress       string
	RedisPassword      string
	RedisDB            int
	RedisKeyPrefix     string
	CursorBatchSize    int
	CollectionPolicies map[string]CollectionConfig
}

// CollectionConfig declares the history policy and schema of one collection.
type CollectionConfig struct {
	// Policy holds only the omit, pick and required keys.
	Policy map[string]any
	Fields []string
	Strict bool
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("sequencer.mode", defaultSequencerMode)
	configViper.SetDefault("redis.key_prefix", defaultRedisKeyPrefix)
	configViper.SetDefault("cursor.batch_size", defaultCursorBatchSize)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		DatabaseMaxConns:  configViper.GetInt("database.max_open_conns"),
		LogLevel:          configViper.GetString("log.level"),
		LogFormat:         configViper.GetString("log.format"),
		AuthSigningSecret: configViper.GetString("auth.signing_secret"),
		AuthIssuer:        configViper.GetString("auth.issuer"),
		AuthCookieName:    configViper.GetString("auth.cookie_name"),
		TokenTTL:          time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		SequencerMode:     strings.ToLower(strings.TrimSpace(configViper.GetString("sequencer.mode"))),
		RedisAddress:      configViper.GetString("redis.address"),
		RedisPassword:     configViper.GetString("redis.password"),
		RedisDB:           configViper.GetInt("redis.db"),
		RedisKeyPrefix:    configViper.GetString("redis.key_prefix"),
		CursorBatchSize:   configViper.GetInt("cursor.batch_size"),
	}

	policies, err := loadCollections(configViper)
	if err != nil {
		return AppConfig{}, err
	}
	cfg.CollectionPolicies = policies

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// CollectionNames lists the configured collections in sorted order.
func (c AppConfig) CollectionNames() []string {
	names := make([]string, 0, len(c.CollectionPolicies))
	for name := range c.CollectionPolicies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func loadCollections(configViper *viper.Viper) (map[string]CollectionConfig, error) {
	raw := configViper.GetStringMap(collectionsKey)
	collections := make(map[string]CollectionConfig, len(raw))
	for name := range raw {
		section := configViper.Sub(collectionsKey + "." + name)
		if section == nil {
			return nil, fmt.Errorf("collections.%s must be a table", name)
		}

		policy := make(map[string]any)
		for _, key := range []string{"omit", "pick", "required"} {
			if section.IsSet(key) {
				policy[key] = section.Get(key)
			}
		}
		if _, err := redaction.NewPolicy(policy["omit"], policy["pick"]); err != nil {
			return nil, fmt.Errorf("collections.%s: %w", name, err)
		}
		if _, err := history.ParseRequired(policy["required"]); err != nil {
			return nil, fmt.Errorf("collections.%s: %w", name, err)
		}

		fields, err := redaction.ParseFieldList("fields", section.Get("fields"))
		if err != nil {
			return nil, fmt.Errorf("collections.%s: %w", name, err)
		}
		collections[name] = CollectionConfig{
			Policy: policy,
			Fields: fields,
			Strict: section.GetBool("strict"),
		}
	}
	return collections, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.AuthCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.CursorBatchSize <= 0 {
		return fmt.Errorf("cursor.batch_size must be positive")
	}
	switch c.SequencerMode {
	case SequencerModeLatest:
	case SequencerModeRedis:
		if strings.TrimSpace(c.RedisAddress) == "" {
			return fmt.Errorf("redis.address is required when sequencer.mode is redis")
		}
	default:
		return fmt.Errorf("sequencer.mode must be %q or %q", SequencerModeLatest, SequencerModeRedis)
	}
	return nil
}
