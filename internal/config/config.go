package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"poolSync/internal/cache"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	RPCURL    string
	Network   uint64
	Dex       string
	Pools     []string
	Topic0Map map[string]string
	LogLevel  string

	// feed
	FromBlock      uint64
	ToBlock        uint64
	BatchSize      uint64
	Confirmations  uint64
	HeadInterval   time.Duration
	MaxRetries     int
	RetryBackoff   time.Duration
	Checkpoint     string
	CheckpointName string

	// cache
	CacheBackend string
	PgDSN        string
	Role         cache.Role
	Prefix       string
	WriterID     string

	// poller
	PollInterval          time.Duration
	MaxAllowedDelayBlocks uint64
	LiquidityTracked      bool
	LiquidityThresholdUSD float64
	LiquidityUpdatePeriod time.Duration
	LiquidityAllowedDelay time.Duration

	// multicall
	MulticallAddress string
	MaxCallsPerChunk int
	ChunkConcurrency int
	AllowFailure     bool

	Parallelism    int
	SuppressWindow time.Duration
	SnapshotOut    string
	SnapshotEvery  uint64
	MetricsAddr    string
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("POOLSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("dex", "uniswapv3")
	v.SetDefault("log-level", "info")
	v.SetDefault("batch-size", uint64(100))
	v.SetDefault("head-interval", 2*time.Second)
	v.SetDefault("max-retries", 5)
	v.SetDefault("retry-backoff", 500*time.Millisecond)
	v.SetDefault("checkpoint", "./data/checkpoint.json")
	v.SetDefault("checkpoint-name", "poolsync")
	v.SetDefault("cache-backend", BackendMemory)
	v.SetDefault("role", "master")
	v.SetDefault("prefix", "poolsync")
	v.SetDefault("poll-interval", 12*time.Second)
	v.SetDefault("max-allowed-delay-blocks", uint64(2))
	v.SetDefault("liquidity-threshold-usd", 10_000.0)
	v.SetDefault("liquidity-update-period", 2*time.Minute)
	v.SetDefault("liquidity-allowed-delay", 10*time.Minute)
	v.SetDefault("max-calls-per-chunk", 500)
	v.SetDefault("chunk-concurrency", 4)
	v.SetDefault("parallelism", 8)
	v.SetDefault("suppress-window", time.Minute)
	v.SetDefault("snapshot-out", "./data/snapshots.jsonl")
	v.SetDefault("snapshot-every", uint64(100))

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	role, err := cache.ParseRole(v.GetString("role"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		RPCURL:    v.GetString("rpc"),
		Network:   v.GetUint64("network"),
		Dex:       strings.ToLower(strings.TrimSpace(v.GetString("dex"))),
		Pools:     getStringSlice(v, "pool"),
		Topic0Map: getStringMap(v, "topic0-map"),
		LogLevel:  v.GetString("log-level"),

		FromBlock:      v.GetUint64("from"),
		ToBlock:        v.GetUint64("to"),
		BatchSize:      v.GetUint64("batch-size"),
		Confirmations:  v.GetUint64("confirmations"),
		HeadInterval:   v.GetDuration("head-interval"),
		MaxRetries:     v.GetInt("max-retries"),
		RetryBackoff:   v.GetDuration("retry-backoff"),
		Checkpoint:     v.GetString("checkpoint"),
		CheckpointName: v.GetString("checkpoint-name"),

		CacheBackend: strings.ToLower(strings.TrimSpace(v.GetString("cache-backend"))),
		PgDSN:        v.GetString("pg-dsn"),
		Role:         role,
		Prefix:       v.GetString("prefix"),
		WriterID:     v.GetString("writer-id"),

		PollInterval:          v.GetDuration("poll-interval"),
		MaxAllowedDelayBlocks: v.GetUint64("max-allowed-delay-blocks"),
		LiquidityTracked:      v.GetBool("liquidity-tracked"),
		LiquidityThresholdUSD: v.GetFloat64("liquidity-threshold-usd"),
		LiquidityUpdatePeriod: v.GetDuration("liquidity-update-period"),
		LiquidityAllowedDelay: v.GetDuration("liquidity-allowed-delay"),

		MulticallAddress: v.GetString("multicall-address"),
		MaxCallsPerChunk: v.GetInt("max-calls-per-chunk"),
		ChunkConcurrency: v.GetInt("chunk-concurrency"),
		AllowFailure:     v.GetBool("allow-failure"),

		Parallelism:    v.GetInt("parallelism"),
		SuppressWindow: v.GetDuration("suppress-window"),
		SnapshotOut:    v.GetString("snapshot-out"),
		SnapshotEvery:  v.GetUint64("snapshot-every"),
		MetricsAddr:    v.GetString("metrics-addr"),
	}

	return cfg, nil
}

// Validate checks the settings every command needs.
func (c Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("rpc url is required")
	}
	if c.Dex == "" {
		return fmt.Errorf("dex name is required")
	}
	if len(c.Pools) == 0 {
		return fmt.Errorf("pool list is required")
	}
	switch c.CacheBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.PgDSN == "" {
			return fmt.Errorf("pg dsn is required for the postgres cache backend")
		}
	default:
		return fmt.Errorf("unknown cache backend: %s", c.CacheBackend)
	}
	if c.ToBlock != 0 && c.ToBlock < c.FromBlock {
		return fmt.Errorf("to block %d is below from block %d", c.ToBlock, c.FromBlock)
	}
	return nil
}

func getStringSlice(v *viper.Viper, key string) []string {
	if !v.IsSet(key) {
		return nil
	}

	val := v.Get(key)
	switch typed := val.(type) {
	case []string:
		return cleanStrings(typed)
	case string:
		return splitAndClean(typed)
	case []interface{}:
		items := make([]string, 0, len(typed))
		for _, item := range typed {
			items = append(items, fmt.Sprintf("%v", item))
		}
		return cleanStrings(items)
	default:
		return nil
	}
}

func getStringMap(v *viper.Viper, key string) map[string]string {
	if !v.IsSet(key) {
		return map[string]string{}
	}

	switch typed := v.Get(key).(type) {
	case map[string]string:
		return typed
	case map[string]interface{}:
		out := make(map[string]string, len(typed))
		for k, val := range typed {
			out[k] = fmt.Sprintf("%v", val)
		}
		return out
	case string:
		return parseStringMap(typed)
	default:
		return map[string]string{}
	}
}

func parseStringMap(input string) map[string]string {
	out := make(map[string]string)
	for _, pair := range splitAndClean(input) {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" || value == "" {
			continue
		}
		out[key] = value
	}
	return out
}

func splitAndClean(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	return cleanStrings(parts)
}

func cleanStrings(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}
