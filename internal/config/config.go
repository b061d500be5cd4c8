package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"ledgersync/internal/indexer"
)

const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	RPCURL string
	// WSURL is used for push subscriptions; empty means RPCURL.
	WSURL string

	WindowSize     uint64
	PollInterval   time.Duration
	PollStep       uint64
	RequestTimeout time.Duration
	DialTimeout    time.Duration
	RedialTimeout  time.Duration
	RPS            float64
	Burst          int

	ABIPath      string
	NativeSymbol string

	Store         string
	PGDSN         string
	SQLitePath    string
	CursorFile    string
	OfferingsFile string
	DirectoryFile string
	AuditFile     string

	Reset          bool
	ResetOfferings []int64
	OfferingIDs    []int64
	StartBlock     uint64
	Workers        int

	MetricsAddr string
	LogLevel    string
}

// Load merges .env, config file, environment variables, and flags into Config.
// Values set in the process environment win over .env entries.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("LEDGERSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("window-size", indexer.DefaultWindowSize)
	v.SetDefault("poll-interval", 5*time.Second)
	v.SetDefault("poll-step", uint64(20))
	v.SetDefault("request-timeout", 30*time.Second)
	v.SetDefault("dial-timeout", 30*time.Second)
	v.SetDefault("redial-timeout", time.Minute)
	v.SetDefault("rps", 0.0)
	v.SetDefault("burst", 1)
	v.SetDefault("native-symbol", "MON")
	v.SetDefault("store", StoreSQLite)
	v.SetDefault("sqlite-path", "./data/ledger.db")
	v.SetDefault("audit-file", "./data/audit.jsonl")
	v.SetDefault("workers", 4)
	v.SetDefault("log-level", "info")

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

	resetIDs, err := indexer.ParseOfferingIDs(getStringSlice(v, "reset-offerings"))
	if err != nil {
		return Config{}, fmt.Errorf("reset-offerings: %w", err)
	}
	offeringIDs, err := indexer.ParseOfferingIDs(getStringSlice(v, "offering-ids"))
	if err != nil {
		return Config{}, fmt.Errorf("offering-ids: %w", err)
	}

	cfg := Config{
		RPCURL:         v.GetString("rpc"),
		WSURL:          v.GetString("ws"),
		WindowSize:     v.GetUint64("window-size"),
		PollInterval:   v.GetDuration("poll-interval"),
		PollStep:       v.GetUint64("poll-step"),
		RequestTimeout: v.GetDuration("request-timeout"),
		DialTimeout:    v.GetDuration("dial-timeout"),
		RedialTimeout:  v.GetDuration("redial-timeout"),
		RPS:            v.GetFloat64("rps"),
		Burst:          v.GetInt("burst"),
		ABIPath:        v.GetString("abi"),
		NativeSymbol:   v.GetString("native-symbol"),
		Store:          strings.ToLower(strings.TrimSpace(v.GetString("store"))),
		PGDSN:          v.GetString("pg-dsn"),
		SQLitePath:     v.GetString("sqlite-path"),
		CursorFile:     v.GetString("cursor-file"),
		OfferingsFile:  v.GetString("offerings-file"),
		DirectoryFile:  v.GetString("directory-file"),
		AuditFile:      v.GetString("audit-file"),
		Reset:          v.GetBool("reset"),
		ResetOfferings: resetIDs,
		OfferingIDs:    offeringIDs,
		StartBlock:     v.GetUint64("start-block"),
		Workers:        v.GetInt("workers"),
		MetricsAddr:    v.GetString("metrics-addr"),
		LogLevel:       v.GetString("log-level"),
	}

	return cfg, nil
}

// Validate rejects configurations the synchronizer cannot start with.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.RPCURL) == "" {
		errs = append(errs, errors.New("rpc url is required"))
	}
	if c.WindowSize < 1 {
		errs = append(errs, errors.New("window-size must be at least 1"))
	}
	if c.PollStep < 1 {
		errs = append(errs, errors.New("poll-step must be at least 1"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll-interval must be positive"))
	}
	if c.Workers < 1 {
		errs = append(errs, errors.New("workers must be at least 1"))
	}
	if c.RPS < 0 {
		errs = append(errs, errors.New("rps must not be negative"))
	}
	switch c.Store {
	case StorePostgres:
		if c.PGDSN == "" {
			errs = append(errs, errors.New("pg-dsn is required for the postgres store"))
		}
	case StoreSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("sqlite-path is required for the sqlite store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store %q (want %s or %s)", c.Store, StorePostgres, StoreSQLite))
	}
	return errors.Join(errs...)
}

// PushURL is the endpoint used for subscriptions.
func (c Config) PushURL() string {
	if c.WSURL != "" {
		return c.WSURL
	}
	return c.RPCURL
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
