package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("LEDGERSYNC_RPC", "https://testnet-rpc.monad.xyz")

	cfg, err := Load("", nil)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, uint64(2000), cfg.WindowSize)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, uint64(20), cfg.PollStep)
	assert.Equal(t, "MON", cfg.NativeSymbol)
	assert.Equal(t, StoreSQLite, cfg.Store)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, "https://testnet-rpc.monad.xyz", cfg.PushURL())
}

func TestLoadEnvLists(t *testing.T) {
	t.Setenv("LEDGERSYNC_RPC", "http://localhost:8545")
	t.Setenv("LEDGERSYNC_RESET_OFFERINGS", "3, 1")
	t.Setenv("LEDGERSYNC_OFFERING_IDS", "2")
	t.Setenv("LEDGERSYNC_WINDOW_SIZE", "500")

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 1}, cfg.ResetOfferings)
	assert.Equal(t, []int64{2}, cfg.OfferingIDs)
	assert.Equal(t, uint64(500), cfg.WindowSize)
}

func TestLoadRejectsBadOfferingID(t *testing.T) {
	t.Setenv("LEDGERSYNC_RESET_OFFERINGS", "1,abc")

	_, err := Load("", nil)
	require.Error(t, err)
}

func TestLoadFileAndFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledgersync.yaml")
	body := []byte("rpc: http://file:8545\nws: ws://file:8546\nstore: postgres\npg-dsn: postgres://localhost/ledger\npoll-step: 50\n")
	require.NoError(t, os.WriteFile(path, body, 0o644))

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Uint64("poll-step", 20, "")
	flags.Int("workers", 4, "")
	require.NoError(t, flags.Parse([]string{"--workers=8"}))

	cfg, err := Load(path, flags)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "http://file:8545", cfg.RPCURL)
	assert.Equal(t, "ws://file:8546", cfg.PushURL())
	assert.Equal(t, StorePostgres, cfg.Store)
	assert.Equal(t, uint64(50), cfg.PollStep)
	assert.Equal(t, 8, cfg.Workers)
}

func TestValidate(t *testing.T) {
	valid := Config{
		RPCURL:       "http://localhost:8545",
		WindowSize:   1,
		PollStep:     1,
		PollInterval: time.Second,
		Workers:      1,
		Store:        StoreSQLite,
		SQLitePath:   "ledger.db",
	}
	require.NoError(t, valid.Validate())

	cases := map[string]func(c *Config){
		"missing rpc":        func(c *Config) { c.RPCURL = "" },
		"zero window":        func(c *Config) { c.WindowSize = 0 },
		"zero poll step":     func(c *Config) { c.PollStep = 0 },
		"zero poll interval": func(c *Config) { c.PollInterval = 0 },
		"no workers":         func(c *Config) { c.Workers = 0 },
		"unknown store":      func(c *Config) { c.Store = "mysql" },
		"postgres no dsn":    func(c *Config) { c.Store = StorePostgres },
		"negative rps":       func(c *Config) { c.RPS = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
