package sqlengine

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, &Config{
		Driver:       DefaultDriver,
		DSN:          DefaultDSN,
		MaxOpenConns: DefaultMaxOpenConns,
		MaxIdleConns: DefaultMaxOpenConns,
		BusyTimeout:  DefaultBusyTimeout,
	}, cfg)
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "xtable.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
driver: sqlite3
dsn: file:from-file.db
max_open_conns: 8
max_idle_conns: 2
busy_timeout: 250ms
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite3", cfg.Driver)
	assert.Equal(t, "file:from-file.db", cfg.DSN)
	assert.Equal(t, 8, cfg.MaxOpenConns)
	assert.Equal(t, 2, cfg.MaxIdleConns)
	assert.Equal(t, 250*time.Millisecond, cfg.BusyTimeout)

	t.Setenv("XTABLE_DSN", "file:from-env.db")
	t.Setenv("XTABLE_MAX_OPEN_CONNS", "1")
	cfg, err = LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite3", cfg.Driver)
	assert.Equal(t, "file:from-env.db", cfg.DSN)
	assert.Equal(t, 1, cfg.MaxOpenConns)
	assert.Equal(t, 1, cfg.MaxIdleConns, "idle connections never exceed open ones")
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "absent.yaml")
}

func TestConfig_ApplyDefaults(t *testing.T) {
	tests := []struct {
		name string
		in   Config
		want Config
	}{
		{
			name: "empty",
			want: Config{Driver: DefaultDriver, DSN: DefaultDSN, MaxOpenConns: DefaultMaxOpenConns, MaxIdleConns: DefaultMaxOpenConns},
		},
		{
			name: "idle clamped",
			in:   Config{Driver: "sqlite3", DSN: "a.db", MaxOpenConns: 2, MaxIdleConns: 10},
			want: Config{Driver: "sqlite3", DSN: "a.db", MaxOpenConns: 2, MaxIdleConns: 2},
		},
		{
			name: "kept",
			in:   Config{Driver: "sqlite", DSN: "b.db", MaxOpenConns: 6, MaxIdleConns: 3, BusyTimeout: time.Second},
			want: Config{Driver: "sqlite", DSN: "b.db", MaxOpenConns: 6, MaxIdleConns: 3, BusyTimeout: time.Second},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := tt.in
			c.ApplyDefaults()
			assert.Equal(t, tt.want, c)
		})
	}
}
