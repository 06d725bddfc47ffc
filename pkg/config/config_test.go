package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, home, body string) {
	t.Helper()
	configDir := filepath.Join(home, appDirName)
	require.NoError(t, os.MkdirAll(configDir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "config.yaml"), []byte(body), 0o600))
}

func TestLoad_MissingFile_ReturnsDefault(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("RUBBERDUCK_PORT", "")
	t.Setenv("OPENAI_API_KEY", "")

	cfg, path, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if path == "" {
		t.Fatalf("expected config path")
	}
	if got := cfg.Host(); got != DefaultHost {
		t.Fatalf("cfg.Host() = %q, want %q", got, DefaultHost)
	}
	if got := cfg.Port(); got != DefaultPort {
		t.Fatalf("cfg.Port() = %d, want %d", got, DefaultPort)
	}
	require.Equal(t, "sqlite", cfg.Driver())
	require.Equal(t, DefaultFixturePhrase, cfg.FixturePhrase())
	require.Equal(t, DefaultMonthlySessionLimit, cfg.MonthlySessionLimit())
	require.Equal(t, "http://127.0.0.1:8088", cfg.ServerURL())
}

func TestEnsureDefaultConfig_CreatesFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("RUBBERDUCK_PORT", "")

	path, err := EnsureDefaultConfig()
	if err != nil {
		t.Fatalf("EnsureDefaultConfig() error = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config file to exist at %s: %v", path, err)
	}

	cfg, gotPath, err := Load()
	require.NoError(t, err)
	require.Equal(t, filepath.Clean(path), filepath.Clean(gotPath))
	require.Equal(t, DefaultHost, cfg.Host())
	require.Equal(t, DefaultPort, cfg.Port())
	require.Equal(t, DefaultFixturePhrase, cfg.FixturePhrase())
}

func TestLoad_ParsesSections(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("RUBBERDUCK_PORT", "")
	t.Setenv("OPENAI_API_KEY", "")

	writeConfig(t, home, `server:
  host: 0.0.0.0
  port: 9090
database:
  driver: Postgres
  dsn: postgres://duck@localhost/duck?sslmode=disable
model:
  provider: ollama
  model: llama3
  base_url: http://localhost:11434
chat:
  fixture_phrase: "  rubber up  "
  monthly_session_limit: 3
client:
  server_url: http://duck.local:9090/
`)

	cfg, _, err := Load()
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0", cfg.Host())
	require.Equal(t, 9090, cfg.Port())
	require.Equal(t, "postgres", cfg.Driver())
	require.Equal(t, "postgres://duck@localhost/duck?sslmode=disable", cfg.DSN())
	require.Equal(t, "ollama", cfg.Model.Provider)
	require.Equal(t, "rubber up", cfg.FixturePhrase())
	require.Equal(t, 3, cfg.MonthlySessionLimit())
	require.Equal(t, "http://duck.local:9090", cfg.ServerURL())
}

func TestLoad_EnvOverrides(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("RUBBERDUCK_PORT", "9191")
	t.Setenv("OPENAI_API_KEY", "sk-from-env")

	writeConfig(t, home, "server:\n  port: 9090\n")

	cfg, _, err := Load()
	require.NoError(t, err)
	require.Equal(t, 9191, cfg.Port())
	require.Equal(t, "sk-from-env", cfg.Model.APIKey)
}

func TestLoad_RejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"port":   "server:\n  port: 70000\n",
		"driver": "database:\n  driver: oracle\n",
		"dsn":    "database:\n  driver: mysql\n",
		"yaml":   "server: [\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			home := t.TempDir()
			t.Setenv("HOME", home)
			t.Setenv("RUBBERDUCK_PORT", "")
			writeConfig(t, home, body)

			_, _, err := Load()
			require.Error(t, err)
		})
	}
}

func TestLocalPathsDefaultUnderConfigDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg := &AppConfig{}
	require.Equal(t, filepath.Join(home, appDirName, "rubberduck.db"), cfg.DSN())
	require.Equal(t, filepath.Join(home, appDirName, "local.bolt"), cfg.LocalStorePath())
}
