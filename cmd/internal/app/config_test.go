package app

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func TestLoadConfig_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scoping.yaml")
	data := []byte(`
http_addr: 127.0.0.1:9000
log_format: text
read_timeout: 3s
db_schema: from_file
ws_allowed_origins:
  - https://app.example.com
seed_user: file-user
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv(ConfigFileEnv, path)
	t.Setenv("SCOPING_DB_SCHEMA", "from_env")
	t.Setenv("SCOPING_WS_ALLOWED_ORIGINS", "https://a.example.com, ,https://b.example.com")
	t.Setenv("SCOPING_SEED_USER", "  env-user ")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.HTTPAddr != "127.0.0.1:9000" || cfg.LogFormat != "text" {
		t.Fatalf("file values not applied: addr=%q format=%q", cfg.HTTPAddr, cfg.LogFormat)
	}
	if cfg.ReadTimeout != 3*time.Second {
		t.Fatalf("ReadTimeout=%v want=3s", cfg.ReadTimeout)
	}
	if cfg.DBSchema != "from_env" {
		t.Fatalf("DBSchema=%q want=from_env", cfg.DBSchema)
	}
	if want := []string{"https://a.example.com", "https://b.example.com"}; !slices.Equal(cfg.WSAllowedOrigins, want) {
		t.Fatalf("WSAllowedOrigins=%v want=%v", cfg.WSAllowedOrigins, want)
	}
	if cfg.SeedUser != "env-user" {
		t.Fatalf("SeedUser=%q want=env-user", cfg.SeedUser)
	}
	if cfg.WriteTimeout != DefaultConfig().WriteTimeout {
		t.Fatalf("WriteTimeout=%v want default", cfg.WriteTimeout)
	}
}

func TestLoadConfig_BadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("http_addr: [unterminated"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(ConfigFileEnv, path)
	if _, err := LoadConfig(); err == nil {
		t.Fatalf("expected parse error")
	}

	t.Setenv(ConfigFileEnv, filepath.Join(dir, "missing.yaml"))
	if _, err := LoadConfig(); err == nil {
		t.Fatalf("expected read error")
	}
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()

	prod := DefaultConfig()
	prod.Env = "production"
	prod.WSOriginRequired = true
	prod.WSAllowedOrigins = []string{"https://app.example.com"}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "no addr", mutate: func(c *Config) { c.HTTPAddr = " " }, wantErr: true},
		{name: "bad format", mutate: func(c *Config) { c.LogFormat = "xml" }, wantErr: true},
		{name: "min over max", mutate: func(c *Config) { c.DBMinConns = 20 }, wantErr: true},
		{name: "dev skip verify", mutate: func(c *Config) { c.WSInsecureSkipVerify = true }},
	}
	for _, tc := range cases {
		cfg := DefaultConfig()
		tc.mutate(&cfg)
		if err := ValidateConfig(cfg); (err != nil) != tc.wantErr {
			t.Fatalf("%s: err=%v wantErr=%v", tc.name, err, tc.wantErr)
		}
	}

	prodCases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "prod ok", mutate: func(*Config) {}},
		{name: "prod skip verify", mutate: func(c *Config) { c.WSInsecureSkipVerify = true }, wantErr: true},
		{name: "prod no origins", mutate: func(c *Config) { c.WSAllowedOrigins = nil }, wantErr: true},
		{name: "prod origin optional", mutate: func(c *Config) { c.WSOriginRequired = false }, wantErr: true},
		{name: "prod seed", mutate: func(c *Config) { c.SeedUser = "demo" }, wantErr: true},
	}
	for _, tc := range prodCases {
		cfg := prod
		cfg.WSAllowedOrigins = slices.Clone(prod.WSAllowedOrigins)
		tc.mutate(&cfg)
		if err := ValidateConfig(cfg); (err != nil) != tc.wantErr {
			t.Fatalf("%s: err=%v wantErr=%v", tc.name, err, tc.wantErr)
		}
	}
}

func TestEnvList(t *testing.T) {
	t.Setenv("SCOPING_TEST_LIST", " , ")
	if got := EnvList("SCOPING_TEST_LIST", []string{"def"}); !slices.Equal(got, []string{"def"}) {
		t.Fatalf("blank entries: got=%v want=[def]", got)
	}
	t.Setenv("SCOPING_TEST_LIST", "a,b")
	if got := EnvList("SCOPING_TEST_LIST", nil); !slices.Equal(got, []string{"a", "b"}) {
		t.Fatalf("got=%v want=[a b]", got)
	}
}
