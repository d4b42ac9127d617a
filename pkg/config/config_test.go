package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	path := writeConfigFile(t, `
port: "8787"
env: "test"
database:
  host: "db.example.com"
  port: 5432
  user: "testuser"
  database: "testdb"
llm:
  provider: "openai"
  model: "gpt-4o-mini"
tableau:
  server_url: "https://tableau.example.com"
  site: "analytics"
auth:
  disable_verification: true
`)
	t.Setenv("CONFIG_PATH", path)

	// Clear env vars that might interfere with the test
	os.Unsetenv("PGHOST")
	os.Unsetenv("BASE_URL")

	// Set env vars to override YAML values
	t.Setenv("PORT", "9090")
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("LLM_MODEL", "gpt-4.1")

	cfg, err := Load("test-version")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Port != "9090" {
		t.Errorf("expected Port=9090 (from env), got %s", cfg.Port)
	}
	if cfg.Env != "production" {
		t.Errorf("expected Env=production (from env), got %s", cfg.Env)
	}
	if cfg.LLM.Model != "gpt-4.1" {
		t.Errorf("expected LLM.Model=gpt-4.1 (from env), got %s", cfg.LLM.Model)
	}
	if cfg.Version != "test-version" {
		t.Errorf("expected Version=test-version, got %s", cfg.Version)
	}
	if cfg.BaseURL != "http://localhost:9090" {
		t.Errorf("expected BaseURL auto-derived from PORT, got %s", cfg.BaseURL)
	}

	// YAML value survives where no env override exists
	if cfg.Database.Host != "db.example.com" {
		t.Errorf("expected Database.Host=db.example.com (from yaml), got %s", cfg.Database.Host)
	}
	if cfg.Tableau.Site != "analytics" {
		t.Errorf("expected Tableau.Site=analytics (from yaml), got %s", cfg.Tableau.Site)
	}
	// The file-level opt-out must survive loading even though the field's
	// zero value would re-enable verification.
	if cfg.Auth.VerificationEnabled() {
		t.Error("expected auth verification disabled via yaml")
	}
}

func TestLoad_MissingFileFallsBackToEnv(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	t.Setenv("AUTH_DISABLE_VERIFICATION", "true")
	t.Setenv("PORT", "7000")

	cfg, err := Load("dev")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Port != "7000" {
		t.Errorf("expected Port=7000, got %s", cfg.Port)
	}
	if cfg.Agents.MaxBuildAttempts != 3 {
		t.Errorf("expected default MaxBuildAttempts=3, got %d", cfg.Agents.MaxBuildAttempts)
	}
	if cfg.Agents.MaxExecutionAttempts != 2 {
		t.Errorf("expected default MaxExecutionAttempts=2, got %d", cfg.Agents.MaxExecutionAttempts)
	}
}

func TestLoad_RejectsUnknownProvider(t *testing.T) {
	path := writeConfigFile(t, `
llm:
  provider: "bard"
auth:
  disable_verification: true
`)
	t.Setenv("CONFIG_PATH", path)
	os.Unsetenv("LLM_PROVIDER")

	if _, err := Load("dev"); err == nil {
		t.Fatal("expected error for unknown llm provider, got nil")
	}
}

func TestLoad_RejectsUnknownCredentialKind(t *testing.T) {
	path := writeConfigFile(t, `
tableau:
  credential_kind: "oauth"
auth:
  disable_verification: true
`)
	t.Setenv("CONFIG_PATH", path)
	os.Unsetenv("TABLEAU_CREDENTIAL_KIND")

	if _, err := Load("dev"); err == nil {
		t.Fatal("expected error for unknown tableau credential kind, got nil")
	}
}

func TestTableauConfig_Configured(t *testing.T) {
	tests := []struct {
		name string
		cfg  TableauConfig
		want bool
	}{
		{
			name: "no server url",
			cfg:  TableauConfig{CredentialKind: "pat", PATName: "n", PATSecret: "s"},
			want: false,
		},
		{
			name: "pat complete",
			cfg:  TableauConfig{ServerURL: "https://t.example.com", CredentialKind: "pat", PATName: "n", PATSecret: "s"},
			want: true,
		},
		{
			name: "pat missing secret",
			cfg:  TableauConfig{ServerURL: "https://t.example.com", CredentialKind: "pat", PATName: "n"},
			want: false,
		},
		{
			name: "password complete",
			cfg:  TableauConfig{ServerURL: "https://t.example.com", CredentialKind: "password", Username: "u", Password: "p"},
			want: true,
		},
		{
			name: "password missing password",
			cfg:  TableauConfig{ServerURL: "https://t.example.com", CredentialKind: "password", Username: "u"},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.Configured(); got != tt.want {
				t.Errorf("Configured() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDatabaseConfig_Enabled(t *testing.T) {
	var c DatabaseConfig
	if c.Enabled() {
		t.Error("empty host should not report enabled")
	}
	c.Host = "localhost"
	if !c.Enabled() {
		t.Error("configured host should report enabled")
	}
}
