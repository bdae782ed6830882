package server

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aspect-build/sealvault/internal/provider"
	"github.com/aspect-build/sealvault/internal/webhook"
)

const testMasterKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("SEALVAULT_MASTER_KEY", testMasterKey)
	t.Setenv("SEALVAULT_ADMIN_TOKEN", "admin-token-0123456789")
}

func TestLoadConfigDefaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.DBDriver != "sqlite" || cfg.DBDSN != "sealvault.db" {
		t.Fatalf("db = %q %q", cfg.DBDriver, cfg.DBDSN)
	}
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.Storage != StorageFS || cfg.FSRoot != "vault-data" {
		t.Fatalf("storage = %q %q", cfg.Storage, cfg.FSRoot)
	}
	if cfg.CompletionURL != "http://localhost:8080/" {
		t.Fatalf("CompletionURL = %q", cfg.CompletionURL)
	}
	if len(cfg.Providers) != 0 {
		t.Fatalf("expected no providers enabled, got %v", cfg.Providers)
	}
	if cfg.MasterKey[31] != 0x1f {
		t.Fatalf("master key not parsed")
	}
}

func TestLoadConfigRequired(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"missing master key", map[string]string{"SEALVAULT_MASTER_KEY": ""}, "SEALVAULT_MASTER_KEY is required"},
		{"short master key", map[string]string{"SEALVAULT_MASTER_KEY": "abcd"}, "32 bytes"},
		{"missing admin token", map[string]string{"SEALVAULT_ADMIN_TOKEN": ""}, "SEALVAULT_ADMIN_TOKEN is required"},
		{"short admin token", map[string]string{"SEALVAULT_ADMIN_TOKEN": "short"}, "at least 16"},
		{"bad driver", map[string]string{"SEALVAULT_DB_DRIVER": "mysql"}, "SEALVAULT_DB_DRIVER"},
		{"bad storage", map[string]string{"SEALVAULT_STORAGE": "gcs"}, "SEALVAULT_STORAGE"},
		{"s3 without bucket", map[string]string{"SEALVAULT_STORAGE": "s3"}, "SEALVAULT_S3_BUCKET"},
		{"half s3 credentials", map[string]string{
			"SEALVAULT_STORAGE": "s3", "SEALVAULT_S3_BUCKET": "b", "SEALVAULT_S3_ACCESS_KEY": "ak",
		}, "must be set together"},
		{"bad workers", map[string]string{"SEALVAULT_WORKERS": "zero"}, "SEALVAULT_WORKERS"},
		{"negative queue", map[string]string{"SEALVAULT_QUEUE_SIZE": "-1"}, "SEALVAULT_QUEUE_SIZE"},
		{"bad timeout", map[string]string{"SEALVAULT_JOB_TIMEOUT": "soon"}, "SEALVAULT_JOB_TIMEOUT"},
		{"client id without secret", map[string]string{"DOCUSIGN_CLIENT_ID": "ik"}, "DOCUSIGN_CLIENT_SECRET"},
		{"bad policy", map[string]string{"SIGNNOW_WEBHOOK_POLICY": "allow"}, "SIGNNOW_WEBHOOK_POLICY"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setBaseEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadConfigProviders(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("SEALVAULT_BASE_URL", "https://vault.example.com/")
	t.Setenv("DOCUSIGN_CLIENT_ID", "ik")
	t.Setenv("DOCUSIGN_CLIENT_SECRET", "sk")
	t.Setenv("DOCUSIGN_WEBHOOK_SECRET", "whsec")
	t.Setenv("PANDADOC_CLIENT_ID", "pd")
	t.Setenv("PANDADOC_CLIENT_SECRET", "pds")
	t.Setenv("PANDADOC_WEBHOOK_POLICY", "warn")
	t.Setenv("SEALVAULT_WORKERS", "8")
	t.Setenv("SEALVAULT_JOB_TIMEOUT", "90s")
	t.Setenv("SEALVAULT_CORS_ORIGINS", "https://a.example.com, ,https://b.example.com")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if len(cfg.Providers) != 2 {
		t.Fatalf("enabled providers = %v", cfg.Providers)
	}
	if _, ok := cfg.Providers[provider.SignNow]; ok {
		t.Fatal("signnow should be disabled without a client id")
	}
	if got := cfg.CallbackURL(provider.DocuSign); got != "https://vault.example.com/oauth/docusign/callback" {
		t.Fatalf("CallbackURL = %q", got)
	}
	if cfg.Ingest.Workers != 8 || cfg.Ingest.JobTimeout != 90*time.Second || cfg.Ingest.QueueSize != 0 {
		t.Fatalf("ingest = %+v", cfg.Ingest)
	}
	if len(cfg.CORSOrigins) != 2 {
		t.Fatalf("CORSOrigins = %v", cfg.CORSOrigins)
	}

	reg := cfg.Registry()
	if len(reg) != 2 {
		t.Fatalf("registry has %d adapters", len(reg))
	}
	if _, err := reg.Get(provider.PandaDoc); err != nil {
		t.Fatalf("pandadoc adapter: %v", err)
	}

	hooks := cfg.WebhookConfigs()
	if hooks[provider.DocuSign].Secret != "whsec" || hooks[provider.DocuSign].Policy != webhook.PolicyEnforce {
		t.Fatalf("docusign webhook config = %+v", hooks[provider.DocuSign])
	}
	if hooks[provider.PandaDoc].Policy != webhook.PolicyWarn {
		t.Fatalf("pandadoc policy = %q", hooks[provider.PandaDoc].Policy)
	}

	got := map[string]bool{}
	for _, s := range cfg.Secrets() {
		got[s] = true
	}
	for _, want := range []string{"sk", "pds", "whsec", cfg.AdminToken} {
		if !got[want] {
			t.Errorf("Secrets() is missing %q", want)
		}
	}
	if got["ik"] {
		t.Error("Secrets() lists a client id")
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("SEALVAULT_LISTEN_ADDR=:9999\nSEALVAULT_FS_ROOT=/from/file\n"), 0600); err != nil {
		t.Fatal(err)
	}
	setBaseEnv(t)
	// Registered through t.Setenv so the values loaded from the file are
	// restored afterwards.
	t.Setenv("SEALVAULT_LISTEN_ADDR", "")
	os.Unsetenv("SEALVAULT_LISTEN_ADDR")
	t.Setenv("SEALVAULT_FS_ROOT", "/from/env")

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.ListenAddr != ":9999" {
		t.Fatalf("ListenAddr = %q, want value from file", cfg.ListenAddr)
	}
	if cfg.FSRoot != "/from/env" {
		t.Fatalf("FSRoot = %q, environment should win", cfg.FSRoot)
	}

	if err := LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing file should be ignored: %v", err)
	}
}
