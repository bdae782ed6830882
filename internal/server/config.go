package server

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aspect-build/sealvault/internal/crypto"
	"github.com/aspect-build/sealvault/internal/ingest"
	"github.com/aspect-build/sealvault/internal/provider"
	"github.com/aspect-build/sealvault/internal/server/db"
	"github.com/aspect-build/sealvault/internal/storage"
	"github.com/aspect-build/sealvault/internal/webhook"
	"github.com/joho/godotenv"
)

// Storage backends.
const (
	StorageFS = "fs"
	StorageS3 = "s3"
)

// ProviderConfig is the per-platform part of Config. A provider with no
// client id is disabled.
type ProviderConfig struct {
	ClientID      string
	ClientSecret  string
	WebhookSecret string
	WebhookPolicy webhook.Policy
	AuthURL       string
	APIURL        string
}

// Enabled reports whether the provider has OAuth client credentials.
func (p ProviderConfig) Enabled() bool { return p.ClientID != "" }

// Config holds server configuration loaded from environment variables.
type Config struct {
	MasterKey     [32]byte
	AdminToken    string
	DBDriver      string
	DBDSN         string
	ListenAddr    string
	BaseURL       string
	CompletionURL string
	CORSOrigins   []string

	Storage string
	FSRoot  string
	S3      storage.S3Config

	Ingest ingest.Config

	Providers map[provider.Provider]ProviderConfig
}

// LoadDotEnv preloads variables from a .env file. Variables already set in
// the environment win. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// LoadConfig loads server configuration from environment variables.
func LoadConfig() (*Config, error) {
	masterKeyHex := os.Getenv("SEALVAULT_MASTER_KEY")
	if masterKeyHex == "" {
		return nil, fmt.Errorf("SEALVAULT_MASTER_KEY is required")
	}
	masterKey, err := crypto.ParseMasterKey(masterKeyHex)
	if err != nil {
		return nil, fmt.Errorf("SEALVAULT_MASTER_KEY: %w", err)
	}

	adminToken := os.Getenv("SEALVAULT_ADMIN_TOKEN")
	if adminToken == "" {
		return nil, fmt.Errorf("SEALVAULT_ADMIN_TOKEN is required")
	}
	if len(adminToken) < 16 {
		return nil, fmt.Errorf("SEALVAULT_ADMIN_TOKEN must be at least 16 characters")
	}

	cfg := &Config{
		MasterKey:  masterKey,
		AdminToken: adminToken,
		DBDriver:   envOr("SEALVAULT_DB_DRIVER", db.DriverSQLite),
		DBDSN:      envOr("SEALVAULT_DB_DSN", "sealvault.db"),
		ListenAddr: envOr("SEALVAULT_LISTEN_ADDR", ":8080"),
		BaseURL:    strings.TrimRight(envOr("SEALVAULT_BASE_URL", "http://localhost:8080"), "/"),
		Storage:    strings.ToLower(envOr("SEALVAULT_STORAGE", StorageFS)),
		FSRoot:     envOr("SEALVAULT_FS_ROOT", "vault-data"),
		Providers:  make(map[provider.Provider]ProviderConfig),
	}
	cfg.CompletionURL = envOr("SEALVAULT_COMPLETION_URL", cfg.BaseURL+"/")

	switch cfg.DBDriver {
	case db.DriverSQLite, db.DriverPostgres:
	default:
		return nil, fmt.Errorf("SEALVAULT_DB_DRIVER must be %q or %q", db.DriverSQLite, db.DriverPostgres)
	}

	if v := os.Getenv("SEALVAULT_CORS_ORIGINS"); v != "" {
		for _, o := range strings.Split(v, ",") {
			o = strings.TrimSpace(o)
			if o != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, o)
			}
		}
	}

	switch cfg.Storage {
	case StorageFS:
	case StorageS3:
		cfg.S3 = storage.S3Config{
			Bucket:    os.Getenv("SEALVAULT_S3_BUCKET"),
			Region:    os.Getenv("SEALVAULT_S3_REGION"),
			Endpoint:  os.Getenv("SEALVAULT_S3_ENDPOINT"),
			AccessKey: os.Getenv("SEALVAULT_S3_ACCESS_KEY"),
			SecretKey: os.Getenv("SEALVAULT_S3_SECRET_KEY"),
		}
		if cfg.S3.Bucket == "" {
			return nil, fmt.Errorf("SEALVAULT_S3_BUCKET is required when SEALVAULT_STORAGE=s3")
		}
		if (cfg.S3.AccessKey == "") != (cfg.S3.SecretKey == "") {
			return nil, fmt.Errorf("SEALVAULT_S3_ACCESS_KEY and SEALVAULT_S3_SECRET_KEY must be set together")
		}
	default:
		return nil, fmt.Errorf("SEALVAULT_STORAGE must be %q or %q", StorageFS, StorageS3)
	}

	if cfg.Ingest.Workers, err = envInt("SEALVAULT_WORKERS"); err != nil {
		return nil, err
	}
	if cfg.Ingest.QueueSize, err = envInt("SEALVAULT_QUEUE_SIZE"); err != nil {
		return nil, err
	}
	if cfg.Ingest.JobTimeout, err = envDuration("SEALVAULT_JOB_TIMEOUT"); err != nil {
		return nil, err
	}

	for _, p := range provider.All() {
		pc, err := loadProvider(p)
		if err != nil {
			return nil, err
		}
		if pc.Enabled() {
			cfg.Providers[p] = pc
		}
	}

	return cfg, nil
}

func loadProvider(p provider.Provider) (ProviderConfig, error) {
	prefix := strings.ToUpper(p.String()) + "_"
	pc := ProviderConfig{
		ClientID:      os.Getenv(prefix + "CLIENT_ID"),
		ClientSecret:  os.Getenv(prefix + "CLIENT_SECRET"),
		WebhookSecret: os.Getenv(prefix + "WEBHOOK_SECRET"),
		AuthURL:       os.Getenv(prefix + "AUTH_URL"),
		APIURL:        os.Getenv(prefix + "API_URL"),
	}
	policy, err := webhook.ParsePolicy(os.Getenv(prefix + "WEBHOOK_POLICY"))
	if err != nil {
		return pc, fmt.Errorf("%sWEBHOOK_POLICY: %w", prefix, err)
	}
	pc.WebhookPolicy = policy
	if pc.ClientID != "" && pc.ClientSecret == "" {
		return pc, fmt.Errorf("%sCLIENT_SECRET is required when %sCLIENT_ID is set", prefix, prefix)
	}
	return pc, nil
}

// CallbackURL is the OAuth redirect URI registered with provider p.
func (c *Config) CallbackURL(p provider.Provider) string {
	return c.BaseURL + "/oauth/" + p.String() + "/callback"
}

// Registry builds the adapters of the enabled providers.
func (c *Config) Registry() provider.Registry {
	var adapters []provider.Adapter
	for _, p := range provider.All() {
		pc, ok := c.Providers[p]
		if !ok {
			continue
		}
		ac := provider.Config{
			ClientID:     pc.ClientID,
			ClientSecret: pc.ClientSecret,
			RedirectURL:  c.CallbackURL(p),
			AuthURL:      pc.AuthURL,
			APIURL:       pc.APIURL,
		}
		switch p {
		case provider.DocuSign:
			adapters = append(adapters, provider.NewDocuSign(ac))
		case provider.SignNow:
			adapters = append(adapters, provider.NewSignNow(ac))
		case provider.PandaDoc:
			adapters = append(adapters, provider.NewPandaDoc(ac))
		}
	}
	return provider.NewRegistry(adapters...)
}

// Secrets lists the configured credentials that must never reach a log.
func (c *Config) Secrets() []string {
	out := []string{c.AdminToken, c.S3.SecretKey}
	for _, pc := range c.Providers {
		out = append(out, pc.ClientSecret, pc.WebhookSecret)
	}
	return out
}

// WebhookConfigs returns the signing setup of the enabled providers.
func (c *Config) WebhookConfigs() map[provider.Provider]webhook.ProviderConfig {
	out := make(map[provider.Provider]webhook.ProviderConfig, len(c.Providers))
	for p, pc := range c.Providers {
		out[p] = webhook.ProviderConfig{Secret: pc.WebhookSecret, Policy: pc.WebhookPolicy}
	}
	return out
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// envInt returns 0 when key is unset so callers fall back to their defaults.
func envInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer", key)
	}
	return n, nil
}

func envDuration(key string) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s must be a positive duration such as 90s", key)
	}
	return d, nil
}
