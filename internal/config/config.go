// Package config loads briefsync settings from an optional TOML file with
// BRIEFSYNC_* environment variables layered on top. Environment always wins,
// so a file checked into a deploy repo can hold the stable settings while
// secrets arrive through the environment.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config holds every runtime setting for the service.
type Config struct {
	Addr   string `toml:"addr"`
	KVDSN  string `toml:"kv_dsn"`
	DryRun bool   `toml:"dry_run"`

	Board   BoardConfig   `toml:"board"`
	Design  DesignConfig  `toml:"design"`
	Webhook WebhookConfig `toml:"webhook"`
	Routing RoutingConfig `toml:"routing"`

	BulkConcurrency int   `toml:"bulk_concurrency"`
	MaxBodyBytes    int64 `toml:"max_body_bytes"`
}

// BoardConfig points at the work-tracking board API.
type BoardConfig struct {
	ID             string `toml:"id"`
	Token          string `toml:"token"`
	APIBase        string `toml:"api_base"`
	BatchColumnID  string `toml:"batch_column_id"`
	StatusColumnID string `toml:"status_column_id"`
	TriggerStatus  string `toml:"trigger_status"`
}

// DesignConfig points at the design tool's read-only API.
type DesignConfig struct {
	Token       string `toml:"token"`
	APIBase     string `toml:"api_base"`
	ProjectID   string `toml:"project_id"`
	TemplateKey string `toml:"template_key"`
}

// WebhookConfig covers inbound delivery verification.
type WebhookConfig struct {
	Secret string `toml:"secret"`
}

// RoutingConfig controls batch-label resolution.
type RoutingConfig struct {
	FileSuffix  string            `toml:"file_suffix"`
	YearHint    int               `toml:"year_hint"`
	FileMap     map[string]string `toml:"file_map"`
	FileMapPath string            `toml:"file_map_path"`
}

// Default returns the settings used when neither file nor environment says
// otherwise.
func Default() Config {
	return Config{
		Addr:            ":8080",
		BulkConcurrency: 3,
		MaxBodyBytes:    1 << 20,
		Board: BoardConfig{
			BatchColumnID:  "batch",
			StatusColumnID: "status",
			TriggerStatus:  "Ready for Design",
		},
	}
}

// Load reads the TOML file at path (skipped when path is empty) and then
// applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		if _, err := os.Stat(path); err != nil {
			return cfg, fmt.Errorf("config file %s: %w", path, err)
		}
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	strEnv("BRIEFSYNC_ADDR", &c.Addr)
	strEnv("BRIEFSYNC_KV_DSN", &c.KVDSN)
	boolEnv("BRIEFSYNC_DRY_RUN", &c.DryRun)
	intEnv("BRIEFSYNC_BULK_CONCURRENCY", &c.BulkConcurrency)
	int64Env("BRIEFSYNC_MAX_BODY_BYTES", &c.MaxBodyBytes)

	strEnv("BRIEFSYNC_BOARD_ID", &c.Board.ID)
	strEnv("BRIEFSYNC_BOARD_TOKEN", &c.Board.Token)
	strEnv("BRIEFSYNC_BOARD_API_BASE", &c.Board.APIBase)
	strEnv("BRIEFSYNC_BATCH_COLUMN_ID", &c.Board.BatchColumnID)
	strEnv("BRIEFSYNC_STATUS_COLUMN_ID", &c.Board.StatusColumnID)
	strEnv("BRIEFSYNC_TRIGGER_STATUS", &c.Board.TriggerStatus)

	strEnv("BRIEFSYNC_DESIGN_TOKEN", &c.Design.Token)
	strEnv("BRIEFSYNC_DESIGN_API_BASE", &c.Design.APIBase)
	strEnv("BRIEFSYNC_DESIGN_PROJECT_ID", &c.Design.ProjectID)
	strEnv("BRIEFSYNC_TEMPLATE_KEY", &c.Design.TemplateKey)

	strEnv("BRIEFSYNC_WEBHOOK_SECRET", &c.Webhook.Secret)

	strEnv("BRIEFSYNC_FILE_SUFFIX", &c.Routing.FileSuffix)
	intEnv("BRIEFSYNC_YEAR_HINT", &c.Routing.YearHint)
	strEnv("BRIEFSYNC_FILE_MAP_PATH", &c.Routing.FileMapPath)
}

func strEnv(name string, target *string) {
	if value := os.Getenv(name); value != "" {
		*target = value
	}
}

func intEnv(name string, target *int) {
	raw := os.Getenv(name)
	if raw == "" {
		return
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, keeping %d", name, raw, *target)
		return
	}
	*target = value
}

func int64Env(name string, target *int64) {
	raw := os.Getenv(name)
	if raw == "" {
		return
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, keeping %d", name, raw, *target)
		return
	}
	*target = value
}

func boolEnv(name string, target *bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid %s=%q, keeping %v", name, raw, *target)
		return
	}
	*target = value
}
