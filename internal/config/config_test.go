package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults_AreValid(t *testing.T) {
	if err := Validate(Defaults()); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
}

func TestValidate_Failures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad log level", func(c *Config) { c.General.LogLevel = "verbose" }},
		{"no models", func(c *Config) { c.Models = nil }},
		{"empty default model", func(c *Config) { c.General.DefaultModel = "" }},
		{"unknown default model", func(c *Config) { c.General.DefaultModel = "claude" }},
		{"model without remote name", func(c *Config) {
			m := c.Models["gemini"]
			m.RemoteModel = ""
			c.Models["gemini"] = m
		}},
		{"model without key reference", func(c *Config) {
			m := c.Models["gemini"]
			m.APIKeyEnv = ""
			c.Models["gemini"] = m
		}},
		{"zero context length", func(c *Config) { c.General.MaxContextLength = 0 }},
		{"negative max tokens", func(c *Config) { c.General.MaxTokens = -1 }},
		{"zero timeout", func(c *Config) { c.General.RequestTimeoutSeconds = 0 }},
		{"zero concurrency", func(c *Config) { c.General.MaxConcurrentMessages = 0 }},
		{"bad image mode", func(c *Config) { c.Attachments.ImageMode = "ocr" }},
		{"zero attachment cap", func(c *Config) { c.Attachments.MaxBytes = 0 }},
		{"telegram without token env", func(c *Config) {
			c.Channels.Telegram.Enabled = true
			c.Channels.Telegram.TokenEnv = ""
		}},
		{"discord without token env", func(c *Config) {
			c.Channels.Discord.Enabled = true
			c.Channels.Discord.TokenEnv = ""
		}},
		{"slack without app token env", func(c *Config) {
			c.Channels.Slack.Enabled = true
			c.Channels.Slack.AppTokenEnv = ""
		}},
		{"transcript without path", func(c *Config) {
			c.Transcript.Enabled = true
			c.Transcript.DBPath = ""
		}},
		{"metrics bad port", func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.Port = 70000
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			if err := Validate(cfg); err == nil {
				t.Fatal("expected validation error, got nil")
			}
		})
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := Defaults()
	cfg.General.DefaultModel = "deepseek"
	cfg.General.MaxContextLength = 2048
	cfg.Channels.Telegram.Enabled = true
	cfg.Channels.Telegram.AllowFrom = []string{"12345", "67890"}
	cfg.Attachments.ImageMode = "describe"

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.General.DefaultModel != "deepseek" {
		t.Fatalf("defaultModel lost: %q", got.General.DefaultModel)
	}
	if got.General.MaxContextLength != 2048 {
		t.Fatalf("maxContextLength lost: %d", got.General.MaxContextLength)
	}
	if !got.Channels.Telegram.Enabled || len(got.Channels.Telegram.AllowFrom) != 2 {
		t.Fatalf("telegram settings lost: %+v", got.Channels.Telegram)
	}
	if got.Attachments.ImageMode != "describe" {
		t.Fatalf("imageMode lost: %q", got.Attachments.ImageMode)
	}
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	partial := []byte("general:\n  logLevel: debug\n")
	if err := os.WriteFile(path, partial, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.General.LogLevel != "debug" {
		t.Fatalf("override lost: %q", cfg.General.LogLevel)
	}
	if cfg.General.DefaultModel != "gemini" || cfg.General.MaxTokens != 4096 {
		t.Fatalf("defaults not preserved: %+v", cfg.General)
	}
}

func TestLoad_InvalidFileRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	bad := []byte("general:\n  defaultModel: claude\n")
	if err := os.WriteFile(path, bad, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected validation failure for unknown default model")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestAllowedMimeSet(t *testing.T) {
	cfg := Defaults()
	cfg.Attachments.AllowedMimeTypes = []string{"image/png", " application/pdf "}
	set := cfg.AllowedMimeSet()
	if !set["image/png"] || !set["application/pdf"] {
		t.Fatalf("allow set incomplete: %v", set)
	}
	if set["image/gif"] {
		t.Fatal("allow set admits an unlisted type")
	}
}
