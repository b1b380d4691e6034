package config

import (
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg == nil {
		t.Fatal("DefaultConfig() returned nil")
	}

	if cfg.SocksPort != 9050 {
		t.Errorf("SocksPort = %v, want 9050", cfg.SocksPort)
	}
	if cfg.ControlPort != 9051 {
		t.Errorf("ControlPort = %v, want 9051", cfg.ControlPort)
	}
	if cfg.UseEntryGuards != true {
		t.Error("UseEntryGuards = false, want true")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %v, want info", cfg.LogLevel)
	}
	if cfg.UseMicrodescriptors != true {
		t.Error("UseMicrodescriptors = false, want true")
	}
	if cfg.PathBiasExtremeRate > cfg.PathBiasWarnRate || cfg.PathBiasWarnRate > cfg.PathBiasNoticeRate {
		t.Errorf("path bias rates out of order: extreme=%v warn=%v notice=%v",
			cfg.PathBiasExtremeRate, cfg.PathBiasWarnRate, cfg.PathBiasNoticeRate)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "invalid SocksPort negative",
			modify: func(c *Config) {
				c.SocksPort = -1
			},
			wantErr: true,
		},
		{
			name: "invalid SocksPort too large",
			modify: func(c *Config) {
				c.SocksPort = 70000
			},
			wantErr: true,
		},
		{
			name: "invalid ControlPort",
			modify: func(c *Config) {
				c.ControlPort = -1
			},
			wantErr: true,
		},
		{
			name: "SocksPort and ControlPort conflict",
			modify: func(c *Config) {
				c.ControlPort = c.SocksPort
			},
			wantErr: true,
		},
		{
			name: "invalid CircuitBuildTimeout",
			modify: func(c *Config) {
				c.CircuitBuildTimeout = 0
			},
			wantErr: true,
		},
		{
			name: "invalid MaxCircuitDirtiness",
			modify: func(c *Config) {
				c.MaxCircuitDirtiness = -1 * time.Second
			},
			wantErr: true,
		},
		{
			name: "invalid NumEntryGuards",
			modify: func(c *Config) {
				c.NumEntryGuards = 0
			},
			wantErr: true,
		},
		{
			name: "invalid LogLevel",
			modify: func(c *Config) {
				c.LogLevel = "invalid"
			},
			wantErr: true,
		},
		{
			name: "valid LogLevel debug",
			modify: func(c *Config) {
				c.LogLevel = "debug"
			},
			wantErr: false,
		},
		{
			name: "MaxMemInQueuesLowThreshold above MaxMemInQueues",
			modify: func(c *Config) {
				c.MaxMemInQueues = 1000
				c.MaxMemInQueuesLowThreshold = 2000
			},
			wantErr: true,
		},
		{
			name: "PathBiasNoticeRate out of range",
			modify: func(c *Config) {
				c.PathBiasNoticeRate = 1.5
			},
			wantErr: true,
		},
		{
			name: "path bias rates out of order",
			modify: func(c *Config) {
				c.PathBiasExtremeRate = 0.9
				c.PathBiasWarnRate = 0.5
				c.PathBiasNoticeRate = 0.7
			},
			wantErr: true,
		},
		{
			name: "invalid PathBiasCircThreshold",
			modify: func(c *Config) {
				c.PathBiasCircThreshold = 0
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfigClone(t *testing.T) {
	original := DefaultConfig()
	original.ServerDNSTestAddresses = []string{"www.example.com", "www.torproject.org"}

	clone := original.Clone()

	if clone.SocksPort != original.SocksPort {
		t.Errorf("SocksPort = %v, want %v", clone.SocksPort, original.SocksPort)
	}

	clone.ServerDNSTestAddresses[0] = "modified"
	if original.ServerDNSTestAddresses[0] == "modified" {
		t.Error("Modifying clone's ServerDNSTestAddresses affected original")
	}

	clone.ServerDNSTestAddresses = append(clone.ServerDNSTestAddresses, "extra.example.com")
	if len(original.ServerDNSTestAddresses) != 2 {
		t.Error("Appending to clone's ServerDNSTestAddresses affected original")
	}
}
