// Package config provides configuration management for the relay core.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/torfoil/relaycore/pkg/pathbias"
)

// defaultDataDir picks a per-platform directory for persistent relay state
// (microdescriptor cache, pathbias guard store, ext-orport cookie) when the
// caller hasn't set DataDirectory explicitly.
func defaultDataDir() (string, error) {
	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			base = home
		}
		return filepath.Join(base, "relaycore"), nil
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, "Library", "Application Support", "relaycore"), nil
	default:
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, "relaycore"), nil
		}
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, ".local", "share", "relaycore"), nil
	}
}

// findAvailablePort reports preferred if it is free on localhost, or the
// first free ephemeral port otherwise — so DefaultConfig never hands back a
// port that's already in use on the machine it runs on.
func findAvailablePort(preferred int) int {
	if ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", preferred)); err == nil {
		ln.Close()
		return preferred
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return preferred
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// Config is the admin-set option surface of the relay core. Options with
// consensus-parameter fallbacks are also readable at runtime through
// ConsensusParams
// (consensus.go); this struct only holds the torrc-style overrides an
// operator sets explicitly.
type Config struct {
	// Local surfaces
	SocksPort     int    // SOCKS5 proxy port (default: 9050)
	ControlPort   int    // Control protocol port (default: 9051)
	DataDirectory string // Directory for persistent state
	LogLevel      string // Log level: debug, info, warn, error (default: info)

	// Queue memory limits
	MaxMemInQueues             int64 // Bytes of queued cell data before the OOM handler runs (0 = consensus default)
	MaxMemInQueuesLowThreshold int64 // Bytes to shed down to once the OOM handler fires

	// Statistics toggles
	CellStatistics              bool // Aggregate per-circuit cell counts for relay extra-info publication
	TestingEnableCellStatsEvent bool // Emit the CELL_STATS control-port event (testing only)
	HiddenServiceStatistics     bool // Aggregate onion-service activity counters

	// Exit-side DNS behavior
	ServerDNSTestAddresses            []string // Hostnames probed to detect a hijacking resolver
	ServerDNSDetectHijacking          bool     // Run the wildcard/hijack probe at startup
	ServerDNSRandomizeCase            bool     // 0x20-encode outgoing queries to resist off-path poisoning
	ServerDNSResolvConfFile           string   // Override resolv.conf path for the exit's Lookuper
	ClientDNSRejectInternalAddresses  bool     // Reject RFC1918/loopback/link-local answers for CONNECT streams
	IPv6Exit                          bool     // Permit exit connections and DNS AAAA answers over IPv6

	// Path selection
	UseEntryGuards bool // Whether to use entry guards when building circuits
	NumEntryGuards int  // Number of entry guards to use (default: 3)

	// Path bias accounting (pkg/pathbias)
	PathBiasCircThreshold int     // Minimum attempts before path bias rates are meaningful
	PathBiasNoticeRate    float64 // Close-success ratio below which a NOTICE is logged
	PathBiasWarnRate      float64 // Close-success ratio below which a WARN is logged
	PathBiasExtremeRate   float64 // Close-success ratio below which the guard is dropped
	PathBiasDropGuards    bool    // Whether hitting PathBiasExtremeRate actually drops the guard

	// Microdescriptor consensus flavor (pkg/microdesc)
	UseMicrodescriptors     bool // Use microdescriptors rather than full router descriptors
	FetchUselessDescriptors bool // Fetch descriptors even when nothing needs them, for cache warmth

	// Ext-ORPort admission (pkg/extorport)
	ExtORPortCookieAuthFile string // Override for <DataDirectory>/extended_orport_auth_cookie

	// Circuit timing
	CircuitBuildTimeout time.Duration // Max time to build a circuit (default: 60s)
	MaxCircuitDirtiness time.Duration // Max time to use a circuit (default: 10m)
	NewCircuitPeriod    time.Duration // How often to rotate circuits (default: 30s)
}

// DefaultConfig returns a configuration with sensible defaults.
// It automatically detects the appropriate data directory for the current
// platform and uses ports that work without special privileges. Path bias
// rate defaults are seeded from pkg/pathbias's own thresholds, so a change
// to those constants doesn't silently drift out of sync with this default.
func DefaultConfig() *Config {
	dataDir, err := defaultDataDir()
	if err != nil {
		dataDir = "./relaycore-data"
	}

	return &Config{
		SocksPort:     findAvailablePort(9050),
		ControlPort:   findAvailablePort(9051),
		DataDirectory: dataDir,
		LogLevel:      "info",

		MaxMemInQueues:             0,
		MaxMemInQueuesLowThreshold: 0,

		CellStatistics:              false,
		TestingEnableCellStatsEvent: false,
		HiddenServiceStatistics:     false,

		ServerDNSTestAddresses:           []string{},
		ServerDNSDetectHijacking:         true,
		ServerDNSRandomizeCase:           true,
		ServerDNSResolvConfFile:          "",
		ClientDNSRejectInternalAddresses: true,
		IPv6Exit:                         false,

		UseEntryGuards: true,
		NumEntryGuards: 3,

		PathBiasCircThreshold: 20,
		PathBiasNoticeRate:    pathbias.CloseRateNotice,
		PathBiasWarnRate:      pathbias.CloseRateWarn,
		PathBiasExtremeRate:   pathbias.CloseRateExtreme,
		PathBiasDropGuards:    false,

		UseMicrodescriptors:     true,
		FetchUselessDescriptors: false,

		ExtORPortCookieAuthFile: "",

		CircuitBuildTimeout: 60 * time.Second,
		MaxCircuitDirtiness: 10 * time.Minute,
		NewCircuitPeriod:    30 * time.Second,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.SocksPort < 0 || c.SocksPort > 65535 {
		return fmt.Errorf("invalid SocksPort: %d", c.SocksPort)
	}
	if c.ControlPort < 0 || c.ControlPort > 65535 {
		return fmt.Errorf("invalid ControlPort: %d", c.ControlPort)
	}
	if c.SocksPort != 0 && c.SocksPort == c.ControlPort {
		return fmt.Errorf("port conflict: SocksPort and ControlPort both %d", c.SocksPort)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid LogLevel: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	if c.MaxMemInQueues < 0 {
		return fmt.Errorf("MaxMemInQueues must be non-negative")
	}
	if c.MaxMemInQueuesLowThreshold < 0 {
		return fmt.Errorf("MaxMemInQueuesLowThreshold must be non-negative")
	}
	if c.MaxMemInQueues > 0 && c.MaxMemInQueuesLowThreshold > c.MaxMemInQueues {
		return fmt.Errorf("MaxMemInQueuesLowThreshold must be <= MaxMemInQueues")
	}

	if c.NumEntryGuards < 1 {
		return fmt.Errorf("NumEntryGuards must be at least 1")
	}

	if c.PathBiasCircThreshold < 1 {
		return fmt.Errorf("PathBiasCircThreshold must be at least 1")
	}
	for name, rate := range map[string]float64{
		"PathBiasNoticeRate":  c.PathBiasNoticeRate,
		"PathBiasWarnRate":    c.PathBiasWarnRate,
		"PathBiasExtremeRate": c.PathBiasExtremeRate,
	} {
		if rate < 0 || rate > 1 {
			return fmt.Errorf("%s must be between 0 and 1: %v", name, rate)
		}
	}
	if c.PathBiasExtremeRate > c.PathBiasWarnRate || c.PathBiasWarnRate > c.PathBiasNoticeRate {
		return fmt.Errorf("path bias rates must satisfy ExtremeRate <= WarnRate <= NoticeRate")
	}

	if c.CircuitBuildTimeout <= 0 {
		return fmt.Errorf("CircuitBuildTimeout must be positive")
	}
	if c.MaxCircuitDirtiness <= 0 {
		return fmt.Errorf("MaxCircuitDirtiness must be positive")
	}
	if c.NewCircuitPeriod <= 0 {
		return fmt.Errorf("NewCircuitPeriod must be positive")
	}

	return nil
}

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.ServerDNSTestAddresses = append([]string{}, c.ServerDNSTestAddresses...)
	return &clone
}
