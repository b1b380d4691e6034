// Package config provides configuration file loading for torrc-compatible files.
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// LoadFromFile loads configuration from a torrc-compatible file.
// It parses the file line by line and updates the provided config.
// Lines starting with # are treated as comments and ignored.
// Empty lines are ignored.
// Each configuration line follows the format: Key Value
func LoadFromFile(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := validatePath(path); err != nil {
		return fmt.Errorf("path validation failed: %w", err)
	}

	file, err := os.Open(path) // #nosec G304 - path is validated by validatePath
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.Fields(line)
		if len(parts) < 1 {
			continue
		}

		key := parts[0]
		value := ""
		if len(parts) > 1 {
			value = strings.Join(parts[1:], " ")
		}

		if err := processConfigOption(cfg, key, value); err != nil {
			return fmt.Errorf("line %d: %w", lineNum, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	return nil
}

// processConfigOption processes a single configuration option against
// the option surface Config declares.
func processConfigOption(cfg *Config, key, value string) error {
	switch key {
	case "SocksPort":
		port, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid SocksPort value: %s", value)
		}
		cfg.SocksPort = port

	case "ControlPort":
		port, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid ControlPort value: %s", value)
		}
		cfg.ControlPort = port

	case "DataDirectory":
		cfg.DataDirectory = value

	case "LogLevel":
		cfg.LogLevel = strings.ToLower(value)

	case "MaxMemInQueues":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid MaxMemInQueues value: %s", value)
		}
		cfg.MaxMemInQueues = n

	case "MaxMemInQueues_low_threshold":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid MaxMemInQueues_low_threshold value: %s", value)
		}
		cfg.MaxMemInQueuesLowThreshold = n

	case "CellStatistics":
		cfg.CellStatistics = parseBool(value)

	case "TestingEnableCellStatsEvent":
		cfg.TestingEnableCellStatsEvent = parseBool(value)

	case "HiddenServiceStatistics":
		cfg.HiddenServiceStatistics = parseBool(value)

	case "ServerDNSTestAddresses":
		for _, addr := range strings.Split(value, ",") {
			addr = strings.TrimSpace(addr)
			if addr != "" {
				cfg.ServerDNSTestAddresses = append(cfg.ServerDNSTestAddresses, addr)
			}
		}

	case "ServerDNSDetectHijacking":
		cfg.ServerDNSDetectHijacking = parseBool(value)

	case "ServerDNSRandomizeCase":
		cfg.ServerDNSRandomizeCase = parseBool(value)

	case "ServerDNSResolvConfFile":
		cfg.ServerDNSResolvConfFile = value

	case "ClientDNSRejectInternalAddresses":
		cfg.ClientDNSRejectInternalAddresses = parseBool(value)

	case "IPv6Exit":
		cfg.IPv6Exit = parseBool(value)

	case "UseEntryGuards":
		cfg.UseEntryGuards = parseBool(value)

	case "NumEntryGuards":
		num, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid NumEntryGuards value: %s", value)
		}
		cfg.NumEntryGuards = num

	case "PathBiasCircThreshold":
		num, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid PathBiasCircThreshold value: %s", value)
		}
		cfg.PathBiasCircThreshold = num

	case "PathBiasNoticeRate":
		rate, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid PathBiasNoticeRate value: %s", value)
		}
		cfg.PathBiasNoticeRate = rate

	case "PathBiasWarnRate":
		rate, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid PathBiasWarnRate value: %s", value)
		}
		cfg.PathBiasWarnRate = rate

	case "PathBiasExtremeRate":
		rate, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid PathBiasExtremeRate value: %s", value)
		}
		cfg.PathBiasExtremeRate = rate

	case "PathBiasDropGuards":
		cfg.PathBiasDropGuards = parseBool(value)

	case "UseMicrodescriptors":
		cfg.UseMicrodescriptors = parseBool(value)

	case "FetchUselessDescriptors":
		cfg.FetchUselessDescriptors = parseBool(value)

	case "ExtORPortCookieAuthFile":
		cfg.ExtORPortCookieAuthFile = value

	case "CircuitBuildTimeout":
		timeout, err := parseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid CircuitBuildTimeout: %w", err)
		}
		cfg.CircuitBuildTimeout = timeout

	case "MaxCircuitDirtiness":
		duration, err := parseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid MaxCircuitDirtiness: %w", err)
		}
		cfg.MaxCircuitDirtiness = duration

	case "NewCircuitPeriod":
		period, err := parseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid NewCircuitPeriod: %w", err)
		}
		cfg.NewCircuitPeriod = period

	default:
		// Silently ignore unknown options for forward compatibility with
		// torrc files that carry options this core doesn't read directly
		// (consensus-parameter-backed options live in consensus.go instead).
	}

	return nil
}

// parseDuration parses a duration string with support for common time units.
// Supports: seconds (s), minutes (m), hours (h), days (d)
// Examples: "60s", "5m", "2h", "1d"
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration string")
	}

	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}

	if len(s) < 2 {
		return 0, fmt.Errorf("invalid duration format: %s", s)
	}

	suffix := s[len(s)-1:]
	valueStr := s[:len(s)-1]

	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration value: %s", s)
	}

	switch suffix {
	case "s", "S":
		return time.Duration(value) * time.Second, nil
	case "m", "M":
		return time.Duration(value) * time.Minute, nil
	case "h", "H":
		return time.Duration(value) * time.Hour, nil
	case "d", "D":
		return time.Duration(value) * 24 * time.Hour, nil
	default:
		val, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration format: %s", s)
		}
		return time.Duration(val) * time.Second, nil
	}
}

// parseBool parses a boolean value from various string formats.
// Accepts: 1/0, true/false, yes/no, on/off (case-insensitive)
func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return false
	}
}

// validatePath validates a file path to prevent directory traversal attacks.
func validatePath(path string) error {
	cleanPath := filepath.Clean(path)

	if strings.Contains(cleanPath, "..") {
		return fmt.Errorf("invalid path: directory traversal detected")
	}

	if !filepath.IsAbs(path) && filepath.IsAbs(cleanPath) {
		return fmt.Errorf("invalid path: attempts to escape working directory")
	}

	return nil
}

// SaveToFile saves the configuration to a torrc-compatible file.
func SaveToFile(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := validatePath(path); err != nil {
		return fmt.Errorf("path validation failed: %w", err)
	}

	file, err := os.Create(path) // #nosec G304 - path is validated by validatePath
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	defer writer.Flush()

	fmt.Fprintf(writer, "# relaycore configuration file\n")
	fmt.Fprintf(writer, "# Generated automatically - edit with care\n\n")

	fmt.Fprintf(writer, "# Network Settings\n")
	fmt.Fprintf(writer, "SocksPort %d\n", cfg.SocksPort)
	fmt.Fprintf(writer, "ControlPort %d\n", cfg.ControlPort)
	fmt.Fprintf(writer, "DataDirectory %s\n", cfg.DataDirectory)
	fmt.Fprintf(writer, "LogLevel %s\n\n", cfg.LogLevel)

	fmt.Fprintf(writer, "# Queue Memory Limits\n")
	fmt.Fprintf(writer, "MaxMemInQueues %d\n", cfg.MaxMemInQueues)
	fmt.Fprintf(writer, "MaxMemInQueues_low_threshold %d\n\n", cfg.MaxMemInQueuesLowThreshold)

	fmt.Fprintf(writer, "# Statistics\n")
	fmt.Fprintf(writer, "CellStatistics %s\n", formatBool(cfg.CellStatistics))
	fmt.Fprintf(writer, "TestingEnableCellStatsEvent %s\n", formatBool(cfg.TestingEnableCellStatsEvent))
	fmt.Fprintf(writer, "HiddenServiceStatistics %s\n\n", formatBool(cfg.HiddenServiceStatistics))

	fmt.Fprintf(writer, "# Exit DNS\n")
	if len(cfg.ServerDNSTestAddresses) > 0 {
		fmt.Fprintf(writer, "ServerDNSTestAddresses %s\n", strings.Join(cfg.ServerDNSTestAddresses, ","))
	}
	fmt.Fprintf(writer, "ServerDNSDetectHijacking %s\n", formatBool(cfg.ServerDNSDetectHijacking))
	fmt.Fprintf(writer, "ServerDNSRandomizeCase %s\n", formatBool(cfg.ServerDNSRandomizeCase))
	if cfg.ServerDNSResolvConfFile != "" {
		fmt.Fprintf(writer, "ServerDNSResolvConfFile %s\n", cfg.ServerDNSResolvConfFile)
	}
	fmt.Fprintf(writer, "ClientDNSRejectInternalAddresses %s\n", formatBool(cfg.ClientDNSRejectInternalAddresses))
	fmt.Fprintf(writer, "IPv6Exit %s\n\n", formatBool(cfg.IPv6Exit))

	fmt.Fprintf(writer, "# Path Selection\n")
	fmt.Fprintf(writer, "UseEntryGuards %s\n", formatBool(cfg.UseEntryGuards))
	fmt.Fprintf(writer, "NumEntryGuards %d\n\n", cfg.NumEntryGuards)

	fmt.Fprintf(writer, "# Path Bias\n")
	fmt.Fprintf(writer, "PathBiasCircThreshold %d\n", cfg.PathBiasCircThreshold)
	fmt.Fprintf(writer, "PathBiasNoticeRate %v\n", cfg.PathBiasNoticeRate)
	fmt.Fprintf(writer, "PathBiasWarnRate %v\n", cfg.PathBiasWarnRate)
	fmt.Fprintf(writer, "PathBiasExtremeRate %v\n", cfg.PathBiasExtremeRate)
	fmt.Fprintf(writer, "PathBiasDropGuards %s\n\n", formatBool(cfg.PathBiasDropGuards))

	fmt.Fprintf(writer, "# Microdescriptors\n")
	fmt.Fprintf(writer, "UseMicrodescriptors %s\n", formatBool(cfg.UseMicrodescriptors))
	fmt.Fprintf(writer, "FetchUselessDescriptors %s\n\n", formatBool(cfg.FetchUselessDescriptors))

	if cfg.ExtORPortCookieAuthFile != "" {
		fmt.Fprintf(writer, "# Ext-ORPort\n")
		fmt.Fprintf(writer, "ExtORPortCookieAuthFile %s\n\n", cfg.ExtORPortCookieAuthFile)
	}

	fmt.Fprintf(writer, "# Circuit Timing\n")
	fmt.Fprintf(writer, "CircuitBuildTimeout %s\n", formatDuration(cfg.CircuitBuildTimeout))
	fmt.Fprintf(writer, "MaxCircuitDirtiness %s\n", formatDuration(cfg.MaxCircuitDirtiness))
	fmt.Fprintf(writer, "NewCircuitPeriod %s\n", formatDuration(cfg.NewCircuitPeriod))

	return writer.Flush()
}

// formatDuration formats a duration for writing to config file
func formatDuration(d time.Duration) string {
	if d%(24*time.Hour) == 0 && d >= 24*time.Hour {
		return fmt.Sprintf("%dd", d/(24*time.Hour))
	}
	if d%time.Hour == 0 && d >= time.Hour {
		return fmt.Sprintf("%dh", d/time.Hour)
	}
	if d%time.Minute == 0 && d >= time.Minute {
		return fmt.Sprintf("%dm", d/time.Minute)
	}
	return fmt.Sprintf("%ds", d/time.Second)
}

// formatBool formats a boolean for writing to config file
func formatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
