package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// ConsensusParams holds the subset of consensus parameters the core
// are "read at runtime" rather than hardcoded. Directory-document fetching
// and voting are out of scope; this struct is the narrow substitute
// interface through which the core receives those values, loaded from a
// local TOML overlay file instead of a parsed consensus document.
type ConsensusParams struct {
	CircMaxCellQueueSize int           `toml:"circ_max_cell_queue_size"`
	SendmeEmitMinVersion int           `toml:"sendme_emit_min_version"`
	PbScaleRatio         float64       `toml:"pb_scale_ratio"`
	PbCircAttemptsScale  float64       `toml:"pb_circ_attempts_scale_at"`
	PbUseAttemptsScale   float64       `toml:"pb_use_attempts_scale_at"`
	ExitDNSTimeout       time.Duration `toml:"exit_dns_timeout"`
}

// DefaultConsensusParams mirrors the values each owning package already
// uses as its zero-config default, so a node that never loads an overlay
// file behaves exactly as if this package did not exist.
func DefaultConsensusParams() ConsensusParams {
	return ConsensusParams{
		CircMaxCellQueueSize: 2500,
		SendmeEmitMinVersion: 1,
		PbScaleRatio:         0.5,
		PbCircAttemptsScale:  300.0,
		PbUseAttemptsScale:   100.0,
		ExitDNSTimeout:       15 * time.Second,
	}
}

// LoadConsensusParams reads a TOML consensus-parameter overlay from path,
// starting from DefaultConsensusParams and letting any key present in the
// file override the corresponding default. A missing file is not an error;
// it simply yields the defaults.
func LoadConsensusParams(path string) (ConsensusParams, error) {
	params := DefaultConsensusParams()
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return params, nil
		}
		return params, fmt.Errorf("config: statting consensus overlay %s: %w", path, err)
	}
	if _, err := toml.DecodeFile(path, &params); err != nil {
		return params, fmt.Errorf("config: decoding consensus overlay %s: %w", path, err)
	}
	return params, nil
}

// Save writes the overlay back out in TOML form, e.g. after an operator
// edits a running node's tunables via a management interface.
func (p ConsensusParams) Save(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("config: opening consensus overlay %s: %w", path, err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(p); err != nil {
		return fmt.Errorf("config: encoding consensus overlay %s: %w", path, err)
	}
	return nil
}
