package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConsensusParamsMissingFileYieldsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "consensus.toml")
	got, err := LoadConsensusParams(path)
	if err != nil {
		t.Fatalf("LoadConsensusParams failed: %v", err)
	}
	want := DefaultConsensusParams()
	if got != want {
		t.Errorf("expected defaults %+v, got %+v", want, got)
	}
}

func TestLoadConsensusParamsOverridesSubsetOfKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "consensus.toml")
	content := `circ_max_cell_queue_size = 500
sendme_emit_min_version = 0
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	got, err := LoadConsensusParams(path)
	if err != nil {
		t.Fatalf("LoadConsensusParams failed: %v", err)
	}
	if got.CircMaxCellQueueSize != 500 {
		t.Errorf("CircMaxCellQueueSize = %d, want 500", got.CircMaxCellQueueSize)
	}
	if got.SendmeEmitMinVersion != 0 {
		t.Errorf("SendmeEmitMinVersion = %d, want 0", got.SendmeEmitMinVersion)
	}
	// Keys absent from the overlay keep their defaults.
	want := DefaultConsensusParams()
	if got.PbScaleRatio != want.PbScaleRatio {
		t.Errorf("PbScaleRatio = %v, want default %v", got.PbScaleRatio, want.PbScaleRatio)
	}
	if got.ExitDNSTimeout != want.ExitDNSTimeout {
		t.Errorf("ExitDNSTimeout = %v, want default %v", got.ExitDNSTimeout, want.ExitDNSTimeout)
	}
}

func TestConsensusParamsSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "consensus.toml")
	p := DefaultConsensusParams()
	p.CircMaxCellQueueSize = 9000
	p.ExitDNSTimeout = 30 * time.Second
	if err := p.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	got, err := LoadConsensusParams(path)
	if err != nil {
		t.Fatalf("LoadConsensusParams failed: %v", err)
	}
	if got != p {
		t.Errorf("round trip mismatch: saved %+v, loaded %+v", p, got)
	}
}
