package fdp

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rofi-net/rofinet/internal/partition"
)

// persistedUpdate is the on-disk shape of an OngoingUpdate, surviving a
// restart. The writable partition handle itself is not serialized —
// Resume's caller re-opens the same update-slot Port and attaches it.
//
// Grounded on the teacher's internal/config.GatewayState
// (os.ReadFile/json.Unmarshal/os.MkdirAll+os.WriteFile idiom for small
// pieces of daemon state surviving a restart), repurposed from gateway
// bookkeeping to update-progress bookkeeping.
type persistedUpdate struct {
	FWType       uint8     `json:"fw_type"`
	Version      uint16    `json:"fw_version"`
	Proto        Proto     `json:"proto"`
	Present      []bool    `json:"present"`
	LastProgress time.Time `json:"last_progress"`
}

// SaveState persists the current ongoing update (or its absence) to
// stateFile. Called by the scheduler shell after every state-changing
// FDP reaction, mirroring the teacher's after-every-route-change
// GatewayState.Save call.
func (e *Engine) SaveState(stateFile string) error {
	if e.ongoing == nil {
		if err := os.Remove(stateFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("fdp: clear update state: %w", err)
		}
		return nil
	}

	p := persistedUpdate{
		FWType:       e.ongoing.FWType,
		Version:      e.ongoing.Version,
		Proto:        e.ongoing.Proto,
		Present:      e.ongoing.Present,
		LastProgress: e.ongoing.LastProgress,
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("fdp: marshal update state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(stateFile), 0755); err != nil {
		return fmt.Errorf("fdp: create state directory: %w", err)
	}
	if err := os.WriteFile(stateFile, data, 0644); err != nil {
		return fmt.Errorf("fdp: write update state: %w", err)
	}
	return nil
}

// LoadState reads a persisted update from stateFile, if any, and attaches
// partition as its writable handle, ready for Resume.
func LoadState(stateFile string, partitionHandle partition.Port) (*OngoingUpdate, error) {
	data, err := os.ReadFile(stateFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("fdp: read update state: %w", err)
	}
	var p persistedUpdate
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("fdp: parse update state: %w", err)
	}
	return &OngoingUpdate{
		FWType:       p.FWType,
		Version:      p.Version,
		Proto:        p.Proto,
		Present:      p.Present,
		LastProgress: p.LastProgress,
		Partition:    partitionHandle,
	}, nil
}
