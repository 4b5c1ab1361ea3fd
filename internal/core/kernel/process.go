package kernel

import (
	"encoding/json"
	"fmt"
	"time"
)

// ProcessState represents the scheduling state of a simulated process.
type ProcessState uint8

const (
	StateReady ProcessState = iota
	StateRunning
	StateBlocked
	StateTerminated
)

func (s ProcessState) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateBlocked:
		return "blocked"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// ProcessRecord is the per-process control block. A record is owned by
// exactly one node at a time and mutated only under that node's table lock.
type ProcessRecord struct {
	PID       PID           `json:"pid"`
	Node      NodeID        `json:"node"`
	State     ProcessState  `json:"state"`
	Priority  int           `json:"priority"`
	CreatedAt time.Time     `json:"created_at"`
	CPUTime   time.Duration `json:"cpu_time"`
}

func newProcessRecord(pid PID, node NodeID, priority int) *ProcessRecord {
	return &ProcessRecord{
		PID:       pid,
		Node:      node,
		State:     StateReady,
		Priority:  priority,
		CreatedAt: time.Now(),
	}
}

// Retirement is the stepwise lifetime curve: the chance (percent per tick)
// that a process retires grows as its accumulated CPU time crosses each age
// threshold. Chances of zero disable retirement.
type Retirement struct {
	MidAge     time.Duration
	OldAge     time.Duration
	AncientAge time.Duration

	YoungChance   int
	MidChance     int
	OldChance     int
	AncientChance int
}

// DefaultRetirement mirrors the reference lifetime distribution: 20% below
// 150ms of CPU time, 30% past it, 50% past 300ms, 80% past 600ms.
func DefaultRetirement() Retirement {
	return Retirement{
		MidAge:        150 * time.Millisecond,
		OldAge:        300 * time.Millisecond,
		AncientAge:    600 * time.Millisecond,
		YoungChance:   20,
		MidChance:     30,
		OldChance:     50,
		AncientChance: 80,
	}
}

// chance returns the retirement probability in percent for a process with
// the given accumulated CPU time.
func (r Retirement) chance(cpu time.Duration) int {
	switch {
	case cpu > r.AncientAge:
		return r.AncientChance
	case cpu > r.OldAge:
		return r.OldChance
	case cpu > r.MidAge:
		return r.MidChance
	default:
		return r.YoungChance
	}
}

// encodeRecord serializes a record into a migration payload.
func encodeRecord(rec *ProcessRecord) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode process %d: %w", rec.PID, err)
	}
	return data, nil
}

// decodeRecord restores a record from a migration payload.
func decodeRecord(payload []byte) (*ProcessRecord, error) {
	var rec ProcessRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("decode migrated process: %w", err)
	}
	return &rec, nil
}

// createPayload carries the priority of a process-create request.
type createPayload struct {
	Priority int `json:"priority"`
}

func encodeCreate(priority int) []byte {
	data, _ := json.Marshal(createPayload{Priority: priority})
	return data
}

func decodeCreate(payload []byte) (int, error) {
	var p createPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return 0, fmt.Errorf("decode create request: %w", err)
	}
	return p.Priority, nil
}
