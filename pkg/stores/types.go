package stores

import (
	"time"

	"github.com/openfroyo/craftgrid/pkg/engine"
)

// LinkStatus is the lifecycle state of a recorded crafting link.
type LinkStatus string

const (
	LinkStatusSubmitted LinkStatus = "submitted"
	LinkStatusDone      LinkStatus = "done"
	LinkStatusCancelled LinkStatus = "cancelled"
)

// Alteration is one fingerprint reported as changed on a storage channel.
type Alteration struct {
	ID          string             `json:"id"`
	Seq         int64              `json:"seq"`
	Channel     engine.Channel     `json:"channel"`
	Fingerprint engine.Fingerprint `json:"fingerprint"`
	Source      string             `json:"source"`
	RecordedAt  time.Time          `json:"recorded_at"`
}

// LinkRecord is the ledger entry of a submitted crafting job.
type LinkRecord struct {
	ID        string       `json:"id"`
	Output    engine.Stack `json:"output"`
	Cluster   string       `json:"cluster"`
	Source    string       `json:"source"`
	Status    LinkStatus   `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// StockListener is called after a stock level changed by delta.
type StockListener func(f engine.Fingerprint, delta int64)

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
