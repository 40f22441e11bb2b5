package model

// DeliveryMode selects how a bearer's data units are retained while a path
// switch is in progress.
type DeliveryMode int

const (
	// Reliable bearers keep transmitted-but-unacknowledged units so they can be
	// replayed on the new path.
	Reliable DeliveryMode = iota
	// BestEffort bearers only keep units that were never transmitted.
	BestEffort
)

func (m DeliveryMode) String() string {
	if m == BestEffort {
		return "best-effort"
	}
	return "reliable"
}

// BearerSpec is the configuration of a data bearer as requested by the core
// network.
type BearerSpec struct {
	ID   BearerID `json:"id"`
	LCID uint8    `json:"lcid"`
	TEID uint32   `json:"teid"`

	QCI int `json:"qci"`
	// GBR and MBR are in bits per second.
	GBR  uint64       `json:"gbr"`
	MBR  uint64       `json:"mbr"`
	Mode DeliveryMode `json:"mode"`
}

// DataUnit is a single packet carried on a bearer.
type DataUnit struct {
	SN      uint32 `json:"sn"`
	Payload []byte `json:"payload"`
}
