package model

import "time"

// PointValue is one decoded reading of one device, flattened for history sinks.
// RelOffset is the register position relative to the device's gateway offset.
type PointValue struct {
	Device    string    `json:"device"`
	Type      Type      `json:"type"`
	Name      string    `json:"name"`
	Offset    int       `json:"offset"`
	RelOffset int       `json:"rel_offset"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Key identifies the series a point belongs to.
func (p PointValue) Key() string {
	return p.Device + "|" + p.Name
}
