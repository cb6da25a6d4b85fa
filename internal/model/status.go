package model

import (
	"encoding/json"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Device status values.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Result is what a poller returns for one device and one cycle.
// Err non-nil means the device is offline; Values is then ignored.
type Result struct {
	Values map[string]any
	At     time.Time
	Err    error
}

// DeviceStatus is the published state of one device after its latest poll.
// It is replaced wholesale every cycle.
type DeviceStatus struct {
	Status    string         `json:"status"`
	Values    map[string]any `json:"values,omitempty"`
	Error     string         `json:"error,omitempty"`
	Timestamp time.Time      `json:"-"`
}

// StatusFromResult converts a poll outcome into its published form.
func StatusFromResult(r Result) DeviceStatus {
	at := r.At
	if at.IsZero() {
		at = time.Now()
	}
	if r.Err != nil {
		return DeviceStatus{Status: StatusOffline, Error: r.Err.Error(), Timestamp: at}
	}
	values := r.Values
	if values == nil {
		values = map[string]any{}
	}
	return DeviceStatus{Status: StatusOnline, Values: values, Timestamp: at}
}

// Online reports whether the device answered its latest poll.
func (s DeviceStatus) Online() bool { return s.Status == StatusOnline }

// MarshalJSON emits the timestamp as fractional unix seconds.
func (s DeviceStatus) MarshalJSON() ([]byte, error) {
	type alias DeviceStatus
	return json.Marshal(struct {
		alias
		Timestamp float64 `json:"timestamp"`
	}{
		alias:     alias(s),
		Timestamp: float64(s.Timestamp.UnixNano()) / float64(time.Second),
	})
}

func (s *DeviceStatus) UnmarshalJSON(b []byte) error {
	type alias DeviceStatus
	var aux struct {
		alias
		Timestamp float64 `json:"timestamp"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*s = DeviceStatus(aux.alias)
	sec, frac := math.Modf(aux.Timestamp)
	s.Timestamp = time.Unix(int64(sec), int64(frac*float64(time.Second)))
	return nil
}

// Round2 rounds v to two decimal places.
func Round2(v float32) float64 {
	return decimal.NewFromFloat32(v).Round(2).InexactFloat64()
}
