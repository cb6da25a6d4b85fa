// Package history records decoded device readings to append-only sinks.
package history

import "modbus-gateway/internal/model"

// Points flattens the values of an online status into point rows. Offline
// statuses produce nothing. Values that are not numeric are dropped, except
// the OEE run state which is recorded as 1 (Start) or 0 (Stop).
func Points(d model.Device, st model.DeviceStatus) []model.PointValue {
	if !st.Online() || len(st.Values) == 0 {
		return nil
	}
	base := model.PointValue{
		Device:    d.Name,
		Type:      d.Type,
		Offset:    d.Offset,
		Timestamp: st.Timestamp,
	}

	var out []model.PointValue
	for _, slot := range d.Layout() {
		v, ok := numeric(st.Values[slot.Name])
		if !ok {
			continue
		}
		p := base
		p.Name, p.RelOffset, p.Value = slot.Name, slot.Rel, v
		out = append(out, p)
	}
	return out
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint16:
		return float64(n), true
	case string:
		switch n {
		case "Start":
			return 1, true
		case "Stop":
			return 0, true
		}
	}
	return 0, false
}
