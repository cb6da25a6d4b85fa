package model

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Type identifies the register layout of a field device.
// Wire names match the persisted devices file.
type Type string

const (
	TypePowerMeter Type = "pm"
	TypeScale      Type = "scale"
	TypeOEE        Type = "oee"
)

// Default connection parameters for a device.
const (
	DefaultPort    = 502
	DefaultSlaveID = 1
)

// Register spans published per device type.
const (
	OEESize   = 4
	ScaleSize = 1
)

// ParseType accepts the wire names and the long descriptive aliases.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pm", "power-meter", "powermeter":
		return TypePowerMeter, nil
	case "scale":
		return TypeScale, nil
	case "oee", "oee-counter":
		return TypeOEE, nil
	default:
		return "", fmt.Errorf("unknown device type %q", s)
	}
}

// Valid reports whether t is one of the supported device types.
func (t Type) Valid() bool {
	switch t {
	case TypePowerMeter, TypeScale, TypeOEE:
		return true
	}
	return false
}

// Param is one named power-meter measurement backed by a float32 register
// pair at Address in the device's own Modbus map.
//
// It is encoded in JSON as a two element array: ["name", address].
type Param struct {
	Name    string
	Address uint16
}

func (p Param) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{p.Name, p.Address})
}

func (p *Param) UnmarshalJSON(b []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(b, &pair); err == nil {
		if len(pair) != 2 {
			return fmt.Errorf("param: expected [name, address], got %d elements", len(pair))
		}
		if err := json.Unmarshal(pair[0], &p.Name); err != nil {
			return fmt.Errorf("param name: %w", err)
		}
		if err := json.Unmarshal(pair[1], &p.Address); err != nil {
			return fmt.Errorf("param address: %w", err)
		}
		return nil
	}
	var obj struct {
		Name    string `json:"name"`
		Address uint16 `json:"address"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return fmt.Errorf("param: %w", err)
	}
	p.Name, p.Address = obj.Name, obj.Address
	return nil
}

// DefaultParams is the built-in power-meter map: energy, phase voltages,
// line voltages, phase currents, average current, frequency, active power.
var DefaultParams = []Param{
	{Name: "energy_kwh", Address: 2699},
	{Name: "voltage_l1_n", Address: 3027},
	{Name: "voltage_l2_n", Address: 3029},
	{Name: "voltage_l3_n", Address: 3031},
	{Name: "voltage_l1_l2", Address: 3019},
	{Name: "voltage_l2_l3", Address: 3021},
	{Name: "voltage_l3_l1", Address: 3023},
	{Name: "current_l1", Address: 2999},
	{Name: "current_l2", Address: 3001},
	{Name: "current_l3", Address: 3003},
	{Name: "current_avg", Address: 3009},
	{Name: "frequency", Address: 3109},
	{Name: "active_power", Address: 3059},
}

// Device is one configured field device. Name is its identity.
type Device struct {
	Name    string  `json:"name" yaml:"name"`
	IP      string  `json:"ip" yaml:"ip"`
	Port    int     `json:"port" yaml:"port"`
	SlaveID uint8   `json:"slave_id" yaml:"slave_id"`
	Type    Type    `json:"type" yaml:"type"`
	Offset  int     `json:"offset" yaml:"offset"`
	Params  []Param `json:"pm_params,omitempty" yaml:"-"`
}

// Address returns the host:port dial address of the device.
func (d Device) Address() string {
	port := d.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(d.IP, strconv.Itoa(port))
}

// PowerMeterParams returns the custom parameter list, or DefaultParams.
func (d Device) PowerMeterParams() []Param {
	if len(d.Params) > 0 {
		return d.Params
	}
	return DefaultParams
}

// Size is the number of gateway registers the device occupies.
func (d Device) Size() int {
	switch d.Type {
	case TypePowerMeter:
		return 2 * len(d.PowerMeterParams())
	case TypeScale:
		return ScaleSize
	case TypeOEE:
		return OEESize
	default:
		return 0
	}
}

// Span returns the half-open gateway register range [start, end).
func (d Device) Span() (start, end int) {
	return d.Offset, d.Offset + d.Size()
}

// OEEFields names the OEE registers in gateway order.
var OEEFields = []string{"available_status", "meters_hsc", "new_output_flag", "start_of_production"}

// Slot is one named value inside a device span. Words is 2 for a
// float pair and 1 otherwise.
type Slot struct {
	Name  string
	Rel   int
	Words int
}

// Layout lists the named values of the device span in register order.
func (d Device) Layout() []Slot {
	switch d.Type {
	case TypePowerMeter:
		params := d.PowerMeterParams()
		out := make([]Slot, len(params))
		for i, p := range params {
			out[i] = Slot{Name: p.Name, Rel: 2 * i, Words: 2}
		}
		return out
	case TypeScale:
		return []Slot{{Name: "weight", Words: 1}}
	case TypeOEE:
		out := make([]Slot, len(OEEFields))
		for i, name := range OEEFields {
			out[i] = Slot{Name: name, Rel: i, Words: 1}
		}
		return out
	}
	return nil
}
