// Package simulator emulates the field devices the gateway polls: power
// meters, scales and OEE counters, several per TCP port.
package simulator

import (
	"math/rand/v2"
	"sync"

	"modbus-gateway/internal/collector"
	"modbus-gateway/internal/config"
	"modbus-gateway/internal/model"
	"modbus-gateway/internal/registers"
)

// unitRegisters covers the highest power-meter source address.
const unitRegisters = 4000

type span struct{ lo, hi float64 }

// pmRanges are the value ranges per default power-meter address.
var pmRanges = map[uint16]span{
	2699: {0, 10000},
	3027: {220, 240}, 3029: {220, 240}, 3031: {220, 240},
	3019: {380, 400}, 3021: {380, 400}, 3023: {380, 400},
	2999: {0, 100}, 3001: {0, 100}, 3003: {0, 100}, 3009: {0, 100},
	3109: {49.5, 50.5},
	3059: {0, 50},
}

// Unit is one simulated slave behind a port.
type Unit struct {
	ID    uint8
	Type  model.Type
	Table *registers.Table
}

func newUnit(id uint8, typ model.Type) *Unit {
	return &Unit{ID: id, Type: typ, Table: registers.NewTable(unitRegisters)}
}

// Update writes a fresh random reading for the unit's type.
func (u *Unit) Update(rng *rand.Rand) {
	switch u.Type {
	case model.TypeOEE:
		_ = u.Table.Write(collector.OEESourceAddress, []uint16{
			uint16(rng.IntN(2)),
			uint16(rng.IntN(65536)),
			uint16(rng.IntN(2)),
			uint16(rng.IntN(2)),
		})
	case model.TypeScale:
		_ = u.Table.Write(collector.ScaleSourceAddress, []uint16{uint16(rng.IntN(50001))})
	case model.TypePowerMeter:
		for _, p := range model.DefaultParams {
			r := pmRanges[p.Address]
			_ = u.Table.WriteFloat32(int(p.Address), float32(r.lo+rng.Float64()*(r.hi-r.lo)))
		}
	}
}

// units is a set of slaves sharing one port.
type units struct {
	mu  sync.Mutex
	rng *rand.Rand
	m   map[uint8]*Unit
}

func newUnits(slaves map[uint8]model.Type, seed uint64) *units {
	u := &units{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)), m: make(map[uint8]*Unit, len(slaves))}
	for id, typ := range slaves {
		u.m[id] = newUnit(id, typ)
	}
	return u
}

func (u *units) get(id uint8) (*Unit, bool) {
	unit, ok := u.m[id]
	return unit, ok
}

func (u *units) update() {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, unit := range u.m {
		unit.Update(u.rng)
	}
}

// DefaultLayout is the 18-port plant: nine OEE edges on 5001-5009 and nine
// Ethernet gateways on 5010-5018 carrying meters and scales.
func DefaultLayout() []config.SimulatorEndpoint {
	var out []config.SimulatorEndpoint
	add := func(port int, slaves map[uint8]model.Type) {
		out = append(out, config.SimulatorEndpoint{Host: "127.0.0.1", Port: port, Slaves: slaves})
	}
	for port := 5001; port <= 5009; port++ {
		add(port, map[uint8]model.Type{1: model.TypeOEE})
	}
	add(5010, map[uint8]model.Type{1: model.TypePowerMeter, 2: model.TypePowerMeter, 3: model.TypeScale})
	add(5011, map[uint8]model.Type{1: model.TypePowerMeter, 2: model.TypePowerMeter, 3: model.TypeScale})
	add(5012, map[uint8]model.Type{1: model.TypePowerMeter, 2: model.TypePowerMeter, 3: model.TypePowerMeter})
	for port := 5013; port <= 5018; port++ {
		add(port, map[uint8]model.Type{1: model.TypePowerMeter, 2: model.TypeScale})
	}
	return out
}
