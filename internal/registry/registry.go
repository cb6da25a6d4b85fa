// Package registry owns the configured device set: validation, offset
// allocation and persistence.
package registry

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"modbus-gateway/internal/model"
	"modbus-gateway/internal/registers"
)

var (
	ErrInvalidDevice    = errors.New("invalid device")
	ErrUnknownType      = errors.New("unknown device type")
	ErrDuplicateName    = errors.New("device name already exists")
	ErrNotFound         = errors.New("device not found")
	ErrNameChanged      = errors.New("device name cannot be changed")
	ErrCapacityExceeded = errors.New("device does not fit in the register table")
	ErrPersist          = errors.New("persist devices")
)

// Registry is the single source of truth for configured devices. Every
// mutation is saved before it returns; a failed save is rolled back.
type Registry struct {
	store    Store
	capacity int
	logger   zerolog.Logger

	mu      sync.RWMutex
	devices []model.Device
}

// New returns an empty registry backed by store. capacity bounds the register
// span any device may occupy.
func New(store Store, capacity int, logger zerolog.Logger) *Registry {
	if capacity <= 0 {
		capacity = registers.DefaultCapacity
	}
	return &Registry{
		store:    store,
		capacity: capacity,
		logger:   logger.With().Str("component", "registry").Logger(),
	}
}

// Load replaces the in-memory set with the persisted one. On error the
// registry is left empty. Invalid records are dropped with a warning.
func (r *Registry) Load() error {
	devices, err := r.store.Load()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices = nil
	if err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(devices))
	for _, d := range devices {
		nd, err := normalize(d)
		if err == nil {
			if _, dup := seen[nd.Name]; dup {
				err = ErrDuplicateName
			}
		}
		if err != nil {
			r.logger.Warn().Err(err).Str("device", d.Name).Msg("skipping stored device")
			continue
		}
		seen[nd.Name] = struct{}{}
		r.devices = append(r.devices, nd)
	}
	r.logger.Info().Int("devices", len(r.devices)).Msg("devices loaded")
	return nil
}

// List returns a copy of every device in insertion order.
func (r *Registry) List() []model.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Device, len(r.devices))
	for i, d := range r.devices {
		out[i] = clone(d)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

func (r *Registry) Get(name string) (model.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i := r.index(name)
	if i < 0 {
		return model.Device{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return clone(r.devices[i]), nil
}

// Add validates d, assigns its offset after the current highest device and
// persists the new set. Any offset on d is ignored.
func (r *Registry) Add(d model.Device) (model.Device, error) {
	d, err := normalize(d)
	if err != nil {
		return model.Device{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.index(d.Name) >= 0 {
		return model.Device{}, fmt.Errorf("%w: %s", ErrDuplicateName, d.Name)
	}
	d.Offset = model.NextOffset(r.devices)
	if err := r.fits(d); err != nil {
		return model.Device{}, err
	}

	prev := r.devices
	r.devices = append(append([]model.Device(nil), prev...), d)
	if err := r.save(prev); err != nil {
		return model.Device{}, err
	}
	r.logger.Info().Str("device", d.Name).Str("type", string(d.Type)).Int("offset", d.Offset).Msg("device added")
	return clone(d), nil
}

// Update replaces the device called name wholesale. The name cannot change
// and the offset is kept.
func (r *Registry) Update(name string, d model.Device) (model.Device, error) {
	if d.Name == "" {
		d.Name = name
	}
	if strings.TrimSpace(d.Name) != name {
		return model.Device{}, fmt.Errorf("%w: %s -> %s", ErrNameChanged, name, d.Name)
	}
	d, err := normalize(d)
	if err != nil {
		return model.Device{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.index(name)
	if i < 0 {
		return model.Device{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	d.Offset = r.devices[i].Offset
	if err := r.fits(d); err != nil {
		return model.Device{}, err
	}
	for j, other := range r.devices {
		if j != i && model.Overlaps(d, other) {
			r.logger.Warn().Str("device", d.Name).Str("overlaps", other.Name).Msg("updated device span overlaps another device")
		}
	}

	prev := r.devices
	r.devices = append([]model.Device(nil), prev...)
	r.devices[i] = d
	if err := r.save(prev); err != nil {
		return model.Device{}, err
	}
	r.logger.Info().Str("device", d.Name).Msg("device updated")
	return clone(d), nil
}

// Delete removes the device called name. Its register span is not reused.
func (r *Registry) Delete(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.index(name)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	prev := r.devices
	next := make([]model.Device, 0, len(prev)-1)
	next = append(next, prev[:i]...)
	r.devices = append(next, prev[i+1:]...)
	if err := r.save(prev); err != nil {
		return err
	}
	r.logger.Info().Str("device", name).Msg("device deleted")
	return nil
}

// save persists r.devices, restoring prev on failure. Caller holds mu.
func (r *Registry) save(prev []model.Device) error {
	if err := r.store.Save(r.devices); err != nil {
		r.devices = prev
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	return nil
}

func (r *Registry) fits(d model.Device) error {
	if _, end := d.Span(); end > r.capacity {
		return fmt.Errorf("%w: %s needs [%d,%d), capacity %d", ErrCapacityExceeded, d.Name, d.Offset, end, r.capacity)
	}
	return nil
}

func (r *Registry) index(name string) int {
	for i, d := range r.devices {
		if d.Name == name {
			return i
		}
	}
	return -1
}

// normalize applies defaults and validates d.
func normalize(d model.Device) (model.Device, error) {
	d.Name = strings.TrimSpace(d.Name)
	d.IP = strings.TrimSpace(d.IP)
	if d.Name == "" {
		return d, fmt.Errorf("%w: name is required", ErrInvalidDevice)
	}
	if d.IP == "" {
		return d, fmt.Errorf("%w: ip is required", ErrInvalidDevice)
	}
	if d.Type == "" {
		return d, fmt.Errorf("%w: type is required", ErrInvalidDevice)
	}
	typ, err := model.ParseType(string(d.Type))
	if err != nil {
		return d, fmt.Errorf("%w: %q", ErrUnknownType, d.Type)
	}
	d.Type = typ
	if d.Port == 0 {
		d.Port = model.DefaultPort
	}
	if d.Port < 0 || d.Port > 65535 {
		return d, fmt.Errorf("%w: port %d out of range", ErrInvalidDevice, d.Port)
	}
	if d.SlaveID == 0 {
		d.SlaveID = model.DefaultSlaveID
	}
	if d.Offset < 0 {
		return d, fmt.Errorf("%w: negative offset", ErrInvalidDevice)
	}

	if d.Type != model.TypePowerMeter {
		d.Params = nil
		return d, nil
	}
	seen := make(map[string]struct{}, len(d.Params))
	for _, p := range d.Params {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return d, fmt.Errorf("%w: power meter parameter without a name", ErrInvalidDevice)
		}
		if _, dup := seen[name]; dup {
			return d, fmt.Errorf("%w: duplicate parameter %q", ErrInvalidDevice, name)
		}
		seen[name] = struct{}{}
	}
	return d, nil
}

func clone(d model.Device) model.Device {
	if d.Params != nil {
		d.Params = append([]model.Param(nil), d.Params...)
	}
	return d
}
