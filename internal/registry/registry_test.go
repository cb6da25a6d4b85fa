package registry

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modbus-gateway/internal/model"
)

func newRegistry(t *testing.T, store Store) *Registry {
	t.Helper()
	r := New(store, 0, zerolog.Nop())
	require.NoError(t, r.Load())
	return r
}

func pm(name string) model.Device {
	return model.Device{Name: name, IP: "10.0.0.1", Type: model.TypePowerMeter}
}

func TestAddAssignsSequentialOffsets(t *testing.T) {
	r := newRegistry(t, &MemoryStore{})

	a, err := r.Add(pm("pm1"))
	require.NoError(t, err)
	b, err := r.Add(model.Device{Name: "s1", IP: "10.0.0.2", Type: "scale", Offset: 999})
	require.NoError(t, err)
	c, err := r.Add(model.Device{Name: "o1", IP: "10.0.0.3", Type: "oee"})
	require.NoError(t, err)

	assert.Equal(t, 0, a.Offset)
	assert.Equal(t, 26, b.Offset, "caller offset is ignored")
	assert.Equal(t, 27, c.Offset)
	assert.Equal(t, model.DefaultPort, a.Port)
	assert.Equal(t, uint8(model.DefaultSlaveID), a.SlaveID)
	assert.Equal(t, []string{"pm1", "s1", "o1"}, names(r.List()))
}

func TestAddRejects(t *testing.T) {
	r := newRegistry(t, &MemoryStore{})
	_, err := r.Add(pm("pm1"))
	require.NoError(t, err)

	cases := map[string]struct {
		dev  model.Device
		want error
	}{
		"duplicate":    {pm("pm1"), ErrDuplicateName},
		"no name":      {model.Device{IP: "1.2.3.4", Type: "pm"}, ErrInvalidDevice},
		"no ip":        {model.Device{Name: "x", Type: "pm"}, ErrInvalidDevice},
		"no type":      {model.Device{Name: "x", IP: "1.2.3.4"}, ErrInvalidDevice},
		"unknown type": {model.Device{Name: "x", IP: "1.2.3.4", Type: "thermostat"}, ErrUnknownType},
		"bad port":     {model.Device{Name: "x", IP: "1.2.3.4", Type: "scale", Port: 70000}, ErrInvalidDevice},
		"dup param": {model.Device{Name: "x", IP: "1.2.3.4", Type: "pm", Params: []model.Param{
			{Name: "a", Address: 1}, {Name: "a", Address: 3},
		}}, ErrInvalidDevice},
		"blank param": {model.Device{Name: "x", IP: "1.2.3.4", Type: "pm", Params: []model.Param{{Address: 1}}}, ErrInvalidDevice},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := r.Add(tc.dev)
			require.ErrorIs(t, err, tc.want)
		})
	}
	require.Equal(t, 1, r.Len())
}

func TestAddChecksCapacity(t *testing.T) {
	r := New(&MemoryStore{}, 30, zerolog.Nop())
	_, err := r.Add(pm("pm1"))
	require.NoError(t, err)
	_, err = r.Add(model.Device{Name: "o1", IP: "h", Type: "oee"})
	require.NoError(t, err)
	_, err = r.Add(model.Device{Name: "o2", IP: "h", Type: "oee"})
	require.ErrorIs(t, err, ErrCapacityExceeded)
}

func TestParamsDroppedForOtherTypes(t *testing.T) {
	r := newRegistry(t, &MemoryStore{})
	d, err := r.Add(model.Device{Name: "s", IP: "h", Type: "scale", Params: []model.Param{{Name: "a", Address: 1}}})
	require.NoError(t, err)
	require.Nil(t, d.Params)
}

func TestUpdateKeepsNameAndOffset(t *testing.T) {
	r := newRegistry(t, &MemoryStore{})
	_, err := r.Add(model.Device{Name: "s1", IP: "h", Type: "scale"})
	require.NoError(t, err)
	_, err = r.Add(model.Device{Name: "s2", IP: "h", Type: "scale"})
	require.NoError(t, err)

	got, err := r.Update("s2", model.Device{IP: "10.9.9.9", Port: 1502, Type: "scale", Offset: 500})
	require.NoError(t, err)
	assert.Equal(t, "s2", got.Name)
	assert.Equal(t, 1, got.Offset)
	assert.Equal(t, 1502, got.Port)

	stored, _ := r.Get("s2")
	assert.Equal(t, "10.9.9.9", stored.IP)

	_, err = r.Update("s2", model.Device{Name: "renamed", IP: "h", Type: "scale"})
	require.ErrorIs(t, err, ErrNameChanged)
	_, err = r.Update("missing", model.Device{IP: "h", Type: "scale"})
	require.ErrorIs(t, err, ErrNotFound)
}

// Growing a device in place may run into its neighbour. It is accepted.
func TestUpdateMayOverlapNeighbour(t *testing.T) {
	r := newRegistry(t, &MemoryStore{})
	_, err := r.Add(model.Device{Name: "s1", IP: "h", Type: "scale"})
	require.NoError(t, err)
	_, err = r.Add(model.Device{Name: "s2", IP: "h", Type: "scale"})
	require.NoError(t, err)

	got, err := r.Update("s1", model.Device{IP: "h", Type: "oee"})
	require.NoError(t, err)
	s2, _ := r.Get("s2")
	require.True(t, model.Overlaps(got, s2))
}

func TestDeleteDoesNotReuseSpan(t *testing.T) {
	r := newRegistry(t, &MemoryStore{})
	_, _ = r.Add(model.Device{Name: "a", IP: "h", Type: "oee"})
	_, _ = r.Add(model.Device{Name: "b", IP: "h", Type: "oee"})

	require.NoError(t, r.Delete("b"))
	require.ErrorIs(t, r.Delete("b"), ErrNotFound)

	c, err := r.Add(model.Device{Name: "c", IP: "h", Type: "oee"})
	require.NoError(t, err)
	assert.Equal(t, 4, c.Offset)

	require.NoError(t, r.Delete("a"))
	d, err := r.Add(model.Device{Name: "d", IP: "h", Type: "oee"})
	require.NoError(t, err)
	assert.Equal(t, 8, d.Offset, "gap at 0 is not reclaimed")
}

func TestPersistFailureRollsBack(t *testing.T) {
	store := &MemoryStore{}
	r := newRegistry(t, store)
	_, err := r.Add(pm("pm1"))
	require.NoError(t, err)

	store.Err = errors.New("disk full")
	_, err = r.Add(pm("pm2"))
	require.ErrorIs(t, err, ErrPersist)
	_, err = r.Update("pm1", model.Device{IP: "changed", Type: "pm"})
	require.ErrorIs(t, err, ErrPersist)
	require.ErrorIs(t, r.Delete("pm1"), ErrPersist)

	list := r.List()
	require.Len(t, list, 1)
	assert.Equal(t, "10.0.0.1", list[0].IP)
}

func TestListIsACopy(t *testing.T) {
	r := newRegistry(t, &MemoryStore{})
	_, err := r.Add(model.Device{Name: "pm", IP: "h", Type: "pm", Params: []model.Param{{Name: "a", Address: 1}}})
	require.NoError(t, err)

	list := r.List()
	list[0].Name = "mutated"
	list[0].Params[0].Name = "mutated"

	got, _ := r.Get("pm")
	assert.Equal(t, "a", got.Params[0].Name)
}

func TestLoadSkipsInvalidRecords(t *testing.T) {
	store := &MemoryStore{Devices: []model.Device{
		{Name: "ok", IP: "h", Type: "scale", Offset: 7},
		{Name: "", IP: "h", Type: "scale"},
		{Name: "bad", IP: "h", Type: "thermostat"},
		{Name: "ok", IP: "h2", Type: "oee"},
	}}
	r := newRegistry(t, store)
	list := r.List()
	require.Len(t, list, 1)
	assert.Equal(t, 7, list[0].Offset, "stored offsets are kept")
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "devices.json")
	store := NewFileStore(path)

	devices, err := store.Load()
	require.NoError(t, err)
	require.Empty(t, devices)

	r := newRegistry(t, store)
	_, err = r.Add(model.Device{Name: "pm", IP: "h", Type: "pm", Params: []model.Param{{Name: "kwh", Address: 10}}})
	require.NoError(t, err)
	_, err = r.Add(model.Device{Name: "s", IP: "h", Type: "scale"})
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var generic []map[string]any
	require.NoError(t, json.Unmarshal(raw, &generic))
	require.Len(t, generic, 2)
	assert.Equal(t, []any{"kwh", 10.0}, generic[0]["pm_params"].([]any)[0])
	assert.NotContains(t, generic[0], "status")
	assert.NotContains(t, generic[1], "pm_params")

	reloaded := newRegistry(t, NewFileStore(path))
	assert.Equal(t, r.List(), reloaded.List())

	entries, _ := os.ReadDir(filepath.Dir(path))
	require.Len(t, entries, 1, "no temp files left behind")
}

func TestFileStoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	r := New(NewFileStore(path), 0, zerolog.Nop())
	require.Error(t, r.Load())
	require.Zero(t, r.Len())
}

func names(devices []model.Device) []string {
	out := make([]string, len(devices))
	for i, d := range devices {
		out[i] = d.Name
	}
	return out
}
