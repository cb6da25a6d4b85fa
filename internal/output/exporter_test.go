package output

import (
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modbus-gateway/internal/model"
)

var points = []model.PointValue{
	{Device: "pm1", Type: model.TypePowerMeter, Name: "frequency", Offset: 4, RelOffset: 22, Value: 50.01, Timestamp: time.Unix(1700000000, 0).UTC()},
	{Device: "s1", Type: model.TypeScale, Name: "weight", Offset: 30, Value: 1234, Timestamp: time.Unix(1700000001, 0).UTC()},
}

func TestWriteJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.json")
	require.NoError(t, WriteJSON(path, points))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var got []model.PointValue
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, points, got)

	require.NoError(t, WriteJSON(path, nil))
	b, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "[]\n", string(b))
}

func TestWriteCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	require.NoError(t, WriteCSV(path, points))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, []string{"timestamp", "device", "type", "name", "offset", "rel_offset", "value"}, records[0])
	assert.Equal(t, []string{"2023-11-14T22:13:20Z", "pm1", "pm", "frequency", "4", "22", "50.01"}, records[1])
	assert.Equal(t, "1234", records[2][6])
}

func TestWriteCSVBadPath(t *testing.T) {
	require.Error(t, WriteCSV(filepath.Join(t.TempDir(), "missing", "out.csv"), points))
}
