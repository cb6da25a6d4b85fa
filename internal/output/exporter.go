package output

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"

	"modbus-gateway/internal/history"
	"modbus-gateway/internal/model"
)

// WriteJSON writes points to a JSON file with pretty formatting.
func WriteJSON(path string, points []model.PointValue) error {
	if points == nil {
		points = []model.PointValue{}
	}
	b, err := json.MarshalIndent(points, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	if err := os.WriteFile(path, append(b, '\n'), 0o644); err != nil {
		return fmt.Errorf("write json: %w", err)
	}
	return nil
}

// WriteCSV writes points with the same columns as the history.csv sink.
func WriteCSV(path string, points []model.PointValue) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create csv: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(history.CSVHeader); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, p := range points {
		if err := w.Write(history.CSVRecord(p)); err != nil {
			return fmt.Errorf("write record: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Close()
}
