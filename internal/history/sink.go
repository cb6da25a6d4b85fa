package history

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"modbus-gateway/internal/model"
)

// Sink stores point rows. Implementations are used from a single goroutine.
type Sink interface {
	Write(p model.PointValue) error
	Flush() error
	Close() error
}

// File names used under history.dir.
const (
	JSONLFile = "history.jsonl"
	CSVFile   = "history.csv"
)

// CSVHeader is the column order of history.csv.
var CSVHeader = []string{"timestamp", "device", "type", "name", "offset", "rel_offset", "value"}

type jsonlSink struct {
	f *os.File
	w *bufio.Writer
}

// NewJSONLSink appends one JSON object per line to dir/history.jsonl.
func NewJSONLSink(dir string) (Sink, error) {
	f, err := openAppend(filepath.Join(dir, JSONLFile))
	if err != nil {
		return nil, fmt.Errorf("open json output: %w", err)
	}
	return &jsonlSink{f: f, w: bufio.NewWriterSize(f, 64*1024)}, nil
}

func (s *jsonlSink) Write(p model.PointValue) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if _, err := s.w.Write(b); err != nil {
		return err
	}
	return s.w.WriteByte('\n')
}

func (s *jsonlSink) Flush() error { return s.w.Flush() }

func (s *jsonlSink) Close() error {
	ferr := s.w.Flush()
	if err := s.f.Close(); err != nil {
		return err
	}
	return ferr
}

type csvSink struct {
	f *os.File
	w *csv.Writer
}

// NewCSVSink appends rows to dir/history.csv, writing the header when the
// file is new.
func NewCSVSink(dir string) (Sink, error) {
	f, err := openAppend(filepath.Join(dir, CSVFile))
	if err != nil {
		return nil, fmt.Errorf("open csv output: %w", err)
	}
	s := &csvSink{f: f, w: csv.NewWriter(f)}
	if off, _ := f.Seek(0, io.SeekEnd); off == 0 {
		if err := s.w.Write(CSVHeader); err != nil {
			f.Close()
			return nil, fmt.Errorf("write csv header: %w", err)
		}
		s.w.Flush()
		if err := s.w.Error(); err != nil {
			f.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *csvSink) Write(p model.PointValue) error {
	return s.w.Write(CSVRecord(p))
}

// CSVRecord formats p in CSVHeader column order.
func CSVRecord(p model.PointValue) []string {
	return []string{
		p.Timestamp.Format(time.RFC3339Nano),
		p.Device,
		string(p.Type),
		p.Name,
		strconv.Itoa(p.Offset),
		strconv.Itoa(p.RelOffset),
		strconv.FormatFloat(p.Value, 'g', -1, 64),
	}
}

func (s *csvSink) Flush() error {
	s.w.Flush()
	return s.w.Error()
}

func (s *csvSink) Close() error {
	ferr := s.Flush()
	if err := s.f.Close(); err != nil {
		return err
	}
	return ferr
}

func openAppend(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}
