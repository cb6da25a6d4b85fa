// Command export dumps recorded history from the SQLite store to JSON or CSV.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"modbus-gateway/internal/config"
	"modbus-gateway/internal/history"
	"modbus-gateway/internal/output"
)

func main() {
	var cfgPath, dbPath, device, outJSON, outCSV string
	var limit int
	flag.StringVar(&cfgPath, "config", "config/gateway.yaml", "path to gateway YAML config")
	flag.StringVar(&dbPath, "db", "", "history database (default history.db_path)")
	flag.StringVar(&device, "device", "", "only this device (default all)")
	flag.IntVar(&limit, "limit", 0, "newest rows to export, 0 for all")
	flag.StringVar(&outJSON, "json", "", "path to write JSON (optional)")
	flag.StringVar(&outCSV, "csv", "", "path to write CSV (optional)")
	flag.Parse()

	if err := run(cfgPath, dbPath, device, limit, outJSON, outCSV); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfgPath, dbPath, device string, limit int, outJSON, outCSV string) error {
	if outJSON == "" && outCSV == "" {
		return errors.New("no output specified: set -json and/or -csv")
	}
	if dbPath == "" {
		cfg, err := config.LoadYAML(cfgPath)
		if err != nil {
			return fmt.Errorf("load yaml config: %w", err)
		}
		dbPath = cfg.History.DBPath
	}
	if _, err := os.Stat(dbPath); err != nil {
		return fmt.Errorf("history database: %w", err)
	}

	db, err := history.OpenSQLite(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	points, err := db.Recent(context.Background(), device, limit)
	if err != nil {
		return fmt.Errorf("query history: %w", err)
	}
	if outJSON != "" {
		if err := output.WriteJSON(outJSON, points); err != nil {
			return err
		}
	}
	if outCSV != "" {
		if err := output.WriteCSV(outCSV, points); err != nil {
			return err
		}
	}
	return nil
}
