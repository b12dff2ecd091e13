package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/flowrelay/FlowRelay/internal/models"
)

// decodeRun unmarshals a persisted run document.
func decodeRun(raw, id string) (*models.FlowRun, error) {
	var run models.FlowRun
	if err := json.Unmarshal([]byte(raw), &run); err != nil {
		return nil, fmt.Errorf("failed to decode run %s: %w", id, err)
	}
	return &run, nil
}

// collectRuns drains a run_json result set.
func collectRuns(rows *sql.Rows) ([]models.FlowRun, error) {
	var out []models.FlowRun
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		var run models.FlowRun
		if err := json.Unmarshal([]byte(raw), &run); err != nil {
			return nil, fmt.Errorf("failed to decode run row: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate run rows: %w", err)
	}
	return out, nil
}

// collectDefinitions drains a definition_json result set.
func collectDefinitions(rows *sql.Rows) ([]models.FlowDefinition, error) {
	var out []models.FlowDefinition
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan flow definition row: %w", err)
		}
		var def models.FlowDefinition
		if err := json.Unmarshal([]byte(raw), &def); err != nil {
			return nil, fmt.Errorf("failed to decode flow definition row: %w", err)
		}
		out = append(out, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate flow definition rows: %w", err)
	}
	return out, nil
}
