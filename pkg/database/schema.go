package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator inspects a sqlite database for the expected structure.
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	requiredTables := map[string]string{
		"sessions":          "Session records",
		"schema_migrations": "Migration tracking",
	}

	for table, description := range requiredTables {
		exists, err := v.exists("table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s (%s): %w", table, description, err)
		}
		if !exists {
			return fmt.Errorf("required table %s (%s) does not exist", table, description)
		}
	}
	return nil
}

// ValidateTableStructure verifies the sessions column types.
func (v *SchemaValidator) ValidateTableStructure() error {
	sessionColumns := map[string]string{
		"id":                 "TEXT",
		"call_id":            "TEXT",
		"host_id":            "TEXT",
		"participants":       "TEXT",
		"max_participants":   "INTEGER",
		"problem_list":       "TEXT",
		"active_problem":     "TEXT",
		"active_difficulty":  "TEXT",
		"language":           "TEXT",
		"visibility":         "TEXT",
		"code":               "TEXT",
		"status":             "TEXT",
		"focus_mode_enabled": "INTEGER",
		"focus_events":       "TEXT",
		"created_at":         "DATETIME",
		"updated_at":         "DATETIME",
		"ended_at":           "DATETIME",
		"version":            "INTEGER",
	}

	if err := v.validateColumns("sessions", sessionColumns); err != nil {
		return fmt.Errorf("sessions table structure invalid: %w", err)
	}
	return nil
}

// ValidateIndexes verifies that all lookup indexes exist
func (v *SchemaValidator) ValidateIndexes() error {
	requiredIndexes := map[string]string{
		"idx_sessions_status":             "Active session lookups",
		"idx_sessions_host":               "Host ownership queries",
		"idx_sessions_visibility_created": "Public listing",
		"idx_sessions_status_visibility":  "Active public listing",
	}

	for index, purpose := range requiredIndexes {
		exists, err := v.exists("index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s (%s): %w", index, purpose, err)
		}
		if !exists {
			return fmt.Errorf("required index %s (%s) does not exist", index, purpose)
		}
	}
	return nil
}

// ValidateConstraints verifies that CHECK constraints reject bad rows.
// The test inserts run in a transaction that is always rolled back.
func (v *SchemaValidator) ValidateConstraints() error {
	tx, err := v.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin constraint check: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	checks := []struct {
		name   string
		insert string
	}{
		{"max_participants range", `INSERT INTO sessions (id, call_id, host_id, max_participants) VALUES ('schema-check', 'schema-check', 'host', 11)`},
		{"status values", `INSERT INTO sessions (id, call_id, host_id, status) VALUES ('schema-check', 'schema-check', 'host', 'paused')`},
	}
	for _, c := range checks {
		if _, err := tx.Exec(c.insert); err == nil {
			return fmt.Errorf("check constraint not enforced: %s", c.name)
		}
	}
	return nil
}

func (v *SchemaValidator) exists(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type=? AND name=?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (v *SchemaValidator) validateColumns(tableName string, expectedColumns map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	foundColumns := make(map[string]string)
	for rows.Next() {
		var cid, notNull, pk int
		var name, dataType string
		var defaultValue interface{}
		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		foundColumns[name] = dataType
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for expectedCol, expectedType := range expectedColumns {
		foundType, ok := foundColumns[expectedCol]
		if !ok {
			return fmt.Errorf("column %s not found", expectedCol)
		}
		if foundType != expectedType {
			return fmt.Errorf("column %s has type %s, expected %s", expectedCol, foundType, expectedType)
		}
	}
	return nil
}
