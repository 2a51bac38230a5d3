package stats

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
)

// Supported database/sql driver names
const (
	driverSQLite   = "sqlite3"
	driverPostgres = "postgres"
)

// ColumnType represents the type of a database column
type ColumnType string

const (
	ColumnTypeSerial  ColumnType = "SERIAL"  // PostgreSQL auto-increment
	ColumnTypeInteger ColumnType = "INTEGER" // SQLite/PostgreSQL integer
	ColumnTypeText    ColumnType = "TEXT"    // Text/VARCHAR
	ColumnTypeReal    ColumnType = "REAL"    // Floating point seconds
)

// ColumnDefinition defines a database column
type ColumnDefinition struct {
	Name          string
	Type          ColumnType
	NotNull       bool
	PrimaryKey    bool
	AutoIncrement bool
}

// IndexDefinition defines a database index
type IndexDefinition struct {
	Name    string
	Table   string
	Columns []string
}

// TableDefinition defines a complete database table
type TableDefinition struct {
	Name    string
	Columns []ColumnDefinition
	Indexes []IndexDefinition
}

// DatabaseSchema defines the complete database schema
type DatabaseSchema struct {
	Tables  []TableDefinition
	Version string
}

// GetExpectedSchema returns the expected database schema. The connections
// table keeps the column layout of earlier proxy_stats.db files so existing
// databases open without migration.
func GetExpectedSchema() *DatabaseSchema {
	return &DatabaseSchema{
		Version: "1",
		Tables: []TableDefinition{
			{
				Name: "connections",
				Columns: []ColumnDefinition{
					{Name: "id", Type: ColumnTypeSerial, PrimaryKey: true, AutoIncrement: true},
					{Name: "timestamp", Type: ColumnTypeText, NotNull: true},
					{Name: "target_host", Type: ColumnTypeText, NotNull: true},
					{Name: "target_port", Type: ColumnTypeInteger, NotNull: true},
					{Name: "client_ip", Type: ColumnTypeText},
					{Name: "connect_time", Type: ColumnTypeReal},
				},
				Indexes: []IndexDefinition{
					{Name: "idx_connections_timestamp", Table: "connections", Columns: []string{"timestamp"}},
					{Name: "idx_connections_target_host", Table: "connections", Columns: []string{"target_host"}},
				},
			},
		},
	}
}

// SchemaValidator detects tables, columns and indexes missing from a database
type SchemaValidator struct {
	db     *sql.DB
	schema *DatabaseSchema
	driver string // "sqlite3" or "postgres"
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB, schema *DatabaseSchema, driver string) *SchemaValidator {
	return &SchemaValidator{
		db:     db,
		schema: schema,
		driver: driver,
	}
}

// ValidationResult contains the results of schema validation
type ValidationResult struct {
	Valid          bool
	MissingTables  []string
	MissingColumns []TableColumnMismatch
	MissingIndexes []string
	Errors         []error
}

// TableColumnMismatch represents a missing column
type TableColumnMismatch struct {
	Table  string
	Column string
}

// ValidateSchema compares the database against the expected schema
func (sv *SchemaValidator) ValidateSchema() (*ValidationResult, error) {
	result := &ValidationResult{Valid: true}

	for _, expectedTable := range sv.schema.Tables {
		exists, err := tableExists(sv.db, sv.driver, expectedTable.Name)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("error checking table %s: %w", expectedTable.Name, err))
			result.Valid = false
			continue
		}

		if !exists {
			result.MissingTables = append(result.MissingTables, expectedTable.Name)
			result.Valid = false
			continue
		}

		if err := sv.validateTableColumns(expectedTable, result); err != nil {
			result.Errors = append(result.Errors, err)
			result.Valid = false
		}

		if err := sv.validateTableIndexes(expectedTable, result); err != nil {
			result.Errors = append(result.Errors, err)
			result.Valid = false
		}
	}

	return result, nil
}

func (sv *SchemaValidator) validateTableColumns(table TableDefinition, result *ValidationResult) error {
	actualColumns, err := sv.getTableColumns(table.Name)
	if err != nil {
		return fmt.Errorf("failed to get columns for table %s: %w", table.Name, err)
	}

	actual := make(map[string]bool, len(actualColumns))
	for _, name := range actualColumns {
		actual[name] = true
	}

	for _, expectedCol := range table.Columns {
		if !actual[expectedCol.Name] {
			result.MissingColumns = append(result.MissingColumns, TableColumnMismatch{
				Table:  table.Name,
				Column: expectedCol.Name,
			})
			result.Valid = false
		}
	}
	return nil
}

// getTableColumns returns the column names that exist in the database
func (sv *SchemaValidator) getTableColumns(tableName string) (columns []string, err error) {
	var rows *sql.Rows
	switch sv.driver {
	case driverSQLite:
		rows, err = sv.db.Query(fmt.Sprintf("SELECT name FROM pragma_table_info('%s')", tableName))
	case driverPostgres:
		rows, err = sv.db.Query(`
			SELECT column_name
			FROM information_schema.columns
			WHERE table_name = $1 AND table_schema = 'public'
			ORDER BY ordinal_position`, tableName)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", sv.driver)
	}
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close rows: %w", closeErr)
		}
	}()

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		columns = append(columns, name)
	}
	return columns, rows.Err()
}

func (sv *SchemaValidator) validateTableIndexes(table TableDefinition, result *ValidationResult) error {
	for _, expectedIdx := range table.Indexes {
		exists, err := indexExists(sv.db, sv.driver, expectedIdx.Name)
		if err != nil {
			return fmt.Errorf("failed to check index %s: %w", expectedIdx.Name, err)
		}
		if !exists {
			result.MissingIndexes = append(result.MissingIndexes, expectedIdx.Name)
			result.Valid = false
		}
	}
	return nil
}

func tableExists(db *sql.DB, driver, tableName string) (bool, error) {
	var query string
	switch driver {
	case driverSQLite:
		query = `SELECT name FROM sqlite_master WHERE type='table' AND name=?`
	case driverPostgres:
		query = `SELECT tablename FROM pg_tables WHERE schemaname='public' AND tablename=$1`
	default:
		return false, fmt.Errorf("unsupported driver: %s", driver)
	}

	var name string
	err := db.QueryRow(query, tableName).Scan(&name)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func indexExists(db *sql.DB, driver, indexName string) (bool, error) {
	var query string
	switch driver {
	case driverSQLite:
		query = `SELECT name FROM sqlite_master WHERE type='index' AND name=?`
	case driverPostgres:
		query = `SELECT indexname FROM pg_indexes WHERE indexname=$1 AND schemaname='public'`
	default:
		return false, fmt.Errorf("unsupported driver: %s", driver)
	}

	var name string
	err := db.QueryRow(query, indexName).Scan(&name)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// GenerateReport generates a human-readable validation report
func (result *ValidationResult) GenerateReport() string {
	var report strings.Builder

	if result.Valid {
		report.WriteString("Database schema validation PASSED\n")
		return report.String()
	}

	report.WriteString("Database schema validation FAILED\n")

	if len(result.MissingTables) > 0 {
		report.WriteString("Missing Tables:\n")
		for _, table := range result.MissingTables {
			fmt.Fprintf(&report, "  - %s\n", table)
		}
	}

	if len(result.MissingColumns) > 0 {
		report.WriteString("Missing Columns:\n")
		for _, col := range result.MissingColumns {
			fmt.Fprintf(&report, "  - %s.%s\n", col.Table, col.Column)
		}
	}

	if len(result.MissingIndexes) > 0 {
		report.WriteString("Missing Indexes:\n")
		sort.Strings(result.MissingIndexes)
		for _, idx := range result.MissingIndexes {
			fmt.Fprintf(&report, "  - %s\n", idx)
		}
	}

	if len(result.Errors) > 0 {
		report.WriteString("Validation Errors:\n")
		for _, err := range result.Errors {
			fmt.Fprintf(&report, "  - %v\n", err)
		}
	}

	return report.String()
}
