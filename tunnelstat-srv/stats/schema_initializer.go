package stats

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/codefionn/tunnelstat/tunnelstat-srv/logger"
)

// SchemaInitializer creates and repairs the record schema
type SchemaInitializer struct {
	db     *sql.DB
	driver string
	schema *DatabaseSchema
}

// NewSchemaInitializer creates a new schema initializer
func NewSchemaInitializer(db *sql.DB, driver string) *SchemaInitializer {
	return &SchemaInitializer{
		db:     db,
		driver: driver,
		schema: GetExpectedSchema(),
	}
}

// InitializeSchema creates missing tables, columns and indexes, then validates the result
func (si *SchemaInitializer) InitializeSchema() error {
	logger.Debug("Initializing database schema (driver: %s)", si.driver)

	for _, table := range si.schema.Tables {
		if err := si.createTable(table); err != nil {
			return fmt.Errorf("failed to create table %s: %w", table.Name, err)
		}
	}

	for _, table := range si.schema.Tables {
		for _, index := range table.Indexes {
			if err := si.createIndex(index); err != nil {
				return fmt.Errorf("failed to create index %s: %w", index.Name, err)
			}
		}
	}

	validator := NewSchemaValidator(si.db, si.schema, si.driver)
	result, err := validator.ValidateSchema()
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if !result.Valid {
		return fmt.Errorf("schema issues could not be fixed:\n%s", result.GenerateReport())
	}

	logger.Debug("Database schema initialization completed")
	return nil
}

func (si *SchemaInitializer) createTable(table TableDefinition) error {
	exists, err := tableExists(si.db, si.driver, table.Name)
	if err != nil {
		return fmt.Errorf("failed to check if table %s exists: %w", table.Name, err)
	}

	if exists {
		logger.Debug("Table %s already exists, checking for missing columns", table.Name)
		return si.ensureTableColumns(table)
	}

	query := si.generateCreateTableSQL(table)
	logger.Debug("Creating table %s with SQL: %s", table.Name, query)

	if _, err := si.db.Exec(query); err != nil {
		return fmt.Errorf("failed to execute CREATE TABLE for %s: %w", table.Name, err)
	}

	logger.Info("Created table: %s", table.Name)
	return nil
}

// ensureTableColumns adds columns that an older database lacks
func (si *SchemaInitializer) ensureTableColumns(table TableDefinition) error {
	validator := NewSchemaValidator(si.db, si.schema, si.driver)
	actualColumns, err := validator.getTableColumns(table.Name)
	if err != nil {
		return fmt.Errorf("failed to get columns for table %s: %w", table.Name, err)
	}

	actual := make(map[string]bool, len(actualColumns))
	for _, name := range actualColumns {
		actual[name] = true
	}

	for _, expectedCol := range table.Columns {
		if actual[expectedCol.Name] {
			continue
		}
		// SQLite cannot add NOT NULL columns without a default
		col := expectedCol
		col.NotNull = false
		col.PrimaryKey = false
		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", table.Name, si.generateColumnSQL(col))
		logger.Info("Adding missing column %s to table %s", col.Name, table.Name)
		if _, err := si.db.Exec(query); err != nil {
			return fmt.Errorf("failed to add column %s: %w", col.Name, err)
		}
	}
	return nil
}

func (si *SchemaInitializer) createIndex(index IndexDefinition) error {
	exists, err := indexExists(si.db, si.driver, index.Name)
	if err != nil {
		return fmt.Errorf("failed to check if index %s exists: %w", index.Name, err)
	}
	if exists {
		logger.Debug("Index %s already exists", index.Name)
		return nil
	}

	query := si.generateCreateIndexSQL(index)
	logger.Debug("Creating index %s with SQL: %s", index.Name, query)

	if _, err := si.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create index %s: %w", index.Name, err)
	}
	return nil
}

// generateCreateTableSQL generates CREATE TABLE SQL for the specific driver
func (si *SchemaInitializer) generateCreateTableSQL(table TableDefinition) string {
	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n", table.Name))

	columnDefs := make([]string, 0, len(table.Columns))
	for _, column := range table.Columns {
		columnDefs = append(columnDefs, "  "+si.generateColumnSQL(column))
	}

	builder.WriteString(strings.Join(columnDefs, ",\n"))
	builder.WriteString("\n)")

	return builder.String()
}

// generateColumnSQL generates column definition SQL
func (si *SchemaInitializer) generateColumnSQL(column ColumnDefinition) string {
	parts := []string{column.Name, string(si.convertColumnType(column.Type))}

	if column.PrimaryKey {
		if si.driver == driverSQLite && column.AutoIncrement {
			parts = append(parts, "PRIMARY KEY AUTOINCREMENT")
		} else {
			parts = append(parts, "PRIMARY KEY")
		}
	}

	if column.NotNull && !column.PrimaryKey {
		parts = append(parts, "NOT NULL")
	}

	return strings.Join(parts, " ")
}

// convertColumnType converts our ColumnType to database-specific types
func (si *SchemaInitializer) convertColumnType(colType ColumnType) ColumnType {
	if si.driver == driverSQLite && colType == ColumnTypeSerial {
		return ColumnTypeInteger
	}
	return colType
}

// generateCreateIndexSQL generates CREATE INDEX SQL
func (si *SchemaInitializer) generateCreateIndexSQL(index IndexDefinition) string {
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s(%s)",
		index.Name, index.Table, strings.Join(index.Columns, ", "))
}
