package schemaindex

import (
	"context"
	"fmt"
	"strings"

	"github.com/uptrace/bun"
)

// Introspector builds table documents from information_schema.
type Introspector struct {
	db           bun.IDB
	schema       string
	descriptions map[string]string
}

// NewIntrospector reads tables of schema from db. descriptions overrides the
// default per-table description.
func NewIntrospector(db bun.IDB, schema string, descriptions map[string]string) *Introspector {
	if schema == "" {
		schema = "public"
	}
	return &Introspector{db: db, schema: schema, descriptions: descriptions}
}

type columnRow struct {
	TableName  string `bun:"table_name"`
	ColumnName string `bun:"column_name"`
	DataType   string `bun:"data_type"`
}

// Documents returns one document per base table, ordered by table name.
func (i *Introspector) Documents(ctx context.Context) ([]Document, error) {
	var tables []string
	err := i.db.NewRaw(
		`SELECT table_name FROM information_schema.tables
		 WHERE table_schema = ? AND table_type = 'BASE TABLE'
		 ORDER BY table_name`, i.schema).
		Scan(ctx, &tables)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}

	var cols []columnRow
	err = i.db.NewRaw(
		`SELECT table_name, column_name, data_type FROM information_schema.columns
		 WHERE table_schema = ?
		 ORDER BY table_name, ordinal_position`, i.schema).
		Scan(ctx, &cols)
	if err != nil {
		return nil, fmt.Errorf("list columns: %w", err)
	}

	return buildDocuments(tables, cols, i.descriptions), nil
}

func buildDocuments(tables []string, cols []columnRow, descriptions map[string]string) []Document {
	byTable := make(map[string][]columnRow, len(tables))
	for _, c := range cols {
		byTable[c.TableName] = append(byTable[c.TableName], c)
	}

	docs := make([]Document, 0, len(tables))
	for _, table := range tables {
		var ddl strings.Builder
		ddl.WriteString(fmt.Sprintf("CREATE TABLE %s (\n", table))
		for j, c := range byTable[table] {
			ddl.WriteString(fmt.Sprintf("  %s %s", c.ColumnName, c.DataType))
			if j < len(byTable[table])-1 {
				ddl.WriteString(",")
			}
			ddl.WriteString("\n")
		}
		ddl.WriteString(");")

		docs = append(docs, Document{
			Name:    table,
			Content: FormatDocument(table, Describe(table, descriptions), ddl.String()),
		})
	}
	return docs
}

// Describe returns the configured description for table or the default one.
func Describe(table string, descriptions map[string]string) string {
	if d, ok := descriptions[table]; ok && d != "" {
		return d
	}
	return fmt.Sprintf("Contains data about %s.", table)
}

// FormatDocument renders the text that is indexed and shown to the generator.
func FormatDocument(table, description, ddl string) string {
	return fmt.Sprintf("Table: %s\nDescription: %s\nSchema: %s", table, description, ddl)
}
