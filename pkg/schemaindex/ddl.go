package schemaindex

import (
	"regexp"
	"strings"
)

var (
	createTableBlock = regexp.MustCompile(`(?ims)(CREATE\s+TABLE\s+.*?(?:;|^[ \t]*GO[ \t]*$))`)
	createTableName  = regexp.MustCompile(`(?is)^CREATE\s+TABLE\s+(?:IF\s+NOT\s+EXISTS\s+)?([^\s(]+)`)
)

// ParseDDLBlocks extracts every CREATE TABLE statement from a SQL script.
// A block ends at the first semicolon or at a line holding only GO.
func ParseDDLBlocks(script string) []string {
	return createTableBlock.FindAllString(script, -1)
}

// TableName returns the unqualified, unquoted table name of a CREATE TABLE block.
func TableName(block string) string {
	m := createTableName.FindStringSubmatch(strings.TrimSpace(block))
	if m == nil {
		return ""
	}
	name := m[1]
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		name = name[idx+1:]
	}
	return strings.Trim(name, "\"`[]")
}

// DDLDocuments turns a SQL script into documents, one per CREATE TABLE block.
// Blocks whose table name cannot be read are skipped.
func DDLDocuments(script string, descriptions map[string]string) []Document {
	var docs []Document
	for _, block := range ParseDDLBlocks(script) {
		name := TableName(block)
		if name == "" {
			continue
		}
		docs = append(docs, Document{
			Name:    name,
			Content: FormatDocument(name, Describe(name, descriptions), strings.TrimSpace(block)),
		})
	}
	return docs
}
