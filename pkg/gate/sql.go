package gate

import (
	"errors"
	"fmt"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// StatementKind is the top-level classification of a parsed statement.
type StatementKind int

const (
	KindOther StatementKind = iota
	KindReadOnlySelect
)

func (k StatementKind) String() string {
	if k == KindReadOnlySelect {
		return "read_only_select"
	}
	return "other"
}

// Statement is what the gate needs to know about parsed SQL.
type Statement struct {
	Kind StatementKind
	// Tag names the statement form, e.g. "SelectStmt" or "DeleteStmt".
	Tag string
	// Reason explains why a SELECT was still classified as Other.
	Reason string
}

// Parser turns SQL text into a Statement or a diagnostic error.
type Parser interface {
	Parse(sql string) (Statement, error)
}

// PGParser parses PostgreSQL using the server's own grammar.
type PGParser struct{}

// Parse classifies sql. Scripts with more than one statement are KindOther.
func (PGParser) Parse(sql string) (Statement, error) {
	if strings.TrimSpace(strings.Trim(strings.TrimSpace(sql), ";")) == "" {
		return Statement{}, errors.New("empty statement")
	}

	tree, err := pg_query.Parse(sql)
	if err != nil {
		return Statement{}, err
	}
	if len(tree.Stmts) == 0 {
		return Statement{}, errors.New("empty statement")
	}
	if len(tree.Stmts) > 1 {
		return Statement{Kind: KindOther, Tag: "MultiStatement", Reason: fmt.Sprintf("%d statements in one script", len(tree.Stmts))}, nil
	}

	node := tree.Stmts[0].GetStmt()
	sel := node.GetSelectStmt()
	if sel == nil {
		return Statement{Kind: KindOther, Tag: nodeTag(node)}, nil
	}
	if reason := writesOrLocks(sel); reason != "" {
		return Statement{Kind: KindOther, Tag: "SelectStmt", Reason: reason}, nil
	}
	return Statement{Kind: KindReadOnlySelect, Tag: "SelectStmt"}, nil
}

// writesOrLocks reports why a SELECT would write or take row locks. Every
// nested statement counts: subqueries in FROM or WHERE, CTEs and set operations.
func writesOrLocks(sel *pg_query.SelectStmt) string {
	if sel == nil {
		return ""
	}
	return walkTree(sel.ProtoReflect(), checkNode)
}

func checkNode(msg proto.Message) string {
	switch n := msg.(type) {
	case *pg_query.SelectStmt:
		if n.GetIntoClause() != nil {
			return "SELECT INTO creates a table"
		}
		if len(n.GetLockingClause()) > 0 {
			return "row locking clause"
		}
	case *pg_query.CommonTableExpr:
		if query := n.GetCtequery(); query != nil && query.GetSelectStmt() == nil {
			return fmt.Sprintf("data-modifying CTE (%s)", nodeTag(query))
		}
	}
	return ""
}

// walkTree visits m and every message reachable from it, depth first, and
// stops at the first non-empty verdict.
func walkTree(m protoreflect.Message, check func(proto.Message) string) string {
	if reason := check(m.Interface()); reason != "" {
		return reason
	}
	var reason string
	m.Range(func(fd protoreflect.FieldDescriptor, v protoreflect.Value) bool {
		if fd.Message() == nil || fd.IsMap() {
			return true
		}
		if fd.IsList() {
			list := v.List()
			for i := 0; i < list.Len() && reason == ""; i++ {
				reason = walkTree(list.Get(i).Message(), check)
			}
		} else {
			reason = walkTree(v.Message(), check)
		}
		return reason == ""
	})
	return reason
}

func nodeTag(node *pg_query.Node) string {
	if node == nil || node.GetNode() == nil {
		return "Unknown"
	}
	return strings.TrimPrefix(fmt.Sprintf("%T", node.GetNode()), "*pg_query.Node_")
}

// SQLGate strips fence decoration, parses, and admits only read-only selects.
type SQLGate struct {
	parser Parser
}

// NewSQLGate creates a gate. A nil parser means PGParser.
func NewSQLGate(parser Parser) *SQLGate {
	if parser == nil {
		parser = PGParser{}
	}
	return &SQLGate{parser: parser}
}

// Name returns the gate identifier.
func (g *SQLGate) Name() string {
	return "sql_read_only"
}

// Evaluate checks a raw model response. On a syntax failure the result keeps the
// raw text in SQL; otherwise SQL holds the cleaned statement.
func (g *SQLGate) Evaluate(raw string) *GateResult {
	cleaned := StripFences(raw)

	stmt, err := g.parser.Parse(cleaned)
	if err != nil {
		result := NewFailingResult(0, []Violation{{
			Rule:     RuleSyntax,
			Severity: "error",
			Message:  fmt.Sprintf("SQL Syntax Error: %s", err.Error()),
		}}, []string{"Return a single syntactically valid SELECT statement."})
		result.SQL = raw
		return result
	}

	if stmt.Kind != KindReadOnlySelect {
		msg := "Security Alert: Only SELECT statements are allowed."
		detail := stmt.Tag
		if stmt.Reason != "" {
			detail = stmt.Reason
		}
		if detail != "" {
			msg = fmt.Sprintf("%s Found: %s.", msg, detail)
		}
		result := NewFailingResult(0, []Violation{{
			Rule:       RuleReadOnly,
			Severity:   "error",
			Message:    msg,
			Suggestion: "Rewrite the request as a read-only SELECT.",
		}}, []string{"Do not modify data or schema; answer with a SELECT."})
		result.SQL = raw
		result.Statement = stmt.Tag
		return result
	}

	result := NewPassingResult(100)
	result.SQL = cleaned
	result.Statement = stmt.Tag
	return result
}
