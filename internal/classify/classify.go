// Package classify inspects a SQL text with the TiDB SQL parser and
// extracts the small amount of routing metadata the proxy needs:
// which statement kind it is, which schema it touches, and whether it
// can run on a read-only connection. It is never used to cache plans
// or rewrite SQL; the parse result is discarded once classified
// (Design Note §9, "external lexer").
package classify

import (
	"fmt"
	"strings"

	"github.com/pingcap/tidb/pkg/parser"
	"github.com/pingcap/tidb/pkg/parser/ast"
	_ "github.com/pingcap/tidb/pkg/parser/test_driver"
)

// OperationKind is the coarse statement category the router cares about.
type OperationKind int

const (
	OpUnknown OperationKind = iota
	OpSelect
	OpInsert
	OpUpdate
	OpDelete
	OpReplace
	OpDDL
	OpBegin
	OpCommit
	OpRollback
	OpSavepoint
	OpSet
	OpUse
	OpShow
	OpExplain
	OpCall
	OpLoadData
	OpAdmin
	OpPrepare
	OpExecuteStmt
	OpGrantRevoke
	OpSetRole
	OpSetSQLMode
)

func (k OperationKind) String() string {
	switch k {
	case OpSelect:
		return "SELECT"
	case OpInsert:
		return "INSERT"
	case OpUpdate:
		return "UPDATE"
	case OpDelete:
		return "DELETE"
	case OpReplace:
		return "REPLACE"
	case OpDDL:
		return "DDL"
	case OpBegin:
		return "BEGIN"
	case OpCommit:
		return "COMMIT"
	case OpRollback:
		return "ROLLBACK"
	case OpSavepoint:
		return "SAVEPOINT"
	case OpSet:
		return "SET"
	case OpUse:
		return "USE"
	case OpShow:
		return "SHOW"
	case OpExplain:
		return "EXPLAIN"
	case OpCall:
		return "CALL"
	case OpLoadData:
		return "LOAD DATA"
	case OpAdmin:
		return "ADMIN"
	case OpPrepare:
		return "PREPARE"
	case OpExecuteStmt:
		return "EXECUTE"
	case OpGrantRevoke:
		return "GRANT"
	case OpSetRole:
		return "SET ROLE"
	case OpSetSQLMode:
		return "SET SQL_MODE"
	default:
		return "UNKNOWN"
	}
}

// Result is the routing metadata extracted from one statement.
type Result struct {
	Kind         OperationKind
	TouchedDB    string   // schema qualifier named by the statement, if any
	TouchedTable string   // first table named by the statement, if any
	ReadOnly     bool     // safe to send to a replica on its own
	Autocommit   bool     // statement implicitly ends any open transaction
	Params       []string // savepoint name / set variable name, kind-specific
}

// Classifier wraps a TiDB parser instance. A Classifier is not safe for
// concurrent use; callers should keep one per Worker goroutine, matching
// how the wire Reader/Writer are owned by the connection they serve.
type Classifier struct {
	p *parser.Parser
}

// New returns a Classifier with a fresh parser instance.
func New() *Classifier {
	return &Classifier{p: parser.New()}
}

// Classify parses sql and extracts its routing metadata. Multi-statement
// input is rejected: the proxy classifies one command at a time, matching
// how COM_QUERY carries exactly one statement in the protocols this
// proxy supports.
func (c *Classifier) Classify(sql string) (Result, error) {
	stmts, _, err := c.p.Parse(sql, "", "")
	if err != nil {
		return Result{}, fmt.Errorf("classify: parse: %w", err)
	}
	if len(stmts) == 0 {
		return Result{}, fmt.Errorf("classify: empty statement")
	}
	if len(stmts) > 1 {
		return Result{}, fmt.Errorf("classify: multiple statements in one command")
	}
	return classifyNode(stmts[0]), nil
}

func classifyNode(node ast.StmtNode) Result {
	switch n := node.(type) {
	case *ast.SelectStmt:
		return Result{Kind: OpSelect, TouchedDB: dbOfTableRefsClause(n.From), ReadOnly: true}

	case *ast.InsertStmt:
		if n.IsReplace {
			return Result{Kind: OpReplace, TouchedDB: dbOfTableRefsClause(n.Table)}
		}
		return Result{Kind: OpInsert, TouchedDB: dbOfTableRefsClause(n.Table)}

	case *ast.UpdateStmt:
		return Result{Kind: OpUpdate, TouchedDB: dbOfTableRefsClause(n.TableRefs)}

	case *ast.DeleteStmt:
		return Result{Kind: OpDelete, TouchedDB: dbOfTableRefsClause(n.TableRefs)}

	case *ast.CreateTableStmt, *ast.DropTableStmt, *ast.AlterTableStmt,
		*ast.CreateIndexStmt, *ast.DropIndexStmt, *ast.TruncateTableStmt,
		*ast.CreateViewStmt, *ast.CreateDatabaseStmt, *ast.DropDatabaseStmt:
		return Result{Kind: OpDDL, Autocommit: true}

	case *ast.BeginStmt:
		return Result{Kind: OpBegin}

	case *ast.CommitStmt:
		return Result{Kind: OpCommit}

	case *ast.RollbackStmt:
		return Result{Kind: OpRollback}

	case *ast.SetStmt:
		return classifySetStmt(n)

	case *ast.UseStmt:
		return Result{Kind: OpUse, TouchedDB: n.DBName, Autocommit: true}

	case *ast.ShowStmt:
		return Result{Kind: OpShow, TouchedDB: n.DBName, ReadOnly: true}

	case *ast.ExplainStmt:
		return Result{Kind: OpExplain, ReadOnly: true}

	case *ast.CallStmt:
		return Result{Kind: OpCall}

	case *ast.LoadDataStmt:
		return Result{Kind: OpLoadData, TouchedDB: dbOfTableRefs(n.Table)}

	case *ast.GrantStmt, *ast.RevokeStmt:
		return Result{Kind: OpGrantRevoke, Autocommit: true}

	case *ast.AdminStmt:
		return Result{Kind: OpAdmin}

	default:
		return Result{Kind: OpUnknown}
	}
}

// classifySetStmt separates SET ROLE and SET sql_mode from the general
// OpSet bucket: both mutate session state that a load-balanced read
// could silently lose if routed to a different replica than the one
// that last saw the SET, so the router needs to tell them apart from
// an ordinary session variable assignment (spec.md §4.1 command table).
func classifySetStmt(n *ast.SetStmt) Result {
	names := make([]string, 0, len(n.Variables))
	for _, v := range n.Variables {
		names = append(names, v.Name)
	}
	for _, name := range names {
		switch strings.ToLower(name) {
		case "role":
			return Result{Kind: OpSetRole, Params: names}
		case "sql_mode":
			return Result{Kind: OpSetSQLMode, Params: names}
		}
	}
	return Result{Kind: OpSet, Params: names}
}

func dbOfTableRefs(t *ast.TableName) string {
	if t == nil {
		return ""
	}
	return t.Schema.String()
}

// dbOfTableRefsClause unwraps the join tree held by a TableRefsClause, the
// wrapper SelectStmt.From / InsertStmt.Table / UpdateStmt.TableRefs /
// DeleteStmt.TableRefs all use to carry their FROM-clause join tree.
func dbOfTableRefsClause(t *ast.TableRefsClause) string {
	if t == nil {
		return ""
	}
	return dbOfResultSet(t.TableRefs)
}

// dbOfResultSet walks a join tree / table ref clause for the first named
// table's schema, matching the teacher's "only the first table matters
// for routing" simplification in convertJoinTree.
func dbOfResultSet(node ast.ResultSetNode) string {
	switch n := node.(type) {
	case nil:
		return ""
	case *ast.Join:
		if db := dbOfResultSet(n.Left); db != "" {
			return db
		}
		return dbOfResultSet(n.Right)
	case *ast.TableSource:
		return dbOfResultSet(n.Source)
	case *ast.TableName:
		return n.Schema.String()
	default:
		return ""
	}
}
