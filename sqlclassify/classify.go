// Package sqlclassify classifies the statement text carried by a Query
// event, answering the two questions the Group and Coordinator machinery
// need: is this DDL (and therefore a single-event Group per spec.md §3),
// and does it touch more than one database (forcing the Coordinator's
// database-key partitioning into group_isolated mode per spec.md §4.6)?
//
// Grounded on sql/export/mysql/parser.go's use of the pingcap/tidb parser
// (parser.New().ParseOneStmt(query, charset, collation) then a type switch
// on ast.StmtNode), adapted from schema/template parsing to DDL detection.
package sqlclassify

import (
	"sync"

	"github.com/pingcap/tidb/parser"
	"github.com/pingcap/tidb/parser/ast"
)

// parser.Parser is not safe for concurrent use; the Coordinator and
// DependencyCoordinator may classify statements from different goroutines, so each
// caller gets its own via the pool (mirroring export/mysql.Parser's "note
// they aren't thread safe" warning on its embedded *parser.Parser field).
var parserPool = sync.Pool{New: func() any { return parser.New() }}

// Result is the classification of one statement.
type Result struct {
	// IsDDL is true for CREATE/ALTER/DROP/TRUNCATE/RENAME and similar
	// schema-mutating statements, which form single-event Groups.
	IsDDL bool
	// Databases lists every database name referenced by the statement
	// (for DML, the tables' schemas; for DDL, the target schema).
	Databases []string
}

// Classify parses stmt (as issued against defaultSchema) and returns its
// classification. A parse error is not fatal to the core: callers should
// treat an error as "unknown, treat conservatively as DDL-like and
// isolated" per the Applier/Coordinator's fail-safe posture on unparseable
// statements (spec.md never requires full SQL semantics from the core).
func Classify(stmt string, defaultSchema string) (Result, error) {
	p := parserPool.Get().(*parser.Parser)
	defer parserPool.Put(p)

	node, err := p.ParseOneStmt(stmt, ``, ``)
	if err != nil {
		return Result{IsDDL: true, Databases: []string{defaultSchema}}, err
	}

	dbs := make(map[string]struct{})
	if defaultSchema != `` {
		dbs[defaultSchema] = struct{}{}
	}

	isDDL := false
	switch n := node.(type) {
	case *ast.CreateTableStmt:
		isDDL = true
		addTableSchema(dbs, n.Table, defaultSchema)
	case *ast.DropTableStmt:
		isDDL = true
		for _, t := range n.Tables {
			addTableSchema(dbs, t, defaultSchema)
		}
	case *ast.AlterTableStmt:
		isDDL = true
		addTableSchema(dbs, n.Table, defaultSchema)
	case *ast.TruncateTableStmt:
		isDDL = true
		addTableSchema(dbs, n.Table, defaultSchema)
	case *ast.RenameTableStmt:
		isDDL = true
		for _, t := range n.TableToTables {
			addTableSchema(dbs, t.OldTable, defaultSchema)
			addTableSchema(dbs, t.NewTable, defaultSchema)
		}
	case *ast.CreateIndexStmt:
		isDDL = true
		addTableSchema(dbs, n.Table, defaultSchema)
	case *ast.DropIndexStmt:
		isDDL = true
		addTableSchema(dbs, n.Table, defaultSchema)
	case *ast.CreateDatabaseStmt:
		isDDL = true
		dbs[n.Name.O] = struct{}{}
	case *ast.DropDatabaseStmt:
		isDDL = true
		dbs[n.Name.O] = struct{}{}
	case *ast.InsertStmt:
		collectTableSources(dbs, n.Table, defaultSchema)
	case *ast.UpdateStmt:
		collectTableSources(dbs, n.TableRefs, defaultSchema)
	case *ast.DeleteStmt:
		collectTableSources(dbs, n.TableRefs, defaultSchema)
	}

	out := make([]string, 0, len(dbs))
	for db := range dbs {
		out = append(out, db)
	}
	return Result{IsDDL: isDDL, Databases: out}, nil
}

func addTableSchema(dbs map[string]struct{}, t *ast.TableName, defaultSchema string) {
	if t == nil {
		return
	}
	if t.Schema.O != `` {
		dbs[t.Schema.O] = struct{}{}
	} else if defaultSchema != `` {
		dbs[defaultSchema] = struct{}{}
	}
}

func collectTableSources(dbs map[string]struct{}, refs any, defaultSchema string) {
	switch r := refs.(type) {
	case *ast.TableRefsClause:
		if r != nil {
			collectTableSources(dbs, r.TableRefs, defaultSchema)
		}
	case *ast.Join:
		if r == nil {
			return
		}
		collectTableSources(dbs, r.Left, defaultSchema)
		collectTableSources(dbs, r.Right, defaultSchema)
	case *ast.TableSource:
		if r == nil {
			return
		}
		collectTableSources(dbs, r.Source, defaultSchema)
	case *ast.TableName:
		addTableSchema(dbs, r, defaultSchema)
	}
}
