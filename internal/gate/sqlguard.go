package gate

import (
	"fmt"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/kiwiql/kiwi/internal/federation"
)

// blockedFunctions are engine functions that read the filesystem, leak
// secrets or metadata, or otherwise escape the view layer.
var blockedFunctions = map[string]bool{
	"read_csv":             true,
	"read_csv_auto":        true,
	"read_parquet":         true,
	"read_json":            true,
	"read_json_auto":       true,
	"read_text":            true,
	"read_blob":            true,
	"glob":                 true,
	"sqlite_scan":          true,
	"postgres_scan":        true,
	"mysql_scan":           true,
	"query_table":          true,
	"duckdb_extensions":    true,
	"duckdb_settings":      true,
	"duckdb_databases":     true,
	"duckdb_secrets":       true,
	"pragma_database_list": true,
}

// parseSelect parses sql and returns the single SELECT statement it must
// contain. Anything else, including multi-statement input and blocked
// function calls, comes back as ErrUnsafeStatement.
func parseSelect(sql string) (*pg_query.ParseResult, *pg_query.SelectStmt, error) {
	result, err := pg_query.Parse(sql)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", federation.ErrUnsafeStatement, err)
	}
	if len(result.Stmts) != 1 {
		return nil, nil, fmt.Errorf("%w: expected a single statement, got %d", federation.ErrUnsafeStatement, len(result.Stmts))
	}

	stmt, ok := result.Stmts[0].Stmt.Node.(*pg_query.Node_SelectStmt)
	if !ok {
		return nil, nil, fmt.Errorf("%w: only SELECT statements are allowed", federation.ErrUnsafeStatement)
	}
	if name, found := findBlockedFunction(result.Stmts[0].Stmt); found {
		return nil, nil, fmt.Errorf("%w: prohibited function %q", federation.ErrUnsafeStatement, name)
	}
	return result, stmt.SelectStmt, nil
}

func findBlockedFunction(node *pg_query.Node) (string, bool) {
	if node == nil {
		return "", false
	}

	switch n := node.Node.(type) {
	case *pg_query.Node_SelectStmt:
		return findBlockedInSelect(n.SelectStmt)
	case *pg_query.Node_FuncCall:
		if len(n.FuncCall.Funcname) > 0 {
			if s, ok := n.FuncCall.Funcname[len(n.FuncCall.Funcname)-1].Node.(*pg_query.Node_String_); ok {
				name := strings.ToLower(s.String_.Sval)
				if blockedFunctions[name] {
					return name, true
				}
			}
		}
		for _, arg := range n.FuncCall.Args {
			if name, found := findBlockedFunction(arg); found {
				return name, true
			}
		}
	case *pg_query.Node_ResTarget:
		return findBlockedFunction(n.ResTarget.Val)
	case *pg_query.Node_AExpr:
		if name, found := findBlockedFunction(n.AExpr.Lexpr); found {
			return name, true
		}
		return findBlockedFunction(n.AExpr.Rexpr)
	case *pg_query.Node_BoolExpr:
		for _, arg := range n.BoolExpr.Args {
			if name, found := findBlockedFunction(arg); found {
				return name, true
			}
		}
	case *pg_query.Node_SubLink:
		return findBlockedFunction(n.SubLink.Subselect)
	case *pg_query.Node_TypeCast:
		return findBlockedFunction(n.TypeCast.Arg)
	case *pg_query.Node_CaseExpr:
		if name, found := findBlockedFunction(n.CaseExpr.Arg); found {
			return name, true
		}
		for _, when := range n.CaseExpr.Args {
			if name, found := findBlockedFunction(when); found {
				return name, true
			}
		}
		return findBlockedFunction(n.CaseExpr.Defresult)
	case *pg_query.Node_CaseWhen:
		if name, found := findBlockedFunction(n.CaseWhen.Expr); found {
			return name, true
		}
		return findBlockedFunction(n.CaseWhen.Result)
	case *pg_query.Node_CoalesceExpr:
		for _, arg := range n.CoalesceExpr.Args {
			if name, found := findBlockedFunction(arg); found {
				return name, true
			}
		}
	case *pg_query.Node_NullTest:
		return findBlockedFunction(n.NullTest.Arg)
	case *pg_query.Node_SortBy:
		return findBlockedFunction(n.SortBy.Node)
	case *pg_query.Node_RangeSubselect:
		return findBlockedFunction(n.RangeSubselect.Subquery)
	case *pg_query.Node_RangeFunction:
		for _, fn := range n.RangeFunction.Functions {
			if name, found := findBlockedFunction(fn); found {
				return name, true
			}
			if list, ok := fn.Node.(*pg_query.Node_List); ok {
				for _, item := range list.List.Items {
					if name, found := findBlockedFunction(item); found {
						return name, true
					}
				}
			}
		}
	case *pg_query.Node_JoinExpr:
		if name, found := findBlockedFunction(n.JoinExpr.Larg); found {
			return name, true
		}
		if name, found := findBlockedFunction(n.JoinExpr.Rarg); found {
			return name, true
		}
		return findBlockedFunction(n.JoinExpr.Quals)
	}
	return "", false
}

func findBlockedInSelect(sel *pg_query.SelectStmt) (string, bool) {
	if sel == nil {
		return "", false
	}
	if name, found := findBlockedInSelect(sel.Larg); found {
		return name, true
	}
	if name, found := findBlockedInSelect(sel.Rarg); found {
		return name, true
	}
	if sel.WithClause != nil {
		for _, cte := range sel.WithClause.Ctes {
			if c, ok := cte.Node.(*pg_query.Node_CommonTableExpr); ok {
				if name, found := findBlockedFunction(c.CommonTableExpr.Ctequery); found {
					return name, true
				}
			}
		}
	}
	for _, target := range sel.TargetList {
		if name, found := findBlockedFunction(target); found {
			return name, true
		}
	}
	for _, from := range sel.FromClause {
		if name, found := findBlockedFunction(from); found {
			return name, true
		}
	}
	for _, group := range sel.GroupClause {
		if name, found := findBlockedFunction(group); found {
			return name, true
		}
	}
	for _, sort := range sel.SortClause {
		if name, found := findBlockedFunction(sort); found {
			return name, true
		}
	}
	if name, found := findBlockedFunction(sel.WhereClause); found {
		return name, true
	}
	if name, found := findBlockedFunction(sel.HavingClause); found {
		return name, true
	}
	if name, found := findBlockedFunction(sel.LimitCount); found {
		return name, true
	}
	return "", false
}

// tableRef is one table reference found in a FROM clause. Qualifier is
// the source alias for alias-qualified references ("db1.orders") and
// empty for bare view references ("orders"). shadowedByCTE marks bare
// names that a WITH clause in scope declares, so they never resolve to
// a mapped view of the same name.
type tableRef struct {
	Qualifier     string
	Name          string
	shadowedByCTE bool
	rangeVar      *pg_query.RangeVar
	parent        *pg_query.Node
}

// collectTableRefs walks the statement and returns every RangeVar, with
// the enclosing node so masking can swap the reference in place.
func collectTableRefs(sel *pg_query.SelectStmt) []*tableRef {
	var refs []*tableRef
	collectRefsFromSelect(sel, nil, &refs)
	return refs
}

func collectRefsFromSelect(sel *pg_query.SelectStmt, scope map[string]struct{}, refs *[]*tableRef) {
	if sel == nil {
		return
	}
	if sel.WithClause != nil {
		// CTE names shadow mapped views for the rest of this select,
		// including set-operation branches. Scoping is per select, so
		// a CTE declared inside a subquery never leaks out.
		child := make(map[string]struct{}, len(scope)+len(sel.WithClause.Ctes))
		for name := range scope {
			child[name] = struct{}{}
		}
		for _, cte := range sel.WithClause.Ctes {
			if c, ok := cte.Node.(*pg_query.Node_CommonTableExpr); ok {
				child[c.CommonTableExpr.Ctename] = struct{}{}
			}
		}
		scope = child
		for _, cte := range sel.WithClause.Ctes {
			if c, ok := cte.Node.(*pg_query.Node_CommonTableExpr); ok {
				collectRefsFromNode(c.CommonTableExpr.Ctequery, scope, refs)
			}
		}
	}
	collectRefsFromSelect(sel.Larg, scope, refs)
	collectRefsFromSelect(sel.Rarg, scope, refs)
	for _, from := range sel.FromClause {
		collectRefsFromFromNode(from, scope, refs)
	}
	collectRefsFromExpr(sel.WhereClause, scope, refs)
	collectRefsFromExpr(sel.HavingClause, scope, refs)
	for _, target := range sel.TargetList {
		collectRefsFromExpr(target, scope, refs)
	}
}

func collectRefsFromNode(node *pg_query.Node, scope map[string]struct{}, refs *[]*tableRef) {
	if node == nil {
		return
	}
	if n, ok := node.Node.(*pg_query.Node_SelectStmt); ok {
		collectRefsFromSelect(n.SelectStmt, scope, refs)
	}
}

func collectRefsFromFromNode(node *pg_query.Node, scope map[string]struct{}, refs *[]*tableRef) {
	if node == nil {
		return
	}
	switch n := node.Node.(type) {
	case *pg_query.Node_RangeVar:
		_, shadowed := scope[n.RangeVar.Relname]
		*refs = append(*refs, &tableRef{
			Qualifier:     n.RangeVar.Schemaname,
			Name:          n.RangeVar.Relname,
			shadowedByCTE: n.RangeVar.Schemaname == "" && shadowed,
			rangeVar:      n.RangeVar,
			parent:        node,
		})
	case *pg_query.Node_JoinExpr:
		collectRefsFromFromNode(n.JoinExpr.Larg, scope, refs)
		collectRefsFromFromNode(n.JoinExpr.Rarg, scope, refs)
	case *pg_query.Node_RangeSubselect:
		collectRefsFromNode(n.RangeSubselect.Subquery, scope, refs)
	}
}

func collectRefsFromExpr(node *pg_query.Node, scope map[string]struct{}, refs *[]*tableRef) {
	if node == nil {
		return
	}
	switch n := node.Node.(type) {
	case *pg_query.Node_SubLink:
		collectRefsFromNode(n.SubLink.Subselect, scope, refs)
	case *pg_query.Node_BoolExpr:
		for _, arg := range n.BoolExpr.Args {
			collectRefsFromExpr(arg, scope, refs)
		}
	case *pg_query.Node_AExpr:
		collectRefsFromExpr(n.AExpr.Lexpr, scope, refs)
		collectRefsFromExpr(n.AExpr.Rexpr, scope, refs)
	case *pg_query.Node_ResTarget:
		collectRefsFromExpr(n.ResTarget.Val, scope, refs)
	}
}
