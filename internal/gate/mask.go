package gate

import (
	pg_query "github.com/pganalyze/pg_query_go/v6"
)

// maskTableRef rewrites one table reference into a derived table where
// the masked columns deparse as NULL, keeping the original relation in
// FROM so join cardinality is preserved:
//
//	db1.orders o  →  (SELECT id, NULL AS total FROM db1.orders) AS o
//
// An empty masked set redacts every declared column. The derived table
// keeps the original alias, or the bare relation name when no alias was
// given, so surrounding column references still bind.
func maskTableRef(ref *tableRef, columns, maskedColumns []string) {
	aliasName := ref.Name
	if ref.rangeVar.Alias != nil && ref.rangeVar.Alias.Aliasname != "" {
		aliasName = ref.rangeVar.Alias.Aliasname
	}

	inner := &pg_query.RangeVar{
		Catalogname: ref.rangeVar.Catalogname,
		Schemaname:  ref.rangeVar.Schemaname,
		Relname:     ref.rangeVar.Relname,
		Inh:         ref.rangeVar.Inh,
	}

	masked := make(map[string]struct{}, len(maskedColumns))
	for _, column := range maskedColumns {
		masked[column] = struct{}{}
	}
	maskAll := len(masked) == 0

	targets := make([]*pg_query.Node, 0, len(columns))
	for _, column := range columns {
		var val *pg_query.Node
		if _, redact := masked[column]; redact || maskAll {
			val = makeNullConst()
		} else {
			val = makeColumnRef(column)
		}
		targets = append(targets, &pg_query.Node{
			Node: &pg_query.Node_ResTarget{
				ResTarget: &pg_query.ResTarget{
					Name: column,
					Val:  val,
				},
			},
		})
	}

	subquery := &pg_query.Node{
		Node: &pg_query.Node_SelectStmt{
			SelectStmt: &pg_query.SelectStmt{
				TargetList: targets,
				FromClause: []*pg_query.Node{{
					Node: &pg_query.Node_RangeVar{RangeVar: inner},
				}},
			},
		},
	}

	ref.parent.Node = &pg_query.Node_RangeSubselect{
		RangeSubselect: &pg_query.RangeSubselect{
			Subquery: subquery,
			Alias:    &pg_query.Alias{Aliasname: aliasName},
		},
	}
}

func makeColumnRef(column string) *pg_query.Node {
	return &pg_query.Node{
		Node: &pg_query.Node_ColumnRef{
			ColumnRef: &pg_query.ColumnRef{
				Fields: []*pg_query.Node{{
					Node: &pg_query.Node_String_{
						String_: &pg_query.String{Sval: column},
					},
				}},
			},
		},
	}
}

func makeNullConst() *pg_query.Node {
	return &pg_query.Node{
		Node: &pg_query.Node_AConst{
			AConst: &pg_query.A_Const{Isnull: true},
		},
	}
}
