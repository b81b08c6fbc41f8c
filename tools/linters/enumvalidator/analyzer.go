// Package enumvalidator reports string literals written into fields typed by
// one of the string enums of the sync model. A typo in a literal compiles
// fine and only shows up as an activity that is rejected at dispatch time.
package enumvalidator

import (
	"go/ast"
	"go/token"
	"go/types"

	"golang.org/x/tools/go/analysis"
	"golang.org/x/tools/go/analysis/passes/inspect"
	"golang.org/x/tools/go/ast/inspector"
)

var Analyzer = &analysis.Analyzer{
	Name:     "enumvalidator",
	Doc:      "checks that enum fields only use defined constants, not string literals",
	Requires: []*analysis.Analyzer{inspect.Analyzer},
	Run:      run,
}

var enumTypes = map[string]bool{
	"ActivityKind":   true,
	"DedupStatus":    true,
	"OutcomeStatus":  true,
	"ChangeKind":     true,
	"DedupStoreKind": true,
	"FailureKind":    true,
}

func run(pass *analysis.Pass) (any, error) {
	insp := pass.ResultOf[inspect.Analyzer].(*inspector.Inspector)

	nodeFilter := []ast.Node{
		(*ast.AssignStmt)(nil),
		(*ast.KeyValueExpr)(nil),
	}
	insp.Preorder(nodeFilter, func(n ast.Node) {
		switch n := n.(type) {
		case *ast.AssignStmt:
			for i, lhs := range n.Lhs {
				if i >= len(n.Rhs) {
					continue
				}
				sel, ok := lhs.(*ast.SelectorExpr)
				if !ok || !isEnum(pass.TypesInfo.TypeOf(sel)) || !isStringLiteral(n.Rhs[i]) {
					continue
				}
				pass.Reportf(n.Pos(),
					"enum field %s assigned string literal; use defined constant instead",
					sel.Sel.Name)
			}
		case *ast.KeyValueExpr:
			key, ok := n.Key.(*ast.Ident)
			if !ok || !isStringLiteral(n.Value) {
				return
			}
			field, ok := pass.TypesInfo.ObjectOf(key).(*types.Var)
			if !ok || !field.IsField() || !isEnum(field.Type()) {
				return
			}
			pass.Reportf(n.Pos(),
				"enum field %s set to string literal; use defined constant instead",
				key.Name)
		}
	})
	return nil, nil
}

func isEnum(t types.Type) bool {
	named, ok := t.(*types.Named)
	return ok && enumTypes[named.Obj().Name()]
}

func isStringLiteral(expr ast.Expr) bool {
	lit, ok := expr.(*ast.BasicLit)
	return ok && lit.Kind == token.STRING
}
