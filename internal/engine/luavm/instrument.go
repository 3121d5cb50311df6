package luavm

import (
	"fmt"
	"io"
	"strconv"

	"github.com/yuin/gopher-lua/ast"
	"github.com/yuin/gopher-lua/parse"
)

// Globals the instrumented chunk calls into.
const (
	hookCall   = "__autodbg_call"
	hookLine   = "__autodbg_line"
	hookReturn = "__autodbg_return"
)

// mainChunk is the function id of the script's top level.
const mainChunk = 0

// funcInfo describes one function of the script.
type funcInfo struct {
	id     int
	name   string // qualified name, "" for the main chunk
	short  string // last segment of name
	params []string
	line   int
}

// program is a parsed script with hook calls compiled into every function.
//
// Each function body starts with __autodbg_call(line, id), each statement is
// preceded by __autodbg_line(line, id), and __autodbg_return(line, id) runs
// before every return statement and at the end of the body. The return hook
// runs before the returned expressions are evaluated.
type program struct {
	source string
	chunk  []ast.Stmt
	funcs  []*funcInfo
	lines  map[int]bool
}

// instrument parses the script read from r and rewrites it.
func instrument(r io.Reader, source string) (*program, error) {
	chunk, err := parse.Parse(r, source)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", source, err)
	}

	p := &program{
		source: source,
		funcs:  []*funcInfo{{id: mainChunk}},
		lines:  make(map[int]bool),
	}
	p.chunk = p.block(chunk, mainChunk)
	return p, nil
}

// functionsNamed returns the functions whose qualified or short name is name.
func (p *program) functionsNamed(name string) []*funcInfo {
	var out []*funcInfo
	for _, fi := range p.funcs[1:] {
		if fi.name == name || fi.short == name {
			out = append(out, fi)
		}
	}
	return out
}

func (p *program) info(id int) *funcInfo {
	if id < 0 || id >= len(p.funcs) {
		return p.funcs[mainChunk]
	}
	return p.funcs[id]
}

func (p *program) block(stmts []ast.Stmt, fid int) []ast.Stmt {
	if len(stmts) == 0 {
		return stmts
	}

	out := make([]ast.Stmt, 0, 2*len(stmts)+1)
	for _, s := range stmts {
		p.stmt(s, fid)

		line := s.Line()
		if _, ok := s.(*ast.LabelStmt); !ok {
			p.lines[line] = true
			out = append(out, hookStmt(hookLine, line, line, fid))
		}
		if _, ok := s.(*ast.ReturnStmt); ok {
			out = append(out, hookStmt(hookReturn, line, line, fid))
		}
		out = append(out, s)
	}
	return out
}

func (p *program) stmt(s ast.Stmt, fid int) {
	switch st := s.(type) {
	case *ast.AssignStmt:
		for i, rhs := range st.Rhs {
			name := ""
			if i < len(st.Lhs) {
				name = exprName(st.Lhs[i])
			}
			p.expr(rhs, name, fid)
		}
		for _, lhs := range st.Lhs {
			p.expr(lhs, "", fid)
		}
	case *ast.LocalAssignStmt:
		for i, e := range st.Exprs {
			name := ""
			if i < len(st.Names) {
				name = st.Names[i]
			}
			p.expr(e, name, fid)
		}
	case *ast.FuncCallStmt:
		p.expr(st.Expr, "", fid)
	case *ast.DoBlockStmt:
		st.Stmts = p.block(st.Stmts, fid)
	case *ast.WhileStmt:
		p.expr(st.Condition, "", fid)
		st.Stmts = p.block(st.Stmts, fid)
	case *ast.RepeatStmt:
		st.Stmts = p.block(st.Stmts, fid)
		p.expr(st.Condition, "", fid)
	case *ast.IfStmt:
		p.expr(st.Condition, "", fid)
		st.Then = p.block(st.Then, fid)
		st.Else = p.block(st.Else, fid)
	case *ast.NumberForStmt:
		p.expr(st.Init, "", fid)
		p.expr(st.Limit, "", fid)
		p.expr(st.Step, "", fid)
		st.Stmts = p.block(st.Stmts, fid)
	case *ast.GenericForStmt:
		for _, e := range st.Exprs {
			p.expr(e, "", fid)
		}
		st.Stmts = p.block(st.Stmts, fid)
	case *ast.FuncDefStmt:
		name := exprName(st.Name.Func)
		var params []string
		if st.Name.Func == nil {
			name = exprName(st.Name.Receiver) + "." + st.Name.Method
			params = []string{"self"}
		}
		p.function(st.Func, name, params)
	case *ast.ReturnStmt:
		for _, e := range st.Exprs {
			p.expr(e, "", fid)
		}
	}
}

// expr instruments the function expressions found in e. name is used for a
// function expression assigned directly to a named target.
func (p *program) expr(e ast.Expr, name string, fid int) {
	switch ex := e.(type) {
	case nil:
	case *ast.FunctionExpr:
		p.function(ex, name, nil)
	case *ast.AttrGetExpr:
		p.expr(ex.Object, "", fid)
		p.expr(ex.Key, "", fid)
	case *ast.TableExpr:
		for _, f := range ex.Fields {
			fieldName := ""
			if key, ok := f.Key.(*ast.StringExpr); ok && name != "" {
				fieldName = name + "." + key.Value
			}
			p.expr(f.Key, "", fid)
			p.expr(f.Value, fieldName, fid)
		}
	case *ast.FuncCallExpr:
		p.expr(ex.Func, "", fid)
		p.expr(ex.Receiver, "", fid)
		for _, a := range ex.Args {
			p.expr(a, "", fid)
		}
	case *ast.LogicalOpExpr:
		p.expr(ex.Lhs, "", fid)
		p.expr(ex.Rhs, "", fid)
	case *ast.RelationalOpExpr:
		p.expr(ex.Lhs, "", fid)
		p.expr(ex.Rhs, "", fid)
	case *ast.StringConcatOpExpr:
		p.expr(ex.Lhs, "", fid)
		p.expr(ex.Rhs, "", fid)
	case *ast.ArithmeticOpExpr:
		p.expr(ex.Lhs, "", fid)
		p.expr(ex.Rhs, "", fid)
	case *ast.UnaryMinusOpExpr:
		p.expr(ex.Expr, "", fid)
	case *ast.UnaryNotOpExpr:
		p.expr(ex.Expr, "", fid)
	case *ast.UnaryLenOpExpr:
		p.expr(ex.Expr, "", fid)
	}
}

func (p *program) function(fe *ast.FunctionExpr, name string, params []string) {
	id := len(p.funcs)
	line := fe.Line()
	if name == "" {
		name = "<anonymous:" + strconv.Itoa(line) + ">"
	}
	if fe.ParList != nil {
		params = append(params, fe.ParList.Names...)
	}
	p.funcs = append(p.funcs, &funcInfo{
		id:     id,
		name:   name,
		short:  shortName(name),
		params: params,
		line:   line,
	})

	body := p.block(fe.Stmts, id)

	stmts := make([]ast.Stmt, 0, len(body)+2)
	stmts = append(stmts, hookStmt(hookCall, line, line, id))
	stmts = append(stmts, body...)
	if n := len(fe.Stmts); n == 0 || !isReturn(fe.Stmts[n-1]) {
		last := fe.LastLine()
		if last < line {
			last = line
		}
		stmts = append(stmts, hookStmt(hookReturn, last, last, id))
	}
	fe.Stmts = stmts
}

func isReturn(s ast.Stmt) bool {
	_, ok := s.(*ast.ReturnStmt)
	return ok
}

// hookStmt builds the statement `hook(args...)` attributed to line.
func hookStmt(hook string, line int, args ...int) ast.Stmt {
	fn := &ast.IdentExpr{Value: hook}
	fn.SetLine(line)

	exprs := make([]ast.Expr, len(args))
	for i, a := range args {
		n := &ast.NumberExpr{Value: strconv.Itoa(a)}
		n.SetLine(line)
		exprs[i] = n
	}

	call := &ast.FuncCallExpr{Func: fn, Args: exprs}
	call.SetLine(line)
	call.SetLastLine(line)

	st := &ast.FuncCallStmt{Expr: call}
	st.SetLine(line)
	st.SetLastLine(line)
	return st
}

// exprName renders an assignment target such as `a`, `a.b` or `a.b.c`.
func exprName(e ast.Expr) string {
	switch ex := e.(type) {
	case *ast.IdentExpr:
		return ex.Value
	case *ast.AttrGetExpr:
		key, ok := ex.Key.(*ast.StringExpr)
		if !ok {
			return ""
		}
		obj := exprName(ex.Object)
		if obj == "" {
			return ""
		}
		return obj + "." + key.Value
	default:
		return ""
	}
}

func shortName(name string) string {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			return name[i+1:]
		}
	}
	return name
}
