// Package expr parses and evaluates boolean and arithmetic expressions over
// named variables. It is used for site filters (over AC, AN and friends) and
// for selecting rows of metadata tables.
//
// Expressions are parsed using the Go parser, so the operator precedence
// rules follow Go's. ".and." and ".or." (in either case) are accepted as
// aliases of "&&" and "||".
//
//   expr = intliteral | floatliteral | stringliteral |
//          re(expr, stringliteral) |  // Partial regex match.
//          expr op expr |             // op is one of + - * / % == != < <= > >= && ||
//          !expr | -expr | (expr) |
//          symbol
//
// A symbol is resolved at evaluation time through an Env. A symbol that the
// Env does not define is unset: it is false in a boolean context, and any
// comparison or arithmetic involving it is false or unset, respectively.
// Division always produces a float.
package expr

import (
	"bytes"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Type is the type of a Value.
type Type int

const (
	// Unset is the type of an undefined symbol.
	Unset Type = iota
	Int
	Float
	String
	Bool
)

func (t Type) String() string {
	switch t {
	case Unset:
		return "unset"
	case Int:
		return "int"
	case Float:
		return "float"
	case String:
		return "string"
	case Bool:
		return "bool"
	}
	return fmt.Sprintf("type%d", int(t))
}

// Value is the result of evaluating an expression.
type Value struct {
	Type  Type
	Int   int64
	Float float64
	Str   string
	Bool  bool
}

// IntValue creates an Int value.
func IntValue(v int64) Value { return Value{Type: Int, Int: v} }

// FloatValue creates a Float value.
func FloatValue(v float64) Value { return Value{Type: Float, Float: v} }

// StringValue creates a String value.
func StringValue(v string) Value { return Value{Type: String, Str: v} }

// BoolValue creates a Bool value.
func BoolValue(v bool) Value { return Value{Type: Bool, Bool: v} }

func (v Value) isNum() bool { return v.Type == Int || v.Type == Float }

func (v Value) float() float64 {
	if v.Type == Int {
		return float64(v.Int)
	}
	return v.Float
}

// Truth returns the boolean interpretation of v. Numbers are true iff
// nonzero, strings iff nonempty.
func (v Value) Truth() bool {
	switch v.Type {
	case Bool:
		return v.Bool
	case Int:
		return v.Int != 0
	case Float:
		return v.Float != 0
	case String:
		return v.Str != ""
	}
	return false
}

func (v Value) String() string {
	switch v.Type {
	case Int:
		return strconv.FormatInt(v.Int, 10)
	case Float:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case String:
		return strconv.Quote(v.Str)
	case Bool:
		return strconv.FormatBool(v.Bool)
	}
	return "unset"
}

// Env resolves symbols during evaluation.
type Env interface {
	Lookup(name string) (Value, bool)
}

// MapEnv is an Env backed by a map.
type MapEnv map[string]Value

// Lookup implements Env.
func (m MapEnv) Lookup(name string) (Value, bool) {
	v, ok := m[name]
	return v, ok
}

type nodeType int

const (
	nodeInvalid nodeType = iota
	nodeConst
	nodeSymbol
	nodeNOT
	nodeNeg
	nodeLAND
	nodeLOR
	nodeEQL
	nodeNEQ
	nodeGEQ
	nodeLEQ
	nodeLSS
	nodeGTR
	nodeADD
	nodeSUB
	nodeMUL
	nodeQUO
	nodeREM
	nodeRegex
)

type node struct {
	ntype  nodeType
	x, y   *node
	value  Value          // set if ntype==nodeConst
	name   string         // set if ntype==nodeSymbol
	regexp *regexp.Regexp // set if ntype==nodeRegex
}

// Expr is a parsed expression. It is immutable and thread safe.
type Expr struct {
	src  string
	root *node
	vars []string
}

var aliases = strings.NewReplacer(".and.", "&&", ".or.", "||", ".AND.", "&&", ".OR.", "||")

// Parse parses an expression.
func Parse(src string) (*Expr, error) {
	tree, err := parser.ParseExpr(aliases.Replace(src))
	if err != nil {
		return nil, errors.Wrapf(err, "parse %q", src)
	}
	p := exprParser{vars: map[string]bool{}}
	root := p.parse(tree)
	if p.err != nil {
		return nil, errors.Wrapf(p.err, "parse %q", src)
	}
	e := &Expr{src: src, root: root}
	for v := range p.vars {
		e.vars = append(e.vars, v)
	}
	sort.Strings(e.vars)
	return e, nil
}

// String returns the source text.
func (e *Expr) String() string { return e.src }

// Vars returns the sorted list of symbols the expression refers to.
func (e *Expr) Vars() []string { return e.vars }

// Eval evaluates the expression.
func (e *Expr) Eval(env Env) (Value, error) {
	return e.root.eval(env)
}

// EvalBool evaluates the expression and converts the result using
// Value.Truth.
func (e *Expr) EvalBool(env Env) (bool, error) {
	v, err := e.root.eval(env)
	if err != nil {
		return false, err
	}
	return v.Truth(), nil
}

// Equality returns (name, value, true) if the expression is of the form
// `name == "value"` or `"value" == name`. Callers use it to answer the query
// from an index.
func (e *Expr) Equality() (string, string, bool) {
	n := e.root
	if n.ntype != nodeEQL {
		return "", "", false
	}
	x, y := n.x, n.y
	if x.ntype == nodeConst {
		x, y = y, x
	}
	if x.ntype != nodeSymbol || y.ntype != nodeConst || y.value.Type != String {
		return "", "", false
	}
	return x.name, y.value.Str, true
}

func typeError(op string, x, y Value) error {
	return errors.Errorf("invalid operands for %s: %v (%v), %v (%v)", op, x, x.Type, y, y.Type)
}

func (n *node) eval(env Env) (Value, error) {
	switch n.ntype {
	case nodeConst:
		return n.value, nil
	case nodeSymbol:
		if v, ok := env.Lookup(n.name); ok {
			return v, nil
		}
		return Value{}, nil
	case nodeRegex:
		x, err := n.x.eval(env)
		if err != nil {
			return x, err
		}
		switch x.Type {
		case Unset:
			return BoolValue(false), nil
		case String:
			return BoolValue(n.regexp.MatchString(x.Str)), nil
		}
		return Value{}, errors.Errorf("re() applied to %v (%v)", x, x.Type)
	case nodeNOT:
		x, err := n.x.eval(env)
		if err != nil {
			return x, err
		}
		return BoolValue(!x.Truth()), nil
	case nodeNeg:
		x, err := n.x.eval(env)
		if err != nil {
			return x, err
		}
		switch x.Type {
		case Int:
			return IntValue(-x.Int), nil
		case Float:
			return FloatValue(-x.Float), nil
		case Unset:
			return x, nil
		}
		return Value{}, errors.Errorf("invalid operand for -: %v (%v)", x, x.Type)
	case nodeLAND, nodeLOR:
		x, err := n.x.eval(env)
		if err != nil {
			return x, err
		}
		if n.ntype == nodeLAND && !x.Truth() {
			return BoolValue(false), nil
		}
		if n.ntype == nodeLOR && x.Truth() {
			return BoolValue(true), nil
		}
		y, err := n.y.eval(env)
		if err != nil {
			return y, err
		}
		return BoolValue(y.Truth()), nil
	}
	x, err := n.x.eval(env)
	if err != nil {
		return x, err
	}
	y, err := n.y.eval(env)
	if err != nil {
		return y, err
	}
	switch n.ntype {
	case nodeEQL, nodeNEQ, nodeGEQ, nodeLEQ, nodeLSS, nodeGTR:
		return compare(n.ntype, x, y)
	case nodeADD, nodeSUB, nodeMUL, nodeQUO, nodeREM:
		return arith(n.ntype, x, y)
	}
	return Value{}, errors.Errorf("unknown node type %d", n.ntype)
}

func compare(op nodeType, x, y Value) (Value, error) {
	if x.Type == Unset || y.Type == Unset {
		return BoolValue(false), nil
	}
	var c int
	switch {
	case x.isNum() && y.isNum():
		if x.Type == Int && y.Type == Int {
			c = cmpInt(x.Int, y.Int)
		} else {
			c = cmpFloat(x.float(), y.float())
		}
	case x.Type == String && y.Type == String:
		c = strings.Compare(x.Str, y.Str)
	case x.Type == Bool && y.Type == Bool && (op == nodeEQL || op == nodeNEQ):
		if x.Bool != y.Bool {
			c = 1
		}
	default:
		return Value{}, typeError("comparison", x, y)
	}
	switch op {
	case nodeEQL:
		return BoolValue(c == 0), nil
	case nodeNEQ:
		return BoolValue(c != 0), nil
	case nodeGEQ:
		return BoolValue(c >= 0), nil
	case nodeLEQ:
		return BoolValue(c <= 0), nil
	case nodeLSS:
		return BoolValue(c < 0), nil
	}
	return BoolValue(c > 0), nil
}

func cmpInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func arith(op nodeType, x, y Value) (Value, error) {
	if x.Type == Unset || y.Type == Unset {
		return Value{}, nil
	}
	if x.Type == String && y.Type == String && op == nodeADD {
		return StringValue(x.Str + y.Str), nil
	}
	if !x.isNum() || !y.isNum() {
		return Value{}, typeError("arithmetic", x, y)
	}
	if op == nodeQUO {
		return FloatValue(x.float() / y.float()), nil
	}
	if x.Type == Int && y.Type == Int {
		switch op {
		case nodeADD:
			return IntValue(x.Int + y.Int), nil
		case nodeSUB:
			return IntValue(x.Int - y.Int), nil
		case nodeMUL:
			return IntValue(x.Int * y.Int), nil
		}
		if y.Int == 0 {
			return Value{}, errors.New("integer modulo by zero")
		}
		return IntValue(x.Int % y.Int), nil
	}
	a, b := x.float(), y.float()
	switch op {
	case nodeADD:
		return FloatValue(a + b), nil
	case nodeSUB:
		return FloatValue(a - b), nil
	case nodeMUL:
		return FloatValue(a * b), nil
	}
	return FloatValue(math.Mod(a, b)), nil
}

type exprParser struct {
	err  error
	vars map[string]bool
}

func (p *exprParser) setError(err error) {
	if err != nil && p.err == nil {
		p.err = err
	}
}

var binaryOps = map[token.Token]nodeType{
	token.LAND: nodeLAND,
	token.LOR:  nodeLOR,
	token.EQL:  nodeEQL,
	token.NEQ:  nodeNEQ,
	token.GEQ:  nodeGEQ,
	token.LEQ:  nodeLEQ,
	token.LSS:  nodeLSS,
	token.GTR:  nodeGTR,
	token.ADD:  nodeADD,
	token.SUB:  nodeSUB,
	token.MUL:  nodeMUL,
	token.QUO:  nodeQUO,
	token.REM:  nodeREM,
}

func (p *exprParser) parse(n ast.Expr) *node {
	switch e := n.(type) {
	case *ast.ParenExpr:
		return p.parse(e.X)
	case *ast.CallExpr:
		fun, ok := e.Fun.(*ast.Ident)
		if !ok || fun.Name != "re" {
			p.setError(fmt.Errorf("unknown function %v", astDebugString(e.Fun)))
			return nil
		}
		if len(e.Args) != 2 {
			p.setError(fmt.Errorf("expect two args for re(), but found %v", astDebugString(n)))
			return nil
		}
		x, y := p.parse(e.Args[0]), p.parse(e.Args[1])
		if p.err != nil {
			return nil
		}
		if y.ntype != nodeConst || y.value.Type != String {
			p.setError(fmt.Errorf("the second arg of re() must be a string literal: %v", astDebugString(n)))
			return nil
		}
		re, err := regexp.Compile(y.value.Str)
		if err != nil {
			p.setError(err)
			return nil
		}
		return &node{ntype: nodeRegex, x: x, regexp: re}
	case *ast.UnaryExpr:
		x := p.parse(e.X)
		if p.err != nil {
			return nil
		}
		switch e.Op {
		case token.NOT:
			return &node{ntype: nodeNOT, x: x}
		case token.SUB:
			return &node{ntype: nodeNeg, x: x}
		case token.ADD:
			return x
		}
		p.setError(fmt.Errorf("unknown unary op: %v", astDebugString(n)))
		return nil
	case *ast.BinaryExpr:
		x, y := p.parse(e.X), p.parse(e.Y)
		if p.err != nil {
			return nil
		}
		ntype, ok := binaryOps[e.Op]
		if !ok {
			p.setError(fmt.Errorf("unknown binary op: %v", e.Op))
			return nil
		}
		return &node{ntype: ntype, x: x, y: y}
	case *ast.BasicLit:
		switch e.Kind {
		case token.STRING, token.CHAR:
			v, err := strconv.Unquote(e.Value)
			p.setError(err)
			return &node{ntype: nodeConst, value: StringValue(v)}
		case token.INT:
			v, err := strconv.ParseInt(e.Value, 0, 64)
			p.setError(err)
			return &node{ntype: nodeConst, value: IntValue(v)}
		case token.FLOAT:
			v, err := strconv.ParseFloat(e.Value, 64)
			p.setError(err)
			return &node{ntype: nodeConst, value: FloatValue(v)}
		}
	case *ast.Ident:
		switch e.Name {
		case "true":
			return &node{ntype: nodeConst, value: BoolValue(true)}
		case "false":
			return &node{ntype: nodeConst, value: BoolValue(false)}
		}
		p.vars[e.Name] = true
		return &node{ntype: nodeSymbol, name: e.Name}
	}
	p.setError(fmt.Errorf("unknown expr type %v", astDebugString(n)))
	return nil
}

// Pretty-print a golang AST object.
func astDebugString(n interface{}) string {
	out := bytes.Buffer{}
	fset := token.NewFileSet()
	if err := ast.Fprint(&out, fset, n, nil); err != nil {
		return fmt.Sprintf("%v", n)
	}
	return out.String()
}
