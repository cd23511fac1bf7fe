// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package wirl

import (
	"fmt"
	"strconv"
)

// ParseError reports a syntax error with its source position and the
// offending token.
type ParseError struct {
	Line    int
	Column  int
	Token   string
	Message string
}

func (e *ParseError) Error() string {
	if e.Token != "" {
		return fmt.Sprintf("parse error at %d:%d: %s (near %q)", e.Line, e.Column, e.Message, e.Token)
	}
	return fmt.Sprintf("parse error at %d:%d: %s", e.Line, e.Column, e.Message)
}

// Parse parses WIRL source into a Workflow AST. The returned error is a
// *ParseError carrying line/column information.
func Parse(src []byte) (*Workflow, error) {
	p := &parser{lx: newLexer(src)}
	wf, err := p.parseWorkflow()
	if err != nil {
		return nil, err
	}
	tok, err := p.next()
	if err != nil {
		return nil, err
	}
	if tok.typ != tokenEOF {
		return nil, p.unexpected(tok, "trailing content after workflow")
	}
	return wf, nil
}

type parser struct {
	lx   *lexer
	peek token
	has  bool
}

func (p *parser) read() error {
	if p.has {
		return nil
	}
	tok, err := p.lx.next()
	if err != nil {
		return err
	}
	p.peek = tok
	p.has = true
	return nil
}

func (p *parser) next() (token, error) {
	if err := p.read(); err != nil {
		return token{}, err
	}
	tok := p.peek
	p.has = false
	return tok, nil
}

func (p *parser) unexpected(tok token, msg string) error {
	lit := tok.lit
	if tok.typ == tokenEOF {
		lit = ""
	}
	return &ParseError{Line: tok.line, Column: tok.col, Token: lit, Message: msg}
}

func (p *parser) expectSymbol(sym string) (token, error) {
	tok, err := p.next()
	if err != nil {
		return token{}, err
	}
	if tok.typ != tokenSymbol || tok.lit != sym {
		return token{}, p.unexpected(tok, fmt.Sprintf("expected %q", sym))
	}
	return tok, nil
}

func (p *parser) expectIdent() (token, error) {
	tok, err := p.next()
	if err != nil {
		return token{}, err
	}
	if tok.typ != tokenIdent {
		return token{}, p.unexpected(tok, "expected identifier")
	}
	return tok, nil
}

func (p *parser) peekIsSymbol(sym string) bool {
	if err := p.read(); err != nil {
		return false
	}
	return p.peek.typ == tokenSymbol && p.peek.lit == sym
}

func (p *parser) peekIsIdent(lit string) bool {
	if err := p.read(); err != nil {
		return false
	}
	return p.peek.typ == tokenIdent && p.peek.lit == lit
}

func (p *parser) parseWorkflow() (*Workflow, error) {
	kw, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	if kw.lit != "workflow" {
		return nil, p.unexpected(kw, `expected "workflow"`)
	}
	name, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	wf := &Workflow{Name: name.lit, Pos: Pos{kw.line, kw.col}}
	if _, err := p.expectSymbol("{"); err != nil {
		return nil, err
	}

	for {
		if p.peekIsSymbol("}") {
			_, _ = p.next()
			return wf, nil
		}
		tok, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		switch tok.lit {
		case "metadata":
			entries, err := p.parseConstBlock()
			if err != nil {
				return nil, err
			}
			wf.Metadata = entries
		case "inputs":
			params, err := p.parseParamBlock()
			if err != nil {
				return nil, err
			}
			wf.Inputs = params
		case "outputs":
			outs, err := p.parseOutputBlock()
			if err != nil {
				return nil, err
			}
			wf.Outputs = outs
		case "node":
			n, err := p.parseNode()
			if err != nil {
				return nil, err
			}
			wf.Nodes = append(wf.Nodes, n)
		case "cycle":
			c, err := p.parseCycle()
			if err != nil {
				return nil, err
			}
			wf.Cycles = append(wf.Cycles, c)
		default:
			return nil, p.unexpected(tok, "expected metadata, inputs, outputs, node or cycle")
		}
	}
}

// parseParamBlock parses `{ (Type? Name ;)* }` for workflow inputs and
// node outputs.
func (p *parser) parseParamBlock() ([]Param, error) {
	if _, err := p.expectSymbol("{"); err != nil {
		return nil, err
	}
	var params []Param
	for {
		if p.peekIsSymbol("}") {
			_, _ = p.next()
			return params, nil
		}
		first, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		typ, name, err := p.finishTypedName(first)
		if err != nil {
			return nil, err
		}
		if _, err := p.expectSymbol(";"); err != nil {
			return nil, err
		}
		params = append(params, Param{Type: typ, Name: name.lit, Pos: Pos{name.line, name.col}})
	}
}

// parseOutputBlock parses `{ (Type? Name = ValueExpr ;)* }`.
func (p *parser) parseOutputBlock() ([]OutputDecl, error) {
	if _, err := p.expectSymbol("{"); err != nil {
		return nil, err
	}
	var outs []OutputDecl
	for {
		if p.peekIsSymbol("}") {
			_, _ = p.next()
			return outs, nil
		}
		first, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		typ, name, err := p.finishTypedName(first)
		if err != nil {
			return nil, err
		}
		if _, err := p.expectSymbol("="); err != nil {
			return nil, err
		}
		src, err := p.parseValueExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expectSymbol(";"); err != nil {
			return nil, err
		}
		outs = append(outs, OutputDecl{Type: typ, Name: name.lit, Source: src, Pos: Pos{name.line, name.col}})
	}
}

// parseInputBlock parses `{ (Type? Name = ValueExpr ;)* }` for node and
// cycle inputs.
func (p *parser) parseInputBlock() ([]InputDecl, error) {
	if _, err := p.expectSymbol("{"); err != nil {
		return nil, err
	}
	var ins []InputDecl
	for {
		if p.peekIsSymbol("}") {
			_, _ = p.next()
			return ins, nil
		}
		first, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		typ, name, err := p.finishTypedName(first)
		if err != nil {
			return nil, err
		}
		if _, err := p.expectSymbol("="); err != nil {
			return nil, err
		}
		val, err := p.parseValueExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expectSymbol(";"); err != nil {
			return nil, err
		}
		ins = append(ins, InputDecl{Type: typ, Name: name.lit, Value: val, Pos: Pos{name.line, name.col}})
	}
}

// finishTypedName disambiguates `Type Name` from a bare `Name`. The first
// identifier has already been consumed; when another identifier follows,
// the first one was a type annotation. Bracketed type arguments such as
// list[string] are folded into the type string.
func (p *parser) finishTypedName(first token) (string, token, error) {
	typ := ""
	name := first
	if p.peekIsSymbol("[") {
		suffix, err := p.parseTypeSuffix()
		if err != nil {
			return "", token{}, err
		}
		typ = first.lit + suffix
		name, err = p.expectIdent()
		if err != nil {
			return "", token{}, err
		}
		return typ, name, nil
	}
	if err := p.read(); err != nil {
		return "", token{}, err
	}
	if p.peek.typ == tokenIdent {
		typ = first.lit
		var err error
		name, err = p.expectIdent()
		if err != nil {
			return "", token{}, err
		}
	}
	return typ, name, nil
}

// parseTypeSuffix consumes a balanced bracketed type-argument list and
// returns it as literal text, e.g. "[string]" or "[string, int]".
func (p *parser) parseTypeSuffix() (string, error) {
	if _, err := p.expectSymbol("["); err != nil {
		return "", err
	}
	out := "["
	depth := 1
	for depth > 0 {
		tok, err := p.next()
		if err != nil {
			return "", err
		}
		switch {
		case tok.typ == tokenEOF:
			return "", p.unexpected(tok, "unterminated type annotation")
		case tok.typ == tokenSymbol && tok.lit == "[":
			depth++
			out += "["
		case tok.typ == tokenSymbol && tok.lit == "]":
			depth--
			out += "]"
		case tok.typ == tokenSymbol && tok.lit == ",":
			out += ", "
		case tok.typ == tokenIdent:
			out += tok.lit
		default:
			return "", p.unexpected(tok, "unexpected token in type annotation")
		}
	}
	return out, nil
}

func (p *parser) parseNode() (*Node, error) {
	name, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	n := &Node{Name: name.lit, Pos: Pos{name.line, name.col}}
	if _, err := p.expectSymbol("{"); err != nil {
		return nil, err
	}

	for {
		if p.peekIsSymbol("}") {
			_, _ = p.next()
			break
		}
		tok, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		switch tok.lit {
		case "call":
			target, err := p.parseCallTarget()
			if err != nil {
				return nil, err
			}
			n.Call = target
		case "inputs":
			ins, err := p.parseInputBlock()
			if err != nil {
				return nil, err
			}
			n.Inputs = ins
		case "outputs":
			outs, err := p.parseParamBlock()
			if err != nil {
				return nil, err
			}
			n.Outputs = outs
		case "const":
			entries, err := p.parseConstBlock()
			if err != nil {
				return nil, err
			}
			n.Const = entries
		case "when":
			n.WhenPos = Pos{tok.line, tok.col}
			expr, err := p.lx.captureExpression()
			if err != nil {
				return nil, err
			}
			if expr == "" {
				return nil, p.unexpected(tok, "empty when expression")
			}
			p.has = false
			n.When = expr
			if _, err := p.expectSymbol(";"); err != nil {
				return nil, err
			}
		case "hitl":
			entries, err := p.parseConstBlock()
			if err != nil {
				return nil, err
			}
			n.HITL = &HITL{Fields: entries, Pos: Pos{tok.line, tok.col}}
		default:
			return nil, p.unexpected(tok, "expected call, inputs, outputs, const, when or hitl")
		}
	}

	if n.Call == "" {
		return nil, &ParseError{Line: n.Pos.Line, Column: n.Pos.Column, Token: n.Name, Message: fmt.Sprintf("node %s is missing a call target", n.Name)}
	}
	return n, nil
}

// parseCallTarget parses `IDENT ("." IDENT)* ";"`.
func (p *parser) parseCallTarget() (string, error) {
	first, err := p.expectIdent()
	if err != nil {
		return "", err
	}
	target := first.lit
	for p.peekIsSymbol(".") {
		_, _ = p.next()
		part, err := p.expectIdent()
		if err != nil {
			return "", err
		}
		target += "." + part.lit
	}
	if _, err := p.expectSymbol(";"); err != nil {
		return "", err
	}
	return target, nil
}

func (p *parser) parseCycle() (*Cycle, error) {
	name, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	c := &Cycle{Name: name.lit, Pos: Pos{name.line, name.col}}
	if _, err := p.expectSymbol("{"); err != nil {
		return nil, err
	}

	for {
		if p.peekIsSymbol("}") {
			_, _ = p.next()
			break
		}
		tok, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		switch tok.lit {
		case "inputs":
			ins, err := p.parseInputBlock()
			if err != nil {
				return nil, err
			}
			c.Inputs = ins
		case "outputs":
			outs, err := p.parseOutputBlock()
			if err != nil {
				return nil, err
			}
			c.Outputs = outs
		case "nodes":
			if _, err := p.expectSymbol("{"); err != nil {
				return nil, err
			}
			for {
				if p.peekIsSymbol("}") {
					_, _ = p.next()
					break
				}
				kw, err := p.expectIdent()
				if err != nil {
					return nil, err
				}
				if kw.lit != "node" {
					return nil, p.unexpected(kw, `expected "node"`)
				}
				n, err := p.parseNode()
				if err != nil {
					return nil, err
				}
				c.Nodes = append(c.Nodes, n)
			}
		case "guard":
			c.GuardPos = Pos{tok.line, tok.col}
			expr, err := p.lx.captureExpression()
			if err != nil {
				return nil, err
			}
			if expr == "" {
				return nil, p.unexpected(tok, "empty guard expression")
			}
			p.has = false
			c.Guard = expr
			if _, err := p.expectSymbol(";"); err != nil {
				return nil, err
			}
		case "max_iterations":
			num, err := p.next()
			if err != nil {
				return nil, err
			}
			if num.typ != tokenInt {
				return nil, p.unexpected(num, "expected integer max_iterations")
			}
			v, err := strconv.Atoi(num.lit)
			if err != nil || v <= 0 {
				return nil, p.unexpected(num, "max_iterations must be a positive integer")
			}
			c.MaxIterations = v
			if _, err := p.expectSymbol(";"); err != nil {
				return nil, err
			}
		default:
			return nil, p.unexpected(tok, "expected inputs, outputs, nodes, guard or max_iterations")
		}
	}

	if c.Guard == "" {
		return nil, &ParseError{Line: c.Pos.Line, Column: c.Pos.Column, Token: c.Name, Message: fmt.Sprintf("cycle %s is missing a guard", c.Name)}
	}
	if c.MaxIterations == 0 {
		return nil, &ParseError{Line: c.Pos.Line, Column: c.Pos.Column, Token: c.Name, Message: fmt.Sprintf("cycle %s is missing max_iterations", c.Name)}
	}
	return c, nil
}

// parseConstBlock parses `{ (Key : Literal ,?)* }` where Key is an
// identifier or string. Used for const, metadata and hitl blocks.
func (p *parser) parseConstBlock() ([]ConstEntry, error) {
	if _, err := p.expectSymbol("{"); err != nil {
		return nil, err
	}
	var entries []ConstEntry
	for {
		if p.peekIsSymbol("}") {
			_, _ = p.next()
			return entries, nil
		}
		key, err := p.next()
		if err != nil {
			return nil, err
		}
		if key.typ != tokenIdent && key.typ != tokenString {
			return nil, p.unexpected(key, "expected key")
		}
		if _, err := p.expectSymbol(":"); err != nil {
			return nil, err
		}
		lit, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		entries = append(entries, ConstEntry{Key: key.lit, Value: lit, Pos: Pos{key.line, key.col}})
		if p.peekIsSymbol(",") {
			_, _ = p.next()
		}
	}
}

// parseValueExpr parses a plain input identifier, a dotted reference with
// an optional reducer tag, or a literal.
func (p *parser) parseValueExpr() (ValueExpr, error) {
	if err := p.read(); err != nil {
		return ValueExpr{}, err
	}
	tok := p.peek
	pos := Pos{tok.line, tok.col}

	if tok.typ == tokenIdent {
		switch tok.lit {
		case "true", "false", "null":
			lit, err := p.parseLiteral()
			if err != nil {
				return ValueExpr{}, err
			}
			return ValueExpr{Kind: ValueLiteral, Lit: lit, Pos: pos}, nil
		}
		_, _ = p.next()
		if !p.peekIsSymbol(".") {
			return ValueExpr{Kind: ValueIdent, Ident: tok.lit, Pos: pos}, nil
		}
		_, _ = p.next()
		out, err := p.expectIdent()
		if err != nil {
			return ValueExpr{}, err
		}
		ref := ValueExpr{Kind: ValueRef, Target: tok.lit, Output: out.lit, Reducer: ReducerReplace, Pos: pos}
		if p.peekIsSymbol("(") {
			_, _ = p.next()
			tag, err := p.expectIdent()
			if err != nil {
				return ValueExpr{}, err
			}
			switch Reducer(tag.lit) {
			case ReducerReplace, ReducerAppend, ReducerMerge:
				ref.Reducer = Reducer(tag.lit)
			default:
				return ValueExpr{}, p.unexpected(tag, "unknown reducer tag, expected replace, append or merge")
			}
			if _, err := p.expectSymbol(")"); err != nil {
				return ValueExpr{}, err
			}
		}
		return ref, nil
	}

	lit, err := p.parseLiteral()
	if err != nil {
		return ValueExpr{}, err
	}
	return ValueExpr{Kind: ValueLiteral, Lit: lit, Pos: pos}, nil
}

func (p *parser) parseLiteral() (Literal, error) {
	tok, err := p.next()
	if err != nil {
		return Literal{}, err
	}
	pos := Pos{tok.line, tok.col}

	switch tok.typ {
	case tokenString:
		return Literal{Kind: LiteralString, Str: tok.lit, Pos: pos}, nil
	case tokenInt:
		v, err := strconv.ParseInt(tok.lit, 10, 64)
		if err != nil {
			return Literal{}, p.unexpected(tok, "invalid integer literal")
		}
		return Literal{Kind: LiteralInt, Int: v, Pos: pos}, nil
	case tokenFloat:
		v, err := strconv.ParseFloat(tok.lit, 64)
		if err != nil {
			return Literal{}, p.unexpected(tok, "invalid float literal")
		}
		return Literal{Kind: LiteralFloat, Float: v, Pos: pos}, nil
	case tokenIdent:
		switch tok.lit {
		case "true":
			return Literal{Kind: LiteralBool, Bool: true, Pos: pos}, nil
		case "false":
			return Literal{Kind: LiteralBool, Bool: false, Pos: pos}, nil
		case "null":
			return Literal{Kind: LiteralNull, Pos: pos}, nil
		}
		return Literal{}, p.unexpected(tok, "expected literal")
	case tokenSymbol:
		switch tok.lit {
		case "[":
			var elems []Literal
			for {
				if p.peekIsSymbol("]") {
					_, _ = p.next()
					return Literal{Kind: LiteralList, List: elems, Pos: pos}, nil
				}
				elem, err := p.parseLiteral()
				if err != nil {
					return Literal{}, err
				}
				elems = append(elems, elem)
				if p.peekIsSymbol(",") {
					_, _ = p.next()
				}
			}
		case "{":
			var entries []ObjectEntry
			for {
				if p.peekIsSymbol("}") {
					_, _ = p.next()
					return Literal{Kind: LiteralObject, Object: entries, Pos: pos}, nil
				}
				key, err := p.next()
				if err != nil {
					return Literal{}, err
				}
				if key.typ != tokenIdent && key.typ != tokenString {
					return Literal{}, p.unexpected(key, "expected object key")
				}
				if _, err := p.expectSymbol(":"); err != nil {
					return Literal{}, err
				}
				val, err := p.parseLiteral()
				if err != nil {
					return Literal{}, err
				}
				entries = append(entries, ObjectEntry{Key: key.lit, Value: val})
				if p.peekIsSymbol(",") {
					_, _ = p.next()
				}
			}
		}
	}
	return Literal{}, p.unexpected(tok, "expected literal")
}
