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
	"strings"
)

// Format renders a workflow in canonical source form. Formatting a parsed
// workflow and parsing the result yields an equivalent AST, so Format is a
// fixed point after one round trip.
func Format(wf *Workflow) string {
	var p printer
	p.workflow(wf)
	return p.b.String()
}

type printer struct {
	b      strings.Builder
	indent int
}

func (p *printer) line(format string, args ...any) {
	p.b.WriteString(strings.Repeat("    ", p.indent))
	fmt.Fprintf(&p.b, format, args...)
	p.b.WriteByte('\n')
}

func (p *printer) workflow(wf *Workflow) {
	p.line("workflow %s {", wf.Name)
	p.indent++

	if len(wf.Metadata) > 0 {
		p.constBlock("metadata", wf.Metadata)
	}
	if len(wf.Inputs) > 0 {
		p.line("inputs {")
		p.indent++
		for _, in := range wf.Inputs {
			p.line("%s;", typedName(in.Type, in.Name))
		}
		p.indent--
		p.line("}")
	}
	if len(wf.Outputs) > 0 {
		p.outputBlock(wf.Outputs)
	}
	for _, n := range wf.Nodes {
		p.b.WriteByte('\n')
		p.node(n)
	}
	for _, c := range wf.Cycles {
		p.b.WriteByte('\n')
		p.cycle(c)
	}

	p.indent--
	p.line("}")
}

func (p *printer) node(n *Node) {
	p.line("node %s {", n.Name)
	p.indent++

	p.line("call %s;", n.Call)
	if n.When != "" {
		p.line("when %s;", n.When)
	}
	if len(n.Const) > 0 {
		p.constBlock("const", n.Const)
	}
	if len(n.Inputs) > 0 {
		p.line("inputs {")
		p.indent++
		for _, in := range n.Inputs {
			p.line("%s = %s;", typedName(in.Type, in.Name), in.Value.String())
		}
		p.indent--
		p.line("}")
	}
	if len(n.Outputs) > 0 {
		p.line("outputs {")
		p.indent++
		for _, out := range n.Outputs {
			p.line("%s;", typedName(out.Type, out.Name))
		}
		p.indent--
		p.line("}")
	}
	if n.HITL != nil {
		p.constBlock("hitl", n.HITL.Fields)
	}

	p.indent--
	p.line("}")
}

func (p *printer) cycle(c *Cycle) {
	p.line("cycle %s {", c.Name)
	p.indent++

	if len(c.Inputs) > 0 {
		p.line("inputs {")
		p.indent++
		for _, in := range c.Inputs {
			p.line("%s = %s;", typedName(in.Type, in.Name), in.Value.String())
		}
		p.indent--
		p.line("}")
	}
	p.line("nodes {")
	p.indent++
	for i, n := range c.Nodes {
		if i > 0 {
			p.b.WriteByte('\n')
		}
		p.node(n)
	}
	p.indent--
	p.line("}")
	p.line("guard %s;", c.Guard)
	p.line("max_iterations %d;", c.MaxIterations)
	if len(c.Outputs) > 0 {
		p.outputBlock(c.Outputs)
	}

	p.indent--
	p.line("}")
}

func (p *printer) outputBlock(outs []OutputDecl) {
	p.line("outputs {")
	p.indent++
	for _, out := range outs {
		p.line("%s = %s;", typedName(out.Type, out.Name), out.Source.String())
	}
	p.indent--
	p.line("}")
}

func (p *printer) constBlock(keyword string, entries []ConstEntry) {
	if len(entries) == 0 {
		p.line("%s {}", keyword)
		return
	}
	p.line("%s {", keyword)
	p.indent++
	for _, e := range entries {
		p.line("%s: %s,", formatKey(e.Key), formatLiteral(e.Value))
	}
	p.indent--
	p.line("}")
}

func typedName(typ, name string) string {
	if typ == "" {
		return name
	}
	return typ + " " + name
}

// formatKey quotes object/const keys that are not plain identifiers.
func formatKey(key string) string {
	if key == "" {
		return strconv.Quote(key)
	}
	for i, r := range key {
		if i == 0 && !isIdentStart(r) {
			return strconv.Quote(key)
		}
		if i > 0 && !isIdentPart(r) {
			return strconv.Quote(key)
		}
	}
	return key
}

func formatLiteral(l Literal) string {
	switch l.Kind {
	case LiteralNull:
		return "null"
	case LiteralBool:
		return strconv.FormatBool(l.Bool)
	case LiteralInt:
		return strconv.FormatInt(l.Int, 10)
	case LiteralFloat:
		s := strconv.FormatFloat(l.Float, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
		return s
	case LiteralString:
		return strconv.Quote(l.Str)
	case LiteralList:
		parts := make([]string, len(l.List))
		for i, e := range l.List {
			parts[i] = formatLiteral(e)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case LiteralObject:
		parts := make([]string, len(l.Object))
		for i, e := range l.Object {
			parts[i] = formatKey(e.Key) + ": " + formatLiteral(e.Value)
		}
		return "{" + strings.Join(parts, ", ") + "}"
	}
	return ""
}
