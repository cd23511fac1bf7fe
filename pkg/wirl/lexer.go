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
	"strings"
	"unicode"
	"unicode/utf8"
)

type tokenType int

const (
	tokenEOF tokenType = iota
	tokenIdent
	tokenString
	tokenInt
	tokenFloat
	tokenSymbol // one of { } [ ] ( ) ; : , = .
)

func (t tokenType) String() string {
	switch t {
	case tokenEOF:
		return "end of file"
	case tokenIdent:
		return "identifier"
	case tokenString:
		return "string"
	case tokenInt:
		return "integer"
	case tokenFloat:
		return "float"
	case tokenSymbol:
		return "symbol"
	}
	return "unknown"
}

type token struct {
	typ  tokenType
	lit  string
	line int
	col  int
}

// lexer produces tokens from WIRL source. It tracks line/column positions
// for error reporting and supports raw capture of expression text, which
// the parser uses for `when` and `guard` clauses.
type lexer struct {
	src  []byte
	pos  int
	line int
	col  int
}

func newLexer(src []byte) *lexer {
	return &lexer{src: src, line: 1, col: 1}
}

func (l *lexer) errf(format string, args ...any) error {
	return &ParseError{Line: l.line, Column: l.col, Message: fmt.Sprintf(format, args...)}
}

func (l *lexer) advance(r rune, size int) {
	l.pos += size
	if r == '\n' {
		l.line++
		l.col = 1
	} else {
		l.col++
	}
}

func (l *lexer) peekRune() (rune, int) {
	if l.pos >= len(l.src) {
		return 0, 0
	}
	return utf8.DecodeRune(l.src[l.pos:])
}

func (l *lexer) skipSpaceAndComments() {
	for l.pos < len(l.src) {
		r, size := l.peekRune()
		switch {
		case r == '#':
			for l.pos < len(l.src) {
				r, size = l.peekRune()
				l.advance(r, size)
				if r == '\n' {
					break
				}
			}
		case unicode.IsSpace(r):
			l.advance(r, size)
		default:
			return
		}
	}
}

func (l *lexer) next() (token, error) {
	l.skipSpaceAndComments()
	if l.pos >= len(l.src) {
		return token{typ: tokenEOF, line: l.line, col: l.col}, nil
	}

	startLine, startCol := l.line, l.col
	r, size := l.peekRune()

	switch {
	case isIdentStart(r):
		start := l.pos
		for l.pos < len(l.src) {
			r, size = l.peekRune()
			if !isIdentPart(r) {
				break
			}
			l.advance(r, size)
		}
		return token{typ: tokenIdent, lit: string(l.src[start:l.pos]), line: startLine, col: startCol}, nil

	case r == '"':
		lit, err := l.scanString()
		if err != nil {
			return token{}, err
		}
		return token{typ: tokenString, lit: lit, line: startLine, col: startCol}, nil

	case r >= '0' && r <= '9', r == '-' && l.nextIsDigit():
		return l.scanNumber(startLine, startCol)

	case strings.ContainsRune("{}[]();:,=.", r):
		l.advance(r, size)
		return token{typ: tokenSymbol, lit: string(r), line: startLine, col: startCol}, nil
	}

	return token{}, &ParseError{Line: startLine, Column: startCol, Token: string(r), Message: fmt.Sprintf("unexpected character %q", r)}
}

func (l *lexer) nextIsDigit() bool {
	if l.pos+1 >= len(l.src) {
		return false
	}
	c := l.src[l.pos+1]
	return c >= '0' && c <= '9'
}

func (l *lexer) scanString() (string, error) {
	// consume opening quote
	r, size := l.peekRune()
	l.advance(r, size)

	var b strings.Builder
	for {
		if l.pos >= len(l.src) {
			return "", l.errf("unterminated string")
		}
		r, size = l.peekRune()
		l.advance(r, size)
		switch r {
		case '"':
			return b.String(), nil
		case '\n':
			return "", l.errf("newline in string")
		case '\\':
			if l.pos >= len(l.src) {
				return "", l.errf("unterminated escape")
			}
			esc, escSize := l.peekRune()
			l.advance(esc, escSize)
			switch esc {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'r':
				b.WriteByte('\r')
			case '"':
				b.WriteByte('"')
			case '\\':
				b.WriteByte('\\')
			default:
				return "", l.errf("invalid escape \\%c", esc)
			}
		default:
			b.WriteRune(r)
		}
	}
}

func (l *lexer) scanNumber(startLine, startCol int) (token, error) {
	start := l.pos
	r, size := l.peekRune()
	if r == '-' {
		l.advance(r, size)
	}
	isFloat := false
	for l.pos < len(l.src) {
		r, size = l.peekRune()
		if r >= '0' && r <= '9' {
			l.advance(r, size)
			continue
		}
		if r == '.' && !isFloat && l.nextIsDigit() {
			isFloat = true
			l.advance(r, size)
			continue
		}
		if (r == 'e' || r == 'E') && l.pos > start {
			isFloat = true
			l.advance(r, size)
			if next, nsize := l.peekRune(); next == '+' || next == '-' {
				l.advance(next, nsize)
			}
			continue
		}
		break
	}
	lit := string(l.src[start:l.pos])
	typ := tokenInt
	if isFloat {
		typ = tokenFloat
	}
	return token{typ: typ, lit: lit, line: startLine, col: startCol}, nil
}

// captureExpression consumes raw source text up to (but not including) the
// next top-level ';'. Parentheses, brackets, braces and strings nest; the
// terminator must appear at depth zero. Used for `when` and `guard` clauses,
// whose expression grammar belongs to the evaluator, not the parser.
func (l *lexer) captureExpression() (string, error) {
	l.skipSpaceAndComments()
	start := l.pos
	depth := 0
	for l.pos < len(l.src) {
		r, size := l.peekRune()
		switch r {
		case ';':
			if depth == 0 {
				return strings.TrimSpace(string(l.src[start:l.pos])), nil
			}
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
			if depth < 0 {
				return "", l.errf("unbalanced %q in expression", r)
			}
		case '"':
			if _, err := l.scanString(); err != nil {
				return "", err
			}
			continue
		case '#':
			return "", l.errf("comment inside expression")
		}
		l.advance(r, size)
	}
	return "", &ParseError{Line: l.line, Column: l.col, Message: "unterminated expression: missing ';'"}
}

func isIdentStart(r rune) bool {
	return r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

func isIdentPart(r rune) bool {
	return isIdentStart(r) || (r >= '0' && r <= '9')
}
