package fhirpath

import (
	"fmt"
	"strings"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokDelimIdent // `backtick-quoted` identifier
	tokNumber
	tokString
	tokDateTime
	tokTime
	tokConstant // %resource, %context, %ucum, %<name>
	tokExternalVar
	tokOp
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokLBrace
	tokRBrace
	tokComma
	tokDot
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

var keywordOps = map[string]bool{
	"and": true, "or": true, "xor": true, "implies": true,
	"div": true, "mod": true, "in": true, "contains": true,
	"is": true, "as": true,
}

// lex tokenizes a FHIRPath expression, following the same hand-written
// single-pass scanner shape the rest of the corpus uses for small DSLs
// (peek/advance over a rune slice, no external lexer generator).
func lex(expr string) ([]token, error) {
	var toks []token
	runes := []rune(expr)
	i, n := 0, len(runes)

	peekAt := func(off int) rune {
		if i+off >= n {
			return 0
		}
		return runes[i+off]
	}

	for i < n {
		c := runes[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '/' && peekAt(1) == '/':
			for i < n && runes[i] != '\n' {
				i++
			}
		case c == '/' && peekAt(1) == '*':
			i += 2
			for i < n && !(runes[i] == '*' && peekAt(1) == '/') {
				i++
			}
			i += 2
		case c == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case c == '[':
			toks = append(toks, token{tokLBracket, "[", i})
			i++
		case c == ']':
			toks = append(toks, token{tokRBracket, "]", i})
			i++
		case c == '{':
			toks = append(toks, token{tokLBrace, "{", i})
			i++
		case c == '}':
			toks = append(toks, token{tokRBrace, "}", i})
			i++
		case c == ',':
			toks = append(toks, token{tokComma, ",", i})
			i++
		case c == '.':
			toks = append(toks, token{tokDot, ".", i})
			i++
		case c == '\'':
			start := i
			i++
			var sb strings.Builder
			for i < n && runes[i] != '\'' {
				if runes[i] == '\\' && i+1 < n {
					i++
					sb.WriteRune(unescapeChar(runes[i]))
				} else {
					sb.WriteRune(runes[i])
				}
				i++
			}
			if i >= n {
				return nil, fmt.Errorf("fhirpath: unterminated string literal at %d", start)
			}
			i++
			toks = append(toks, token{tokString, sb.String(), start})
		case c == '`':
			start := i
			i++
			var sb strings.Builder
			for i < n && runes[i] != '`' {
				sb.WriteRune(runes[i])
				i++
			}
			if i >= n {
				return nil, fmt.Errorf("fhirpath: unterminated delimited identifier at %d", start)
			}
			i++
			toks = append(toks, token{tokDelimIdent, sb.String(), start})
		case c == '@':
			start := i
			i++
			for i < n && (isDigitRune(runes[i]) || strings.ContainsRune("-:T.+Z", runes[i])) {
				i++
			}
			text := string(runes[start+1 : i])
			kind := tokDateTime
			if strings.HasPrefix(text, "T") {
				kind = tokTime
			}
			toks = append(toks, token{kind, text, start})
		case c == '%':
			start := i
			i++
			for i < n && (isIdentRune(runes[i]) || runes[i] == '`') {
				i++
			}
			toks = append(toks, token{tokConstant, string(runes[start+1 : i]), start})
		case isDigitRune(c):
			start := i
			for i < n && isDigitRune(runes[i]) {
				i++
			}
			if i < n && runes[i] == '.' && i+1 < n && isDigitRune(runes[i+1]) {
				i++
				for i < n && isDigitRune(runes[i]) {
					i++
				}
			}
			toks = append(toks, token{tokNumber, string(runes[start:i]), start})
		case isIdentStartRune(c):
			start := i
			for i < n && isIdentRune(runes[i]) {
				i++
			}
			text := string(runes[start:i])
			if keywordOps[text] {
				toks = append(toks, token{tokOp, text, start})
			} else {
				toks = append(toks, token{tokIdent, text, start})
			}
		default:
			if op, ok := scanOperator(runes, i); ok {
				toks = append(toks, token{tokOp, op, i})
				i += len(op)
			} else {
				return nil, fmt.Errorf("fhirpath: unexpected character %q at %d", c, i)
			}
		}
	}
	toks = append(toks, token{tokEOF, "", i})
	return toks, nil
}

func scanOperator(runes []rune, i int) (string, bool) {
	two := ""
	if i+1 < len(runes) {
		two = string(runes[i : i+2])
	}
	switch two {
	case "!=", "!~", "<=", ">=", "~":
		return two, true
	}
	one := string(runes[i])
	switch one {
	case "=", "<", ">", "+", "-", "*", "/", "|", "&":
		return one, true
	}
	return "", false
}

func unescapeChar(r rune) rune {
	switch r {
	case 'n':
		return '\n'
	case 't':
		return '\t'
	case 'r':
		return '\r'
	case 'f':
		return '\f'
	case '`', '\'', '\\':
		return r
	default:
		return r
	}
}

func isDigitRune(r rune) bool      { return r >= '0' && r <= '9' }
func isIdentStartRune(r rune) bool { return r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '$' }
func isIdentRune(r rune) bool      { return isIdentStartRune(r) || isDigitRune(r) }
