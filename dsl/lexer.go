package dsl

import (
	"strings"
)

// tabWidth is the number of columns a tab advances during the off-side
// indentation scan.
const tabWidth = 4

// Lex tokenizes DSL source. Block structure is derived from indentation:
// a deeper line emits INDENT, returning to a shallower level emits one
// DEDENT per closed block, and open blocks are closed at EOF. Blank lines
// and // comments carry no tokens. The returned error is an Issue locating
// the first unrecognized character.
func Lex(source string) ([]Token, error) {
	var tokens []Token
	indents := []int{0}

	lines := strings.Split(source, "\n")
	for ln, line := range lines {
		lineNo := ln + 1

		width := 0
		start := 0
		for start < len(line) && (line[start] == ' ' || line[start] == '\t') {
			if line[start] == '\t' {
				width += tabWidth
			} else {
				width++
			}
			start++
		}
		rest := line[start:]
		if rest == "" || strings.HasPrefix(rest, "//") {
			continue
		}

		if width > indents[len(indents)-1] {
			indents = append(indents, width)
			tokens = append(tokens, Token{Type: INDENT, Line: lineNo, Column: 1})
		}
		for width < indents[len(indents)-1] {
			indents = indents[:len(indents)-1]
			tokens = append(tokens, Token{Type: DEDENT, Line: lineNo, Column: 1})
		}
		// A dedent must land on an enclosing indentation level; anything
		// in between is a mistake worth reporting here rather than as a
		// confusing parse error later.
		if width != indents[len(indents)-1] {
			return nil, issuef(lineNo, 1, "inconsistent indentation: column %d matches no enclosing block", width+1)
		}

		lineTokens, err := lexLine(rest, lineNo, start)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, lineTokens...)
		tokens = append(tokens, Token{Type: NEWLINE, Line: lineNo, Column: len(line) + 1})
	}

	lastLine := len(lines)
	for len(indents) > 1 {
		indents = indents[:len(indents)-1]
		tokens = append(tokens, Token{Type: DEDENT, Line: lastLine, Column: 1})
	}
	tokens = append(tokens, Token{Type: EOF, Line: lastLine, Column: 1})
	return tokens, nil
}

func lexLine(rest string, lineNo, offset int) ([]Token, error) {
	var tokens []Token
	i := 0
	for i < len(rest) {
		c := rest[i]
		col := offset + i + 1

		switch {
		case c == ' ' || c == '\t':
			i++

		case c == '/' && i+1 < len(rest) && rest[i+1] == '/':
			return tokens, nil

		case isIdentStart(c):
			j := i + 1
			for j < len(rest) && isIdentPart(rest[j]) {
				if rest[j] == '-' && j+1 < len(rest) && rest[j+1] == '>' {
					break
				}
				j++
			}
			word := rest[i:j]
			typ := IDENT
			if kw, ok := keywords[word]; ok {
				typ = kw
			}
			tokens = append(tokens, Token{Type: typ, Literal: word, Line: lineNo, Column: col})
			i = j

		case c >= '0' && c <= '9':
			j := i + 1
			for j < len(rest) && rest[j] >= '0' && rest[j] <= '9' {
				j++
			}
			if j < len(rest) && rest[j] == '.' {
				j++
				for j < len(rest) && rest[j] >= '0' && rest[j] <= '9' {
					j++
				}
			}
			tokens = append(tokens, Token{Type: VERSION, Literal: rest[i:j], Line: lineNo, Column: col})
			i = j

		case c == ':':
			tokens = append(tokens, Token{Type: COLON, Literal: ":", Line: lineNo, Column: col})
			i++
		case c == '[':
			tokens = append(tokens, Token{Type: LBRACKET, Literal: "[", Line: lineNo, Column: col})
			i++
		case c == ']':
			tokens = append(tokens, Token{Type: RBRACKET, Literal: "]", Line: lineNo, Column: col})
			i++
		case c == '#':
			tokens = append(tokens, Token{Type: HASH, Literal: "#", Line: lineNo, Column: col})
			i++
		case c == ',':
			tokens = append(tokens, Token{Type: COMMA, Literal: ",", Line: lineNo, Column: col})
			i++
		case c == '-' && i+1 < len(rest) && rest[i+1] == '>':
			tokens = append(tokens, Token{Type: ARROW, Literal: "->", Line: lineNo, Column: col})
			i += 2

		default:
			return nil, issuef(lineNo, col, "unrecognized character %q", string(c))
		}
	}
	return tokens, nil
}

func isIdentStart(c byte) bool {
	return c == '_' || c == '*' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9') || c == '-'
}
