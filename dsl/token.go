package dsl

import "fmt"

type TokenType int

const (
	EOF TokenType = iota
	NEWLINE
	INDENT
	DEDENT

	IDENT
	VERSION

	MODEL
	SCHEMA
	TYPE
	RELATIONS
	DEFINE
	OR
	AND
	BUT
	NOT
	FROM

	COLON
	LBRACKET
	RBRACKET
	HASH
	ARROW
	COMMA
)

var tokenNames = map[TokenType]string{
	EOF:       "EOF",
	NEWLINE:   "NEWLINE",
	INDENT:    "INDENT",
	DEDENT:    "DEDENT",
	IDENT:     "IDENT",
	VERSION:   "VERSION",
	MODEL:     "model",
	SCHEMA:    "schema",
	TYPE:      "type",
	RELATIONS: "relations",
	DEFINE:    "define",
	OR:        "or",
	AND:       "and",
	BUT:       "but",
	NOT:       "not",
	FROM:      "from",
	COLON:     ":",
	LBRACKET:  "[",
	RBRACKET:  "]",
	HASH:      "#",
	ARROW:     "->",
	COMMA:     ",",
}

func (t TokenType) String() string {
	if s, ok := tokenNames[t]; ok {
		return s
	}
	return fmt.Sprintf("TokenType(%d)", int(t))
}

var keywords = map[string]TokenType{
	"model":     MODEL,
	"schema":    SCHEMA,
	"type":      TYPE,
	"relations": RELATIONS,
	"define":    DEFINE,
	"or":        OR,
	"and":       AND,
	"but":       BUT,
	"not":       NOT,
	"from":      FROM,
}

// Token is a lexeme with its source location (1-based).
type Token struct {
	Type    TokenType
	Literal string
	Line    int
	Column  int
}

// Issue is a located diagnostic produced by the lexer, parser or compiler.
type Issue struct {
	Message string `json:"message"`
	Line    int    `json:"line"`
	Column  int    `json:"column"`
}

func (i Issue) Error() string {
	return fmt.Sprintf("%d:%d: %s", i.Line, i.Column, i.Message)
}

func issuef(line, column int, format string, args ...any) Issue {
	return Issue{Message: fmt.Sprintf(format, args...), Line: line, Column: column}
}
