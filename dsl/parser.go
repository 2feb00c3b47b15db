package dsl

// Parser is a recursive-descent parser over the lexed token stream.
// It halts at the first structural failure; every issue carries the
// location of the offending token.
type Parser struct {
	tokens []Token
	pos    int
	issues []Issue
	failed bool
}

// Parse lexes and parses a DSL source. A nil ModelAST means parsing failed;
// the issue list is never empty in that case.
func Parse(source string) (*ModelAST, []Issue) {
	tokens, err := Lex(source)
	if err != nil {
		if issue, ok := err.(Issue); ok {
			return nil, []Issue{issue}
		}
		return nil, []Issue{{Message: err.Error(), Line: 1, Column: 1}}
	}
	p := &Parser{tokens: tokens}
	model := p.parseModel()
	if p.failed {
		return nil, p.issues
	}
	return model, nil
}

func (p *Parser) current() Token {
	if p.pos >= len(p.tokens) {
		return Token{Type: EOF}
	}
	return p.tokens[p.pos]
}

func (p *Parser) advance() Token {
	t := p.current()
	if p.pos < len(p.tokens) {
		p.pos++
	}
	return t
}

func (p *Parser) at(typ TokenType) bool {
	return p.current().Type == typ
}

func (p *Parser) expect(typ TokenType) (Token, bool) {
	if p.failed {
		return Token{}, false
	}
	t := p.current()
	if t.Type != typ {
		p.fail(issuef(t.Line, t.Column, "expected %s, found %s", typ, describe(t)))
		return t, false
	}
	return p.advance(), true
}

func (p *Parser) fail(issue Issue) {
	p.issues = append(p.issues, issue)
	p.failed = true
}

func describe(t Token) string {
	if t.Literal != "" {
		return "'" + t.Literal + "'"
	}
	return t.Type.String()
}

// skipStructural consumes NEWLINE/INDENT/DEDENT tokens between top-level
// declarations.
func (p *Parser) skipStructural() {
	for p.at(NEWLINE) || p.at(INDENT) || p.at(DEDENT) {
		p.advance()
	}
}

func (p *Parser) skipNewlines() {
	for p.at(NEWLINE) {
		p.advance()
	}
}

// model → "model" "schema" VERSION type*
func (p *Parser) parseModel() *ModelAST {
	p.skipStructural()
	if _, ok := p.expect(MODEL); !ok {
		return nil
	}
	p.skipStructural()
	if _, ok := p.expect(SCHEMA); !ok {
		return nil
	}
	version, ok := p.expect(VERSION)
	if !ok {
		return nil
	}

	model := &ModelAST{SchemaVersion: version.Literal}
	for {
		p.skipStructural()
		if p.at(EOF) {
			return model
		}
		td := p.parseType()
		if p.failed {
			return nil
		}
		model.Types = append(model.Types, td)
	}
}

// type → "type" IDENT relations?
func (p *Parser) parseType() *TypeAST {
	kw, ok := p.expect(TYPE)
	if !ok {
		return nil
	}
	name, ok := p.expect(IDENT)
	if !ok {
		return nil
	}
	td := &TypeAST{Name: name.Literal, Line: kw.Line, Column: kw.Column}

	p.skipNewlines()
	if !p.at(INDENT) {
		return td
	}
	p.advance()
	td.Relations = p.parseRelations()
	return td
}

// relations → "relations" INDENT relation* DEDENT
func (p *Parser) parseRelations() []*RelationAST {
	if _, ok := p.expect(RELATIONS); !ok {
		return nil
	}
	p.skipNewlines()
	if _, ok := p.expect(INDENT); !ok {
		return nil
	}

	var relations []*RelationAST
	for {
		p.skipNewlines()
		if !p.at(DEFINE) {
			break
		}
		rel := p.parseRelation()
		if p.failed {
			return nil
		}
		relations = append(relations, rel)
	}
	// Close the relation list and the type block.
	for p.at(DEDENT) || p.at(NEWLINE) {
		p.advance()
	}
	return relations
}

// relation → "define" IDENT ":" rewrite
func (p *Parser) parseRelation() *RelationAST {
	kw, ok := p.expect(DEFINE)
	if !ok {
		return nil
	}
	name, ok := p.expect(IDENT)
	if !ok {
		return nil
	}
	if _, ok := p.expect(COLON); !ok {
		return nil
	}
	rewrite := p.parseRewrite()
	if p.failed {
		return nil
	}
	if !p.at(EOF) {
		p.expect(NEWLINE)
	}
	return &RelationAST{Name: name.Literal, Rewrite: rewrite, Line: kw.Line, Column: kw.Column}
}

// rewrite → unionExpr; "or" chains flatten into one n-ary Union node.
func (p *Parser) parseRewrite() RewriteAST {
	first := p.parseIntersection()
	if p.failed {
		return nil
	}
	if !p.at(OR) {
		return first
	}
	children := []RewriteAST{first}
	for p.at(OR) {
		p.advance()
		next := p.parseIntersection()
		if p.failed {
			return nil
		}
		children = append(children, next)
	}
	return UnionAST{Children: children}
}

func (p *Parser) parseIntersection() RewriteAST {
	first := p.parseExclusion()
	if p.failed {
		return nil
	}
	if !p.at(AND) {
		return first
	}
	children := []RewriteAST{first}
	for p.at(AND) {
		p.advance()
		next := p.parseExclusion()
		if p.failed {
			return nil
		}
		children = append(children, next)
	}
	return IntersectionAST{Children: children}
}

// exclusionExpr → primary ("but" "not" primary)?
func (p *Parser) parseExclusion() RewriteAST {
	base := p.parsePrimary()
	if p.failed || !p.at(BUT) {
		return base
	}
	p.advance()
	if _, ok := p.expect(NOT); !ok {
		return nil
	}
	subtract := p.parsePrimary()
	if p.failed {
		return nil
	}
	return ExclusionAST{Base: base, Subtract: subtract}
}

// primary → "[" typeRef ("," typeRef)* "]"
//         | IDENT "->" IDENT
//         | IDENT "from" IDENT   (sugar: X from Y ≡ Y->X)
//         | IDENT
func (p *Parser) parsePrimary() RewriteAST {
	if p.at(LBRACKET) {
		p.advance()
		var refs []TypeRefAST
		for {
			ref, ok := p.parseTypeRef()
			if !ok {
				return nil
			}
			refs = append(refs, ref)
			if !p.at(COMMA) {
				break
			}
			p.advance()
		}
		if _, ok := p.expect(RBRACKET); !ok {
			return nil
		}
		return DirectAST{Types: refs}
	}

	ident, ok := p.expect(IDENT)
	if !ok {
		return nil
	}
	switch p.current().Type {
	case ARROW:
		p.advance()
		computed, ok := p.expect(IDENT)
		if !ok {
			return nil
		}
		return TupleToUsersetAST{Tupleset: ident.Literal, Computed: computed.Literal, Line: ident.Line, Column: ident.Column}
	case FROM:
		p.advance()
		tupleset, ok := p.expect(IDENT)
		if !ok {
			return nil
		}
		return TupleToUsersetAST{Tupleset: tupleset.Literal, Computed: ident.Literal, Line: ident.Line, Column: ident.Column}
	default:
		return ComputedAST{Relation: ident.Literal, Line: ident.Line, Column: ident.Column}
	}
}

// typeRef → IDENT ("#" IDENT)?
func (p *Parser) parseTypeRef() (TypeRefAST, bool) {
	ident, ok := p.expect(IDENT)
	if !ok {
		return TypeRefAST{}, false
	}
	ref := TypeRefAST{Type: ident.Literal, Line: ident.Line, Column: ident.Column}
	if p.at(HASH) {
		p.advance()
		rel, ok := p.expect(IDENT)
		if !ok {
			return TypeRefAST{}, false
		}
		ref.Relation = rel.Literal
	}
	return ref, true
}
