package sandbox

import "fmt"

type parser struct {
	toks []token
	pos  int
}

func parse(src string) (*Program, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	return p.parseProgram()
}

func (p *parser) cur() token  { return p.toks[p.pos] }
func (p *parser) advance() token {
	t := p.toks[p.pos]
	if p.pos < len(p.toks)-1 {
		p.pos++
	}
	return t
}

func (p *parser) skipNewlines() {
	for p.cur().kind == tokNewline {
		p.advance()
	}
}

func (p *parser) parseProgram() (*Program, error) {
	prog := &Program{}
	p.skipNewlines()
	for p.cur().kind != tokEOF {
		stmt, err := p.parseAssign()
		if err != nil {
			return nil, err
		}
		prog.Statements = append(prog.Statements, stmt)
		if p.cur().kind != tokEOF && p.cur().kind != tokNewline {
			return nil, fmt.Errorf("tablescript: expected newline after statement, got %q", p.cur().text)
		}
		p.skipNewlines()
	}
	return prog, nil
}

func (p *parser) parseAssign() (*Assign, error) {
	if p.cur().kind != tokIdent {
		return nil, fmt.Errorf("tablescript: expected identifier at start of statement")
	}
	name := p.advance().text
	if !p.isOp("=") {
		return nil, fmt.Errorf("tablescript: expected '=' after %q", name)
	}
	p.advance()
	expr, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	return &Assign{Name: name, Expr: expr}, nil
}

func (p *parser) isOp(text string) bool {
	return p.cur().kind == tokOp && p.cur().text == text
}

func (p *parser) parseExpr() (Node, error) { return p.parseOr() }

func (p *parser) parseOr() (Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.isOp("||") {
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: "||", Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Node, error) {
	left, err := p.parseEquality()
	if err != nil {
		return nil, err
	}
	for p.isOp("&&") {
		p.advance()
		right, err := p.parseEquality()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: "&&", Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseEquality() (Node, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for p.isOp("==") || p.isOp("!=") {
		op := p.advance().text
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseComparison() (Node, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	for p.isOp("<") || p.isOp("<=") || p.isOp(">") || p.isOp(">=") {
		op := p.advance().text
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseAdditive() (Node, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for p.isOp("+") || p.isOp("-") {
		op := p.advance().text
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseMultiplicative() (Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.isOp("*") || p.isOp("/") {
		op := p.advance().text
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (Node, error) {
	if p.isOp("-") || p.isOp("!") {
		op := p.advance().text
		expr, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &Unary{Op: op, Expr: expr}, nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (Node, error) {
	expr, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for p.isOp(".") {
		p.advance()
		if p.cur().kind != tokIdent {
			return nil, fmt.Errorf("tablescript: expected field name after '.'")
		}
		field := p.advance().text
		expr = &FieldAccess{Target: expr, Field: field}
	}
	return expr, nil
}

func (p *parser) parsePrimary() (Node, error) {
	tok := p.cur()
	switch {
	case tok.kind == tokNumber:
		p.advance()
		return &NumberLit{Value: tok.num}, nil
	case tok.kind == tokString:
		p.advance()
		return &StringLit{Value: tok.text}, nil
	case tok.kind == tokIdent && tok.text == "true":
		p.advance()
		return &BoolLit{Value: true}, nil
	case tok.kind == tokIdent && tok.text == "false":
		p.advance()
		return &BoolLit{Value: false}, nil
	case tok.kind == tokIdent:
		name := p.advance().text
		switch {
		case p.isOp("->"):
			p.advance()
			body, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			return &Lambda{Param: name, Body: body}, nil
		case p.isOp("("):
			p.advance()
			var args []Node
			for !p.isOp(")") {
				arg, err := p.parseExpr()
				if err != nil {
					return nil, err
				}
				args = append(args, arg)
				if p.isOp(",") {
					p.advance()
					continue
				}
				break
			}
			if !p.isOp(")") {
				return nil, fmt.Errorf("tablescript: expected ')' closing call to %q", name)
			}
			p.advance()
			return &Call{Name: name, Args: args}, nil
		default:
			return &Ident{Name: name}, nil
		}
	case p.isOp("("):
		p.advance()
		expr, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if !p.isOp(")") {
			return nil, fmt.Errorf("tablescript: expected ')'")
		}
		p.advance()
		return expr, nil
	default:
		return nil, fmt.Errorf("tablescript: unexpected token %q", tok.text)
	}
}
