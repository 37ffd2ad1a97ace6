package sandbox

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNewline
	tokIdent
	tokNumber
	tokString
	tokOp // punctuation and operators, literal text in Text
)

type token struct {
	kind tokenKind
	text string
	num  float64
}

// lex tokenizes tablescript source. Newlines are significant (statement
// separators); all other whitespace is insignificant.
func lex(src string) ([]token, error) {
	var toks []token
	runes := []rune(src)
	i := 0
	n := len(runes)

	for i < n {
		c := runes[i]
		switch {
		case c == '\n':
			toks = append(toks, token{kind: tokNewline})
			i++
		case c == '#':
			for i < n && runes[i] != '\n' {
				i++
			}
		case unicode.IsSpace(c):
			i++
		case unicode.IsLetter(c) || c == '_':
			start := i
			for i < n && (unicode.IsLetter(runes[i]) || unicode.IsDigit(runes[i]) || runes[i] == '_') {
				i++
			}
			toks = append(toks, token{kind: tokIdent, text: string(runes[start:i])})
		case unicode.IsDigit(c):
			start := i
			for i < n && (unicode.IsDigit(runes[i]) || runes[i] == '.') {
				i++
			}
			var f float64
			if _, err := fmt.Sscanf(string(runes[start:i]), "%g", &f); err != nil {
				return nil, fmt.Errorf("tablescript: invalid number %q", string(runes[start:i]))
			}
			toks = append(toks, token{kind: tokNumber, num: f})
		case c == '"':
			i++
			var sb strings.Builder
			for i < n && runes[i] != '"' {
				if runes[i] == '\\' && i+1 < n {
					i++
					switch runes[i] {
					case 'n':
						sb.WriteRune('\n')
					case 't':
						sb.WriteRune('\t')
					default:
						sb.WriteRune(runes[i])
					}
				} else {
					sb.WriteRune(runes[i])
				}
				i++
			}
			if i >= n {
				return nil, fmt.Errorf("tablescript: unterminated string literal")
			}
			i++ // closing quote
			toks = append(toks, token{kind: tokString, text: sb.String()})
		default:
			op, width, err := lexOperator(runes[i:])
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokOp, text: op})
			i += width
		}
	}
	toks = append(toks, token{kind: tokEOF})
	return toks, nil
}

func lexOperator(rest []rune) (string, int, error) {
	two := ""
	if len(rest) >= 2 {
		two = string(rest[:2])
	}
	switch two {
	case "->", "==", "!=", "<=", ">=", "&&", "||":
		return two, 2, nil
	}
	one := string(rest[0])
	switch one {
	case "(", ")", ",", ".", "+", "-", "*", "/", "<", ">", "!", "=":
		return one, 1, nil
	}
	return "", 0, fmt.Errorf("tablescript: unexpected character %q", one)
}
