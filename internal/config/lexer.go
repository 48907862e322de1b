package config

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokLBrace
	tokRBrace
	tokComment
)

type token struct {
	kind tokenKind
	text string
	pos  position
}

type position struct {
	line int
	col  int
}

func (p position) String() string {
	return fmt.Sprintf("%d:%d", p.line, p.col)
}

// placeholderPrefixes start a brace-delimited value that lexes as one
// identifier instead of opening a block.
var placeholderPrefixes = []string{"{$", "{env.", "{file."}

type lexer struct {
	src  string
	i    int
	line int
	col  int
}

func newLexer(src string) *lexer {
	return &lexer{src: src, line: 1, col: 1}
}

func (l *lexer) pos() position {
	return position{line: l.line, col: l.col}
}

func (l *lexer) peekRune() (rune, int, error) {
	r, size := utf8.DecodeRuneInString(l.src[l.i:])
	if r == utf8.RuneError && size == 1 {
		return 0, 0, fmt.Errorf("invalid utf-8 at %s", l.pos())
	}
	return r, size, nil
}

func (l *lexer) nextToken() (token, error) {
	for l.i < len(l.src) {
		r, size, err := l.peekRune()
		if err != nil {
			return token{}, err
		}
		if isSpace(r) {
			l.advance(r, size)
			continue
		}

		pos := l.pos()
		switch r {
		case '{':
			if n := l.placeholderLen(); n > 0 {
				return token{kind: tokIdent, text: l.take(n), pos: pos}, nil
			}
			l.advance(r, size)
			return token{kind: tokLBrace, text: "{", pos: pos}, nil
		case '}':
			l.advance(r, size)
			return token{kind: tokRBrace, text: "}", pos: pos}, nil
		case '#':
			n := strings.IndexByte(l.src[l.i:], '\n')
			if n < 0 {
				n = len(l.src) - l.i
			}
			return token{kind: tokComment, text: l.take(n), pos: pos}, nil
		case '"':
			s, err := l.readString()
			if err != nil {
				return token{}, err
			}
			return token{kind: tokString, text: s, pos: pos}, nil
		default:
			ident, err := l.readIdent()
			if err != nil {
				return token{}, err
			}
			return token{kind: tokIdent, text: ident, pos: pos}, nil
		}
	}
	return token{kind: tokEOF, pos: l.pos()}, nil
}

// placeholderLen returns the byte length of a placeholder starting at the
// current '{', or 0 when the brace opens a block.
func (l *lexer) placeholderLen() int {
	rest := l.src[l.i:]
	known := false
	for _, prefix := range placeholderPrefixes {
		if strings.HasPrefix(rest, prefix) {
			known = true
			break
		}
	}
	if !known {
		return 0
	}
	end := strings.IndexAny(rest[1:], "{} \t\r\n")
	if end < 0 || rest[1+end] != '}' {
		return 0
	}
	return end + 2
}

func (l *lexer) take(n int) string {
	s := l.src[l.i : l.i+n]
	for rest := s; rest != ""; {
		r, size := utf8.DecodeRuneInString(rest)
		l.advance(r, size)
		rest = rest[size:]
	}
	return s
}

func (l *lexer) readIdent() (string, error) {
	start := l.i
	for l.i < len(l.src) {
		r, size, err := l.peekRune()
		if err != nil {
			return "", err
		}
		if isSpace(r) || strings.ContainsRune(`{}"#`, r) {
			break
		}
		l.advance(r, size)
	}
	return l.src[start:l.i], nil
}

var escapes = map[rune]rune{'\\': '\\', '"': '"', 'n': '\n', 't': '\t', 'r': '\r'}

func (l *lexer) readString() (string, error) {
	l.advance('"', 1)

	var out strings.Builder
	for {
		if l.i >= len(l.src) {
			return "", fmt.Errorf("unterminated string at %s", l.pos())
		}
		r, size, err := l.peekRune()
		if err != nil {
			return "", err
		}
		switch r {
		case '\n':
			return "", fmt.Errorf("unterminated string at %s", l.pos())
		case '"':
			l.advance(r, size)
			return out.String(), nil
		case '\\':
			l.advance(r, size)
			if l.i >= len(l.src) {
				return "", fmt.Errorf("unterminated escape at %s", l.pos())
			}
			er, esize, err := l.peekRune()
			if err != nil {
				return "", err
			}
			l.advance(er, esize)
			if mapped, ok := escapes[er]; ok {
				er = mapped
			}
			out.WriteRune(er)
		default:
			l.advance(r, size)
			out.WriteRune(r)
		}
	}
}

func (l *lexer) advance(r rune, size int) {
	l.i += size
	if r == '\n' {
		l.line++
		l.col = 1
		return
	}
	l.col++
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}
