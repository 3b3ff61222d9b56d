package guard

import (
	"errors"
	"strings"
)

type tokenKind int

const (
	tokWord tokenKind = iota
	tokQuotedIdent
	tokString
	tokNumber
	tokParam
	tokPunct
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func (t token) is(kind tokenKind, text string) bool {
	return t.kind == kind && t.text == text
}

var (
	errUnterminatedString  = errors.New("unterminated string literal")
	errUnterminatedIdent   = errors.New("unterminated quoted identifier")
	errUnterminatedComment = errors.New("unterminated comment")
	errExecutableComment   = errors.New("executable comments are not supported")
)

// lexer splits SQL into tokens. Comments and whitespace never produce
// tokens, so nothing inside them is ever classified.
type lexer struct {
	input string
	pos   int
	opts  Options
}

func tokenize(input string, opts Options) ([]token, error) {
	l := &lexer{input: input, opts: opts}
	var toks []token
	for {
		if err := l.skipWhitespaceAndComments(); err != nil {
			return nil, err
		}
		if l.pos >= len(l.input) {
			return toks, nil
		}
		tok, err := l.next()
		if err != nil {
			return nil, err
		}
		toks = append(toks, tok)
	}
}

func (l *lexer) peek(offset int) byte {
	if l.pos+offset >= len(l.input) {
		return 0
	}
	return l.input[l.pos+offset]
}

func (l *lexer) skipWhitespaceAndComments() error {
	for l.pos < len(l.input) {
		ch := l.input[l.pos]
		switch {
		case isSpace(ch):
			l.pos++
		case ch == '-' && l.peek(1) == '-' && l.dashCommentStarts():
			l.skipLine()
		case ch == '#' && l.opts.HashComments:
			l.skipLine()
		case ch == '/' && l.peek(1) == '*':
			if err := l.skipBlockComment(); err != nil {
				return err
			}
		default:
			return nil
		}
	}
	return nil
}

// MySQL only treats "--" as a comment when followed by whitespace.
func (l *lexer) dashCommentStarts() bool {
	if !l.opts.DashCommentNeedsSpace {
		return true
	}
	next := l.peek(2)
	return next == 0 || isSpace(next)
}

func (l *lexer) skipLine() {
	for l.pos < len(l.input) && l.input[l.pos] != '\n' {
		l.pos++
	}
}

func (l *lexer) skipBlockComment() error {
	if l.opts.RejectExecutableComments && l.peek(2) == '!' {
		return errExecutableComment
	}
	l.pos += 2
	depth := 1
	for l.pos < len(l.input) {
		switch {
		case l.input[l.pos] == '*' && l.peek(1) == '/':
			l.pos += 2
			depth--
			if depth == 0 || !l.opts.NestedComments {
				return nil
			}
		case l.opts.NestedComments && l.input[l.pos] == '/' && l.peek(1) == '*':
			l.pos += 2
			depth++
		default:
			l.pos++
		}
	}
	return errUnterminatedComment
}

func (l *lexer) next() (token, error) {
	start := l.pos
	ch := l.input[l.pos]

	switch {
	case ch == '\'':
		return l.readQuoted(start, '\'', tokString, l.opts.BackslashEscapes, errUnterminatedString)
	case ch == '"':
		if l.opts.DoubleQuotedStrings {
			return l.readQuoted(start, '"', tokString, l.opts.BackslashEscapes, errUnterminatedString)
		}
		return l.readQuoted(start, '"', tokQuotedIdent, false, errUnterminatedIdent)
	case ch == '`' && l.opts.BacktickIdents:
		return l.readQuoted(start, '`', tokQuotedIdent, false, errUnterminatedIdent)
	case ch == '[' && l.opts.BracketIdents:
		return l.readBracketIdent(start)
	case ch == '$' && l.opts.DollarQuotes:
		if tok, ok, err := l.readDollarQuoted(start); ok || err != nil {
			return tok, err
		}
		if isDigit(l.peek(1)) {
			l.pos++
			for l.pos < len(l.input) && isDigit(l.input[l.pos]) {
				l.pos++
			}
			return token{kind: tokParam, text: l.input[start:l.pos], pos: start}, nil
		}
	case ch == '?':
		l.pos++
		return token{kind: tokParam, text: "?", pos: start}, nil
	case isDigit(ch):
		for l.pos < len(l.input) && (isIdentChar(l.input[l.pos]) || l.input[l.pos] == '.') {
			l.pos++
		}
		return token{kind: tokNumber, text: l.input[start:l.pos], pos: start}, nil
	case isIdentStart(ch):
		for l.pos < len(l.input) && isIdentChar(l.input[l.pos]) {
			l.pos++
		}
		word := l.input[start:l.pos]
		// E'...' strings accept backslash escapes even when plain strings do not.
		if l.opts.EscapeStrings && (word == "E" || word == "e") && l.peek(0) == '\'' {
			return l.readQuoted(start, '\'', tokString, true, errUnterminatedString)
		}
		return token{kind: tokWord, text: word, pos: start}, nil
	}

	l.pos++
	return token{kind: tokPunct, text: string(ch), pos: start}, nil
}

// readQuoted consumes a quote-delimited run starting at l.pos, where a
// doubled quote is an escaped quote.
func (l *lexer) readQuoted(start int, quote byte, kind tokenKind, backslash bool, unterminated error) (token, error) {
	l.pos++ // opening quote
	var sb strings.Builder
	for l.pos < len(l.input) {
		ch := l.input[l.pos]
		if backslash && ch == '\\' && l.pos+1 < len(l.input) {
			sb.WriteByte(l.input[l.pos+1])
			l.pos += 2
			continue
		}
		if ch == quote {
			if l.peek(1) == quote {
				sb.WriteByte(quote)
				l.pos += 2
				continue
			}
			l.pos++
			return token{kind: kind, text: sb.String(), pos: start}, nil
		}
		sb.WriteByte(ch)
		l.pos++
	}
	return token{}, unterminated
}

func (l *lexer) readBracketIdent(start int) (token, error) {
	l.pos++
	var sb strings.Builder
	for l.pos < len(l.input) {
		ch := l.input[l.pos]
		if ch == ']' {
			if l.peek(1) == ']' {
				sb.WriteByte(']')
				l.pos += 2
				continue
			}
			l.pos++
			return token{kind: tokQuotedIdent, text: sb.String(), pos: start}, nil
		}
		sb.WriteByte(ch)
		l.pos++
	}
	return token{}, errUnterminatedIdent
}

// readDollarQuoted handles $$...$$ and $tag$...$tag$. ok is false when the
// input at l.pos is not a dollar-quote opener.
func (l *lexer) readDollarQuoted(start int) (token, bool, error) {
	end := l.pos + 1
	for end < len(l.input) && isIdentChar(l.input[end]) && l.input[end] != '$' {
		end++
	}
	if end >= len(l.input) || l.input[end] != '$' {
		return token{}, false, nil
	}
	tag := l.input[l.pos : end+1]
	if len(tag) > 2 && isDigit(tag[1]) {
		return token{}, false, nil
	}
	body := l.input[end+1:]
	closeIdx := strings.Index(body, tag)
	if closeIdx < 0 {
		return token{}, true, errUnterminatedString
	}
	l.pos = end + 1 + closeIdx + len(tag)
	return token{kind: tokString, text: body[:closeIdx], pos: start}, true, nil
}

func isSpace(ch byte) bool {
	return ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r' || ch == '\f' || ch == '\v'
}

func isDigit(ch byte) bool { return ch >= '0' && ch <= '9' }

func isIdentStart(ch byte) bool {
	return ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || ch >= 0x80
}

func isIdentChar(ch byte) bool {
	return isIdentStart(ch) || isDigit(ch) || ch == '$'
}
