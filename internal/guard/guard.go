// Package guard decides whether a SQL statement is safe to run on a
// read-only connection.
//
// Classification works on tokens, not substrings: string literals, quoted
// identifiers and comments are recognised by the lexer and comment text is
// dropped before any keyword is examined. A write keyword inside a comment
// is therefore ignored, the same as one inside a string literal.
package guard

import (
	"fmt"
	"strings"
)

// Rejection reasons.
const (
	ReasonNonReadOnly        = "non-read-only statement"
	ReasonEmbeddedWrite      = "embedded write operation detected"
	ReasonMultipleStatements = "multiple statements are not allowed"
	ReasonUnparseable        = "unparseable"
)

// Verdict is the outcome of classifying one statement.
type Verdict struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	// Keyword is the normalized leading keyword, when one was found.
	Keyword string `json:"keyword,omitempty"`
}

// Options adapts the lexer to a SQL dialect's quoting and comment rules.
// The zero value follows ANSI SQL.
type Options struct {
	HashComments             bool // MySQL: '#' starts a line comment
	DashCommentNeedsSpace    bool // MySQL: "--" must be followed by whitespace
	NestedComments           bool // PostgreSQL, SQL Server
	RejectExecutableComments bool // MySQL: /*! ... */ is executed
	BackslashEscapes         bool // MySQL: '\'' inside strings
	EscapeStrings            bool // PostgreSQL: E'...'
	DollarQuotes             bool // PostgreSQL: $$...$$, $tag$...$tag$
	DoubleQuotedStrings      bool // MySQL without ANSI_QUOTES
	BacktickIdents           bool
	BracketIdents            bool

	// ForbiddenFunctions are rejected when called, matched case-insensitively
	// and regardless of schema qualification.
	ForbiddenFunctions []string

	// FunctionKeywords are write keywords that are also scalar functions in
	// the dialect (MySQL INSERT(str, pos, len, newstr)). Only these are
	// allowed when directly followed by "(".
	FunctionKeywords []string
}

var allowedLeading = map[string]bool{
	"SELECT":  true,
	"WITH":    true,
	"EXPLAIN": true,
}

// writeKeywords may not appear in keyword position anywhere in a statement.
var writeKeywords = map[string]bool{
	"INSERT":   true,
	"UPDATE":   true,
	"DELETE":   true,
	"MERGE":    true,
	"UPSERT":   true,
	"DROP":     true,
	"ALTER":    true,
	"CREATE":   true,
	"TRUNCATE": true,
	"GRANT":    true,
	"REVOKE":   true,
	"COPY":     true,
	"CALL":     true,
	"EXEC":     true,
	"EXECUTE":  true,
	"INTO":     true,
	"LOCK":     true,
	"VACUUM":   true,
	"ATTACH":   true,
	"DETACH":   true,
	"REINDEX":  true,
	"RENAME":   true,
	"HANDLER":  true,
}

// procedureKeywords run another statement or routine and are rejected
// whatever follows them.
var procedureKeywords = map[string]bool{
	"CALL":    true,
	"EXEC":    true,
	"EXECUTE": true,
}

// Guard classifies statements for one dialect. It is immutable and safe for
// concurrent use.
type Guard struct {
	opts      Options
	forbidden map[string]bool
	functions map[string]bool
}

// New returns a Guard using opts.
func New(opts Options) *Guard {
	g := &Guard{
		opts:      opts,
		forbidden: make(map[string]bool, len(opts.ForbiddenFunctions)),
		functions: make(map[string]bool, len(opts.FunctionKeywords)),
	}
	for _, fn := range opts.ForbiddenFunctions {
		g.forbidden[strings.ToLower(fn)] = true
	}
	for _, kw := range opts.FunctionKeywords {
		upper := strings.ToUpper(kw)
		if !procedureKeywords[upper] {
			g.functions[upper] = true
		}
	}
	return g
}

var ansi = New(Options{})

// Classify classifies sql with ANSI quoting rules.
func Classify(sql string) Verdict {
	return ansi.Classify(sql)
}

// Classify never fails: anything it cannot make sense of is rejected as
// unparseable.
func (g *Guard) Classify(sql string) Verdict {
	toks, err := tokenize(sql, g.opts)
	if err != nil || len(toks) == 0 || !balanced(toks) {
		return reject(ReasonUnparseable, "")
	}

	lead := 0
	for lead < len(toks) && toks[lead].is(tokPunct, "(") {
		lead++
	}
	if lead == len(toks) || toks[lead].kind != tokWord {
		return reject(ReasonNonReadOnly, "")
	}
	keyword := strings.ToUpper(toks[lead].text)
	if !allowedLeading[keyword] {
		return reject(ReasonNonReadOnly, keyword)
	}

	stmt, multiple := firstStatement(toks)
	if multiple {
		return reject(ReasonMultipleStatements, keyword)
	}

	for i := lead + 1; i < len(stmt); i++ {
		tok := stmt[i]
		if tok.kind != tokWord && tok.kind != tokQuotedIdent {
			continue
		}
		prev, next := neighbour(stmt, i-1), neighbour(stmt, i+1)
		calls := next.is(tokPunct, "(")

		if calls && g.forbidden[strings.ToLower(tok.text)] {
			return reject(fmt.Sprintf("forbidden function: %s", strings.ToLower(tok.text)), keyword)
		}
		if tok.kind != tokWord || prev.is(tokPunct, ".") || next.is(tokPunct, ".") {
			continue
		}
		word := strings.ToUpper(tok.text)
		if calls && g.functions[word] {
			continue
		}
		if writeKeywords[word] {
			return reject(ReasonEmbeddedWrite, keyword)
		}
	}

	return Verdict{Allowed: true, Keyword: keyword}
}

func reject(reason, keyword string) Verdict {
	return Verdict{Allowed: false, Reason: reason, Keyword: keyword}
}

// firstStatement returns the tokens before the first terminator. Trailing
// terminators with nothing after them are accepted.
func firstStatement(toks []token) ([]token, bool) {
	for i, tok := range toks {
		if !tok.is(tokPunct, ";") {
			continue
		}
		for _, rest := range toks[i+1:] {
			if !rest.is(tokPunct, ";") {
				return nil, true
			}
		}
		return toks[:i], false
	}
	return toks, false
}

func balanced(toks []token) bool {
	depth := 0
	for _, tok := range toks {
		switch {
		case tok.is(tokPunct, "("):
			depth++
		case tok.is(tokPunct, ")"):
			depth--
			if depth < 0 {
				return false
			}
		}
	}
	return depth == 0
}

func neighbour(toks []token, i int) token {
	if i < 0 || i >= len(toks) {
		return token{kind: -1}
	}
	return toks[i]
}
