package guard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func texts(toks []token) []string {
	out := make([]string, len(toks))
	for i, tok := range toks {
		out[i] = tok.text
	}
	return out
}

func TestTokenize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		opts     Options
		expected []string
	}{
		{
			name:     "single-quoted string is one token",
			input:    "SELECT * FROM users WHERE name = 'DROP TABLE'",
			expected: []string{"SELECT", "*", "FROM", "users", "WHERE", "name", "=", "DROP TABLE"},
		},
		{
			name:     "-- comment dropped",
			input:    "SELECT * FROM users -- comment",
			expected: []string{"SELECT", "*", "FROM", "users"},
		},
		{
			name:     "/* */ comment dropped",
			input:    "SELECT /* comment */ 1",
			expected: []string{"SELECT", "1"},
		},
		{
			name:     "doubled quote escapes",
			input:    "SELECT 'it''s'",
			expected: []string{"SELECT", "it's"},
		},
		{
			name:     "double-quoted identifier",
			input:    `SELECT "table ""name"""`,
			expected: []string{"SELECT", `table "name"`},
		},
		{
			name:     "hash is punctuation by default",
			input:    "SELECT # FROM users",
			expected: []string{"SELECT", "#", "FROM", "users"},
		},
		{
			name:     "hash comment when enabled",
			input:    "SELECT 1 # trailing",
			opts:     Options{HashComments: true},
			expected: []string{"SELECT", "1"},
		},
		{
			name:     "backtick identifier",
			input:    "SELECT * FROM `table_name`",
			opts:     Options{BacktickIdents: true},
			expected: []string{"SELECT", "*", "FROM", "table_name"},
		},
		{
			name:     "dollar quoting",
			input:    "SELECT $fn$ body $fn$, $2",
			opts:     Options{DollarQuotes: true},
			expected: []string{"SELECT", " body ", ",", "$2"},
		},
		{
			name:     "qualified names split on dots",
			input:    "SELECT a.b FROM s.t",
			expected: []string{"SELECT", "a", ".", "b", "FROM", "s", ".", "t"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			toks, err := tokenize(tc.input, tc.opts)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, texts(toks))
		})
	}
}

func TestTokenize_Kinds(t *testing.T) {
	toks, err := tokenize(`SELECT "id", 'x', 42, ? FROM t`, Options{})
	require.NoError(t, err)

	kinds := make([]tokenKind, len(toks))
	for i, tok := range toks {
		kinds[i] = tok.kind
	}
	assert.Equal(t, []tokenKind{
		tokWord, tokQuotedIdent, tokPunct, tokString, tokPunct, tokNumber, tokPunct, tokParam, tokWord, tokWord,
	}, kinds)
}

func TestTokenize_Errors(t *testing.T) {
	_, err := tokenize("SELECT 'open", Options{})
	assert.ErrorIs(t, err, errUnterminatedString)

	_, err = tokenize("SELECT 1 /* open", Options{})
	assert.ErrorIs(t, err, errUnterminatedComment)

	_, err = tokenize("SELECT `open", Options{BacktickIdents: true})
	assert.ErrorIs(t, err, errUnterminatedIdent)

	_, err = tokenize("SELECT /*!50000 1 */", Options{RejectExecutableComments: true})
	assert.ErrorIs(t, err, errExecutableComment)
}
