package main

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/shakram02/mcp-db-gateway/internal/connmgr"
	"github.com/shakram02/mcp-db-gateway/internal/gateway"
	"github.com/shakram02/mcp-db-gateway/internal/registry"
	"github.com/shakram02/mcp-db-gateway/internal/requestlog"
	"github.com/shakram02/mcp-db-gateway/internal/schema"
)

type rawResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *Error          `json:"error"`
}

// createMathDB writes a small sqlite database and returns its path.
func createMathDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "math.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT NOT NULL, email TEXT)`)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE INDEX idx_users_email ON users(email)`)
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		_, err = db.Exec(`INSERT INTO users (id, name, email) VALUES (?, ?, ?)`, i, fmt.Sprintf("user%d", i), fmt.Sprintf("user%d@example.com", i))
		require.NoError(t, err)
	}
	return path
}

func newTestGateway(t *testing.T) (*gateway.Gateway, *registry.Registry) {
	t.Helper()
	reg, err := registry.New(registry.Entry{Name: "math", Driver: registry.DriverSQLite, Path: createMathDB(t)})
	require.NoError(t, err)

	conns := connmgr.New(reg, connmgr.Config{ConnectTimeout: 5 * time.Second})
	t.Cleanup(conns.Close)
	schemas := schema.New(conns, time.Minute, 5*time.Second)
	gw := gateway.New(reg, conns, schemas, requestlog.Discard, gateway.DefaultLimits())
	return gw, reg
}

// runServer feeds input lines to a server and returns its responses keyed
// by id.
func runServer(t *testing.T, lines ...string) map[string]rawResponse {
	t.Helper()
	gw, reg := newTestGateway(t)

	var out bytes.Buffer
	server := NewMCPServer(context.Background(), gw, reg, strings.NewReader(strings.Join(lines, "\n")+"\n"), &out)
	require.NoError(t, server.Run())

	responses := make(map[string]rawResponse)
	scanner := bufio.NewScanner(&out)
	for scanner.Scan() {
		var resp rawResponse
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &resp), scanner.Text())
		assert.Equal(t, "2.0", resp.JSONRPC)
		responses[fmt.Sprint(resp.ID)] = resp
	}
	return responses
}

func callTool(id int, name string, args map[string]any) string {
	data, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  "tools/call",
		"params":  map[string]any{"name": name, "arguments": args},
	})
	return string(data)
}

func toolText(t *testing.T, resp rawResponse) (string, bool) {
	t.Helper()
	require.Nil(t, resp.Error)
	var result CallToolResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Len(t, result.Content, 1)
	return result.Content[0].Text, result.IsError
}

func TestServer_Initialize(t *testing.T) {
	responses := runServer(t,
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","clientInfo":{"name":"test","version":"1"}}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"ping"}`,
	)
	require.Len(t, responses, 2, "notifications get no response")

	var init InitializeResult
	require.NoError(t, json.Unmarshal(responses["1"].Result, &init))
	assert.Equal(t, ProtocolVersion, init.ProtocolVersion)
	assert.Equal(t, ServerName, init.ServerInfo.Name)
	assert.NotNil(t, init.Capabilities.Tools)
	assert.NotNil(t, init.Capabilities.Resources)

	assert.JSONEq(t, `{}`, string(responses["2"].Result))
}

func TestServer_ProtocolErrors(t *testing.T) {
	responses := runServer(t,
		`{not json`,
		`{"jsonrpc":"1.0","id":1,"method":"ping"}`,
		`{"jsonrpc":"2.0","id":2,"method":"bogus/method"}`,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"drop_everything","arguments":{}}}`,
		`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"execute_query","arguments":{"database":"math"}}}`,
	)

	require.NotNil(t, responses["<nil>"].Error)
	assert.Equal(t, ParseError, responses["<nil>"].Error.Code)
	assert.Equal(t, InvalidRequest, responses["1"].Error.Code)
	assert.Equal(t, MethodNotFound, responses["2"].Error.Code)
	assert.Equal(t, MethodNotFound, responses["3"].Error.Code)
	assert.Equal(t, InvalidParams, responses["4"].Error.Code)
}

func TestServer_ToolsList(t *testing.T) {
	responses := runServer(t, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)

	var result ListToolsResult
	require.NoError(t, json.Unmarshal(responses["1"].Result, &result))

	var names []string
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
		if tool.Name != ToolExecuteQuery {
			continue
		}
		assert.NotContains(t, tool.Description, "SHOW", "only statements the guard accepts are advertised")
		assert.NotContains(t, tool.Description, "DESCRIBE")
		params := tool.InputSchema.Properties["params"]
		require.NotNil(t, params.Items)
		assert.ElementsMatch(t, []any{"string", "number", "boolean", "null"}, params.Items.Type)
	}
	assert.ElementsMatch(t, []string{
		ToolExecuteQuery, ToolGetTableSchema, ToolListDatabases,
		ToolGetDatabaseInfo, ToolGetAllTablesSchemas, ToolInvalidateSchema,
	}, names)
}

func TestServer_ExecuteQuery(t *testing.T) {
	responses := runServer(t,
		callTool(1, ToolExecuteQuery, map[string]any{"database": "math", "query": "SELECT id, name FROM users ORDER BY id"}),
		callTool(2, ToolExecuteQuery, map[string]any{"database": "math", "query": "SELECT name FROM users WHERE id = ?", "params": []any{2}}),
		callTool(3, ToolExecuteQuery, map[string]any{"database": "math", "query": "DELETE FROM users"}),
		callTool(4, ToolExecuteQuery, map[string]any{"database": "nope", "query": "SELECT 1"}),
	)

	text, isErr := toolText(t, responses["1"])
	require.False(t, isErr, text)
	var result gateway.QueryResult
	require.NoError(t, json.Unmarshal([]byte(text), &result))
	assert.Equal(t, []string{"id", "name"}, result.Columns)
	assert.Equal(t, 3, result.RowCount)
	assert.False(t, result.Truncated)

	text, isErr = toolText(t, responses["2"])
	require.False(t, isErr, text)
	assert.Contains(t, text, "user2")

	text, isErr = toolText(t, responses["3"])
	assert.True(t, isErr)
	assert.Contains(t, text, `"StatementRejected"`)

	text, isErr = toolText(t, responses["4"])
	assert.True(t, isErr)
	assert.Contains(t, text, `"DatabaseNotFound"`)
}

func TestServer_SchemaTools(t *testing.T) {
	responses := runServer(t,
		callTool(1, ToolGetTableSchema, map[string]any{"database": "math", "table_name": "users"}),
		callTool(2, ToolListDatabases, nil),
		callTool(3, ToolGetAllTablesSchemas, map[string]any{"database": "math"}),
		callTool(4, ToolInvalidateSchema, map[string]any{"database": "math"}),
		callTool(5, ToolGetDatabaseInfo, map[string]any{"database": "math"}),
	)

	text, isErr := toolText(t, responses["1"])
	require.False(t, isErr, text)
	assert.Contains(t, text, `"email"`)
	assert.Contains(t, text, "idx_users_email")

	text, isErr = toolText(t, responses["2"])
	require.False(t, isErr, text)
	assert.Contains(t, text, `"math"`)
	assert.Contains(t, text, `"sqlite"`)

	text, isErr = toolText(t, responses["3"])
	require.False(t, isErr, text)
	assert.Contains(t, text, `"users"`)

	text, isErr = toolText(t, responses["4"])
	require.False(t, isErr, text)
	assert.Contains(t, text, `"removed"`)

	text, isErr = toolText(t, responses["5"])
	require.False(t, isErr, text)
	assert.Contains(t, text, `"users"`)
}

func TestServer_Resources(t *testing.T) {
	responses := runServer(t,
		`{"jsonrpc":"2.0","id":1,"method":"resources/list"}`,
		`{"jsonrpc":"2.0","id":2,"method":"resources/read","params":{"uri":"db://math/schema"}}`,
		`{"jsonrpc":"2.0","id":3,"method":"resources/read","params":{"uri":"db://math/users/schema"}}`,
		`{"jsonrpc":"2.0","id":4,"method":"resources/read","params":{"uri":"mysql://math/users/schema"}}`,
		`{"jsonrpc":"2.0","id":5,"method":"resources/read","params":{"uri":"db://nope/schema"}}`,
	)

	var list ListResourcesResult
	require.NoError(t, json.Unmarshal(responses["1"].Result, &list))
	require.Len(t, list.Resources, 1)
	assert.Equal(t, "db://math/schema", list.Resources[0].URI)

	var read ReadResourceResult
	require.NoError(t, json.Unmarshal(responses["2"].Result, &read))
	require.Len(t, read.Contents, 1)
	assert.Contains(t, read.Contents[0].Text, `"users"`)

	require.NoError(t, json.Unmarshal(responses["3"].Result, &read))
	assert.Equal(t, "db://math/users/schema", read.Contents[0].URI)
	assert.Contains(t, read.Contents[0].Text, `"name"`)

	require.NotNil(t, responses["4"].Error)
	assert.Equal(t, InvalidParams, responses["4"].Error.Code)
	require.NotNil(t, responses["5"].Error)
	assert.Equal(t, InvalidParams, responses["5"].Error.Code)
}

func TestServer_ConcurrentCallsAllAnswered(t *testing.T) {
	const calls = 20
	lines := make([]string, 0, calls)
	for i := 1; i <= calls; i++ {
		lines = append(lines, callTool(i, ToolExecuteQuery, map[string]any{"database": "math", "query": fmt.Sprintf("SELECT %d AS n", i)}))
	}

	responses := runServer(t, lines...)
	require.Len(t, responses, calls)
	for i := 1; i <= calls; i++ {
		text, isErr := toolText(t, responses[fmt.Sprint(i)])
		require.False(t, isErr, text)
		assert.Contains(t, text, fmt.Sprintf(`"n": %d`, i))
	}
}

func TestServer_StopsOnCancel(t *testing.T) {
	gw, reg := newTestGateway(t)
	in, w := io.Pipe()
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	server := NewMCPServer(ctx, gw, reg, in, io.Discard)

	done := make(chan error, 1)
	go func() { done <- server.Run() }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
