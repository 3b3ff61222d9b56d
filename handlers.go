package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shakram02/mcp-db-gateway/internal/apperr"
	"github.com/shakram02/mcp-db-gateway/internal/gateway"
)

const resourceScheme = "db://"

// Tool names exposed to MCP clients.
const (
	ToolExecuteQuery        = "execute_query"
	ToolGetTableSchema      = "get_table_schema"
	ToolListDatabases       = "list_databases"
	ToolGetDatabaseInfo     = "get_database_info"
	ToolGetAllTablesSchemas = "get_all_tables_schemas"
	ToolInvalidateSchema    = "invalidate_schema_cache"
)

var (
	databaseProperty = Property{Type: "string", Description: "Logical database name from list_databases"}
	tableProperty    = Property{Type: "string", Description: "Table name, optionally schema-qualified"}
)

func (s *MCPServer) handleInitialize(params json.RawMessage) (*InitializeResult, *Error) {
	var initParams InitializeParams
	if params != nil {
		if err := json.Unmarshal(params, &initParams); err != nil {
			return nil, &Error{
				Code:    InvalidParams,
				Message: "Invalid initialize parameters",
				Data:    err.Error(),
			}
		}
	}

	return &InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities: ServerCapabilities{
			Tools:     &ToolsCapability{},
			Resources: &ResourcesCapability{},
		},
		ServerInfo: ServerInfo{
			Name:    ServerName,
			Version: s.version,
		},
		Instructions: "Read-only access to the configured databases. Call list_databases first; every other tool takes a database name.",
	}, nil
}

func (s *MCPServer) handleListTools() (*ListToolsResult, *Error) {
	return &ListToolsResult{
		Tools: []Tool{
			{
				Name:        ToolExecuteQuery,
				Description: "Execute a read-only SQL statement (SELECT, WITH or EXPLAIN) against one database. Results are truncated at the configured row and byte limits.",
				InputSchema: InputSchema{
					Type: "object",
					Properties: map[string]Property{
						"database": databaseProperty,
						"query": {
							Type:        "string",
							Description: "A single read-only SQL statement",
						},
						"params": {
							Type:        "array",
							Description: "Positional bind parameters (strings, numbers, booleans or null)",
							Items:       &Property{Type: []string{"string", "number", "boolean", "null"}},
						},
					},
					Required: []string{"database", "query"},
				},
			},
			{
				Name:        ToolGetTableSchema,
				Description: "Get the columns and indexes of a table",
				InputSchema: InputSchema{
					Type: "object",
					Properties: map[string]Property{
						"database":   databaseProperty,
						"table_name": tableProperty,
					},
					Required: []string{"database", "table_name"},
				},
			},
			{
				Name:        ToolListDatabases,
				Description: "List the configured databases with their driver and host",
				InputSchema: InputSchema{
					Type:       "object",
					Properties: map[string]Property{},
					Required:   []string{},
				},
			},
			{
				Name:        ToolGetDatabaseInfo,
				Description: "Get server version, size and table list of a database",
				InputSchema: InputSchema{
					Type:       "object",
					Properties: map[string]Property{"database": databaseProperty},
					Required:   []string{"database"},
				},
			},
			{
				Name:        ToolGetAllTablesSchemas,
				Description: "Get the schema of every table in a database",
				InputSchema: InputSchema{
					Type:       "object",
					Properties: map[string]Property{"database": databaseProperty},
					Required:   []string{"database"},
				},
			},
			{
				Name:        ToolInvalidateSchema,
				Description: "Drop cached table schemas so the next lookup reads the catalog again. Without table_name the whole database is dropped.",
				InputSchema: InputSchema{
					Type: "object",
					Properties: map[string]Property{
						"database":   databaseProperty,
						"table_name": tableProperty,
					},
					Required: []string{"database"},
				},
			},
		},
	}, nil
}

func (s *MCPServer) handleCallTool(ctx context.Context, params json.RawMessage) (*CallToolResult, *Error) {
	var callParams CallToolParams
	if err := json.Unmarshal(params, &callParams); err != nil {
		return nil, &Error{
			Code:    InvalidParams,
			Message: "Invalid parameters",
			Data:    err.Error(),
		}
	}

	req, rpcErr := toolRequest(callParams.Name, callParams.Arguments)
	if rpcErr != nil {
		return nil, rpcErr
	}
	return toolResult(s.gw.Handle(ctx, req)), nil
}

// toolRequest translates an MCP tool call into a gateway request.
func toolRequest(name string, args map[string]any) (gateway.Request, *Error) {
	var req gateway.Request
	var rpcErr *Error

	switch name {
	case ToolListDatabases:
		req.Kind = gateway.KindListDatabases
		return req, nil
	case ToolExecuteQuery:
		req.Kind = gateway.KindRunQuery
		if req.Database, rpcErr = stringArg(args, "database", true); rpcErr != nil {
			return req, rpcErr
		}
		if req.SQL, rpcErr = stringArg(args, "query", true); rpcErr != nil {
			return req, rpcErr
		}
		if raw, ok := args["params"]; ok && raw != nil {
			list, ok := raw.([]any)
			if !ok {
				return req, &Error{Code: InvalidParams, Message: "Invalid 'params' parameter: expected an array"}
			}
			req.Params = list
		}
	case ToolGetTableSchema:
		req.Kind = gateway.KindDescribeTable
		if req.Database, rpcErr = stringArg(args, "database", true); rpcErr != nil {
			return req, rpcErr
		}
		if req.Table, rpcErr = stringArg(args, "table_name", true); rpcErr != nil {
			return req, rpcErr
		}
	case ToolGetDatabaseInfo, ToolGetAllTablesSchemas:
		req.Kind = gateway.KindDatabaseInfo
		if name == ToolGetAllTablesSchemas {
			req.Kind = gateway.KindDescribeDatabase
		}
		if req.Database, rpcErr = stringArg(args, "database", true); rpcErr != nil {
			return req, rpcErr
		}
	case ToolInvalidateSchema:
		req.Kind = gateway.KindInvalidateSchema
		if req.Database, rpcErr = stringArg(args, "database", true); rpcErr != nil {
			return req, rpcErr
		}
		if req.Table, rpcErr = stringArg(args, "table_name", false); rpcErr != nil {
			return req, rpcErr
		}
	default:
		return req, &Error{
			Code:    MethodNotFound,
			Message: fmt.Sprintf("Unknown tool: %s", name),
		}
	}
	return req, nil
}

func stringArg(args map[string]any, key string, required bool) (string, *Error) {
	raw, present := args[key]
	if !present || raw == nil {
		if required {
			return "", &Error{Code: InvalidParams, Message: fmt.Sprintf("Missing '%s' parameter", key)}
		}
		return "", nil
	}
	v, ok := raw.(string)
	if !ok || (required && strings.TrimSpace(v) == "") {
		return "", &Error{Code: InvalidParams, Message: fmt.Sprintf("Invalid '%s' parameter: expected a non-empty string", key)}
	}
	return v, nil
}

// toolResult renders a gateway response as tool output. Gateway errors are
// tool errors, not protocol errors, so the client model can read the kind.
func toolResult(resp gateway.Response) *CallToolResult {
	if resp.Error != nil {
		text, _ := json.MarshalIndent(map[string]any{"error": resp.Error}, "", "  ")
		return &CallToolResult{
			Content: []Content{{Type: "text", Text: string(text)}},
			IsError: true,
		}
	}

	text, err := json.MarshalIndent(resp.Result, "", "  ")
	if err != nil {
		return &CallToolResult{
			Content: []Content{{Type: "text", Text: fmt.Sprintf("Failed to marshal result: %v", err)}},
			IsError: true,
		}
	}
	return &CallToolResult{
		Content: []Content{{Type: "text", Text: string(text)}},
	}
}

func (s *MCPServer) handleListResources() (*ListResourcesResult, *Error) {
	resources := make([]Resource, 0, s.reg.Len())
	for _, db := range s.reg.Summaries() {
		resources = append(resources, Resource{
			URI:         resourceScheme + db.Name + "/schema",
			Name:        fmt.Sprintf("Schema for database '%s'", db.Name),
			Description: fmt.Sprintf("%s database %s", db.Driver, db.Database),
			MimeType:    "application/json",
		})
	}
	return &ListResourcesResult{Resources: resources}, nil
}

func (s *MCPServer) handleReadResource(ctx context.Context, params json.RawMessage) (*ReadResourceResult, *Error) {
	var readParams ReadResourceParams
	if err := json.Unmarshal(params, &readParams); err != nil {
		return nil, &Error{
			Code:    InvalidParams,
			Message: "Invalid parameters",
			Data:    err.Error(),
		}
	}

	req, rpcErr := resourceRequest(readParams.URI)
	if rpcErr != nil {
		return nil, rpcErr
	}

	resp := s.gw.Handle(ctx, req)
	if resp.Error != nil {
		return nil, &Error{
			Code:    errorCode(resp.Error.Kind),
			Message: resp.Error.Message,
			Data:    resp.Error,
		}
	}

	text, err := json.MarshalIndent(resp.Result, "", "  ")
	if err != nil {
		return nil, &Error{
			Code:    InternalError,
			Message: fmt.Sprintf("Failed to marshal schema: %v", err),
		}
	}

	return &ReadResourceResult{
		Contents: []ResourceContent{
			{
				URI:      readParams.URI,
				MimeType: "application/json",
				Text:     string(text),
			},
		},
	}, nil
}

// resourceRequest parses db://<database>/schema and
// db://<database>/<table>/schema.
func resourceRequest(uri string) (gateway.Request, *Error) {
	if !strings.HasPrefix(uri, resourceScheme) {
		return gateway.Request{}, &Error{
			Code:    InvalidParams,
			Message: "Invalid resource URI: must start with " + resourceScheme,
		}
	}

	parts := strings.Split(strings.TrimPrefix(uri, resourceScheme), "/")
	switch {
	case len(parts) == 2 && parts[0] != "" && parts[1] == "schema":
		return gateway.Request{Kind: gateway.KindDescribeDatabase, Database: parts[0]}, nil
	case len(parts) == 3 && parts[0] != "" && parts[1] != "" && parts[2] == "schema":
		return gateway.Request{Kind: gateway.KindDescribeTable, Database: parts[0], Table: parts[1]}, nil
	}
	return gateway.Request{}, &Error{
		Code:    InvalidParams,
		Message: "Invalid resource URI format: expected db://database/schema or db://database/table/schema",
	}
}

func errorCode(kind apperr.Kind) int {
	switch kind {
	case apperr.KindDatabaseNotFound, apperr.KindStatementRejected, apperr.KindInvalidRequest:
		return InvalidParams
	default:
		return InternalError
	}
}
