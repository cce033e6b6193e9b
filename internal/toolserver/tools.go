package toolserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const (
	ServerName    = "epicflare"
	ServerVersion = "1.0.0"
)

type binaryOp func(a, b float64) (float64, string)

func NewMCPServer() *server.MCPServer {
	s := server.NewMCPServer(ServerName, ServerVersion, server.WithToolCapabilities(false))

	addArithmetic(s, "add", "Add two numbers.", func(a, b float64) (float64, string) { return a + b, "" })
	addArithmetic(s, "subtract", "Subtract b from a.", func(a, b float64) (float64, string) { return a - b, "" })
	addArithmetic(s, "multiply", "Multiply two numbers.", func(a, b float64) (float64, string) { return a * b, "" })
	addArithmetic(s, "divide", "Divide a by b.", func(a, b float64) (float64, string) {
		if b == 0 {
			return 0, "Cannot divide by zero."
		}
		return a / b, ""
	})

	s.AddTool(
		mcp.NewTool("whoami", mcp.WithDescription("Describe the account this connection is authorized as.")),
		whoami,
	)

	return s
}

// NewHTTPHandler serves the MCP tool server over stateless streamable HTTP.
func NewHTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(NewMCPServer(), server.WithStateLess(true))
}

func addArithmetic(s *server.MCPServer, name, description string, op binaryOp) {
	tool := mcp.NewTool(name,
		mcp.WithDescription(description),
		mcp.WithNumber("a", mcp.Required(), mcp.Description("Left operand")),
		mcp.WithNumber("b", mcp.Required(), mcp.Description("Right operand")),
	)

	s.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		a, err := request.RequireFloat("a")
		if err != nil {
			return mcp.NewToolResultError("a must be a number"), nil
		}
		b, err := request.RequireFloat("b")
		if err != nil {
			return mcp.NewToolResultError("b must be a number"), nil
		}

		result, failure := op(a, b)
		if failure != "" {
			return mcp.NewToolResultError(failure), nil
		}
		return mcp.NewToolResultText(strconv.FormatFloat(result, 'f', -1, 64)), nil
	})
}

func whoami(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rc, ok := FromContext(ctx)
	if !ok || rc.User.UserID == "" {
		return mcp.NewToolResultError("No authorized user on this connection."), nil
	}

	encoded, err := json.Marshal(map[string]string{
		"userId":      rc.User.UserID,
		"email":       rc.User.Email,
		"displayName": rc.User.DisplayName,
		"baseUrl":     rc.BaseURL,
	})
	if err != nil {
		return mcp.NewToolResultError("Unable to describe the current user."), nil
	}
	return mcp.NewToolResultText(string(encoded)), nil
}
