package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/docchat/internal/extract"
	"github.com/kalambet/docchat/internal/rag"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Service *rag.Service
	// Session scopes every tool call. One MCP client maps to one session.
	Session string
}

// NewMCPServer creates an MCP server with the document tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"docchat",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("docchat answers questions grounded in the documents uploaded to this session."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("upload_text",
			mcp.WithDescription("Index a text document so later questions can be answered from it."),
			mcp.WithString("name", mcp.Description("Document name, e.g. notes.md"), mcp.Required()),
			mcp.WithString("content", mcp.Description("Plain text, markdown or HTML content"), mcp.Required()),
		),
		mcpUploadText(deps),
	)

	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Answer a question from the uploaded documents."),
			mcp.WithString("question", mcp.Description("The question to answer"), mcp.Required()),
		),
		mcpAsk(deps),
	)

	s.AddTool(
		mcp.NewTool("list_documents",
			mcp.WithDescription("List the documents uploaded in this session."),
		),
		mcpListDocuments(deps),
	)

	s.AddTool(
		mcp.NewTool("clear_documents",
			mcp.WithDescription("Remove every uploaded document and the chat history."),
		),
		mcpClearDocuments(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"docs://documents",
			"Uploaded Documents",
			mcp.WithResourceDescription("Documents indexed in this session as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceDocuments(deps),
	)

	return s
}

func mcpUploadText(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("name")
		if err != nil {
			return mcpError("name is required"), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}

		declared := extract.DetectType(name, "")
		if !extract.Supported(declared) || declared == extract.TypePDF {
			declared = extract.TypeText
		}

		res, err := deps.Service.Upload(ctx, deps.Session, name, declared, []byte(content))
		if err != nil {
			return mcpError(rag.UserMessage(err)), nil
		}
		if res.Duplicate {
			return mcpText(fmt.Sprintf("Document %q already indexed with %d chunks.", res.Document.Name, res.Chunks)), nil
		}
		return mcpText(rag.UploadedMessage(res.Chunks)), nil
	}
}

func mcpAsk(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}

		res, err := deps.Service.Ask(ctx, deps.Session, question)
		if err != nil {
			return mcpError(rag.UserMessage(err)), nil
		}

		sources := res.Sources
		if sources == nil {
			sources = []string{}
		}
		b, err := json.Marshal(QueryResponse{Answer: res.Answer, Sources: sources})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal answer: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListDocuments(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		b, err := json.Marshal(deps.Service.Documents(deps.Session))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal documents: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpClearDocuments(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		n := len(deps.Service.Documents(deps.Session))
		if err := deps.Service.Clear(deps.Session); err != nil {
			return mcpError(fmt.Sprintf("failed to clear documents: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Cleared %d documents.", n)), nil
	}
}

func mcpResourceDocuments(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(deps.Service.Documents(deps.Session))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal documents: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
