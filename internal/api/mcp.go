package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kovel/docchat/internal/composer"
	"github.com/kovel/docchat/internal/retrieval"
	"github.com/kovel/docchat/internal/storage"
)

// MCPRetriever abstracts semantic search over a document for the MCP layer.
type MCPRetriever interface {
	Retrieve(ctx context.Context, documentID, query string) ([]retrieval.ScoredChunk, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store     *storage.Store
	Retriever MCPRetriever
	Composer  *composer.Composer
	Chat      ChatClient // optional; if nil, ask_document returns an error
}

// NewMCPServer creates an MCP server exposing the document library to MCP
// clients: listing, semantic search, and question answering.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"docchat",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("docchat — search and ask questions about ingested PDF documents."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_documents",
			mcp.WithDescription("List ingested documents with their status and stats."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of documents (default 20)")),
		),
		mcpListDocuments(deps),
	)

	s.AddTool(
		mcp.NewTool("search_document",
			mcp.WithDescription("Semantically search a document and return the most relevant excerpts."),
			mcp.WithString("document_id", mcp.Description("ID of the document to search"), mcp.Required()),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
		),
		mcpSearchDocument(deps),
	)

	s.AddTool(
		mcp.NewTool("ask_document",
			mcp.WithDescription("Ask a question about a document and get an answer grounded in its content."),
			mcp.WithString("document_id", mcp.Description("ID of the document to ask about"), mcp.Required()),
			mcp.WithString("question", mcp.Description("The question to answer"), mcp.Required()),
		),
		mcpAskDocument(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"docchat://documents",
			"Document Library",
			mcp.WithResourceDescription("All ingested documents as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceDocuments(deps),
	)

	return s
}

func mcpListDocuments(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 100 {
			limit = 100
		}

		docs, err := deps.Store.ListDocuments(limit)
		if err != nil {
			return mcpError(fmt.Sprintf("listing documents failed: %v", err)), nil
		}

		out := make([]DocumentResponse, 0, len(docs))
		for _, d := range docs {
			out = append(out, toDocumentResponse(d))
		}
		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal documents: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSearchDocument(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		documentID, err := req.RequireString("document_id")
		if err != nil {
			return mcpError("document_id is required"), nil
		}
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		if _, err := deps.Store.GetDocument(documentID); err != nil {
			return mcpError(fmt.Sprintf("document %s not found", documentID)), nil
		}

		chunks, err := deps.Retriever.Retrieve(ctx, documentID, query)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(chunks) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(sourceRefs(chunks))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpAskDocument(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Chat == nil {
			return mcpError("question answering not available: no chat provider configured"), nil
		}

		documentID, err := req.RequireString("document_id")
		if err != nil {
			return mcpError("document_id is required"), nil
		}
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}

		doc, err := deps.Store.GetDocument(documentID)
		if err != nil {
			return mcpError(fmt.Sprintf("document %s not found", documentID)), nil
		}
		if doc.Status != storage.DocStatusReady {
			return mcpError(fmt.Sprintf("document is not ready (status: %s)", doc.Status)), nil
		}

		chunks, err := deps.Retriever.Retrieve(ctx, documentID, question)
		if err != nil {
			return mcpError(fmt.Sprintf("retrieval failed: %v", err)), nil
		}

		history, err := deps.Store.GetChatMessages(documentID, maxHistoryFetch)
		if err != nil {
			return mcpError(fmt.Sprintf("loading history failed: %v", err)), nil
		}

		messages := deps.Composer.Compose(doc.Name, chunks, history, question)
		answer, err := deps.Chat.Chat(ctx, messages, nil)
		if err != nil {
			return mcpError(fmt.Sprintf("chat failed: %v", err)), nil
		}

		for _, m := range []storage.ChatMessage{
			{ID: uuid.New().String(), DocumentID: documentID, Role: "user", Content: question},
			{ID: uuid.New().String(), DocumentID: documentID, Role: "assistant", Content: answer},
		} {
			if err := deps.Store.SaveChatMessage(m); err != nil {
				return mcpError(fmt.Sprintf("answer generated but failed to save message: %v", err)), nil
			}
		}

		return mcpText(answer), nil
	}
}

func mcpResourceDocuments(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		docs, err := deps.Store.ListDocuments(100)
		if err != nil {
			return nil, fmt.Errorf("listing documents: %w", err)
		}

		type docSummary struct {
			ID        string `json:"id"`
			Name      string `json:"name"`
			Status    string `json:"status"`
			Pages     int    `json:"pages"`
			CreatedAt string `json:"created_at"`
		}

		summaries := make([]docSummary, len(docs))
		for i, d := range docs {
			summaries[i] = docSummary{
				ID:        d.ID,
				Name:      d.Name,
				Status:    d.Status,
				Pages:     d.PageCount,
				CreatedAt: d.CreatedAt.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("marshaling documents: %w", err)
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
