package main

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/gamma-omg/rag-kb/rag"
)

type answerer interface {
	Ask(ctx context.Context, req rag.Request) (rag.Answer, error)
	Search(ctx context.Context, knowledgePath, query string) ([]rag.Result, error)
}

type ragTools struct {
	answerer      answerer
	sync          syncer
	knowledgePath string
}

func NewRagServer(answerer answerer, s syncer, knowledgePath string) *server.MCPServer {
	tools := &ragTools{answerer: answerer, sync: s, knowledgePath: knowledgePath}

	pathArg := mcp.WithString("knowledge_path",
		mcp.Description("Knowledge base directory. Defaults to the configured one"))

	srv := server.NewMCPServer("RAG knowledge base", "0.1.0", server.WithToolCapabilities(false))

	srv.AddTool(mcp.NewTool("ask",
		mcp.WithDescription("Answer a question using the documents of a knowledge base"),
		mcp.WithString("question", mcp.Required(), mcp.Description("Question to answer")),
		pathArg,
		mcp.WithString("session_id", mcp.Description("Conversation to continue")),
		mcp.WithString("user_id", mcp.Description("Owner of a new conversation")),
	), tools.ask)

	srv.AddTool(mcp.NewTool("search",
		mcp.WithDescription("Search the documents of a knowledge base and return matching passages"),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search query")),
		pathArg,
	), tools.search)

	srv.AddTool(mcp.NewTool("synchronize",
		mcp.WithDescription("Index new and modified documents of a knowledge base and forget removed ones"),
		pathArg,
	), tools.synchronize)

	return srv
}

func (t *ragTools) path(request mcp.CallToolRequest) string {
	p := strings.TrimSpace(request.GetString("knowledge_path", ""))
	if p == "" {
		p = t.knowledgePath
	}
	if p == "" {
		return ""
	}
	return canonicalRoot(p)
}

func (t *ragTools) ask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	q, err := request.RequireString("question")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	a, err := t.answerer.Ask(ctx, rag.Request{
		Question:      q,
		KnowledgePath: t.path(request),
		SessionID:     request.GetString("session_id", ""),
		UserID:        request.GetString("user_id", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	raw, err := json.Marshal(a)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return mcp.NewToolResultText(string(raw)), nil
}

func (t *ragTools) search(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	q, err := request.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	res, err := t.answerer.Search(ctx, t.path(request), q)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var response strings.Builder
	for _, r := range res {
		raw, err := json.Marshal(struct {
			Score float32 `json:"score"`
			File  string  `json:"file"`
			Text  string  `json:"text"`
		}{
			Score: r.Similarity,
			File:  r.Meta.Source,
			Text:  r.Text,
		})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		response.Write(raw)
		response.WriteByte('\n')
	}

	return mcp.NewToolResultText(response.String()), nil
}

func (t *ragTools) synchronize(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	p := t.path(request)
	if p == "" {
		return mcp.NewToolResultError(ErrEmptyKnowledgePath.Error()), nil
	}

	n, err := t.sync.Synchronize(ctx, p)
	if err != nil && !errors.Is(err, ErrIndexMutation) {
		return mcp.NewToolResultError(err.Error()), nil
	}

	raw, jerr := json.Marshal(struct {
		KnowledgePath string `json:"knowledge_path"`
		Chunks        int    `json:"chunks"`
		Error         string `json:"error,omitempty"`
	}{
		KnowledgePath: p,
		Chunks:        n,
		Error:         errText(err),
	})
	if jerr != nil {
		return mcp.NewToolResultError(jerr.Error()), nil
	}

	if err != nil {
		return mcp.NewToolResultError(string(raw)), nil
	}

	return mcp.NewToolResultText(string(raw)), nil
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
