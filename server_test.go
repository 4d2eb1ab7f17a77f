package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/gamma-omg/rag-kb/docstore"
	"github.com/gamma-omg/rag-kb/rag"
)

type mockAnswerer struct {
	mock.Mock
}

func (m *mockAnswerer) Ask(ctx context.Context, req rag.Request) (rag.Answer, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(rag.Answer), args.Error(1)
}

func (m *mockAnswerer) Search(ctx context.Context, knowledgePath, query string) ([]rag.Result, error) {
	args := m.Called(ctx, knowledgePath, query)
	res, _ := args.Get(0).([]rag.Result)
	return res, args.Error(1)
}

type mockSyncer struct {
	mock.Mock
}

func (m *mockSyncer) Synchronize(ctx context.Context, root string) (int, error) {
	args := m.Called(ctx, root)
	return args.Int(0), args.Error(1)
}

func toolRequest(name string, args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()

	require.NotNil(t, res)
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return text.Text
}

func Test_Tools_Ask(t *testing.T) {
	a := new(mockAnswerer)
	tools := &ragTools{answerer: a, knowledgePath: "/kb"}

	a.On("Ask", mock.Anything, rag.Request{
		Question:      "what is a banana?",
		KnowledgePath: "/kb",
		SessionID:     "s-1",
	}).Return(rag.Answer{
		Text:       "A berry.",
		Sources:    []rag.Source{{File: "/kb/fruit.txt", Similarity: 0.9}},
		Confidence: 0.9,
		SourceType: rag.SourceKnowledgeBase,
	}, nil)

	res, err := tools.ask(context.Background(), toolRequest("ask", map[string]any{
		"question":   "what is a banana?",
		"session_id": "s-1",
	}))
	require.NoError(t, err)
	assert.False(t, res.IsError)

	var answer map[string]any
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &answer))
	assert.Equal(t, "A berry.", answer["answer"])
	assert.Equal(t, "knowledge_base", answer["source_type"])
	a.AssertExpectations(t)
}

func Test_Tools_AskRequiresQuestion(t *testing.T) {
	tools := &ragTools{answerer: new(mockAnswerer), knowledgePath: "/kb"}

	res, err := tools.ask(context.Background(), toolRequest("ask", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func Test_Tools_AskInputError(t *testing.T) {
	a := new(mockAnswerer)
	tools := &ragTools{answerer: a}

	a.On("Ask", mock.Anything, mock.Anything).Return(rag.Answer{}, rag.ErrEmptyKnowledgePath)

	res, err := tools.ask(context.Background(), toolRequest("ask", map[string]any{"question": "q"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), rag.ErrEmptyKnowledgePath.Error())
}

func Test_Tools_Search(t *testing.T) {
	a := new(mockAnswerer)
	tools := &ragTools{answerer: a, knowledgePath: "/kb"}

	a.On("Search", mock.Anything, "/other", "venus").Return([]rag.Result{
		{Text: "A day on Venus is longer than its year.", Similarity: 0.8, Meta: docstore.Meta{Source: "/other/space.txt"}},
	}, nil)

	res, err := tools.search(context.Background(), toolRequest("search", map[string]any{
		"query":          "venus",
		"knowledge_path": "/other",
	}))
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"score":0.8,"file":"/other/space.txt","text":"A day on Venus is longer than its year."}`,
		resultText(t, res))
}

func Test_Tools_Synchronize(t *testing.T) {
	s := new(mockSyncer)
	tools := &ragTools{sync: s, knowledgePath: "/kb"}

	s.On("Synchronize", mock.Anything, "/kb").Return(7, nil).Once()

	res, err := tools.synchronize(context.Background(), toolRequest("synchronize", nil))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.JSONEq(t, `{"knowledge_path":"/kb","chunks":7}`, resultText(t, res))
	s.AssertExpectations(t)
}

func Test_Tools_SynchronizePartialFailure(t *testing.T) {
	s := new(mockSyncer)
	tools := &ragTools{sync: s, knowledgePath: "/kb"}

	s.On("Synchronize", mock.Anything, "/kb").Return(2, errors.Join(ErrIndexMutation, errors.New("boom")))

	res, err := tools.synchronize(context.Background(), toolRequest("synchronize", nil))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	var body struct {
		Chunks int    `json:"chunks"`
		Error  string `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &body))
	assert.Equal(t, 2, body.Chunks)
	assert.Contains(t, body.Error, "boom")
}

func Test_Tools_SynchronizeWithoutPath(t *testing.T) {
	tools := &ragTools{sync: new(mockSyncer)}

	res, err := tools.synchronize(context.Background(), toolRequest("synchronize", nil))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func Test_NewRagServer(t *testing.T) {
	srv := NewRagServer(new(mockAnswerer), new(mockSyncer), "/kb")
	require.NotNil(t, srv)
}
