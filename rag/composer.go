package rag

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gamma-omg/rag-kb/chat"
	"github.com/gamma-omg/rag-kb/llm"
	"github.com/gamma-omg/rag-kb/websearch"
)

type SourceType string

const (
	SourceKnowledgeBase    SourceType = "knowledge_base"
	SourceGeneralKnowledge SourceType = "general_knowledge"
)

const (
	DefaultUngroundedConfidence float32 = 0.3

	systemPrompt = "You are a knowledge base assistant. Answer in the language of the question. " +
		"Do not invent facts that are not supported by the provided material."
)

type Source struct {
	File       string  `json:"file"`
	Similarity float32 `json:"similarity"`
}

type Answer struct {
	Text          string     `json:"answer"`
	Sources       []Source   `json:"sources"`
	Confidence    float32    `json:"confidence"`
	SourceType    SourceType `json:"source_type"`
	KnowledgePath string     `json:"knowledge_path_used"`
	SessionID     string     `json:"session_id,omitempty"`
	// GenerationError is set when Text carries a generation failure message
	// instead of a model answer.
	GenerationError string `json:"generation_error,omitempty"`
}

// Prompt is a composed request to the generator together with the answer
// attributes that do not depend on the generated text.
type Prompt struct {
	Messages   []llm.Message
	Sources    []Source
	Confidence float32
	SourceType SourceType
	// Passages is the number of retrieved passages the prompt is grounded on.
	Passages int
}

type ComposerConfig struct {
	// AnswerTemplate is passed to the model verbatim as the expected answer format.
	AnswerTemplate       string
	UngroundedConfidence float32
}

type Composer struct {
	log *slog.Logger
	gen llm.Generator
	web websearch.Summarizer
	cfg ComposerConfig
}

// NewComposer creates a composer. web is optional.
func NewComposer(log *slog.Logger, gen llm.Generator, web websearch.Summarizer, cfg ComposerConfig) *Composer {
	if cfg.UngroundedConfidence <= 0 {
		cfg.UngroundedConfidence = DefaultUngroundedConfidence
	}

	return &Composer{log: log, gen: gen, web: web, cfg: cfg}
}

func (c *Composer) Generator() llm.Generator {
	return c.gen
}

// Grounded answers query from results. analytics is an optional JSON document
// describing the knowledge base.
func (c *Composer) Grounded(ctx context.Context, query string, results []Result, analytics string, history []chat.Turn) Answer {
	return c.Generate(ctx, c.PrepareGrounded(ctx, query, results, analytics, history))
}

func (c *Composer) Ungrounded(ctx context.Context, query string, history []chat.Turn) Answer {
	return c.Generate(ctx, c.PrepareUngrounded(ctx, query, history))
}

// Generate runs prompt through the generator. Failures are reported inside
// the answer text and in GenerationError.
func (c *Composer) Generate(ctx context.Context, p Prompt) Answer {
	a := Answer{
		Sources:    p.Sources,
		Confidence: p.Confidence,
		SourceType: p.SourceType,
	}

	text, err := c.gen.Generate(ctx, p.Messages)
	if err != nil {
		c.log.Error("failed to generate answer", slog.String("error", err.Error()))
		a.Text = FailureText(err)
		a.GenerationError = err.Error()
		return a
	}

	a.Text = text
	return a
}

func (c *Composer) PrepareGrounded(ctx context.Context, query string, results []Result, analytics string, history []chat.Turn) Prompt {
	var sb strings.Builder
	sb.WriteString("Answer the question using the reference passages below.\n\nReference passages:\n")

	var total float32
	for i, r := range results {
		total += r.Similarity
		fmt.Fprintf(&sb, "[%d] (similarity %.2f, source: %s)\n%s\n\n", i+1, r.Similarity, r.Meta.Source, strings.TrimSpace(r.Text))
	}

	if c.cfg.AnswerTemplate != "" {
		sb.WriteString("Answer format:\n")
		sb.WriteString(c.cfg.AnswerTemplate)
		sb.WriteString("\n\n")
	}
	if analytics != "" {
		sb.WriteString("Knowledge base statistics (JSON):\n")
		sb.WriteString(analytics)
		sb.WriteString("\n\n")
	}
	c.appendWebSummary(ctx, &sb, query)
	sb.WriteString("Question: ")
	sb.WriteString(query)

	var confidence float32
	if len(results) > 0 {
		confidence = total / float32(len(results))
	}

	return Prompt{
		Messages:   messages(history, sb.String()),
		Sources:    sources(results),
		Confidence: confidence,
		SourceType: SourceKnowledgeBase,
		Passages:   len(results),
	}
}

func (c *Composer) PrepareUngrounded(ctx context.Context, query string, history []chat.Turn) Prompt {
	var sb strings.Builder
	sb.WriteString("No relevant passages were found in the knowledge base. ")
	sb.WriteString("Answer from general knowledge and state that the answer is not backed by the knowledge base.\n\n")
	c.appendWebSummary(ctx, &sb, query)
	sb.WriteString("Question: ")
	sb.WriteString(query)

	return Prompt{
		Messages:   messages(history, sb.String()),
		Sources:    []Source{},
		Confidence: c.cfg.UngroundedConfidence,
		SourceType: SourceGeneralKnowledge,
	}
}

func (c *Composer) appendWebSummary(ctx context.Context, sb *strings.Builder, query string) {
	if c.web == nil {
		return
	}

	summary, ok := c.web.Summarize(ctx, query)
	if !ok || strings.TrimSpace(summary) == "" {
		return
	}

	sb.WriteString("Web search summary:\n")
	sb.WriteString(summary)
	sb.WriteString("\n\n")
}

// FailureText is the answer delivered in place of a failed generation.
func FailureText(err error) string {
	return "Failed to generate an answer: " + err.Error()
}

func messages(history []chat.Turn, prompt string) []llm.Message {
	msgs := make([]llm.Message, 0, len(history)+2)
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: systemPrompt})
	for _, t := range history {
		role := llm.RoleUser
		if t.Role == chat.RoleAssistant {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: t.Content})
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: prompt})

	return msgs
}

// sources lists distinct files of results with their best similarity, in
// result order.
func sources(results []Result) []Source {
	res := make([]Source, 0, len(results))
	seen := make(map[string]int, len(results))
	for _, r := range results {
		if i, ok := seen[r.Meta.Source]; ok {
			res[i].Similarity = max(res[i].Similarity, r.Similarity)
			continue
		}
		seen[r.Meta.Source] = len(res)
		res = append(res, Source{File: r.Meta.Source, Similarity: r.Similarity})
	}

	return res
}
