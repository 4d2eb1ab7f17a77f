package rag

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/gamma-omg/rag-kb/llm"
)

const DefaultStreamChunkSize = 120

var errEmptyStream = errors.New("stream produced no content")

// Emitter turns a generator into CHUNK frames. Generators implementing
// llm.Streamer are streamed natively; others, and failed native streams, are
// answered in one shot and sliced into fixed-size fragments.
type Emitter struct {
	log       *slog.Logger
	gen       llm.Generator
	chunkSize int
}

func NewEmitter(log *slog.Logger, gen llm.Generator, chunkSize int) *Emitter {
	if chunkSize <= 0 {
		chunkSize = DefaultStreamChunkSize
	}

	return &Emitter{log: log, gen: gen, chunkSize: chunkSize}
}

// Emit yields the answer to msgs as CHUNK frames and returns its full text.
// genErr is set when the text is a failure message. ok is false when yield
// asked to stop, in which case the returned text is incomplete.
func (e *Emitter) Emit(ctx context.Context, msgs []llm.Message, yield func(Frame) bool) (text string, genErr error, ok bool) {
	reset := false

	if s, native := e.gen.(llm.Streamer); native {
		var sb strings.Builder
		var streamErr error

		for frag, err := range s.Stream(ctx, msgs) {
			if err != nil {
				streamErr = err
				break
			}
			if frag == "" {
				continue
			}
			sb.WriteString(frag)
			if !yield(Frame{Type: FrameChunk, Content: frag}) {
				return sb.String(), nil, false
			}
		}

		if streamErr == nil && sb.Len() > 0 {
			return sb.String(), nil, true
		}
		if streamErr == nil {
			streamErr = errEmptyStream
		}

		e.log.Warn("native stream failed, falling back to one-shot generation",
			slog.String("error", streamErr.Error()),
			slog.Int("emitted", sb.Len()))
		reset = sb.Len() > 0
	}

	text, err := e.gen.Generate(ctx, msgs)
	if err != nil {
		e.log.Error("failed to generate answer", slog.String("error", err.Error()))
		text = FailureText(err)
		genErr = err
	}

	frags := Slice(text, e.chunkSize)
	if reset && len(frags) == 0 {
		frags = []string{""}
	}

	for i, frag := range frags {
		if !yield(Frame{Type: FrameChunk, Content: frag, Reset: reset && i == 0}) {
			return text, genErr, false
		}
	}

	return text, genErr, true
}

// Slice cuts text into fragments of at most size runes.
func Slice(text string, size int) []string {
	if size <= 0 {
		size = DefaultStreamChunkSize
	}

	r := []rune(text)
	res := make([]string, 0, len(r)/size+1)
	for start := 0; start < len(r); start += size {
		res = append(res, string(r[start:min(start+size, len(r))]))
	}

	return res
}
