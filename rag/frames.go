package rag

type FrameType string

const (
	FrameStart FrameType = "start"
	FrameChunk FrameType = "chunk"
	FrameEnd   FrameType = "end"
)

// Frame is one record of a streamed answer. A stream is a START frame, any
// number of CHUNK frames and a single END frame. A CHUNK with Reset set starts
// the answer over: content received before it must be discarded.
type Frame struct {
	Type            FrameType  `json:"type"`
	SessionID       string     `json:"session_id,omitempty"`
	Content         string     `json:"content,omitempty"`
	Reset           bool       `json:"reset,omitempty"`
	Sources         []Source   `json:"sources,omitempty"`
	Confidence      float32    `json:"confidence,omitempty"`
	SourceType      SourceType `json:"source_type,omitempty"`
	KnowledgePath   string     `json:"knowledge_path,omitempty"`
	GenerationError string     `json:"generation_error,omitempty"`
}
