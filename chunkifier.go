package main

import "strings"

const (
	defaultChunkSize    = 500
	defaultChunkOverlap = 50
)

// Chunk is a passage of a loaded document ready to be embedded.
type Chunk struct {
	Source string
	Index  int
	Text   string
	Format string
	Digest string
}

// DefaultChunkifier slides a window of chunkSize words over the text, each
// window starting chunkSize-chunkOverlap words after the previous one.
type DefaultChunkifier struct {
	chunkSize    int
	chunkOverlap int
}

func (c *DefaultChunkifier) Chunkify(text string) []string {
	return Chunkify(text, c.chunkSize, c.chunkOverlap)
}

func Chunkify(text string, size int, overlap int) []string {
	if size <= 0 {
		size = defaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	words := strings.Fields(text)
	l := len(words)
	if l == 0 {
		return []string{}
	}

	step := size - overlap
	pos := 0
	res := make([]string, 0, l/step+1)

	for {
		end := min(pos+size, l)
		res = append(res, strings.Join(words[pos:end], " "))
		if end >= l {
			break
		}

		pos += step
	}

	return res
}
