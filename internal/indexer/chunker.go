// Package indexer ingests files and free text into the retrieval index as
// word-window chunks.
package indexer

import "strings"

// Chunk is one window of a source text.
type Chunk struct {
	Index int
	Text  string
}

// Chunker splits text into overlapping word windows.
type Chunker struct {
	size    int
	overlap int
}

// NewChunker creates a chunker with the given window size and overlap, in words.
func NewChunker(size, overlap int) *Chunker {
	if size <= 0 {
		size = 200
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	return &Chunker{size: size, overlap: overlap}
}

// Split returns the chunks of text. Blank text yields no chunks.
func (c *Chunker) Split(text string) []Chunk {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	step := c.size - c.overlap
	var chunks []Chunk
	for start := 0; ; start += step {
		end := start + c.size
		if end > len(words) {
			end = len(words)
		}
		chunks = append(chunks, Chunk{Index: len(chunks), Text: strings.Join(words[start:end], " ")})
		if end == len(words) {
			return chunks
		}
	}
}
