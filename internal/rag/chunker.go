// Package rag provides the retrieval engine: chunking, embedding
// storage, and similarity search over a personal knowledge base.
package rag

// Chunk is one window of a source document. Ordinals are dense from 0
// in document order.
type Chunk struct {
	Ord  int
	Text string
}

// Chunker splits text into overlapping windows. Token accounting is
// rune-granular, which over-counts relative to real tokenizers; chunks
// therefore always fit within embedding model limits.
type Chunker struct {
	size    int // window length in runes
	overlap int // runes shared with the previous window
}

// NewChunker creates a chunker. size must be positive and overlap must
// be in [0, size); the config layer validates this at load time.
func NewChunker(size, overlap int) *Chunker {
	return &Chunker{size: size, overlap: overlap}
}

// Split divides text into overlapping chunks. Each window advances by
// size−overlap, so every chunk after the first begins with the last
// overlap runes of its predecessor. Empty input yields no chunks.
func (c *Chunker) Split(text string) []Chunk {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}

	step := c.size - c.overlap
	var chunks []Chunk
	for start, ord := 0, 0; start < len(runes); start, ord = start+step, ord+1 {
		end := start + c.size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, Chunk{Ord: ord, Text: string(runes[start:end])})
		if end == len(runes) {
			break
		}
	}
	return chunks
}

// Reconstruct reverses Split: it concatenates chunks after stripping
// the leading overlap runes of each non-first chunk. Chunks must be in
// ordinal order and produced with the given overlap.
func Reconstruct(chunks []Chunk, overlap int) string {
	var out []rune
	for i, ch := range chunks {
		runes := []rune(ch.Text)
		if i > 0 {
			if overlap > len(runes) {
				runes = nil
			} else {
				runes = runes[overlap:]
			}
		}
		out = append(out, runes...)
	}
	return string(out)
}
