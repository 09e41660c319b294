package ingest

import "strings"

// Chunker splits text into overlapping segments by a character budget. Lines
// are kept whole when they fit; oversized lines are hard-split. The output is
// deterministic and ordered.
type Chunker struct {
	Size    int
	Overlap int
}

// NewChunker creates a chunker; size must exceed overlap.
func NewChunker(size, overlap int) *Chunker {
	if size <= 0 {
		size = 1500
	}
	if overlap < 0 || overlap >= size {
		overlap = size / 10
	}
	return &Chunker{Size: size, Overlap: overlap}
}

// Split returns the chunk sequence for text. Empty and whitespace-only input
// yields no chunks.
func (c *Chunker) Split(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var lines []string
	for _, line := range strings.Split(text, "\n") {
		for len(line) > c.Size {
			lines = append(lines, line[:c.Size])
			line = line[c.Size:]
		}
		lines = append(lines, line)
	}

	var (
		chunks  []string
		current strings.Builder
	)
	flush := func() {
		chunk := strings.TrimSpace(current.String())
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		current.Reset()
	}

	for _, line := range lines {
		if current.Len() > 0 && current.Len()+1+len(line) > c.Size {
			tail := overlapTail(current.String(), c.Overlap)
			flush()
			if tail != "" {
				current.WriteString(tail)
			}
		}
		if current.Len() > 0 {
			current.WriteByte('\n')
		}
		current.WriteString(line)
	}
	flush()

	return chunks
}

// overlapTail returns the last whole lines of a chunk up to the overlap
// budget, carried into the next chunk for context continuity.
func overlapTail(chunk string, overlap int) string {
	if overlap <= 0 {
		return ""
	}
	if len(chunk) <= overlap {
		return chunk
	}

	tail := chunk[len(chunk)-overlap:]
	if i := strings.IndexByte(tail, '\n'); i >= 0 && i+1 < len(tail) {
		tail = tail[i+1:]
	}
	return tail
}
