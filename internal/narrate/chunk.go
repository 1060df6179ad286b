package narrate

import (
	"strings"
	"unicode/utf8"
)

// DefaultChunkLimit is the maximum chunk length in characters.
const DefaultChunkLimit = 180

// Chunk splits text into whitespace-delimited pieces of at most limit
// characters, packing words greedily in order. A single word longer than
// limit becomes its own chunk. Runs of whitespace collapse to one space.
func Chunk(text string, limit int) []string {
	if limit <= 0 {
		limit = DefaultChunkLimit
	}
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	var (
		chunks []string
		cur    strings.Builder
		curLen int
	)
	for _, w := range words {
		n := utf8.RuneCountInString(w)
		switch {
		case curLen == 0:
			cur.WriteString(w)
			curLen = n
		case curLen+1+n <= limit:
			cur.WriteByte(' ')
			cur.WriteString(w)
			curLen += 1 + n
		default:
			chunks = append(chunks, cur.String())
			cur.Reset()
			cur.WriteString(w)
			curLen = n
		}
	}
	return append(chunks, cur.String())
}
