package client

import "unicode/utf8"

// MaxMessageRunes is the longest message the server accepts in one post.
const MaxMessageRunes = 4000

// ChunkMessage splits text into pieces of at most MaxMessageRunes runes,
// cutting only on rune boundaries. Empty text yields a single empty chunk.
func ChunkMessage(text string) []string {
	if text == "" {
		return []string{""}
	}
	chunks := make([]string, 0, utf8.RuneCountInString(text)/MaxMessageRunes+1)
	for text != "" {
		cut, n := 0, 0
		for cut < len(text) && n < MaxMessageRunes {
			_, size := utf8.DecodeRuneInString(text[cut:])
			cut += size
			n++
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	return chunks
}
