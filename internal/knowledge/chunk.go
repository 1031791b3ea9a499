package knowledge

import "strings"

// charsPerToken approximates token length for CJK-heavy text when converting
// the configured chunk sizes (in tokens) to character windows.
const charsPerToken = 2

// chunkText splits text into overlapping windows. chunkSize and overlap are
// in tokens; the step is size-overlap so consecutive chunks share the overlap
// region. Every non-whitespace character of the input lands in at least one
// chunk.
func chunkText(text string, chunkSize, overlap int) []string {
	runes := []rune(text)
	if strings.TrimSpace(text) == "" {
		return nil
	}
	sizeChars := chunkSize * charsPerToken
	overlapChars := overlap * charsPerToken
	step := sizeChars - overlapChars
	if step < 1 {
		step = 1
	}
	var chunks []string
	for start := 0; start < len(runes); start += step {
		end := start + sizeChars
		if end > len(runes) {
			end = len(runes)
		}
		chunk := strings.TrimSpace(string(runes[start:end]))
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end == len(runes) {
			break
		}
	}
	return chunks
}
