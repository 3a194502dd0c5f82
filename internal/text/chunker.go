package text

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	DefaultChunkSize = 512
	DefaultOverlap   = 50

	// charsPerToken is the approximation used everywhere a token count is needed.
	charsPerToken = 4
)

// ChunkOptions controls how ChunkText splits content. Sizes are in estimated tokens.
type ChunkOptions struct {
	ChunkSize         int
	Overlap           int
	PreserveSentences bool
}

func DefaultChunkOptions() ChunkOptions {
	return ChunkOptions{
		ChunkSize:         DefaultChunkSize,
		Overlap:           DefaultOverlap,
		PreserveSentences: true,
	}
}

// normalize fills zero values with defaults and keeps overlap strictly below the chunk size.
func (o ChunkOptions) normalize() ChunkOptions {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.Overlap < 0 {
		o.Overlap = 0
	}
	if o.Overlap >= o.ChunkSize {
		o.Overlap = o.ChunkSize - 1
	}
	return o
}

type Chunk struct {
	Content  string
	Tokens   int
	Metadata map[string]any
}

// EstimateTokens approximates a token count as ceil(characters / 4).
func EstimateTokens(s string) int {
	return tokensForChars(utf8.RuneCountInString(s))
}

func tokensForChars(n int) int {
	return (n + charsPerToken - 1) / charsPerToken
}

// A sentence ends at one or more terminal marks followed by whitespace.
var sentenceBoundaryRe = regexp.MustCompile(`[.!?]+\s+`)

// ChunkText splits text into ordered, overlapping chunks. Empty or blank input
// yields no chunks.
func ChunkText(text string, opts ChunkOptions) []Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	opts = opts.normalize()

	if !opts.PreserveSentences {
		return chunkByCharacters(text, opts)
	}
	return chunkBySentences(splitSentences(text), opts)
}

func splitSentences(text string) []string {
	var sentences []string
	last := 0
	for _, loc := range sentenceBoundaryRe.FindAllStringIndex(text, -1) {
		// keep the punctuation, drop the trailing whitespace
		end := loc[0] + len(strings.TrimRightFunc(text[loc[0]:loc[1]], isSpace))
		if s := strings.TrimSpace(text[last:end]); s != "" {
			sentences = append(sentences, s)
		}
		last = loc[1]
	}
	if s := strings.TrimSpace(text[last:]); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\f' || r == '\v'
}

// joinedChars is the rune length of sentences joined by single spaces.
func joinedChars(sentences []string) int {
	n := 0
	for i, s := range sentences {
		if i > 0 {
			n++
		}
		n += utf8.RuneCountInString(s)
	}
	return n
}

func chunkBySentences(sentences []string, opts ChunkOptions) []Chunk {
	var (
		chunks       []Chunk
		current      []string
		currentChars int
	)

	flush := func() {
		content := strings.Join(current, " ")
		chunks = append(chunks, Chunk{Content: content, Tokens: EstimateTokens(content)})
	}

	for _, sentence := range sentences {
		sentenceChars := utf8.RuneCountInString(sentence)
		candidate := currentChars + sentenceChars
		if len(current) > 0 {
			candidate++
		}

		if len(current) > 0 && tokensForChars(candidate) > opts.ChunkSize {
			flush()
			current = getOverlapSentences(current, opts.Overlap)
			currentChars = joinedChars(current)
			candidate = currentChars + sentenceChars
			if len(current) > 0 {
				candidate++
			}
		}

		// A sentence larger than the chunk size is kept whole.
		current = append(current, sentence)
		currentChars = candidate
	}

	if len(current) > 0 {
		flush()
	}
	return chunks
}

// getOverlapSentences returns the trailing sentences, in order, whose joined
// estimate stays within the overlap budget.
func getOverlapSentences(sentences []string, overlapTokens int) []string {
	if overlapTokens <= 0 {
		return nil
	}

	chars := 0
	start := len(sentences)
	for i := len(sentences) - 1; i >= 0; i-- {
		next := chars + utf8.RuneCountInString(sentences[i])
		if start < len(sentences) {
			next++
		}
		if tokensForChars(next) > overlapTokens {
			break
		}
		chars = next
		start = i
	}

	if start == len(sentences) {
		return nil
	}
	out := make([]string, len(sentences)-start)
	copy(out, sentences[start:])
	return out
}

// chunkByCharacters is a fixed sliding window with no sentence awareness.
func chunkByCharacters(text string, opts ChunkOptions) []Chunk {
	runes := []rune(text)
	size := opts.ChunkSize * charsPerToken
	step := size - opts.Overlap*charsPerToken
	if step < 1 {
		step = 1
	}

	var chunks []Chunk
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		content := strings.TrimSpace(string(runes[start:end]))
		if content != "" {
			chunks = append(chunks, Chunk{Content: content, Tokens: EstimateTokens(content)})
		}
		if end == len(runes) {
			break
		}
	}
	return chunks
}
