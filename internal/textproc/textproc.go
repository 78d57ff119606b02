// Package textproc implements the Text Processor: pure functions that
// normalize note text and split it into bounded, overlapping chunks
// suitable for embedding.
//
// Boundary preference (paragraph, then sentence, then word) and
// deterministic content-addressable chunk IDs are grounded on
// internal/chunk/markdown_chunker.go's section/paragraph splitting.
package textproc

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	substrateerrors "github.com/ainote-labs/substrate/internal/substrate/errors"
)

const (
	// DefaultChunkSize is the target chunk length in characters.
	DefaultChunkSize = 2000
	// DefaultOverlap is the carryover length in characters between
	// consecutive chunks.
	DefaultOverlap = 200
	// DefaultMinSize is the smallest viable trailing chunk: a final
	// chunk shorter than this is merged into its predecessor.
	DefaultMinSize = 200
	// MaxTextSize is the hard ceiling on input length; larger inputs
	// fail with TextTooLarge rather than silently truncating.
	MaxTextSize = 10 * 1024 * 1024

	// MaxChunkSize caps how large a single chunk may grow when no
	// boundary is found within the configured size.
	MaxChunkSize = 8000
)

var (
	zeroWidthPattern  = regexp.MustCompile(`[\x{200B}-\x{200D}\x{FEFF}]`)
	whitespaceRun     = regexp.MustCompile(`[ \t]+`)
	multiBlankLines   = regexp.MustCompile(`\n{3,}`)
	sentenceBoundary  = regexp.MustCompile(`[.!?][)"']?\s+`)
)

// ChunkConfig configures chunk. Zero values are replaced with package
// defaults by Normalize.
type ChunkConfig struct {
	Size               int
	Overlap            int
	PreserveSentences  bool
	PreserveParagraphs bool
	MinSize            int
}

// Normalize fills in zero fields with defaults and validates the
// resulting configuration.
func (c ChunkConfig) Normalize() (ChunkConfig, error) {
	if c.Size == 0 {
		c.Size = DefaultChunkSize
	}
	if c.Overlap == 0 {
		c.Overlap = DefaultOverlap
	}
	if c.MinSize == 0 {
		c.MinSize = DefaultMinSize
	}
	if c.Overlap >= c.Size {
		return c, substrateerrors.New(substrateerrors.ErrCodeInvalidChunkCfg,
			fmt.Sprintf("overlap (%d) must be smaller than size (%d)", c.Overlap, c.Size), nil)
	}
	if c.MinSize > c.Size {
		// MinSize is a best-effort lower bound, not a hard constraint
		// the caller tuned alongside size; clamp rather than reject.
		c.MinSize = c.Size
	}
	return c, nil
}

// Chunk is a bounded contiguous piece of a note's text.
type Chunk struct {
	ID        string
	Text      string
	StartByte int
	EndByte   int
	Index     int
}

// Preprocess normalizes line endings, collapses horizontal whitespace
// runs to single spaces while preserving paragraph breaks, strips
// zero-width and control characters, and validates UTF-8.
func Preprocess(text string) (string, error) {
	if !utf8.ValidString(text) {
		return "", substrateerrors.New(substrateerrors.ErrCodeInvalidEncoding, "text is not valid UTF-8", nil)
	}
	if len(text) > MaxTextSize {
		return "", substrateerrors.New(substrateerrors.ErrCodeTextTooLarge,
			fmt.Sprintf("text length %d exceeds max %d", len(text), MaxTextSize), nil)
	}

	normalized := strings.ReplaceAll(text, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")
	normalized = zeroWidthPattern.ReplaceAllString(normalized, "")
	normalized = stripControlChars(normalized)
	normalized = whitespaceRun.ReplaceAllString(normalized, " ")
	normalized = multiBlankLines.ReplaceAllString(normalized, "\n\n")

	lines := strings.Split(normalized, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n")), nil
}

func stripControlChars(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\n' || r == '\t' {
			b.WriteRune(r)
			continue
		}
		if unicode.IsControl(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// OptimalChunkSize is a deterministic heuristic based on text length
// and paragraph density: denser (shorter, more frequent) paragraphs
// favor smaller chunks that keep a paragraph intact; sparse long-form
// text favors the default size.
func OptimalChunkSize(text string) int {
	if len(text) == 0 {
		return DefaultChunkSize
	}
	paragraphs := strings.Split(text, "\n\n")
	nonEmpty := 0
	for _, p := range paragraphs {
		if strings.TrimSpace(p) != "" {
			nonEmpty++
		}
	}
	if nonEmpty == 0 {
		nonEmpty = 1
	}
	avgParaLen := len(text) / nonEmpty

	switch {
	case avgParaLen <= 0:
		return DefaultChunkSize
	case avgParaLen < DefaultMinSize:
		// Many short paragraphs: shrink toward their natural size so a
		// chunk boundary doesn't split mid-paragraph.
		size := avgParaLen * 4
		if size < DefaultMinSize {
			size = DefaultMinSize
		}
		return size
	case avgParaLen > DefaultChunkSize:
		// Long-form prose: grow up to MaxChunkSize to keep paragraphs
		// whole where feasible.
		size := avgParaLen
		if size > MaxChunkSize {
			size = MaxChunkSize
		}
		return size
	default:
		return DefaultChunkSize
	}
}

// ChunkText splits text into chunks of length approximately size, with
// overlap characters of carryover between consecutive chunks,
// preferring paragraph, then sentence, then word boundaries.
func ChunkText(text string, size, overlap int) ([]Chunk, error) {
	return ChunkWithConfig(text, ChunkConfig{
		Size:               size,
		Overlap:            overlap,
		PreserveSentences:  true,
		PreserveParagraphs: true,
	})
}

// ChunkWithConfig is ChunkText with full control over boundary preference
// and the minimum viable chunk size.
func ChunkWithConfig(text string, cfg ChunkConfig) ([]Chunk, error) {
	cfg, err := cfg.Normalize()
	if err != nil {
		return nil, err
	}
	if len(text) > MaxTextSize {
		return nil, substrateerrors.New(substrateerrors.ErrCodeTextTooLarge,
			fmt.Sprintf("text length %d exceeds max %d", len(text), MaxTextSize), nil)
	}
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	var chunks []Chunk
	start := 0
	index := 0
	total := len(text)

	for start < total {
		end := start + cfg.Size
		if end >= total {
			end = total
		} else {
			end = findBoundary(text, start, end, cfg)
		}
		if end <= start {
			end = min(start+cfg.Size, total)
		}

		piece := text[start:end]
		if strings.TrimSpace(piece) != "" {
			chunks = append(chunks, Chunk{
				ID:        generateChunkID(text, start, end),
				Text:      piece,
				StartByte: start,
				EndByte:   end,
				Index:     index,
			})
			index++
		}

		if end >= total {
			break
		}
		next := end - cfg.Overlap
		if next <= start {
			next = end
		}
		start = next
	}

	mergeUndersizedTail(text, &chunks, cfg.MinSize)
	return chunks, nil
}

// findBoundary looks backward from end for the preferred boundary
// (paragraph, then sentence, then word), never crossing below start,
// and never producing a piece larger than MaxChunkSize.
func findBoundary(text string, start, end int, cfg ChunkConfig) int {
	hardMax := start + MaxChunkSize
	if end > hardMax {
		end = hardMax
	}
	window := text[start:end]

	if cfg.PreserveParagraphs {
		if idx := strings.LastIndex(window, "\n\n"); idx > 0 {
			return start + idx + 2
		}
	}
	if cfg.PreserveSentences {
		if loc := lastSentenceBoundary(window); loc > 0 {
			return start + loc
		}
	}
	if idx := strings.LastIndexAny(window, " \n\t"); idx > 0 {
		return start + idx + 1
	}
	return end
}

func lastSentenceBoundary(window string) int {
	matches := sentenceBoundary.FindAllStringIndex(window, -1)
	if len(matches) == 0 {
		return -1
	}
	last := matches[len(matches)-1]
	return last[1]
}

// mergeUndersizedTail folds a final chunk smaller than minSize into
// its predecessor, unless it is the only chunk. The merged text is
// re-sliced from the source so the prior chunk's overlap region isn't
// duplicated.
func mergeUndersizedTail(source string, chunks *[]Chunk, minSize int) {
	n := len(*chunks)
	if n < 2 {
		return
	}
	last := (*chunks)[n-1]
	if len(last.Text) >= minSize {
		return
	}
	prev := (*chunks)[n-2]
	merged := Chunk{
		ID:        generateChunkID(source, prev.StartByte, last.EndByte),
		Text:      source[prev.StartByte:last.EndByte],
		StartByte: prev.StartByte,
		EndByte:   last.EndByte,
		Index:     prev.Index,
	}
	*chunks = append((*chunks)[:n-2], merged)
}

func generateChunkID(text string, start, end int) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%d:%d:%s", start, end, text[start:end])))
	return hex.EncodeToString(h[:])[:16]
}
