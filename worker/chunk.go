package worker

import "strings"

// DefaultSeparators is the recursive-splitter separator order §4.9 step 4
// specifies: paragraph, line, sentence, word, then raw characters.
var DefaultSeparators = []string{"\n\n", "\n", ". ", " ", ""}

// SplitText chunks text with the recursive-character splitting strategy
// original_source's app/core/chunking.py delegates to LangChain's
// RecursiveCharacterTextSplitter: try each separator in turn, recursing
// into any piece still longer than chunkSize with the remaining
// separators, then re-merging adjacent short pieces up to chunkSize with
// chunkOverlap carried from the tail of the previous chunk. Ported by hand
// here since no Go port of that splitter is in the dependency pack.
func SplitText(text string, chunkSize, chunkOverlap int) []string {
	if chunkSize <= 0 {
		chunkSize = 512
	}
	if chunkOverlap < 0 || chunkOverlap >= chunkSize {
		chunkOverlap = chunkSize / 4
	}
	chunks := splitRecursive(text, DefaultSeparators, chunkSize, chunkOverlap)
	out := chunks[:0]
	for _, c := range chunks {
		if strings.TrimSpace(c) != "" {
			out = append(out, c)
		}
	}
	return out
}

func splitRecursive(text string, separators []string, chunkSize, chunkOverlap int) []string {
	if text == "" {
		return nil
	}

	separator := separators[len(separators)-1]
	var remaining []string
	for i, sep := range separators {
		if sep == "" {
			separator = sep
			remaining = nil
			break
		}
		if strings.Contains(text, sep) {
			separator = sep
			remaining = separators[i+1:]
			break
		}
	}

	var pieces []string
	if separator == "" {
		pieces = strings.Split(text, "")
	} else {
		pieces = strings.Split(text, separator)
	}

	var small []string
	var out []string
	flush := func() {
		if len(small) == 0 {
			return
		}
		out = append(out, mergeSplits(small, separator, chunkSize, chunkOverlap)...)
		small = nil
	}

	for _, p := range pieces {
		if len(p) < chunkSize {
			small = append(small, p)
			continue
		}
		flush()
		if len(remaining) == 0 {
			out = append(out, p)
		} else {
			out = append(out, splitRecursive(p, remaining, chunkSize, chunkOverlap)...)
		}
	}
	flush()
	return out
}

// mergeSplits greedily packs pieces (already individually <= chunkSize)
// back together, separated by sep, up to chunkSize per chunk, carrying
// chunkOverlap bytes of trailing context from one chunk into the next by
// not fully discarding the window on each new chunk boundary.
func mergeSplits(pieces []string, sep string, chunkSize, chunkOverlap int) []string {
	var chunks []string
	var window []string
	total := 0

	sepLen := len(sep)
	lenFn := func(s string) int { return len(s) }

	for _, p := range pieces {
		added := lenFn(p)
		if len(window) > 0 {
			added += sepLen
		}
		if total+added > chunkSize && len(window) > 0 {
			chunks = append(chunks, strings.Join(window, sep))
			for total > chunkOverlap && len(window) > 1 {
				total -= lenFn(window[0])
				if len(window) > 1 {
					total -= sepLen
				}
				window = window[1:]
			}
		}
		window = append(window, p)
		total += added
	}
	if len(window) > 0 {
		chunks = append(chunks, strings.Join(window, sep))
	}
	return chunks
}
