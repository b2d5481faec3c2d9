package telegram

import "strings"

const textLimit = 4096

// splitText cuts s into chunks of at most limit runes. It prefers newline
// boundaries and, for HTML, avoids cutting inside a tag.
func splitText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	for start := 0; start < len(rs); {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			end = newlineCut(rs, start, end, limit)
			if strings.EqualFold(parseMode, "HTML") {
				end = tagSafeCut(rs, start, end)
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

// newlineCut moves end back to just after the last newline in the window,
// unless that leaves a chunk shorter than a third of limit.
func newlineCut(rs []rune, start, end, limit int) int {
	for i := end - 1; i > start; i-- {
		if rs[i] == '\n' {
			if i-start >= limit/3 {
				return i + 1
			}
			break
		}
	}
	return end
}

// tagSafeCut moves end back to the start of a tag left open in rs[start:end].
func tagSafeCut(rs []rune, start, end int) int {
	lastOpen, lastClose := -1, -1
	for i := start; i < end; i++ {
		switch rs[i] {
		case '<':
			lastOpen = i
		case '>':
			lastClose = i
		}
	}
	if lastOpen > lastClose && lastOpen > start+1 {
		return lastOpen
	}
	return end
}
