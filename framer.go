package serial

import "strings"

// LineFramer turns an arbitrarily chunked byte stream into trimmed,
// non-empty text lines. The zero value is ready to use.
//
// A LineFramer is not safe for concurrent use; each connection owns one and
// feeds it from its reader goroutine only.
type LineFramer struct {
	pending string
}

// Feed consumes the next chunk and returns the lines it completes, in order.
// Carriage returns are discarded, so "\r\n" and "\n" terminate lines alike.
func (f *LineFramer) Feed(chunk []byte) []string {
	if len(chunk) == 0 {
		return nil
	}
	buf := strings.ReplaceAll(f.pending+string(chunk), "\r", "")
	segments := strings.Split(buf, "\n")

	// When the chunk ends with '\n' the last segment is empty, which clears
	// the pending fragment.
	f.pending = segments[len(segments)-1]

	var lines []string
	for _, s := range segments[:len(segments)-1] {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		lines = append(lines, s)
	}
	return lines
}

// Pending returns the buffered fragment not yet terminated by a newline.
func (f *LineFramer) Pending() string {
	return f.pending
}

// Reset drops any buffered fragment.
func (f *LineFramer) Reset() {
	f.pending = ""
}
