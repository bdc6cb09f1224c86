package relay

import "strings"

// Fixed replies.
const (
	ReplyBusy         = "System is busy. Please try again."
	ReplyNoOutput     = "(No output detected)"
	ReplyNotLocated   = "(Could not locate the turn in the terminal output)"
	ReplyEmptyCleaned = "(Output was empty after cleaning)"
	TruncatedBanner   = "[...Truncated...]\n"
)

// Neutralize prefixes every line that starts with "!" with a space, so the
// target program does not read it as a shell escape.
func Neutralize(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if strings.HasPrefix(line, "!") {
			lines[i] = " " + line
		}
	}
	return strings.Join(lines, "\n")
}

// EchoKey is the exact text injected for an inbound message. It is also the
// marker searched for in the capture.
func EchoKey(tag, text string) string {
	return tag + Neutralize(text)
}

// Extract finds the reply to echoKey in a pane capture. The last trimLines
// lines are dropped first. The reply is whatever follows the last occurrence
// of echoKey. When echoKey is absent the last fallbackLines lines are
// returned with found=false.
func Extract(captured, echoKey string, trimLines, fallbackLines int) (reply string, found bool) {
	lines := strings.Split(captured, "\n")
	if len(lines) > trimLines {
		lines = lines[:len(lines)-trimLines]
	}
	body := strings.Join(lines, "\n")

	if i := strings.LastIndex(body, echoKey); i >= 0 {
		return strings.TrimSpace(body[i+len(echoKey):]), true
	}

	if len(lines) > fallbackLines {
		lines = lines[len(lines)-fallbackLines:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n")), false
}

// FitReply keeps the trailing limit runes of text behind TruncatedBanner
// when text is longer than limit.
func FitReply(text string, limit int) string {
	r := []rune(text)
	if limit <= 0 || len(r) <= limit {
		return text
	}
	return TruncatedBanner + string(r[len(r)-limit:])
}

// SplitChunks cuts text into consecutive pieces of at most size runes.
func SplitChunks(text string, size int) []string {
	r := []rune(text)
	if size <= 0 || len(r) <= size {
		return []string{text}
	}
	var chunks []string
	for len(r) > 0 {
		n := min(size, len(r))
		chunks = append(chunks, string(r[:n]))
		r = r[n:]
	}
	return chunks
}
