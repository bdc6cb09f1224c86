// Package terminal turns raw pane captures into text fit for a chat message.
package terminal

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/charmbracelet/x/ansi"
)

// chromeRunes are box-drawing, spinner, and status glyphs drawn by TUI programs.
const chromeRunes = "│─╭╮╰╯╼╽╾╿┌┐└┘├┤┬┴┼═║╒╓╔╕╖╗╘╙╚╛╜╝╞╟╠╡╢╣╤╥╦╧╨╩╪╫╬⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏•✓✖⚠"

var chrome = strings.NewReplacer(pairs(chromeRunes)...)

func pairs(set string) []string {
	var out []string
	for _, r := range set {
		out = append(out, string(r), "")
	}
	return out
}

// statusLines match Gemini CLI footer and prompt hint lines.
var statusLines = []*regexp.Regexp{
	regexp.MustCompile(`(?m)Using: \d+ GEMINI\.md files.*$`),
	regexp.MustCompile(`(?m)YOLO mode \(ctrl \+ y to toggle\).*$`),
	regexp.MustCompile(`(?m)\* +Type your message or @path/to/file.*$`),
	regexp.MustCompile(`(?m)~/.*no sandbox.*Auto.*$`),
}

var newlineRuns = regexp.MustCompile(`\n+`)

// Clean strips escape sequences, UI chrome, and known status lines from a
// capture. Runs of newlines collapse to a single blank line and the result
// is trimmed.
func Clean(text string) string {
	text = ansi.Strip(text)
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = chrome.Replace(text)
	for _, re := range statusLines {
		text = re.ReplaceAllString(text, "")
	}
	text = newlineRuns.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// StripTitlePrefix removes leading non-alphanumeric characters from a pane
// title. Agents prefix titles with status indicators like "✳ " but the
// exact character varies by platform and encoding.
func StripTitlePrefix(title string) string {
	i := strings.IndexFunc(title, func(r rune) bool {
		return unicode.IsLetter(r) || unicode.IsDigit(r)
	})
	if i > 0 {
		return title[i:]
	}
	return title
}
