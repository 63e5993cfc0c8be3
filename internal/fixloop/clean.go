package fixloop

import (
	"regexp"
	"strings"
)

const fence = "```"

// A fence line, optionally tagged with a language: ```python
var fenceLineRe = regexp.MustCompile("(?m)^[ \t]*```[\\w+.-]*[ \t]*$")

type sourceLine struct {
	text       string
	inString   bool // line begins inside a triple-quoted string
	hadComment bool
}

// CleanCode strips markdown fences and # comments from model output and
// drops blank lines. A # or ``` inside a string literal is kept, and so
// are blank lines inside triple-quoted strings.
func CleanCode(raw string) string {
	text := strings.ReplaceAll(raw, "\r\n", "\n")
	text = fenceLineRe.ReplaceAllString(text, "")

	var kept []string
	for _, l := range stripComments(text) {
		line := l.text
		if l.hadComment {
			line = strings.TrimRight(line, " \t")
		}
		if !l.inString && strings.TrimSpace(line) == "" {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

// stripComments is a small Python-aware scanner. It tracks single, double
// and triple quoted strings (with backslash escapes) so that only real
// comments and stray inline fences are removed.
func stripComments(src string) []sourceLine {
	var (
		lines      []sourceLine
		cur        strings.Builder
		quote      string
		inString   bool
		hadComment bool
	)
	flush := func() {
		lines = append(lines, sourceLine{text: cur.String(), inString: inString, hadComment: hadComment})
		cur.Reset()
		hadComment = false
		inString = quote != ""
	}

	for i := 0; i < len(src); i++ {
		c := src[i]
		switch {
		case c == '\n':
			if len(quote) == 1 {
				quote = "" // unterminated single-line string
			}
			flush()
		case quote != "":
			cur.WriteByte(c)
			if c == '\\' && i+1 < len(src) && src[i+1] != '\n' {
				cur.WriteByte(src[i+1])
				i++
				continue
			}
			if strings.HasPrefix(src[i:], quote) {
				cur.WriteString(quote[1:])
				i += len(quote) - 1
				quote = ""
			}
		case c == '#':
			hadComment = true
			for i+1 < len(src) && src[i+1] != '\n' {
				i++
			}
		case c == '\'' || c == '"':
			q := string(c)
			if triple := strings.Repeat(q, 3); strings.HasPrefix(src[i:], triple) {
				q = triple
			}
			cur.WriteString(q)
			i += len(q) - 1
			quote = q
		case strings.HasPrefix(src[i:], fence):
			i += len(fence) - 1
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return lines
}
