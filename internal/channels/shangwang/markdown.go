package shangwang

import (
	"regexp"
	"strings"
)

// The IM renders no markdown; flatten the common constructs to plain text.
var (
	mdCodeBlock  = regexp.MustCompile("(?s)```(?:[\\w]*\\n)?(.*?)```")
	mdInlineCode = regexp.MustCompile("`([^`]+)`")
	mdLink       = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`)
	mdBoldStar   = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	mdBoldUnder  = regexp.MustCompile(`__([^_]+)__`)
	mdItalicStar = regexp.MustCompile(`(^|[^*])\*([^*\n]+)\*($|[^*])`)
	mdItalicUnd  = regexp.MustCompile(`(^|[^_])_([^_\n]+)_($|[^_])`)
	mdHeading    = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	mdBlankRuns  = regexp.MustCompile(`\n{3,}`)
)

func markdownToPlainText(text string) string {
	if text == "" {
		return text
	}
	t := text
	t = mdCodeBlock.ReplaceAllString(t, "$1")
	t = mdInlineCode.ReplaceAllString(t, "$1")
	t = mdLink.ReplaceAllString(t, "$1")
	t = mdBoldStar.ReplaceAllString(t, "$1")
	t = mdBoldUnder.ReplaceAllString(t, "$1")
	t = mdItalicStar.ReplaceAllString(t, "$1$2$3")
	t = mdItalicUnd.ReplaceAllString(t, "$1$2$3")
	t = mdHeading.ReplaceAllString(t, "")
	t = mdBlankRuns.ReplaceAllString(t, "\n\n")
	return strings.TrimSpace(t)
}
