package generate

import "regexp"

// fencedBlock matches the first fenced code block, with or without a
// language tag. The interior is captured verbatim: internal whitespace and
// parentheses are significant to the live environment, so nothing is
// trimmed.
var fencedBlock = regexp.MustCompile("(?s)```[a-zA-Z0-9_-]*\r?\n(.*?)```")

// ExtractCode pulls pattern code out of a completion response. If the
// response contains a fenced code block its interior is used verbatim;
// otherwise the whole response is the code. Ambiguity is never fatal.
func ExtractCode(response string) string {
	if m := fencedBlock.FindStringSubmatch(response); m != nil {
		return m[1]
	}
	return response
}
