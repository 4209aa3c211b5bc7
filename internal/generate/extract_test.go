package generate

import "testing"

func TestExtractCode(t *testing.T) {
	cases := []struct {
		name     string
		response string
		want     string
	}{
		{
			name:     "fenced with language",
			response: "Here is the pattern:\n```javascript\nsetcps(0.5)\ns(\"bd sd\")\n```\nEnjoy!",
			want:     "setcps(0.5)\ns(\"bd sd\")\n",
		},
		{
			name:     "fenced without language",
			response: "```\ns(\"bd\")\n```",
			want:     "s(\"bd\")\n",
		},
		{
			name:     "no fence uses whole response",
			response: "s(\"bd sd hh sd\")",
			want:     "s(\"bd sd hh sd\")",
		},
		{
			name:     "interior whitespace preserved verbatim",
			response: "```js\nstack(\n  s(\"bd\"),\n\n  note(\"c3\")  \n)\n```",
			want:     "stack(\n  s(\"bd\"),\n\n  note(\"c3\")  \n)\n",
		},
		{
			name:     "first of multiple fences wins",
			response: "```js\nfirst()\n```\ntext\n```js\nsecond()\n```",
			want:     "first()\n",
		},
		{
			name:     "empty response",
			response: "",
			want:     "",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ExtractCode(tc.response); got != tc.want {
				t.Errorf("ExtractCode() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestHintFor(t *testing.T) {
	if hintFor("ReferenceError: kick is not defined") == "" {
		t.Error("expected hint for unknown-function error")
	}
	if hintFor("TypeError: bd is not a function") == "" {
		t.Error("expected hint for not-a-function error")
	}
	if hintFor("SyntaxError: Unexpected token ')'") != "" {
		t.Error("unexpected hint for syntax error outside the closed set")
	}
}
