package docgen

import (
	"bytes"
	"fmt"
	"html"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"

	"github.com/shinji-kodama/tbot/internal/eventlog"
)

// Markdown builds a Markdown document from events.
//
// A testcase is documented when it, or any testcase that called it,
// emitted doc text. Commands of documented testcases are grouped into
// "sh" blocks; consecutive commands share one block.
func Markdown(events []eventlog.Event) string {
	documented := documentedCalls(events)

	var (
		out    strings.Builder
		stack  []int
		call   = -1
		inCode bool
	)
	closeCode := func() {
		if inCode {
			out.WriteString("```\n")
			inCode = false
		}
	}

	for _, ev := range events {
		switch {
		case ev.Is("testcase", "begin"):
			call++
			stack = append(stack, call)
		case ev.Is("testcase", "end"):
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		case ev.Is("doc", "text"):
			closeCode()
			out.WriteString(ev.String("text"))
		case ev.Is("cmd"):
			if len(stack) == 0 || !documented[stack[len(stack)-1]] {
				continue
			}
			if !inCode {
				if s := out.String(); s != "" && !strings.HasSuffix(s, "\n") {
					out.WriteString("\n")
				}
				out.WriteString("```sh\n")
				inCode = true
			}
			out.WriteString(ev.String("command"))
			out.WriteString("\n")
		}
	}
	closeCode()
	return out.String()
}

// documentedCalls numbers testcase calls in begin order and reports which
// of them are documented.
func documentedCalls(events []eventlog.Event) map[int]bool {
	direct := map[int]bool{}
	parent := map[int]int{}
	var stack []int
	call := -1
	for _, ev := range events {
		switch {
		case ev.Is("testcase", "begin"):
			call++
			parent[call] = -1
			if len(stack) > 0 {
				parent[call] = stack[len(stack)-1]
			}
			stack = append(stack, call)
		case ev.Is("testcase", "end"):
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		case ev.Is("doc", "text"):
			if len(stack) > 0 {
				direct[stack[len(stack)-1]] = true
			}
		}
	}

	documented := make(map[int]bool, call+1)
	for i := 0; i <= call; i++ {
		for p := i; p >= 0; p = parent[p] {
			if direct[p] {
				documented[i] = true
				break
			}
		}
	}
	return documented
}

// HTML renders markdown as a standalone HTML page called title.
func HTML(title, markdown string) ([]byte, error) {
	md := goldmark.New(
		goldmark.WithExtensions(extension.GFM),
		goldmark.WithParserOptions(parser.WithAutoHeadingID()),
	)

	var body bytes.Buffer
	if err := md.Convert([]byte(markdown), &body); err != nil {
		return nil, fmt.Errorf("failed to render markdown: %w", err)
	}

	var page bytes.Buffer
	fmt.Fprintf(&page, "<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n<title>%s</title>\n</head>\n<body>\n", html.EscapeString(title))
	page.Write(body.Bytes())
	page.WriteString("</body>\n</html>\n")
	return page.Bytes(), nil
}
