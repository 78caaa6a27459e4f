package prompts

import (
	"bytes"
	"regexp"
	"sort"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var (
	htmlTagRe    = regexp.MustCompile(`<[^>]*>`)
	blankLinesRe = regexp.MustCompile(`\n{3,}`)
)

type edit struct {
	start, stop int
	replacement string
}

// Preprocess removes code blocks and/or HTML from a markdown question.
// Fenced and indented code blocks are dropped whole. Inline HTML tags are
// dropped and block-level HTML keeps its inner text.
func Preprocess(body string, opts Options) string {
	if !opts.StripCodeBlocks && !opts.StripHTML {
		return body
	}

	src := []byte(body)
	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	var edits []edit
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.FencedCodeBlock:
			if opts.StripCodeBlocks {
				if start, stop, ok := fencedRange(src, node); ok {
					edits = append(edits, edit{start: start, stop: stop})
				}
				return ast.WalkSkipChildren, nil
			}
		case *ast.CodeBlock:
			if opts.StripCodeBlocks {
				if start, stop, ok := linesRange(src, node.Lines()); ok {
					edits = append(edits, edit{start: start, stop: stop})
				}
				return ast.WalkSkipChildren, nil
			}
		case *ast.HTMLBlock:
			if opts.StripHTML {
				start, stop, ok := linesRange(src, node.Lines())
				if node.HasClosure() {
					if !ok {
						start = lineStart(src, node.ClosureLine.Start)
						ok = true
					}
					stop = node.ClosureLine.Stop
				}
				if ok {
					inner := htmlTagRe.ReplaceAllString(string(src[start:stop]), "")
					edits = append(edits, edit{start: start, stop: stop, replacement: inner})
				}
				return ast.WalkSkipChildren, nil
			}
		case *ast.RawHTML:
			if opts.StripHTML {
				for i := 0; i < node.Segments.Len(); i++ {
					seg := node.Segments.At(i)
					edits = append(edits, edit{start: seg.Start, stop: seg.Stop})
				}
			}
		}
		return ast.WalkContinue, nil
	})

	out := applyEdits(src, edits)
	out = blankLinesRe.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}

func fencedRange(src []byte, node *ast.FencedCodeBlock) (int, int, bool) {
	lines := node.Lines()
	var start int
	switch {
	case node.Info != nil:
		start = lineStart(src, node.Info.Segment.Start)
	case lines.Len() > 0 && lines.At(0).Start > 0:
		start = lineStart(src, lines.At(0).Start-1)
	default:
		var ok bool
		if start, ok = fenceLineFrom(src, precedingEnd(src, node)); !ok {
			return 0, 0, false
		}
	}

	var stop int
	if lines.Len() > 0 {
		stop = lines.At(lines.Len() - 1).Stop
	} else {
		stop = lineEnd(src, start)
	}
	// The closing fence, when present, is the line after the content.
	if stop < len(src) {
		stop = lineEnd(src, stop)
	}
	return start, stop, true
}

// fenceLineFrom returns the start of the first fence line at or after from.
func fenceLineFrom(src []byte, from int) (int, bool) {
	for pos := lineStart(src, from); pos < len(src); pos = lineEnd(src, pos) {
		line := strings.TrimLeft(string(src[pos:lineEnd(src, pos)]), " \t>")
		if strings.HasPrefix(line, "```") || strings.HasPrefix(line, "~~~") {
			return pos, true
		}
	}
	return 0, false
}

// precedingEnd is the offset where the block before node ends, or 0 when
// node is the first block in the document.
func precedingEnd(src []byte, node ast.Node) int {
	for n := node; n != nil; n = n.Parent() {
		if prev := n.PreviousSibling(); prev != nil {
			return blockEnd(src, prev)
		}
	}
	return 0
}

func blockEnd(src []byte, n ast.Node) int {
	if n.Type() != ast.TypeBlock {
		return 0
	}
	switch node := n.(type) {
	case *ast.FencedCodeBlock:
		if _, stop, ok := fencedRange(src, node); ok {
			return stop
		}
	case *ast.HTMLBlock:
		if node.HasClosure() {
			return node.ClosureLine.Stop
		}
	}
	if lines := n.Lines(); lines != nil && lines.Len() > 0 {
		return lines.At(lines.Len() - 1).Stop
	}
	if last := n.LastChild(); last != nil {
		return blockEnd(src, last)
	}
	return 0
}

func linesRange(src []byte, lines *text.Segments) (int, int, bool) {
	if lines == nil || lines.Len() == 0 {
		return 0, 0, false
	}
	first := lines.At(0)
	last := lines.At(lines.Len() - 1)
	return lineStart(src, first.Start), last.Stop, true
}

func lineStart(src []byte, pos int) int {
	if pos > len(src) {
		pos = len(src)
	}
	return bytes.LastIndexByte(src[:pos], '\n') + 1
}

func lineEnd(src []byte, pos int) int {
	if pos >= len(src) {
		return len(src)
	}
	idx := bytes.IndexByte(src[pos:], '\n')
	if idx < 0 {
		return len(src)
	}
	return pos + idx + 1
}

func applyEdits(src []byte, edits []edit) string {
	if len(edits) == 0 {
		return string(src)
	}
	sort.Slice(edits, func(i, j int) bool {
		return edits[i].start < edits[j].start
	})

	var b strings.Builder
	cursor := 0
	for _, e := range edits {
		if e.start < cursor {
			continue
		}
		b.Write(src[cursor:e.start])
		b.WriteString(e.replacement)
		cursor = e.stop
	}
	b.Write(src[cursor:])
	return b.String()
}
