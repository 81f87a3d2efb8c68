package render

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// BlockKind classifies a laid-out block of text.
type BlockKind int

const (
	BlockParagraph BlockKind = iota
	BlockHeading
	BlockListItem
	BlockRule
)

// Block is one unit of flowed text on the page.
type Block struct {
	Kind  BlockKind
	Level int // heading level, 1-6
	Bold  bool
	Text  string
}

// Source newlines are whitespace; only <br> breaks a line.
var newlines = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ")

// Layout flattens rendered HTML into blocks. Inline markup is reduced to its
// text; script and style contents are dropped.
func Layout(src string) []Block {
	z := html.NewTokenizer(strings.NewReader(src))

	var (
		blocks []Block
		cur    Block
		buf    strings.Builder
		skip   int
		bold   int
	)
	flush := func() {
		text := collapseSpace(buf.String())
		buf.Reset()
		if text == "" {
			cur = Block{}
			return
		}
		cur.Text = text
		blocks = append(blocks, cur)
		cur = Block{}
	}

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			// io.EOF, or a malformed tail; keep what was laid out so far.
			flush()
			return blocks

		case html.TextToken:
			if skip > 0 {
				continue
			}
			if bold > 0 && buf.Len() == 0 {
				cur.Bold = true
			}
			buf.WriteString(newlines.Replace(string(z.Text())))

		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			a := atom.Lookup(name)
			switch a {
			case atom.Script, atom.Style, atom.Head:
				if tt == html.StartTagToken {
					skip++
				}
			case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
				flush()
				cur = Block{Kind: BlockHeading, Level: int(name[1] - '0')}
			case atom.P, atom.Div, atom.Tr, atom.Blockquote, atom.Section, atom.Article, atom.Table:
				flush()
			case atom.Li:
				flush()
				cur = Block{Kind: BlockListItem}
			case atom.Br:
				buf.WriteByte('\n')
			case atom.Hr:
				flush()
				blocks = append(blocks, Block{Kind: BlockRule})
			case atom.Td, atom.Th:
				if buf.Len() > 0 {
					buf.WriteString("  ")
				}
			case atom.B, atom.Strong:
				bold++
			}

		case html.EndTagToken:
			name, _ := z.TagName()
			switch atom.Lookup(name) {
			case atom.Script, atom.Style, atom.Head:
				if skip > 0 {
					skip--
				}
			case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
				atom.P, atom.Div, atom.Li, atom.Tr, atom.Blockquote, atom.Section, atom.Article, atom.Table:
				flush()
			case atom.B, atom.Strong:
				if bold > 0 {
					bold--
				}
			}
		}
	}
}

// collapseSpace folds runs of spaces and tabs and trims each line, keeping
// the explicit line breaks produced by <br>.
func collapseSpace(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
