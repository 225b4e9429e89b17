package tadriver

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Row is one student line of the attendance form.
type Row struct {
	Name    string `json:"name"`
	FieldID string `json:"fieldId"`
}

// PageState is a snapshot of the attendance form.
type PageState struct {
	Date  string `json:"date"`
	Block string `json:"block"`
	Rows  []Row  `json:"rows"`
}

// ParsePageState reads the attendance form out of the main frame's HTML.
// The date is returned as YYYY-MM-DD when it parses in the remote layout.
// Rows with fewer radio controls than there are status codes, and rows
// labelled with header or placeholder text, are excluded.
func ParsePageState(src string, sel Selectors) (*PageState, error) {
	sel = sel.withDefaults()
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("tadriver: parse page: %w", err)
	}

	st := &PageState{}
	dateFound := false
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Input:
				if !dateFound && attr(n, "name") == sel.DateInputName {
					st.Date = sel.ISODate(attr(n, "value"))
					dateFound = true
				}
			case atom.Select:
				if attr(n, "name") == sel.BlockSelectName {
					st.Block = selectedOption(n)
				}
			case atom.Tr:
				if row, ok := parseRow(n, sel); ok {
					st.Rows = append(st.Rows, row)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	if !dateFound {
		return nil, fmt.Errorf("tadriver: date control %q not found", sel.DateInputName)
	}
	return st, nil
}

func parseRow(tr *html.Node, sel Selectors) (Row, bool) {
	var radios []*html.Node
	var name string
	for c := tr.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode || (c.DataAtom != atom.Td && c.DataAtom != atom.Th) {
			continue
		}
		if name == "" {
			name = cellText(c)
		}
		radios = append(radios, collectRadios(c)...)
	}
	if len(radios) < len(sel.StatusCodes) || name == "" {
		return Row{}, false
	}
	if isFiller(name, sel) {
		return Row{}, false
	}
	fieldID := attr(radios[0], "name")
	if fieldID == "" {
		return Row{}, false
	}
	return Row{Name: name, FieldID: fieldID}, true
}

func isFiller(name string, sel Selectors) bool {
	lower := strings.ToLower(name)
	for _, h := range sel.HeaderTexts {
		if lower == strings.ToLower(h) {
			return true
		}
	}
	for _, p := range sel.PlaceholderTexts {
		if p != "" && strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// collectRadios returns radio inputs under n without entering nested tables.
func collectRadios(n *html.Node) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if n.DataAtom == atom.Table {
				return
			}
			if n.DataAtom == atom.Input && strings.EqualFold(attr(n, "type"), "radio") {
				out = append(out, n)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c)
	}
	return out
}

// cellText returns the whitespace-collapsed text of a cell, ignoring
// scripts and nested tables.
func cellText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			b.WriteString(n.Data)
			b.WriteByte(' ')
		case html.ElementNode:
			if n.DataAtom == atom.Script || n.DataAtom == atom.Style || n.DataAtom == atom.Table {
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(b.String()), " ")
}

func selectedOption(sel *html.Node) string {
	var first, selected string
	var haveFirst, haveSelected bool
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.Option {
			v, ok := attrOK(n, "value")
			if !ok {
				v = cellText(n)
			}
			if !haveFirst {
				first, haveFirst = v, true
			}
			if _, ok := attrOK(n, "selected"); ok && !haveSelected {
				selected, haveSelected = v, true
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(sel)
	if haveSelected {
		return selected
	}
	return first
}

func attr(n *html.Node, key string) string {
	v, _ := attrOK(n, key)
	return v
}

func attrOK(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}
