package enrich

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Link HTML 正文中的一个超链接
type Link struct {
	Href string
	Text string
}

// document 从 HTML 中提取出的纯文本与链接
type document struct {
	Text  string
	Links []Link
}

// parseHTML 提取可见文本与超链接，忽略 script/style 等不可见内容。
// 解析失败时返回空文档。
func parseHTML(src string) document {
	if strings.TrimSpace(src) == "" {
		return document{}
	}
	root, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return document{}
	}

	var (
		text  strings.Builder
		links []Link
	)
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Head, atom.Noscript:
				return
			case atom.A:
				if href := attr(n, "href"); href != "" {
					links = append(links, Link{Href: href, Text: collapse(innerText(n))})
				}
			case atom.Br, atom.P, atom.Div, atom.Li, atom.Tr, atom.H1, atom.H2, atom.H3:
				text.WriteByte('\n')
			}
		}
		if n.Type == html.TextNode {
			text.WriteString(n.Data)
			text.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)

	return document{Text: collapse(text.String()), Links: links}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}

func innerText(n *html.Node) string {
	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

// collapse 合并连续空白。
func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
