// Package hocr writes and reads the hOCR documents used as the durable
// intermediate between inference and page synthesis.
//
// Only the subset needed to round-trip a text layer is modelled:
// ocr_page → ocr_line → ocrx_word, with bbox, x_wconf and scan_res.
package hocr

import (
	"fmt"
	"html/template"
	"io"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"github.com/spherical/scan-ocr/internal/domain"
)

// Page is one hOCR page with its text layer.
type Page struct {
	Image string // source image name recorded in the page title
	DPI   int
	Layer *domain.TextLayer
}

type lineView struct {
	ID    string
	Title string
	Words []wordView
}

type wordView struct {
	ID    string
	Title string
	Text  string
}

type pageView struct {
	Lang  string
	Title string
	Lines []lineView
}

var pageTemplate = template.Must(template.New("hocr").Parse(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE html PUBLIC "-//W3C//DTD XHTML 1.0 Transitional//EN" "http://www.w3.org/TR/xhtml1/DTD/xhtml1-transitional.dtd">
<html xmlns="http://www.w3.org/1999/xhtml" xml:lang="{{.Lang}}" lang="{{.Lang}}">
 <head>
  <title></title>
  <meta http-equiv="Content-Type" content="text/html;charset=utf-8"/>
  <meta name="ocr-system" content="scan-ocr"/>
  <meta name="ocr-capabilities" content="ocr_page ocr_line ocrx_word"/>
 </head>
 <body>
  <div class="ocr_page" id="page_1" title="{{.Title}}">
{{- range .Lines}}
   <span class="ocr_line" id="{{.ID}}" title="{{.Title}}">
{{- range .Words}}
    <span class="ocrx_word" id="{{.ID}}" title="{{.Title}}">{{.Text}}</span>
{{- end}}
   </span>
{{- end}}
  </div>
 </body>
</html>
`))

// Render writes page as an hOCR document. Words sharing a Line number are
// grouped into one ocr_line, in order of appearance.
func Render(w io.Writer, page Page) error {
	layer := page.Layer
	if layer == nil {
		layer = &domain.TextLayer{}
	}
	lang := layer.Language
	if lang == "" {
		lang = "en"
	}

	title := fmt.Sprintf("bbox 0 0 %d %d; ppageno 0", layer.Width, layer.Height)
	if page.Image != "" {
		title = fmt.Sprintf("image %s; %s", strconv.Quote(page.Image), title)
	}
	if page.DPI > 0 {
		title += fmt.Sprintf("; scan_res %d %d", page.DPI, page.DPI)
	}

	view := pageView{Lang: lang, Title: title}
	wordN := 0
	for i := 0; i < len(layer.Words); {
		j := i
		for j < len(layer.Words) && layer.Words[j].Line == layer.Words[i].Line {
			j++
		}
		words := layer.Words[i:j]
		line := lineView{
			ID:    fmt.Sprintf("line_1_%d", len(view.Lines)+1),
			Title: "bbox " + boxString(union(words)),
		}
		for _, word := range words {
			wordN++
			line.Words = append(line.Words, wordView{
				ID:    fmt.Sprintf("word_1_%d", wordN),
				Title: fmt.Sprintf("bbox %s; x_wconf %d", boxString(word.Box), int(word.Confidence+0.5)),
				Text:  word.Text,
			})
		}
		view.Lines = append(view.Lines, line)
		i = j
	}

	return pageTemplate.Execute(w, view)
}

// Parse reads the first ocr_page of an hOCR document.
func Parse(r io.Reader) (*Page, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse hocr: %w", err)
	}

	var page *Page
	line := 0
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			props := parseTitle(attr(n, "title"))
			switch {
			case hasClass(n, "ocr_page"):
				if page != nil {
					return
				}
				page = &Page{Layer: &domain.TextLayer{Language: attr(n, "lang")}}
				if box, ok := props.box(); ok {
					page.Layer.Width = box.X1
					page.Layer.Height = box.Y1
				}
				if res := props["scan_res"]; len(res) > 0 {
					page.DPI, _ = strconv.Atoi(res[0])
				}
				if img := props["image"]; len(img) > 0 {
					page.Image = unquote(strings.Join(img, " "))
				}
			case hasClass(n, "ocr_line"), hasClass(n, "ocr_caption"), hasClass(n, "ocr_header"), hasClass(n, "ocr_textfloat"):
				line++
			case hasClass(n, "ocrx_word"):
				if page == nil {
					return
				}
				box, _ := props.box()
				text := strings.TrimSpace(textContent(n))
				if text == "" {
					return
				}
				conf := 0.0
				if c := props["x_wconf"]; len(c) > 0 {
					conf, _ = strconv.ParseFloat(c[0], 64)
				}
				page.Layer.Words = append(page.Layer.Words, domain.Word{
					Text:       text,
					Box:        box,
					Confidence: conf,
					Line:       line,
				})
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)

	if page == nil {
		return nil, fmt.Errorf("parse hocr: no ocr_page element")
	}

	texts := make([]string, 0, len(page.Layer.Words))
	for _, w := range page.Layer.Words {
		texts = append(texts, w.Text)
	}
	page.Layer.Text = strings.Join(texts, " ")
	return page, nil
}

type titleProps map[string][]string

// parseTitle splits an hOCR title ("bbox 0 0 10 10; x_wconf 90") into
// properties.
func parseTitle(title string) titleProps {
	props := titleProps{}
	for _, part := range strings.Split(title, ";") {
		fields := strings.Fields(part)
		if len(fields) == 0 {
			continue
		}
		props[fields[0]] = fields[1:]
	}
	return props
}

func (p titleProps) box() (domain.Box, bool) {
	v := p["bbox"]
	if len(v) != 4 {
		return domain.Box{}, false
	}
	var n [4]int
	for i, s := range v {
		x, err := strconv.Atoi(s)
		if err != nil {
			return domain.Box{}, false
		}
		n[i] = x
	}
	return domain.Box{X0: n[0], Y0: n[1], X1: n[2], Y1: n[3]}, true
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func unquote(s string) string {
	if u, err := strconv.Unquote(s); err == nil {
		return u
	}
	return strings.Trim(s, `"`)
}

func boxString(b domain.Box) string {
	return fmt.Sprintf("%d %d %d %d", b.X0, b.Y0, b.X1, b.Y1)
}

func union(words []domain.Word) domain.Box {
	if len(words) == 0 {
		return domain.Box{}
	}
	u := words[0].Box
	for _, w := range words[1:] {
		u.X0 = min(u.X0, w.Box.X0)
		u.Y0 = min(u.Y0, w.Box.Y0)
		u.X1 = max(u.X1, w.Box.X1)
		u.Y1 = max(u.Y1, w.Box.Y1)
	}
	return u
}
