package transform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
)

// RenderConfig lays out the text pages.
type RenderConfig struct {
	FontName     string  // a PDF core font; default Courier
	FontSize     int     // default 10
	LineHeight   float64 // default 1.2 * FontSize
	MarginLeft   float64 // default 40
	MarginTop    float64 // default 80
	MarginBottom float64 // default 40
	PageWidth    float64 // A4 portrait
	PageHeight   float64
}

func (c *RenderConfig) defaults() {
	if c.FontName == "" {
		c.FontName = "Courier"
	}
	if c.FontSize <= 0 {
		c.FontSize = 10
	}
	if c.LineHeight <= 0 {
		c.LineHeight = 1.2 * float64(c.FontSize)
	}
	if c.MarginLeft <= 0 {
		c.MarginLeft = 40
	}
	if c.MarginTop <= 0 {
		c.MarginTop = 80
	}
	if c.MarginBottom <= 0 {
		c.MarginBottom = 40
	}
	if c.PageWidth <= 0 {
		c.PageWidth = 595
	}
	if c.PageHeight <= 0 {
		c.PageHeight = 842
	}
}

// Render lays every text file out on its own A4 page (more when the text
// overflows) and produces one PDF.
type Render struct {
	cfg RenderConfig
}

// NewRender creates the render transform.
func NewRender(cfg RenderConfig) *Render {
	cfg.defaults()
	return &Render{cfg: cfg}
}

// Transform implements the render stage.
func (r *Render) Transform(ctx context.Context, files [][]byte) ([][]byte, error) {
	if len(files) == 0 {
		return nil, errors.New("render: no text files")
	}
	desc, err := r.Describe(files)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out bytes.Buffer
	if err := pdfapi.Create(nil, bytes.NewReader(desc), &out, nil); err != nil {
		return nil, fmt.Errorf("render: create pdf: %w", err)
	}
	return [][]byte{out.Bytes()}, nil
}

type pageDoc struct {
	Paper  string              `json:"paper"`
	Origin string              `json:"origin"`
	Pages  map[string]pageSpec `json:"pages"`
}

type pageSpec struct {
	Content pageContent `json:"content"`
}

type pageContent struct {
	Text []textBox `json:"text,omitempty"`
}

type textBox struct {
	Value string    `json:"value"`
	Pos   []float64 `json:"pos"`
	Font  fontSpec  `json:"font"`
}

type fontSpec struct {
	Name string `json:"name"`
	Size int    `json:"size"`
}

// Describe builds the pdfcpu JSON page description for files. Each line
// becomes one positioned text box; long lines are wrapped at the page
// width.
func (r *Render) Describe(files [][]byte) ([]byte, error) {
	doc := pageDoc{Paper: "A4P", Origin: "UpperLeft", Pages: map[string]pageSpec{}}
	perPage := r.linesPerPage()
	width := r.charsPerLine()

	page := 0
	for _, file := range files {
		lines := wrapLines(sanitizeText(file), width)
		if len(lines) == 0 {
			lines = []string{""}
		}
		for start := 0; start < len(lines); start += perPage {
			end := min(start+perPage, len(lines))
			page++
			var spec pageSpec
			for i, line := range lines[start:end] {
				if line == "" {
					continue
				}
				spec.Content.Text = append(spec.Content.Text, textBox{
					Value: line,
					Pos:   []float64{r.cfg.MarginLeft, r.cfg.MarginTop + float64(i)*r.cfg.LineHeight},
					Font:  fontSpec{Name: r.cfg.FontName, Size: r.cfg.FontSize},
				})
			}
			doc.Pages[strconv.Itoa(page)] = spec
		}
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("render: encode description: %w", err)
	}
	return data, nil
}

func (r *Render) linesPerPage() int {
	usable := r.cfg.PageHeight - r.cfg.MarginTop - r.cfg.MarginBottom
	return max(1, int(usable/r.cfg.LineHeight))
}

// charsPerLine assumes a monospace core font: glyphs are 0.6em wide.
func (r *Render) charsPerLine() int {
	usable := r.cfg.PageWidth - 2*r.cfg.MarginLeft
	return max(10, int(usable/(0.6*float64(r.cfg.FontSize))))
}

// sanitizeText keeps what the WinAnsi core fonts can show.
func sanitizeText(data []byte) string {
	if !utf8.Valid(data) {
		// Treat invalid UTF-8 as Latin-1.
		runes := make([]rune, len(data))
		for i, b := range data {
			runes[i] = rune(b)
		}
		data = []byte(string(runes))
	}
	var b strings.Builder
	for _, r := range string(data) {
		switch {
		case r == '\n':
			b.WriteRune(r)
		case r == '\t':
			b.WriteString("    ")
		case r == '\r' || r == '\f':
		case r < 0x20 || (r >= 0x7f && r < 0xa0):
		case r > 0xff:
			b.WriteRune('?')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func wrapLines(text string, width int) []string {
	text = strings.TrimRight(text, "\n ")
	if text == "" {
		return nil
	}
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, " ")
		for utf8.RuneCountInString(line) > width {
			runes := []rune(line)
			cut := width
			if sp := strings.LastIndex(string(runes[:width]), " "); sp > 0 {
				cut = utf8.RuneCountInString(string(runes[:width])[:sp])
			}
			out = append(out, strings.TrimRight(string(runes[:cut]), " "))
			line = strings.TrimLeft(string(runes[cut:]), " ")
		}
		out = append(out, line)
	}
	return out
}
