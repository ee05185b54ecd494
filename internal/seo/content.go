package seo

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
	"gopkg.in/yaml.v3"
)

// Page is one markdown page of the site content tree.
type Page struct {
	Path        string
	File        string
	Title       string
	Description string
	Keywords    []string
	Text        string
	Words       int
	HasH1       bool
}

type frontMatter struct {
	Title       string   `yaml:"title"`
	Description string   `yaml:"description"`
	Slug        string   `yaml:"slug"`
	Keywords    []string `yaml:"keywords"`
}

var contentMarkdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// LoadPages reads every .md file under dir, sorted by URL path.
func LoadPages(dir string) ([]Page, error) {
	var pages []Page
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".md") {
			return nil
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		p, err := ParsePage(rel, string(raw))
		if err != nil {
			return fmt.Errorf("%s: %w", rel, err)
		}
		pages = append(pages, p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load content from %s: %w", dir, err)
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].Path < pages[j].Path })
	return pages, nil
}

// ParsePage parses a page with optional YAML front matter. rel is the file
// path relative to the content root and decides the URL unless a slug is set.
func ParsePage(rel, content string) (Page, error) {
	fm, body, err := splitFrontMatter(content)
	if err != nil {
		return Page{}, err
	}
	p := Page{
		File:        filepath.ToSlash(rel),
		Path:        pagePath(rel, fm.Slug),
		Title:       strings.TrimSpace(fm.Title),
		Description: strings.TrimSpace(fm.Description),
		Keywords:    fm.Keywords,
	}

	source := []byte(body)
	doc := contentMarkdown.Parser().Parse(text.NewReader(source))
	var sb strings.Builder
	err = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Heading:
			if node.Level == 1 {
				p.HasH1 = true
			}
		case *ast.Text:
			sb.Write(node.Segment.Value(source))
			sb.WriteByte(' ')
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return Page{}, err
	}
	p.Text = strings.Join(strings.Fields(sb.String()), " ")
	p.Words = len(strings.Fields(p.Text))
	return p, nil
}

func splitFrontMatter(content string) (frontMatter, string, error) {
	var fm frontMatter
	content = strings.ReplaceAll(content, "\r\n", "\n")
	if !strings.HasPrefix(content, "---\n") {
		return fm, content, nil
	}
	rest := content[4:]
	idx := strings.Index(rest, "\n---\n")
	switch {
	case idx >= 0:
	case strings.HasSuffix(rest, "\n---"):
		idx = len(rest) - 4
	default:
		return fm, content, fmt.Errorf("no closing front matter delimiter")
	}
	body := ""
	if idx+5 <= len(rest) {
		body = rest[idx+5:]
	}
	if err := yaml.Unmarshal([]byte(rest[:idx]), &fm); err != nil {
		return fm, body, fmt.Errorf("parse front matter: %w", err)
	}
	return fm, body, nil
}

func pagePath(rel, slug string) string {
	if slug = strings.TrimSpace(slug); slug != "" {
		return "/" + strings.Trim(slug, "/")
	}
	p := strings.TrimSuffix(filepath.ToSlash(rel), filepath.Ext(rel))
	if p == "index" {
		return "/"
	}
	p = strings.TrimSuffix(p, "/index")
	return "/" + p
}
