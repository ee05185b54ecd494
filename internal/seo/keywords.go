package seo

import (
	"context"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"kiteflow/internal/domain"
)

// Monitor checks that each target keyword appears on the page meant to rank
// for it.
type Monitor struct {
	Dir string
	// Targets maps keyword to page path.
	Targets map[string]string
}

type Coverage struct {
	Page          string `json:"page"`
	Occurrences   int    `json:"occurrences"`
	InTitle       bool   `json:"in_title"`
	InDescription bool   `json:"in_description"`
	PageMissing   bool   `json:"page_missing,omitempty"`
}

func (m *Monitor) Run(ctx context.Context) (domain.Result, error) {
	pages, err := LoadPages(m.Dir)
	if err != nil {
		return domain.Result{}, err
	}
	byPath := make(map[string]Page, len(pages))
	for _, p := range pages {
		byPath[p.Path] = p
	}

	keywords := make([]string, 0, len(m.Targets))
	for k := range m.Targets {
		keywords = append(keywords, k)
	}
	sort.Strings(keywords)

	coverage := make(map[string]Coverage, len(keywords))
	var changes []*domain.Change
	covered := 0
	for _, kw := range keywords {
		if err := ctx.Err(); err != nil {
			return domain.Result{}, err
		}
		target := m.Targets[kw]
		p, ok := byPath[target]
		if !ok {
			log.Warn().Str("keyword", kw).Str("page", target).Msg("keyword target page not found")
			coverage[kw] = Coverage{Page: target, PageMissing: true}
			continue
		}
		c := measure(p, kw)
		coverage[kw] = c
		if c.Occurrences > 0 {
			covered++
			continue
		}
		changes = append(changes, newChange(p, ChangeKeyword, "medium", 0.75,
			"Work keyword \""+kw+"\" into the page", "", kw))
	}
	return domain.Result{
		Data: map[string]any{
			"keywords": len(keywords),
			"covered":  covered,
			"coverage": coverage,
		},
		Changes: changes,
	}, nil
}

func measure(p Page, keyword string) Coverage {
	kw := strings.ToLower(strings.TrimSpace(keyword))
	title := strings.ToLower(p.Title)
	desc := strings.ToLower(p.Description)
	c := Coverage{
		Page:          p.Path,
		InTitle:       strings.Contains(title, kw),
		InDescription: strings.Contains(desc, kw),
	}
	if kw == "" {
		return c
	}
	c.Occurrences = strings.Count(title, kw) + strings.Count(desc, kw) + strings.Count(strings.ToLower(p.Text), kw)
	return c
}
