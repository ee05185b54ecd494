package seo

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"kiteflow/internal/domain"
)

// Audit thresholds.
const (
	MaxTitleLen       = 60
	MinTitleLen       = 20
	MaxDescriptionLen = 160
	MinWords          = 300
)

// Change categories produced by the work functions.
const (
	ChangeMeta      = "meta"
	ChangeContent   = "content"
	ChangeStructure = "structure"
	ChangeKeyword   = "keyword"
)

type Auditor struct {
	Dir string
}

// Run scans every page and turns each finding into a pending change.
func (a *Auditor) Run(ctx context.Context) (domain.Result, error) {
	pages, err := LoadPages(a.Dir)
	if err != nil {
		return domain.Result{}, err
	}
	var changes []*domain.Change
	byType := map[string]int{}
	for _, p := range pages {
		if err := ctx.Err(); err != nil {
			return domain.Result{}, err
		}
		for _, c := range auditPage(p) {
			byType[c.Type]++
			changes = append(changes, c)
		}
	}
	log.Info().Int("pages", len(pages)).Int("issues", len(changes)).Msg("seo audit finished")
	return domain.Result{
		Data: map[string]any{
			"pages_scanned": len(pages),
			"issues":        len(changes),
			"by_type":       byType,
		},
		Changes: changes,
	}, nil
}

func auditPage(p Page) []*domain.Change {
	var out []*domain.Change
	titleLen := len([]rune(p.Title))
	descLen := len([]rune(p.Description))

	if p.Description == "" {
		out = append(out, newChange(p, ChangeMeta, "high", 0.95,
			"Add a meta description", "", "Write a 120-160 character summary of "+p.Path))
	} else if descLen > MaxDescriptionLen {
		out = append(out, newChange(p, ChangeMeta, "low", 0.85,
			fmt.Sprintf("Shorten meta description (%d characters)", descLen), p.Description, truncate(p.Description, MaxDescriptionLen)))
	}
	switch {
	case titleLen > MaxTitleLen:
		out = append(out, newChange(p, ChangeMeta, "low", 0.9,
			fmt.Sprintf("Shorten title (%d characters)", titleLen), p.Title, truncate(p.Title, MaxTitleLen)))
	case titleLen < MinTitleLen:
		out = append(out, newChange(p, ChangeMeta, "low", 0.9,
			fmt.Sprintf("Lengthen title (%d characters)", titleLen), p.Title, ""))
	}
	if p.Words < MinWords {
		out = append(out, newChange(p, ChangeContent, "medium", 0.7,
			fmt.Sprintf("Expand thin content (%d words)", p.Words), "", fmt.Sprintf("at least %d words", MinWords)))
	}
	if !p.HasH1 {
		out = append(out, newChange(p, ChangeStructure, "medium", 0.6,
			"Add a top-level heading", "", p.Title))
	}
	return out
}

func newChange(p Page, typ, impact string, confidence float64, title, current, suggested string) *domain.Change {
	return &domain.Change{
		ID:         "chg_" + uuid.NewString(),
		Type:       typ,
		Page:       p.Path,
		Impact:     impact,
		Confidence: &confidence,
		Status:     domain.ChangePending,
		Title:      title,
		Current:    current,
		Suggested:  suggested,
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
