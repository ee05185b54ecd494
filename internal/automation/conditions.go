package automation

import (
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"kiteflow/internal/domain"
)

// DefaultConfidence applies to changes that carry no confidence score.
const DefaultConfidence = 0.5

// Page types derived from a change's page URL.
const (
	PageHome        = "home"
	PageDestination = "destination"
	PagePackage     = "package"
	PageBooking     = "booking"
	PageOther       = "other"
)

// PageType maps a page URL or path onto a coarse page category by its first
// path segment.
func PageType(page string) string {
	p := strings.TrimSpace(page)
	if u, err := url.Parse(p); err == nil && (u.Scheme != "" || u.Host != "") {
		p = u.Path
	}
	switch {
	case p == "" || p == "/":
		return PageHome
	case underSegment(p, "/destinations"):
		return PageDestination
	case underSegment(p, "/packages"):
		return PagePackage
	case underSegment(p, "/booking"), underSegment(p, "/book"):
		return PageBooking
	default:
		return PageOther
	}
}

// underSegment reports whether p is root or a path below it, so "/book"
// does not claim "/books".
func underSegment(p, root string) bool {
	return p == root || strings.HasPrefix(p, root+"/") ||
		strings.HasPrefix(p, root+"?") || strings.HasPrefix(p, root+"#")
}

// changeValue resolves a condition field against a change. Unknown fields
// report ok=false.
func changeValue(c *domain.Change, field string) (any, bool) {
	switch field {
	case domain.FieldImpact:
		return c.Impact, true
	case domain.FieldChangeType:
		return c.Type, true
	case domain.FieldPageType:
		return PageType(c.Page), true
	case domain.FieldConfidence:
		if c.Confidence == nil {
			return DefaultConfidence, true
		}
		return *c.Confidence, true
	default:
		return nil, false
	}
}

// evaluateConditions reports whether every condition holds for c. An empty
// condition list matches everything.
func evaluateConditions(ruleID string, c *domain.Change, conds []domain.Condition) bool {
	for _, cond := range conds {
		if !evaluateCondition(ruleID, c, cond) {
			return false
		}
	}
	return true
}

// evaluateCondition never matches a malformed condition: unknown field,
// unknown operator or missing value.
func evaluateCondition(ruleID string, c *domain.Change, cond domain.Condition) bool {
	actual, ok := changeValue(c, cond.Type)
	if !ok {
		log.Debug().Str("rule_id", ruleID).Str("type", cond.Type).Str("operator", cond.Operator).Msg("unknown condition type")
		return false
	}
	if cond.Value == nil {
		log.Debug().Str("rule_id", ruleID).Str("type", cond.Type).Str("operator", cond.Operator).Msg("condition has no value")
		return false
	}
	switch cond.Operator {
	case domain.OpEquals:
		return strictEquals(actual, cond.Value)
	case domain.OpContains:
		return strings.Contains(fmt.Sprint(actual), fmt.Sprint(cond.Value))
	case domain.OpGreaterThan:
		return toNumber(actual) > toNumber(cond.Value)
	case domain.OpLessThan:
		return toNumber(actual) < toNumber(cond.Value)
	default:
		log.Debug().Str("rule_id", ruleID).Str("type", cond.Type).Str("operator", cond.Operator).Msg("unknown condition operator")
		return false
	}
}

func strictEquals(a, b any) bool {
	if as, ok := a.(string); ok {
		bs, ok := b.(string)
		return ok && as == bs
	}
	if ab, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ab == bb
	}
	if isNumeric(a) && isNumeric(b) {
		return toNumber(a) == toNumber(b)
	}
	return false
}

func isNumeric(v any) bool {
	switch v.(type) {
	case float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, json.Number:
		return true
	}
	return false
}

// toNumber coerces v the way a loose numeric comparison would. Anything
// that is not a number comes back as NaN, which makes every comparison false.
func toNumber(v any) float64 {
	switch t := v.(type) {
	case nil:
		return math.NaN()
	case float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int8:
		return float64(t)
	case int16:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case uint:
		return float64(t)
	case uint8:
		return float64(t)
	case uint16:
		return float64(t)
	case uint32:
		return float64(t)
	case uint64:
		return float64(t)
	case bool:
		if t {
			return 1
		}
		return 0
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return math.NaN()
		}
		return f
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return math.NaN()
		}
		return f
	default:
		return math.NaN()
	}
}
