package collections

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FilterDefinition is the rule tree stored for filter-type custom
// collections: a logic node over flat rules.
type FilterDefinition struct {
	Logic string       `json:"logic"` // "AND" | "OR"
	Rules []FilterRule `json:"rules"`
}

// FilterRule matches one media field against a value.
type FilterRule struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    string `json:"value"`
}

// Supported rule fields.
const (
	FieldGenre       = "genre"
	FieldActor       = "actor"
	FieldDirector    = "director"
	FieldStudio      = "studio"
	FieldCountry     = "country"
	FieldTitle       = "title"
	FieldRating      = "rating"
	FieldReleaseYear = "release_year"
	FieldDateAdded   = "date_added"
)

// ParseFilterDefinition decodes and validates a stored rule tree.
func ParseFilterDefinition(raw json.RawMessage) (*FilterDefinition, error) {
	var def FilterDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("decode filter definition: %w", err)
	}
	switch strings.ToUpper(def.Logic) {
	case "", "AND":
		def.Logic = "AND"
	case "OR":
		def.Logic = "OR"
	default:
		return nil, fmt.Errorf("unknown filter logic %q", def.Logic)
	}
	if len(def.Rules) == 0 {
		return nil, fmt.Errorf("filter definition has no rules")
	}
	for _, rule := range def.Rules {
		if err := validateRule(rule); err != nil {
			return nil, err
		}
	}
	return &def, nil
}

func validateRule(rule FilterRule) error {
	switch rule.Field {
	case FieldGenre, FieldActor, FieldDirector, FieldStudio, FieldCountry, FieldTitle:
		switch rule.Operator {
		case "contains", "not_contains", "equals":
		default:
			return fmt.Errorf("field %s does not support operator %q", rule.Field, rule.Operator)
		}
	case FieldRating, FieldReleaseYear:
		switch rule.Operator {
		case "gte", "lte", "equals":
		default:
			return fmt.Errorf("field %s does not support operator %q", rule.Field, rule.Operator)
		}
		if _, err := strconv.ParseFloat(rule.Value, 64); err != nil {
			return fmt.Errorf("field %s needs a numeric value, got %q", rule.Field, rule.Value)
		}
	case FieldDateAdded:
		switch rule.Operator {
		case "in_last_days":
			if _, err := strconv.Atoi(rule.Value); err != nil {
				return fmt.Errorf("in_last_days needs a day count, got %q", rule.Value)
			}
		case "before", "after":
			if _, err := time.Parse("2006-01-02", rule.Value); err != nil {
				return fmt.Errorf("field date_added needs a YYYY-MM-DD value, got %q", rule.Value)
			}
		default:
			return fmt.Errorf("field date_added does not support operator %q", rule.Operator)
		}
	default:
		return fmt.Errorf("unknown filter field %q", rule.Field)
	}
	return nil
}

// Matches evaluates the rule tree against one media row.
func (d *FilterDefinition) Matches(row MediaRow) bool {
	for _, rule := range d.Rules {
		hit := matchRule(rule, row)
		if d.Logic == "OR" && hit {
			return true
		}
		if d.Logic == "AND" && !hit {
			return false
		}
	}
	return d.Logic == "AND"
}

// Filter returns the rows the tree accepts, preserving input order.
func (d *FilterDefinition) Filter(rows []MediaRow) []MediaRow {
	var out []MediaRow
	for _, row := range rows {
		if d.Matches(row) {
			out = append(out, row)
		}
	}
	return out
}

func matchRule(rule FilterRule, row MediaRow) bool {
	switch rule.Field {
	case FieldGenre:
		return matchList(rule, row.Genres)
	case FieldActor:
		return matchList(rule, row.Actors)
	case FieldDirector:
		return matchList(rule, row.Directors)
	case FieldStudio:
		return matchList(rule, row.Studios)
	case FieldCountry:
		return matchList(rule, row.Countries)
	case FieldTitle:
		return matchText(rule, row.Title) || matchText(rule, row.OriginalTitle)
	case FieldRating:
		return matchNumber(rule, row.Rating)
	case FieldReleaseYear:
		return matchNumber(rule, float64(row.ReleaseYear))
	case FieldDateAdded:
		return matchDate(rule, row.DateAdded)
	}
	return false
}

func matchList(rule FilterRule, values []string) bool {
	found := false
	for _, v := range values {
		switch rule.Operator {
		case "equals":
			if strings.EqualFold(v, rule.Value) {
				found = true
			}
		default:
			if strings.Contains(strings.ToLower(v), strings.ToLower(rule.Value)) {
				found = true
			}
		}
	}
	if rule.Operator == "not_contains" {
		return !found
	}
	return found
}

func matchText(rule FilterRule, value string) bool {
	switch rule.Operator {
	case "equals":
		return strings.EqualFold(value, rule.Value)
	case "not_contains":
		return !strings.Contains(strings.ToLower(value), strings.ToLower(rule.Value))
	default:
		return strings.Contains(strings.ToLower(value), strings.ToLower(rule.Value))
	}
}

func matchNumber(rule FilterRule, value float64) bool {
	want, err := strconv.ParseFloat(rule.Value, 64)
	if err != nil {
		return false
	}
	switch rule.Operator {
	case "gte":
		return value >= want
	case "lte":
		return value <= want
	case "equals":
		return value == want
	}
	return false
}

func matchDate(rule FilterRule, value string) bool {
	// date_added strings come from the server in RFC3339 or date-only
	// form; take the date part.
	if len(value) < 10 {
		return false
	}
	added, err := time.Parse("2006-01-02", value[:10])
	if err != nil {
		return false
	}
	switch rule.Operator {
	case "in_last_days":
		days, err := strconv.Atoi(rule.Value)
		if err != nil {
			return false
		}
		return !added.Before(time.Now().AddDate(0, 0, -days))
	case "before":
		cutoff, _ := time.Parse("2006-01-02", rule.Value)
		return added.Before(cutoff)
	case "after":
		cutoff, _ := time.Parse("2006-01-02", rule.Value)
		return added.After(cutoff)
	}
	return false
}
