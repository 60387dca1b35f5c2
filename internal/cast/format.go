package cast

import (
	"sort"
	"strings"
)

// FormatOptions controls the final rendering pass.
type FormatOptions struct {
	IsAnimation bool
	// AddRolePrefix renders specific roles as "饰 X" (or "配 X" for
	// animation) instead of the bare role name.
	AddRolePrefix bool
}

const (
	voiceSuffix      = " (配音)"
	voicePlaceholder = "配音"
	actorPlaceholder = "演员"
)

// Finalize produces the ready-to-write cast list: records are ordered,
// duplicate display names are disambiguated, roles are cleaned and given
// their animation suffix or placeholder, and order fields are renumbered
// with generic roles pushed to the end.
func Finalize(records []Record, opts FormatOptions) []Record {
	out := make([]Record, len(records))
	copy(out, records)

	sort.SliceStable(out, func(i, j int) bool {
		return sortOrder(out[i].Order) < sortOrder(out[j].Order)
	})

	ptrs := make([]*Record, len(out))
	for i := range out {
		ptrs[i] = &out[i]
	}
	DisambiguateNames(ptrs)

	for i := range out {
		role := CleanCharacterName(out[i].Character)
		if ContainsChinese(role) {
			role = CompactChinese(role)
		}

		if opts.AddRolePrefix {
			role = applyRolePrefix(role, opts.IsAnimation)
		} else if opts.IsAnimation {
			if role == "" {
				role = voicePlaceholder
			} else if role != voicePlaceholder && !strings.HasSuffix(role, "(配音)") {
				role += voiceSuffix
			}
		} else if role == "" {
			role = actorPlaceholder
		}

		out[i].Character = role
		out[i].Order = i
	}

	// Named characters first, placeholders at the tail, both stable.
	sort.SliceStable(out, func(i, j int) bool {
		gi := isGenericRole(out[i].Character)
		gj := isGenericRole(out[j].Character)
		if gi != gj {
			return !gi
		}
		return out[i].Order < out[j].Order
	})

	for i := range out {
		out[i].Order = i
	}
	return out
}

func applyRolePrefix(role string, isAnimation bool) string {
	switch {
	case role != "" && !isGenericRole(role):
		if isAnimation {
			return "配 " + role
		}
		return "饰 " + role
	case role == "":
		if isAnimation {
			return voicePlaceholder
		}
		return actorPlaceholder
	default:
		return role
	}
}

func isGenericRole(role string) bool {
	return role == actorPlaceholder || role == voicePlaceholder
}

func sortOrder(order int) int {
	if order < 0 {
		return 999
	}
	return order
}
