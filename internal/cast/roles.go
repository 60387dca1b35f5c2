package cast

import (
	"regexp"
	"strings"
)

// Role placeholders the server fills in when nothing better is known.
// Matching is case-insensitive for the English forms.
var rolePlaceholders = map[string]bool{
	"actor":   true,
	"actress": true,
	"演员":      true,
	"配音":      true,
}

func isPlaceholderRole(role string) bool {
	return rolePlaceholders[strings.ToLower(role)]
}

var (
	bracketedRe  = regexp.MustCompile(`\(.*?\)|（.*?）|\[.*?\]|【.*?】`)
	asPrefixRe   = regexp.MustCompile(`(?i)^as\s+`)
	rolePrefixRe = regexp.MustCompile(`^(饰演|饰|配音|配)\s*`)
	roleSuffixRe = regexp.MustCompile(`\s*(饰演|饰|配音|配)$`)
	// A Chinese run (middle dot allowed) followed by Latin letters is a
	// bilingual "中文 English" pairing; the Chinese half wins.
	bilingualRe = regexp.MustCompile(`^([\x{4e00}-\x{9fa5}·]+)[^a-zA-Z]*[a-zA-Z]+.*$`)
)

// CleanCharacterName normalizes a raw character name: bracketed segments,
// "as " prefixes and 饰/配音 style affixes are stripped, and bilingual
// "中文 English" values keep only the Chinese part. A Latin-only result
// is returned as-is for the translation stage.
func CleanCharacterName(name string) string {
	if name == "" {
		return ""
	}

	s := strings.TrimSpace(name)
	s = strings.TrimSpace(bracketedRe.ReplaceAllString(s, ""))
	s = strings.TrimSpace(asPrefixRe.ReplaceAllString(s, ""))
	s = strings.TrimSpace(rolePrefixRe.ReplaceAllString(s, ""))
	s = strings.TrimSpace(roleSuffixRe.ReplaceAllString(s, ""))

	if m := bilingualRe.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}

	return strings.TrimSpace(s)
}

// SelectBestRole picks between the role already on a record and a
// candidate from another source. Priority: a specific Chinese role wins
// outright, an existing Chinese role survives any non-Chinese candidate,
// then specific beats placeholder with the candidate preferred on ties,
// and empty loses to everything.
func SelectBestRole(currentRole, candidateRole string) string {
	current := strings.TrimSpace(currentRole)
	candidate := strings.TrimSpace(candidateRole)

	currentChinese := ContainsChinese(current)
	candidateChinese := ContainsChinese(candidate)
	currentPlaceholder := isPlaceholderRole(current)
	candidatePlaceholder := isPlaceholderRole(candidate)

	if candidateChinese && !candidatePlaceholder {
		return candidate
	}
	if currentChinese && !currentPlaceholder && !candidateChinese {
		return current
	}
	if candidate != "" && !candidatePlaceholder {
		return candidate
	}
	if current != "" && !currentPlaceholder {
		return current
	}
	if candidate != "" {
		return candidate
	}
	if current != "" {
		return current
	}
	return ""
}
