package cast

import (
	"math"
	"strings"
)

// scorePlaceholders are roles that carry no information for scoring.
var scorePlaceholders = map[string]bool{"演员": true, "配音": true}

// EvaluateQuality scores a processed cast list on a 0-10 scale: Chinese
// names and specific Chinese roles earn full marks, Latin text partial.
// Non-animation lists are additionally penalized when they came out
// shorter than expected. expectedCount <= 0 means no expectation.
func EvaluateQuality(records []Record, originalCount, expectedCount int, isAnimation bool) float64 {
	if len(records) == 0 {
		// Animated features routinely have no on-screen cast.
		if isAnimation {
			return 7.0
		}
		return 0.0
	}

	total := 0.0
	for _, r := range records {
		score := 0.0

		if r.Name != "" {
			if ContainsChinese(r.Name) {
				score += 5.0
			} else {
				score += 1.0
			}
		}

		role := r.Character
		isPlaceholder := strings.HasSuffix(role, "(配音)") || scorePlaceholders[role]
		switch {
		case role != "" && ContainsChinese(role) && !isPlaceholder:
			score += 5.0
		case role != "" && ContainsChinese(role) && isPlaceholder:
			score += 2.5
		case role != "":
			score += 0.5
		}

		total += math.Min(10.0, score)
	}

	avg := total / float64(len(records))
	count := len(records)

	if !isAnimation {
		switch {
		case count < 10:
			avg *= float64(count) / 10.0
		case expectedCount > 0:
			if float64(count) < float64(expectedCount)*0.8 {
				avg *= float64(count) / float64(expectedCount)
			}
		case originalCount > 0 && float64(count) < float64(originalCount)*0.8:
			avg *= float64(count) / float64(originalCount)
		}
	}

	return math.Round(avg*10) / 10
}
