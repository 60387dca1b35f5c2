package cast

import "strings"

// ContainsChinese reports whether s contains CJK unified ideographs,
// covering the base block, Extension A and the compatibility block.
func ContainsChinese(s string) bool {
	for _, r := range s {
		if (r >= 0x4e00 && r <= 0x9fff) ||
			(r >= 0x3400 && r <= 0x4dbf) ||
			(r >= 0xf900 && r <= 0xfaff) {
			return true
		}
	}
	return false
}

var cjkSpaceStripper = strings.NewReplacer(" ", "", "　", "")

// CompactChinese removes ASCII and full-width spaces. Applied to role
// names that contain Chinese, where spacing carries no meaning.
func CompactChinese(s string) string {
	return cjkSpaceStripper.Replace(s)
}

const zeroWidthSpace = '​'

// stripZeroWidth removes the invisible padding added by earlier runs so
// names can be re-grouped from a clean slate.
func stripZeroWidth(s string) string {
	return strings.ReplaceAll(s, string(zeroWidthSpace), "")
}

// DisambiguateNames rewrites duplicate display names in place. The media
// server collapses distinct people that share a name into one person, so
// the i-th duplicate gets i zero-width spaces appended. Names are first
// cleansed of padding from previous runs; records must already be in
// their final order so the padding is assigned deterministically.
func DisambiguateNames(records []*Record) {
	groups := make(map[string][]*Record)
	order := make([]string, 0, len(records))

	for _, r := range records {
		if r.Name == "" {
			continue
		}
		clean := stripZeroWidth(r.Name)
		if _, ok := groups[clean]; !ok {
			order = append(order, clean)
		}
		groups[clean] = append(groups[clean], r)
	}

	for _, clean := range order {
		same := groups[clean]
		for i, r := range same {
			if i == 0 {
				r.Name = clean
				continue
			}
			r.Name = clean + strings.Repeat(string(zeroWidthSpace), i)
		}
	}
}
