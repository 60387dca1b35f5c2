// Package cast holds the cast record pipeline: seeding from the media
// server, Douban matching, translation, formatting and quality scoring.
package cast

// Record is a single cast entry flowing through the pipeline. The JSON
// shape matches the TMDB credit objects stored in override files.
type Record struct {
	TMDBID             int     `json:"id"`
	Name               string  `json:"name"`
	OriginalName       string  `json:"original_name"`
	Character          string  `json:"character"`
	Order              int     `json:"order"`
	Adult              bool    `json:"adult"`
	Gender             int     `json:"gender"`
	KnownForDepartment string  `json:"known_for_department"`
	Popularity         float64 `json:"popularity"`
	ProfilePath        *string `json:"profile_path"`
	CastID             *int    `json:"cast_id,omitempty"`
	CreditID           string  `json:"credit_id,omitempty"`

	// Identity handles carried alongside but never written to overrides.
	EmbyPersonID string `json:"-"`
	IMDBID       string `json:"-"`
	DoubanID     string `json:"-"`

	// NewlyAdded marks records promoted from Douban candidates rather
	// than seeded from the server item.
	NewlyAdded bool `json:"-"`
}

// OrderUnset marks records whose position is unknown; they sort last
// during truncation.
const OrderUnset = -1

// Candidate is a Douban cast entry normalized for matching.
type Candidate struct {
	Name         string
	OriginalName string
	Role         string
	DoubanID     string
}

// DedupeCandidates drops duplicate Douban candidates, by celebrity ID
// first and then by exact display name. Entries without a name are
// skipped entirely.
func DedupeCandidates(raw []Candidate) []Candidate {
	seenIDs := make(map[string]bool)
	seenNames := make(map[string]bool)

	out := make([]Candidate, 0, len(raw))
	for _, c := range raw {
		if c.Name == "" {
			continue
		}
		if c.DoubanID != "" && seenIDs[c.DoubanID] {
			continue
		}
		if seenNames[c.Name] {
			continue
		}
		if c.DoubanID != "" {
			seenIDs[c.DoubanID] = true
		}
		seenNames[c.Name] = true
		out = append(out, c)
	}
	return out
}
