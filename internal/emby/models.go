package emby

// Provider ID keys as Emby spells them. Lookup is case-insensitive
// because plugins disagree about casing.
const (
	ProviderTmdb   = "Tmdb"
	ProviderImdb   = "Imdb"
	ProviderDouban = "Douban"
)

// Person is one entry of an item's People list.
type Person struct {
	ID           string            `json:"Id"`
	Name         string            `json:"Name"`
	OriginalName string            `json:"OriginalName,omitempty"`
	Role         string            `json:"Role,omitempty"`
	Type         string            `json:"Type,omitempty"`
	ProviderIDs  map[string]string `json:"ProviderIds,omitempty"`
}

// Item is the subset of an Emby item this system reads and writes.
type Item struct {
	ID                string            `json:"Id"`
	Name              string            `json:"Name"`
	OriginalTitle     string            `json:"OriginalTitle,omitempty"`
	Type              string            `json:"Type"`
	ProductionYear    int               `json:"ProductionYear,omitempty"`
	PremiereDate      string            `json:"PremiereDate,omitempty"`
	CommunityRating   float64           `json:"CommunityRating,omitempty"`
	DateCreated       string            `json:"DateCreated,omitempty"`
	Genres            []string          `json:"Genres,omitempty"`
	ProviderIDs       map[string]string `json:"ProviderIds,omitempty"`
	People            []Person          `json:"People,omitempty"`
	Studios           []NamedRef        `json:"Studios,omitempty"`
	ImageTags         map[string]string `json:"ImageTags,omitempty"`
	BackdropImageTags []string          `json:"BackdropImageTags,omitempty"`
	CollectionType    string            `json:"CollectionType,omitempty"`
	SeriesID          string            `json:"SeriesId,omitempty"`
	SeriesName        string            `json:"SeriesName,omitempty"`
	ParentIndexNumber *int              `json:"ParentIndexNumber,omitempty"`
	IndexNumber       *int              `json:"IndexNumber,omitempty"`
}

// NamedRef is Emby's {Id, Name} pair used for studios and genres.
type NamedRef struct {
	ID   int64  `json:"Id,omitempty"`
	Name string `json:"Name"`
}

// ProviderID returns the item's external id under the given provider
// key, tolerating casing differences.
func (i *Item) ProviderID(key string) string {
	return providerID(i.ProviderIDs, key)
}

// ProviderID looks up a person's external id.
func (p *Person) ProviderID(key string) string {
	return providerID(p.ProviderIDs, key)
}

func providerID(ids map[string]string, key string) string {
	if ids == nil {
		return ""
	}
	if v, ok := ids[key]; ok {
		return v
	}
	for k, v := range ids {
		if equalFold(k, key) {
			return v
		}
	}
	return ""
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// itemsPage is the standard Emby list envelope.
type itemsPage struct {
	Items            []Item `json:"Items"`
	TotalRecordCount int    `json:"TotalRecordCount"`
}

// Library is a user view (a library root).
type Library struct {
	ID             string `json:"Id"`
	Name           string `json:"Name"`
	CollectionType string `json:"CollectionType"`
}

// ImageKind names the item image types the override writer syncs.
type ImageKind string

const (
	ImagePrimary  ImageKind = "Primary"
	ImageBackdrop ImageKind = "Backdrop"
	ImageLogo     ImageKind = "Logo"
	ImageThumb    ImageKind = "Thumb"
)
