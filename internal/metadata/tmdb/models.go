package tmdb

// PersonResult is one row of a person search.
type PersonResult struct {
	ID          int     `json:"id"`
	Name        string  `json:"name"`
	ProfilePath *string `json:"profile_path"`
	Popularity  float64 `json:"popularity"`
	KnownFor    []struct {
		ID        int    `json:"id"`
		MediaType string `json:"media_type"`
		Title     string `json:"title"`
		Name      string `json:"name"`
	} `json:"known_for"`
}

// SearchPersonResponse is the /search/person envelope.
type SearchPersonResponse struct {
	Page         int            `json:"page"`
	Results      []PersonResult `json:"results"`
	TotalResults int            `json:"total_results"`
}

// ExternalIDs carries a person's ids in other catalogs.
type ExternalIDs struct {
	ImdbID string `json:"imdb_id"`
}

// PersonDetails is /person/{id} with external ids appended.
type PersonDetails struct {
	ID           int          `json:"id"`
	Name         string       `json:"name"`
	AlsoKnownAs  []string     `json:"also_known_as"`
	Birthday     string       `json:"birthday"`
	ProfilePath  *string      `json:"profile_path"`
	Popularity   float64      `json:"popularity"`
	ImdbID       string       `json:"imdb_id"`
	ExternalIDs  *ExternalIDs `json:"external_ids"`
	KnownForDept string       `json:"known_for_department"`
}

// BestImdbID prefers the appended external ids over the inline field.
func (p *PersonDetails) BestImdbID() string {
	if p.ExternalIDs != nil && p.ExternalIDs.ImdbID != "" {
		return p.ExternalIDs.ImdbID
	}
	return p.ImdbID
}

// Credit is one entry of a person's combined credits.
type Credit struct {
	ID           int     `json:"id"`
	MediaType    string  `json:"media_type"`
	Title        string  `json:"title"`
	Name         string  `json:"name"`
	Character    string  `json:"character"`
	ReleaseDate  string  `json:"release_date"`
	FirstAirDate string  `json:"first_air_date"`
	PosterPath   *string `json:"poster_path"`
	VoteAverage  float64 `json:"vote_average"`
	VoteCount    int     `json:"vote_count"`
	GenreIDs     []int   `json:"genre_ids"`
	Order        int     `json:"order"`
}

// DisplayTitle returns the movie title or series name.
func (c Credit) DisplayTitle() string {
	if c.Title != "" {
		return c.Title
	}
	return c.Name
}

// Date returns the release or first-air date.
func (c Credit) Date() string {
	if c.ReleaseDate != "" {
		return c.ReleaseDate
	}
	return c.FirstAirDate
}

// CombinedCredits is /person/{id}/combined_credits.
type CombinedCredits struct {
	Cast []Credit `json:"cast"`
}

// Genre is TMDB's {id, name} pair.
type Genre struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// ProductionCountry is one entry of a movie's production_countries.
type ProductionCountry struct {
	ISO31661 string `json:"iso_3166_1"`
	Name     string `json:"name"`
}

// MovieDetails is the subset of /movie/{id} this system reads.
type MovieDetails struct {
	ID                  int                 `json:"id"`
	Title               string              `json:"title"`
	OriginalTitle       string              `json:"original_title"`
	ReleaseDate         string              `json:"release_date"`
	Genres              []Genre             `json:"genres"`
	ProductionCountries []ProductionCountry `json:"production_countries"`
	VoteAverage         float64             `json:"vote_average"`
	ImdbID              string              `json:"imdb_id"`
	PosterPath          *string             `json:"poster_path"`
	BelongsToCollection *struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	} `json:"belongs_to_collection"`
}

// TVDetails is the subset of /tv/{id} this system reads.
type TVDetails struct {
	ID               int      `json:"id"`
	Name             string   `json:"name"`
	OriginalName     string   `json:"original_name"`
	FirstAirDate     string   `json:"first_air_date"`
	Status           string   `json:"status"`
	Genres           []Genre  `json:"genres"`
	OriginCountry    []string `json:"origin_country"`
	VoteAverage      float64  `json:"vote_average"`
	NumberOfSeasons  int      `json:"number_of_seasons"`
	NumberOfEpisodes int      `json:"number_of_episodes"`
	PosterPath       *string  `json:"poster_path"`
	NextEpisodeToAir *struct {
		AirDate       string `json:"air_date"`
		EpisodeNumber int    `json:"episode_number"`
		SeasonNumber  int    `json:"season_number"`
		Name          string `json:"name"`
	} `json:"next_episode_to_air"`
	ExternalIDs *ExternalIDs `json:"external_ids"`
}

// CollectionPart is one member of a TMDB collection.
type CollectionPart struct {
	ID          int     `json:"id"`
	Title       string  `json:"title"`
	ReleaseDate string  `json:"release_date"`
	PosterPath  *string `json:"poster_path"`
	MediaType   string  `json:"media_type"`
}

// CollectionDetails is /collection/{id}.
type CollectionDetails struct {
	ID         int              `json:"id"`
	Name       string           `json:"name"`
	Overview   string           `json:"overview"`
	PosterPath *string          `json:"poster_path"`
	Parts      []CollectionPart `json:"parts"`
}

// FindEntry is one movie/TV hit of an external-id lookup.
type FindEntry struct {
	ID           int    `json:"id"`
	Title        string `json:"title"`
	Name         string `json:"name"`
	ReleaseDate  string `json:"release_date"`
	FirstAirDate string `json:"first_air_date"`
}

// FindResult is the /find/{external_id} envelope.
type FindResult struct {
	MovieResults []FindEntry `json:"movie_results"`
	TVResults    []FindEntry `json:"tv_results"`
}

// ErrorResponse is TMDB's error envelope.
type ErrorResponse struct {
	StatusCode    int    `json:"status_code"`
	StatusMessage string `json:"status_message"`
}
