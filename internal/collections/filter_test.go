package collections

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, raw string) *FilterDefinition {
	t.Helper()
	def, err := ParseFilterDefinition(json.RawMessage(raw))
	require.NoError(t, err)
	return def
}

func TestFilterAndLogic(t *testing.T) {
	def := mustParse(t, `{"logic":"AND","rules":[
		{"field":"genre","operator":"contains","value":"action"},
		{"field":"rating","operator":"gte","value":"7"}]}`)

	hit := MediaRow{Title: "黑客帝国", Genres: []string{"Action", "Science Fiction"}, Rating: 8.7}
	miss := MediaRow{Title: "低分动作片", Genres: []string{"Action"}, Rating: 5.1}

	assert.True(t, def.Matches(hit))
	assert.False(t, def.Matches(miss))
}

func TestFilterOrLogic(t *testing.T) {
	def := mustParse(t, `{"logic":"OR","rules":[
		{"field":"actor","operator":"contains","value":"张国荣"},
		{"field":"director","operator":"contains","value":"王家卫"}]}`)

	assert.True(t, def.Matches(MediaRow{Actors: []string{"张国荣", "张曼玉"}}))
	assert.True(t, def.Matches(MediaRow{Directors: []string{"王家卫"}}))
	assert.False(t, def.Matches(MediaRow{Actors: []string{"梁朝伟"}}))
}

func TestFilterNotContains(t *testing.T) {
	def := mustParse(t, `{"logic":"AND","rules":[
		{"field":"genre","operator":"not_contains","value":"horror"}]}`)

	assert.True(t, def.Matches(MediaRow{Genres: []string{"Drama"}}))
	assert.False(t, def.Matches(MediaRow{Genres: []string{"Horror", "Thriller"}}))
}

func TestFilterTitleMatchesOriginalTitle(t *testing.T) {
	def := mustParse(t, `{"logic":"AND","rules":[
		{"field":"title","operator":"contains","value":"matrix"}]}`)

	assert.True(t, def.Matches(MediaRow{Title: "黑客帝国", OriginalTitle: "The Matrix"}))
}

func TestFilterReleaseYearAndCountry(t *testing.T) {
	def := mustParse(t, `{"logic":"AND","rules":[
		{"field":"release_year","operator":"gte","value":"2000"},
		{"field":"country","operator":"equals","value":"中国大陆"}]}`)

	assert.True(t, def.Matches(MediaRow{ReleaseYear: 2010, Countries: []string{"中国大陆"}}))
	assert.False(t, def.Matches(MediaRow{ReleaseYear: 1994, Countries: []string{"中国大陆"}}))
}

func TestFilterDateAddedInLastDays(t *testing.T) {
	def := mustParse(t, `{"logic":"AND","rules":[
		{"field":"date_added","operator":"in_last_days","value":"30"}]}`)

	recent := time.Now().AddDate(0, 0, -5).Format("2006-01-02")
	old := time.Now().AddDate(0, 0, -90).Format("2006-01-02")

	assert.True(t, def.Matches(MediaRow{DateAdded: recent + "T08:00:00Z"}))
	assert.False(t, def.Matches(MediaRow{DateAdded: old}))
}

func TestFilterRows(t *testing.T) {
	def := mustParse(t, `{"logic":"AND","rules":[
		{"field":"rating","operator":"gte","value":"8"}]}`)

	rows := []MediaRow{
		{TMDBID: "603", Rating: 8.7},
		{TMDBID: "604", Rating: 7.2},
		{TMDBID: "605", Rating: 8.1},
	}
	out := def.Filter(rows)
	require.Len(t, out, 2)
	assert.Equal(t, "603", out[0].TMDBID)
	assert.Equal(t, "605", out[1].TMDBID)
}

func TestParseFilterDefinitionRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"no rules":      `{"logic":"AND","rules":[]}`,
		"bad logic":     `{"logic":"XOR","rules":[{"field":"genre","operator":"contains","value":"x"}]}`,
		"bad field":     `{"logic":"AND","rules":[{"field":"budget","operator":"gte","value":"1"}]}`,
		"bad operator":  `{"logic":"AND","rules":[{"field":"genre","operator":"gte","value":"x"}]}`,
		"non-numeric":   `{"logic":"AND","rules":[{"field":"rating","operator":"gte","value":"high"}]}`,
		"bad date":      `{"logic":"AND","rules":[{"field":"date_added","operator":"before","value":"yesterday"}]}`,
		"bad day count": `{"logic":"AND","rules":[{"field":"date_added","operator":"in_last_days","value":"soon"}]}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseFilterDefinition(json.RawMessage(raw))
			assert.Error(t, err)
		})
	}
}
