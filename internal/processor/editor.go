package processor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/castflow/castflow/internal/cast"
	"github.com/castflow/castflow/internal/emby"
	"github.com/castflow/castflow/internal/localcache"
)

// sessionTTL bounds how long an abandoned edit session lingers.
const sessionTTL = time.Hour

// EditEntry is the slice of a cast record the manual editor exposes.
type EditEntry struct {
	TMDBID       int    `json:"tmdbId"`
	Name         string `json:"name"`
	OriginalName string `json:"originalName"`
	Character    string `json:"character"`
	ProfilePath  string `json:"profilePath,omitempty"`
}

// EditView is one open editing session.
type EditView struct {
	ItemID   string      `json:"itemId"`
	ItemName string      `json:"itemName"`
	ItemType string      `json:"itemType"`
	Entries  []EditEntry `json:"entries"`
}

type editSession struct {
	itemID   string
	itemName string
	itemType string
	records  []cast.Record
	openedAt time.Time
}

// Editor holds in-memory manual-edit sessions. A session lives from
// "open editor" until save or abandon; edits merge onto the cached
// full records so override files keep every TMDB field.
type Editor struct {
	processor *Processor

	mu       sync.Mutex
	sessions map[string]*editSession
}

// NewEditor creates the manual-edit session cache.
func NewEditor(p *Processor) *Editor {
	return &Editor{
		processor: p,
		sessions:  make(map[string]*editSession),
	}
}

// Open loads an item's current cast from the local cache and starts a
// session. Series aggregate cast across season and episode sidecars.
func (e *Editor) Open(ctx context.Context, itemID string) (*EditView, error) {
	p := e.processor
	item, err := p.server.GetItemDetails(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("fetch item %s: %w", itemID, err)
	}
	if item.Type == "Episode" && item.SeriesID != "" {
		return e.Open(ctx, item.SeriesID)
	}
	tmdbID := item.ProviderID(emby.ProviderTmdb)
	if tmdbID == "" {
		return nil, fmt.Errorf("item %s has no tmdb id", item.Name)
	}

	var rawCast []map[string]any
	if item.Type == "Series" {
		rawCast, err = p.local.AggregateTVCast(tmdbID)
	} else {
		var source map[string]any
		source, err = p.local.MovieJSON(tmdbID)
		if err == nil {
			rawCast = localcache.CastFromJSON(source)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("read cached cast for %s: %w", tmdbID, err)
	}

	records := make([]cast.Record, 0, len(rawCast))
	for i, credit := range rawCast {
		id, _ := credit["id"].(float64)
		name, _ := credit["name"].(string)
		if name == "" {
			continue
		}
		character, _ := credit["character"].(string)
		record := cast.Record{
			TMDBID:    int(id),
			Name:      name,
			Character: character,
			Order:     i,
		}
		if v, ok := credit["order"].(float64); ok {
			record.Order = int(v)
		}
		fillFromCredit(&record, credit)
		records = append(records, record)
	}
	sort.SliceStable(records, func(a, b int) bool {
		return orderKey(records[a].Order) < orderKey(records[b].Order)
	})

	e.mu.Lock()
	e.evictStaleLocked()
	e.sessions[item.ID] = &editSession{
		itemID:   item.ID,
		itemName: item.Name,
		itemType: item.Type,
		records:  records,
		openedAt: time.Now(),
	}
	e.mu.Unlock()

	return &EditView{
		ItemID:   item.ID,
		ItemName: item.Name,
		ItemType: item.Type,
		Entries:  entriesFrom(records),
	}, nil
}

// Translate runs the session's cast through the translation cache and
// returns the updated entries without saving anything.
func (e *Editor) Translate(ctx context.Context, itemID string) (*EditView, error) {
	e.mu.Lock()
	session, ok := e.sessions[itemID]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no open edit session for item %s", itemID)
	}

	e.processor.translateRecords(ctx, e.processor.translator, session.records)

	return &EditView{
		ItemID:   session.itemID,
		ItemName: session.itemName,
		ItemType: session.itemType,
		Entries:  entriesFrom(session.records),
	}, nil
}

// Save merges the submitted edits onto the session's full records by
// TMDB id, writes the override, and closes the session.
func (e *Editor) Save(ctx context.Context, itemID string, entries []EditEntry) (*Result, error) {
	e.mu.Lock()
	session, ok := e.sessions[itemID]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no open edit session for item %s", itemID)
	}

	byID := make(map[int]EditEntry, len(entries))
	for _, entry := range entries {
		byID[entry.TMDBID] = entry
	}

	kept := make([]cast.Record, 0, len(session.records))
	for _, record := range session.records {
		entry, ok := byID[record.TMDBID]
		if !ok {
			// Dropped from the submitted list means removed by hand.
			continue
		}
		if entry.Name != "" && entry.Name != record.Name {
			if record.OriginalName == "" {
				record.OriginalName = record.Name
			}
			record.Name = entry.Name
		}
		record.Character = entry.Character
		kept = append(kept, record)
	}

	result, err := e.processor.ApplyManualCast(ctx, itemID, kept)
	if err != nil {
		return nil, err
	}
	e.Abandon(itemID)
	return result, nil
}

// Abandon drops a session without saving.
func (e *Editor) Abandon(itemID string) {
	e.mu.Lock()
	delete(e.sessions, itemID)
	e.mu.Unlock()
}

func (e *Editor) evictStaleLocked() {
	cutoff := time.Now().Add(-sessionTTL)
	for id, session := range e.sessions {
		if session.openedAt.Before(cutoff) {
			delete(e.sessions, id)
		}
	}
}

func entriesFrom(records []cast.Record) []EditEntry {
	entries := make([]EditEntry, 0, len(records))
	for _, r := range records {
		entry := EditEntry{
			TMDBID:       r.TMDBID,
			Name:         r.Name,
			OriginalName: r.OriginalName,
			Character:    r.Character,
		}
		if r.ProfilePath != nil {
			entry.ProfilePath = *r.ProfilePath
		}
		entries = append(entries, entry)
	}
	return entries
}
