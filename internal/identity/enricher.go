package identity

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/castflow/castflow/internal/metadata/douban"
	"github.com/castflow/castflow/internal/metadata/tmdb"
)

// TMDBPersonSource is the slice of the TMDB client the enricher needs.
type TMDBPersonSource interface {
	GetPersonDetails(ctx context.Context, personID int) (*tmdb.PersonDetails, error)
}

// DoubanPersonSource resolves a Douban celebrity to their details page.
type DoubanPersonSource interface {
	GetCelebrityDetails(ctx context.Context, celebrityID string) (*douban.CelebrityDetails, error)
}

// EnricherOptions bounds one enrichment run.
type EnricherOptions struct {
	// MaxDuration caps the whole run; zero means unbounded.
	MaxDuration time.Duration
	// SyncInterval skips rows synced more recently than this.
	SyncInterval time.Duration
	// Workers bounds the concurrent TMDB lookups of phase A.
	Workers int
}

// EnrichStats summarizes an enrichment run.
type EnrichStats struct {
	Checked  int
	Updated  int
	Deleted  int
	Failed   int
	TimedOut bool
}

// Enricher backfills IMDb ids onto identity rows: phase A resolves
// them through TMDB person details with a small worker pool, phase B
// walks Douban celebrity pages sequentially, respecting the client's
// cooldown. Each batch commits in its own transaction so an aborted
// run keeps its progress.
type Enricher struct {
	db     *sql.DB
	store  *Store
	tmdb   TMDBPersonSource
	douban DoubanPersonSource
	logger zerolog.Logger
}

// NewEnricher wires the enricher. Either source may be nil; the
// corresponding phase is then skipped.
func NewEnricher(db *sql.DB, store *Store, tmdbSource TMDBPersonSource, doubanSource DoubanPersonSource, logger zerolog.Logger) *Enricher {
	return &Enricher{
		db:     db,
		store:  store,
		tmdb:   tmdbSource,
		douban: doubanSource,
		logger: logger.With().Str("component", "enricher").Logger(),
	}
}

const (
	tmdbBatchSize   = 200
	doubanBatchSize = 50
)

// Run executes both phases within the options' duration budget and
// returns combined stats. progress, when non-nil, receives free-form
// status lines.
func (e *Enricher) Run(ctx context.Context, opts EnricherOptions, progress func(msg string)) (*EnrichStats, error) {
	if opts.Workers <= 0 {
		opts.Workers = 5
	}
	if opts.MaxDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.MaxDuration)
		defer cancel()
	}
	cutoff := time.Now().Add(-opts.SyncInterval)

	stats := &EnrichStats{}
	note := func(msg string) {
		if progress != nil {
			progress(msg)
		}
	}

	if e.tmdb != nil {
		note("enriching imdb ids from tmdb")
		if err := e.runTMDBPhase(ctx, cutoff, opts.Workers, stats); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				stats.TimedOut = true
				e.logger.Info().Msg("enrichment run hit its duration budget during tmdb phase")
				return stats, nil
			}
			return stats, err
		}
	}

	if e.douban != nil {
		note("enriching imdb ids from douban")
		if err := e.runDoubanPhase(ctx, cutoff, stats); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				stats.TimedOut = true
				e.logger.Info().Msg("enrichment run hit its duration budget during douban phase")
				return stats, nil
			}
			return stats, err
		}
	}

	e.logger.Info().
		Int("checked", stats.Checked).
		Int("updated", stats.Updated).
		Int("deleted", stats.Deleted).
		Int("failed", stats.Failed).
		Bool("timed_out", stats.TimedOut).
		Msg("identity enrichment finished")
	return stats, nil
}

type lookupOutcome struct {
	person *Person
	imdbID string
	gone   bool
	failed bool
}

func (e *Enricher) runTMDBPhase(ctx context.Context, cutoff time.Time, workers int, stats *EnrichStats) error {
	attempted := make(map[int64]bool)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch, err := e.store.ListMissingIMDBByTMDB(ctx, cutoff, tmdbBatchSize)
		if err != nil {
			return err
		}
		var fresh []*Person
		for _, p := range batch {
			if !attempted[p.MapID] {
				attempted[p.MapID] = true
				fresh = append(fresh, p)
			}
		}
		if len(fresh) == 0 {
			return nil
		}

		outcomes := e.lookupTMDBBatch(ctx, fresh, workers)
		if err := e.applyTMDBOutcomes(ctx, outcomes, stats); err != nil {
			return err
		}
	}
}

// lookupTMDBBatch fans the batch out over the worker pool; order of
// outcomes is not significant.
func (e *Enricher) lookupTMDBBatch(ctx context.Context, batch []*Person, workers int) []lookupOutcome {
	jobs := make(chan *Person)
	results := make(chan lookupOutcome, len(batch))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := range jobs {
				results <- e.lookupOne(ctx, p)
			}
		}()
	}

	for _, p := range batch {
		jobs <- p
	}
	close(jobs)
	wg.Wait()
	close(results)

	out := make([]lookupOutcome, 0, len(batch))
	for r := range results {
		out = append(out, r)
	}
	return out
}

func (e *Enricher) lookupOne(ctx context.Context, p *Person) lookupOutcome {
	details, err := e.tmdb.GetPersonDetails(ctx, p.TMDBPersonID)
	if errors.Is(err, tmdb.ErrNotFound) {
		return lookupOutcome{person: p, gone: true}
	}
	if err != nil {
		e.logger.Debug().Err(err).Int("tmdb", p.TMDBPersonID).Msg("person lookup failed")
		return lookupOutcome{person: p, failed: true}
	}
	return lookupOutcome{person: p, imdbID: details.BestImdbID()}
}

// applyTMDBOutcomes commits one batch: found ids merge in via Upsert
// so a row already holding that IMDb id converges instead of
// conflicting, stale persons are deleted, and every surviving row gets
// its sync stamp. Failed lookups keep their data but are stamped too,
// so one flaky lookup does not pin the row in every cooldown window.
func (e *Enricher) applyTMDBOutcomes(ctx context.Context, outcomes []lookupOutcome, stats *EnrichStats) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	store := e.store.WithTx(tx)

	var touched []int64
	for _, o := range outcomes {
		stats.Checked++
		switch {
		case o.failed:
			stats.Failed++
			touched = append(touched, o.person.MapID)
		case o.gone:
			if err := store.Delete(ctx, o.person.MapID); err != nil {
				return err
			}
			stats.Deleted++
		case o.imdbID != "":
			_, err := store.Upsert(ctx, Candidate{
				Name:   o.person.PrimaryName,
				TMDBID: o.person.TMDBPersonID,
				IMDBID: o.imdbID,
			})
			if err != nil {
				return err
			}
			stats.Updated++
			touched = append(touched, o.person.MapID)
		default:
			// TMDB knows the person but has no IMDb id; stamp them so
			// they are not retried every run.
			touched = append(touched, o.person.MapID)
		}
	}

	if err := store.TouchSynced(ctx, touched); err != nil {
		return err
	}
	return tx.Commit()
}

func (e *Enricher) runDoubanPhase(ctx context.Context, cutoff time.Time, stats *EnrichStats) error {
	attempted := make(map[int64]bool)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch, err := e.store.ListMissingIMDBByDouban(ctx, cutoff, doubanBatchSize)
		if err != nil {
			return err
		}
		var fresh []*Person
		for _, p := range batch {
			if !attempted[p.MapID] {
				attempted[p.MapID] = true
				fresh = append(fresh, p)
			}
		}
		if len(fresh) == 0 {
			return nil
		}

		var outcomes []lookupOutcome
		for _, p := range fresh {
			if err := ctx.Err(); err != nil {
				return err
			}
			details, err := e.douban.GetCelebrityDetails(ctx, p.DoubanID)
			switch {
			case errors.Is(err, douban.ErrNotFound):
				outcomes = append(outcomes, lookupOutcome{person: p, gone: true})
			case err != nil:
				e.logger.Debug().Err(err).Str("douban", p.DoubanID).Msg("celebrity lookup failed")
				outcomes = append(outcomes, lookupOutcome{person: p, failed: true})
			default:
				outcomes = append(outcomes, lookupOutcome{person: p, imdbID: details.IMDbID()})
			}
		}

		if err := e.applyDoubanOutcomes(ctx, outcomes, stats); err != nil {
			return err
		}
	}
}

func (e *Enricher) applyDoubanOutcomes(ctx context.Context, outcomes []lookupOutcome, stats *EnrichStats) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	store := e.store.WithTx(tx)

	var touched []int64
	for _, o := range outcomes {
		stats.Checked++
		switch {
		case o.failed:
			stats.Failed++
			touched = append(touched, o.person.MapID)
		case o.gone:
			if err := store.Delete(ctx, o.person.MapID); err != nil {
				return err
			}
			stats.Deleted++
		case o.imdbID != "":
			_, err := store.Upsert(ctx, Candidate{
				Name:     o.person.PrimaryName,
				DoubanID: o.person.DoubanID,
				IMDBID:   o.imdbID,
			})
			if err != nil {
				return err
			}
			stats.Updated++
			touched = append(touched, o.person.MapID)
		default:
			touched = append(touched, o.person.MapID)
		}
	}

	if err := store.TouchSynced(ctx, touched); err != nil {
		return err
	}
	return tx.Commit()
}
