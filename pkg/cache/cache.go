// Package cache keeps the results of immutable Enlighten queries in a local
// store so they are only fetched once.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/levenlabs/go-lflag"

	"github.com/raterudder/enlighten/pkg/enphase"
	"github.com/raterudder/enlighten/pkg/log"
	"github.com/raterudder/enlighten/pkg/storage"
	"github.com/raterudder/enlighten/pkg/types"
)

const defaultMarkCacheSize = 4096

// PersistError is returned alongside fetched data that could not be written
// to the store. The data is still valid but was not cached.
type PersistError struct {
	Command  string
	SystemID string
	Err      error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("failed to cache %s for system %s: %v", e.Command, e.SystemID, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// SummaryOptions are the options for Reconciler.Summary.
type SummaryOptions struct {
	// Date is the day to summarize. It defaults to today.
	Date    time.Time
	NoCache bool
}

// StatsOptions are the options for Reconciler.Stats.
type StatsOptions struct {
	// Start defaults to the start of the day containing End.
	Start time.Time
	// End defaults to now.
	End     time.Time
	NoCache bool
}

// EnvoysOptions are the options for Reconciler.Envoys.
type EnvoysOptions struct {
	NoCache bool
}

// Reconciler serves summary, stats and envoys from the store and only asks
// the source for what the store is missing. It implements enphase.Source.
type Reconciler struct {
	source enphase.Source
	db     storage.Database
	loc    *time.Location

	// full completeness marks never change so they are remembered
	fullDays *lru.Cache
	locks    keyedMutex

	now func() time.Time
}

var _ enphase.Source = (*Reconciler)(nil)

// New returns a Reconciler over source that persists to db. Calendar days are
// computed in loc.
func New(source enphase.Source, db storage.Database, loc *time.Location) (*Reconciler, error) {
	if loc == nil {
		loc = time.Local
	}
	fullDays, err := lru.New(defaultMarkCacheSize)
	if err != nil {
		return nil, err
	}
	return &Reconciler{
		source:   source,
		db:       db,
		loc:      loc,
		fullDays: fullDays,
		now:      time.Now,
	}, nil
}

// Configured returns a Reconciler whose location is read from loc once flags
// have been parsed.
func Configured(source enphase.Source, db storage.Database, loc func() *time.Location) *Reconciler {
	r := &Reconciler{
		source: source,
		db:     db,
		now:    time.Now,
	}

	lflag.Do(func() {
		fullDays, err := lru.New(defaultMarkCacheSize)
		if err != nil {
			panic(fmt.Sprintf("failed to create mark cache: %v", err))
		}
		r.fullDays = fullDays
		r.loc = loc()
		if r.loc == nil {
			r.loc = time.Local
		}
	})

	return r
}

type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// lock locks key and returns the function that unlocks it.
func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func (r *Reconciler) midnight(t time.Time) time.Time {
	y, m, d := t.In(r.loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, r.loc)
}

func (r *Reconciler) fetch(ctx context.Context, systemID, command string, params enphase.Params) (*types.Table, error) {
	q, err := enphase.Build(systemID, command, params)
	if err != nil {
		return nil, err
	}
	return r.source.Table(ctx, q)
}

// reconstitute converts the RFC 3339 strings of stored time columns back
// into times.
func (r *Reconciler) reconstitute(rows []types.Record) []types.Record {
	for _, row := range rows {
		for col, v := range row {
			s, ok := v.(string)
			if !ok || !types.IsTimeColumn(col) {
				continue
			}
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				row[col] = t.In(r.loc)
			}
		}
	}
	return rows
}

// Summary returns the summary of the system for a day. A stored summary is
// returned if there is one, otherwise it is fetched and stored.
func (r *Reconciler) Summary(ctx context.Context, systemID string, opts SummaryOptions) (*types.Table, error) {
	params := enphase.Params{}
	date := opts.Date
	if date.IsZero() {
		date = r.now()
	} else {
		params["summary_date"] = r.midnight(date)
	}
	key := r.midnight(date).Format(types.DateLayout)

	if opts.NoCache {
		recordLookup(enphase.CommandSummary, "bypass")
		return r.fetch(ctx, systemID, enphase.CommandSummary, params)
	}

	unlock := r.locks.lock(systemID + "/" + enphase.CommandSummary)
	defer unlock()

	rows, err := r.db.GetSummary(ctx, systemID, key)
	if err != nil {
		return nil, fmt.Errorf("failed to read cached summary: %w", err)
	}
	if len(rows) > 0 {
		recordLookup(enphase.CommandSummary, "hit")
		log.Ctx(ctx).DebugContext(ctx, "summary cache hit", slog.String("systemID", systemID), slog.String("date", key))
		return &types.Table{Index: []string{"system_id"}, Rows: r.reconstitute(rows)}, nil
	}
	recordLookup(enphase.CommandSummary, "miss")

	tbl, err := r.fetch(ctx, systemID, enphase.CommandSummary, params)
	if err != nil {
		return nil, err
	}
	if err := r.db.InsertSummary(ctx, systemID, key, tbl.Rows); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to cache summary", slog.String("systemID", systemID), slog.Any("error", err))
		return tbl, &PersistError{Command: enphase.CommandSummary, SystemID: systemID, Err: err}
	}
	return tbl, nil
}

// Envoys returns the envoys of the system. The roster is fetched once and
// then served from the store. A roster read from a local Envoy while the API
// was unavailable is returned but not stored.
func (r *Reconciler) Envoys(ctx context.Context, systemID string, opts EnvoysOptions) (*types.Table, error) {
	if opts.NoCache {
		recordLookup(enphase.CommandEnvoys, "bypass")
		return r.fetch(ctx, systemID, enphase.CommandEnvoys, nil)
	}

	unlock := r.locks.lock(systemID + "/" + enphase.CommandEnvoys)
	defer unlock()

	rows, err := r.db.GetEnvoys(ctx, systemID)
	if err != nil {
		return nil, fmt.Errorf("failed to read cached envoys: %w", err)
	}
	if len(rows) > 0 {
		recordLookup(enphase.CommandEnvoys, "hit")
		return &types.Table{Index: []string{"system_id", "serial_number"}, Rows: r.reconstitute(rows)}, nil
	}
	recordLookup(enphase.CommandEnvoys, "miss")

	tbl, err := r.fetch(ctx, systemID, enphase.CommandEnvoys, nil)
	if err != nil {
		return nil, err
	}
	if enphase.FromEnvoy(tbl) {
		log.Ctx(ctx).InfoContext(ctx, "not caching envoys read from the local envoy", slog.String("systemID", systemID))
		return tbl, nil
	}
	if err := r.db.InsertEnvoys(ctx, systemID, tbl.Rows); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to cache envoys", slog.String("systemID", systemID), slog.Any("error", err))
		return tbl, &PersistError{Command: enphase.CommandEnvoys, SystemID: systemID, Err: err}
	}
	return tbl, nil
}

// Stats returns the intervals of every calendar day touched by the window.
// Days that are not known to be complete are fetched one day at a time and
// stored. The rows are ordered by end_at.
//
// If a fetch fails the error is returned and the days stored before it stay
// stored. If storing fails the rows are still returned along with a
// *PersistError.
func (r *Reconciler) Stats(ctx context.Context, systemID string, opts StatsOptions) (*types.Table, error) {
	now := r.now()
	end := opts.End
	if end.IsZero() {
		end = now
	}
	start := opts.Start
	if start.IsZero() {
		start = r.midnight(end)
	}
	if start.After(end) {
		return nil, &enphase.TemporalOrderError{StartField: "start_at", EndField: "end_at", Start: start, End: end}
	}
	if end.After(now) {
		return nil, &enphase.FutureTimestampError{Field: "end_at", Value: end, Now: now}
	}

	if opts.NoCache {
		recordLookup(enphase.CommandStats, "bypass")
		return r.statsDirect(ctx, systemID, start, end)
	}

	unlock := r.locks.lock(systemID + "/" + enphase.CommandStats)
	defer unlock()

	today := r.midnight(now)
	firstDay := r.midnight(start)
	lastDay := r.midnight(end)
	// an interval belongs to the day it started in so the window is
	// (firstDay, lastDay+1d] and a day's last interval ends at the next midnight
	rangeEnd := lastDay.AddDate(0, 0, 1)

	marks, err := r.completeness(ctx, systemID, firstDay, lastDay)
	if err != nil {
		return nil, err
	}

	var fresh []types.Record
	var persistErr error
	for day := firstDay; !day.After(lastDay); day = day.AddDate(0, 0, 1) {
		key := day.Format(types.DateLayout)
		if marks[key] == types.CompletenessFull {
			recordLookup(enphase.CommandStats, "hit")
			continue
		}
		recordLookup(enphase.CommandStats, "miss")

		dayEnd := day.AddDate(0, 0, 1)
		if dayEnd.After(now) {
			dayEnd = now
		}
		tbl, err := r.fetch(ctx, systemID, enphase.CommandStats, enphase.Params{
			"start_at": day,
			"end_at":   dayEnd,
		})
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to fetch stats", slog.String("systemID", systemID), slog.String("date", key), slog.Any("error", err))
			return nil, err
		}
		rows := intervalRows(tbl)
		fresh = append(fresh, rows...)

		if err := r.db.InsertStats(ctx, systemID, rows); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to cache stats", slog.String("systemID", systemID), slog.String("date", key), slog.Any("error", err))
			if persistErr == nil {
				persistErr = &PersistError{Command: enphase.CommandStats, SystemID: systemID, Err: err}
			}
			// without the rows the day cannot be marked
			continue
		}

		status := types.CompletenessPartial
		if day.Before(today) {
			status = types.CompletenessFull
		}
		mark := types.CompletenessMark{SystemID: systemID, Date: key, Status: status}
		if err := r.db.MarkCompleteness(ctx, mark); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to mark stats completeness", slog.String("systemID", systemID), slog.String("date", key), slog.Any("error", err))
			if persistErr == nil {
				persistErr = &PersistError{Command: enphase.CommandStats, SystemID: systemID, Err: err}
			}
			continue
		}
		if status == types.CompletenessFull {
			r.fullDays.Add(systemID+"/"+key, struct{}{})
		}
		log.Ctx(ctx).DebugContext(ctx, "cached stats", slog.String("systemID", systemID), slog.String("date", key), slog.String("status", string(status)), slog.Int("rows", len(rows)))
	}

	stored, err := r.db.GetStats(ctx, systemID, firstDay, rangeEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to read cached stats: %w", err)
	}

	var inRange []types.Record
	for _, row := range fresh {
		t, _ := row.Time("end_at")
		if t.After(firstDay) && !t.After(rangeEnd) {
			inRange = append(inRange, row)
		}
	}

	// stored rows come first so both a fresh and a cached call return the
	// stored representation
	tbl := &types.Table{
		Index: []string{"system_id", "end_at"},
		Rows:  mergeRows(r.reconstitute(stored), inRange),
	}
	if persistErr != nil {
		return tbl, persistErr
	}
	return tbl, nil
}

// statsDirect fetches the window without consulting the store. The rows are
// still stored but no day is marked.
func (r *Reconciler) statsDirect(ctx context.Context, systemID string, start, end time.Time) (*types.Table, error) {
	tbl, err := r.fetch(ctx, systemID, enphase.CommandStats, enphase.Params{
		"start_at": start,
		"end_at":   end,
	})
	if err != nil {
		return nil, err
	}
	rows := intervalRows(tbl)
	out := &types.Table{Index: []string{"system_id", "end_at"}, Rows: mergeRows(rows)}
	if err := r.db.InsertStats(ctx, systemID, rows); err != nil {
		return out, &PersistError{Command: enphase.CommandStats, SystemID: systemID, Err: err}
	}
	return out, nil
}

// completeness returns the marks for the days between first and last.
func (r *Reconciler) completeness(ctx context.Context, systemID string, first, last time.Time) (map[string]types.Completeness, error) {
	marks := make(map[string]types.Completeness)
	allFull := true
	for day := first; !day.After(last); day = day.AddDate(0, 0, 1) {
		key := day.Format(types.DateLayout)
		if r.fullDays.Contains(systemID + "/" + key) {
			marks[key] = types.CompletenessFull
		} else {
			allFull = false
		}
	}
	if allFull {
		return marks, nil
	}

	stored, err := r.db.GetCompleteness(ctx, systemID, first.Format(types.DateLayout), last.Format(types.DateLayout))
	if err != nil {
		return nil, fmt.Errorf("failed to read stats completeness: %w", err)
	}
	for key, status := range stored {
		marks[key] = status
		if status == types.CompletenessFull {
			r.fullDays.Add(systemID+"/"+key, struct{}{})
		}
	}
	return marks, nil
}

// intervalRows returns the rows that describe an interval. The summary row
// returned for a day without intervals is dropped.
func intervalRows(tbl *types.Table) []types.Record {
	if tbl == nil {
		return nil
	}
	rows := make([]types.Record, 0, len(tbl.Rows))
	for _, row := range tbl.Rows {
		if _, ok := row.Time("end_at"); ok {
			rows = append(rows, row)
		}
	}
	return rows
}

// mergeRows concatenates the sets, drops duplicate rows keeping the first,
// and orders the result by end_at.
func mergeRows(sets ...[]types.Record) []types.Record {
	seen := make(map[string]bool)
	var out []types.Record
	for _, set := range sets {
		for _, row := range set {
			key := row.Key()
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, row)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		ti, _ := out[i].Time("end_at")
		tj, _ := out[j].Time("end_at")
		return ti.Before(tj)
	})
	return out
}

// AllStats returns every interval the system has reported by reading its
// summary for the operational and last report times.
func (r *Reconciler) AllStats(ctx context.Context, systemID string) (*types.Table, error) {
	summary, err := r.Summary(ctx, systemID, SummaryOptions{NoCache: true})
	if err != nil {
		return nil, err
	}
	if summary.Len() == 0 {
		return nil, fmt.Errorf("empty summary for system %s", systemID)
	}
	row := summary.Rows[0]
	start, ok := row.Time("operational_at")
	if !ok {
		return nil, fmt.Errorf("summary for system %s has no operational_at", systemID)
	}
	end, ok := row.Time("last_report_at")
	if !ok {
		return nil, fmt.Errorf("summary for system %s has no last_report_at", systemID)
	}
	if now := r.now(); end.After(now) {
		end = now
	}
	return r.Stats(ctx, systemID, StatsOptions{Start: start, End: end})
}

// Table implements enphase.Source. Summary, stats and envoys go through the
// store and every other command is passed to the source. A "no_cache" param
// set to true bypasses the store.
func (r *Reconciler) Table(ctx context.Context, q enphase.Query) (*types.Table, error) {
	noCache, _ := q.Params["no_cache"].(bool)
	switch q.Command {
	case enphase.CommandSummary:
		date, _ := q.Params["summary_date"].(time.Time)
		return r.Summary(ctx, q.SystemID, SummaryOptions{Date: date, NoCache: noCache})
	case enphase.CommandStats:
		start, _ := q.Params["start_at"].(time.Time)
		end, _ := q.Params["end_at"].(time.Time)
		return r.Stats(ctx, q.SystemID, StatsOptions{Start: start, End: end, NoCache: noCache})
	case enphase.CommandEnvoys:
		return r.Envoys(ctx, q.SystemID, EnvoysOptions{NoCache: noCache})
	}
	if _, ok := q.Params["no_cache"]; ok {
		q.Params = q.Params.Clone()
		delete(q.Params, "no_cache")
	}
	return r.source.Table(ctx, q)
}

// IsPersistError reports whether err only means the data was not cached.
func IsPersistError(err error) bool {
	var pe *PersistError
	return errors.As(err, &pe)
}
