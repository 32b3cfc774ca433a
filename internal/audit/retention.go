package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"medguard.org/internal/errs"
	"medguard.org/internal/obs"
)

// DefaultRetentionFloorDays is six years, the usual HIPAA documentation
// retention period.
const DefaultRetentionFloorDays = 6 * 365

const retentionBatch = 1000

// RetentionPolicy is how long entries of one category are kept.
type RetentionPolicy struct {
	EventCategory       Category  `json:"event_category"`
	RetentionDays       int       `json:"retention_days"`
	ArchiveBeforeDelete bool      `json:"archive_before_delete"`
	// ArchiveLocation is a subdirectory of the configured archive directory.
	ArchiveLocation     string    `json:"archive_location,omitempty"`
	IsActive            bool      `json:"is_active"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Archiver copies entries somewhere durable before they are deleted.
type Archiver interface {
	Archive(ctx context.Context, location string, category Category, entries []Entry) error
}

// Retention manages retention policies and runs the retention job.
type Retention struct {
	store      RetentionStore
	archiver   Archiver
	floorDays  int
	phi        map[Category]bool
	defaultDir string
	now        func() time.Time
	log        logrus.FieldLogger
}

type RetentionOption func(*Retention)

// WithRetentionFloor sets the minimum retention for PHI categories.
func WithRetentionFloor(days int, phiCategories ...Category) RetentionOption {
	return func(r *Retention) {
		if days > 0 {
			r.floorDays = days
		}
		if len(phiCategories) > 0 {
			r.phi = make(map[Category]bool, len(phiCategories))
			for _, c := range phiCategories {
				r.phi[c] = true
			}
		}
	}
}

func WithArchiver(a Archiver) RetentionOption {
	return func(r *Retention) { r.archiver = a }
}

// WithDefaultArchiveDir is the archive root. Policies that archive but name
// no location write here; named locations are resolved under it.
func WithDefaultArchiveDir(dir string) RetentionOption {
	return func(r *Retention) { r.defaultDir = dir }
}

func WithRetentionClock(fn func() time.Time) RetentionOption {
	return func(r *Retention) {
		if fn != nil {
			r.now = fn
		}
	}
}

func WithRetentionLogger(l logrus.FieldLogger) RetentionOption {
	return func(r *Retention) {
		if l != nil {
			r.log = l
		}
	}
}

func NewRetention(store RetentionStore, opts ...RetentionOption) *Retention {
	r := &Retention{
		store:     store,
		archiver:  FileArchiver{},
		floorDays: DefaultRetentionFloorDays,
		now:       time.Now,
		log:       obs.Component("retention"),
	}
	WithRetentionFloor(0, DefaultPHICategories...)(r)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// IsPHI reports whether c is subject to the retention floor.
func (r *Retention) IsPHI(c Category) bool { return r.phi[c] }

// FloorDays is the configured retention floor.
func (r *Retention) FloorDays() int { return r.floorDays }

// EffectiveDays is the retention actually applied to p.
func (r *Retention) EffectiveDays(p RetentionPolicy) int {
	if r.phi[p.EventCategory] && p.RetentionDays < r.floorDays {
		return r.floorDays
	}
	return p.RetentionDays
}

// Put stores p, raising a PHI category's retention to the floor. The
// clamped policy is returned.
func (r *Retention) Put(ctx context.Context, p RetentionPolicy) (RetentionPolicy, error) {
	p.EventCategory = ParseCategory(string(p.EventCategory))
	p.ArchiveLocation = strings.TrimSpace(p.ArchiveLocation)
	if p.EventCategory == "" {
		return RetentionPolicy{}, errs.Validation("event_category is required")
	}
	if p.RetentionDays <= 0 {
		return RetentionPolicy{}, errs.Validation("retention_days must be positive")
	}
	if p.ArchiveLocation != "" {
		p.ArchiveLocation = filepath.Clean(filepath.FromSlash(p.ArchiveLocation))
		if _, err := r.archiveDir(p); err != nil {
			return RetentionPolicy{}, err
		}
	}
	if eff := r.EffectiveDays(p); eff != p.RetentionDays {
		r.log.WithFields(logrus.Fields{
			"category":  p.EventCategory,
			"requested": p.RetentionDays,
			"applied":   eff,
		}).Warn("retention below regulatory floor, clamped")
		p.RetentionDays = eff
	}
	p.UpdatedAt = r.now().UTC()
	if err := r.store.PutRetentionPolicy(ctx, p); err != nil {
		return RetentionPolicy{}, fmt.Errorf("store retention policy: %w", err)
	}
	return p, nil
}

func (r *Retention) List(ctx context.Context) ([]RetentionPolicy, error) {
	return r.store.RetentionPolicies(ctx)
}

func (r *Retention) Delete(ctx context.Context, c Category) error {
	return r.store.DeleteRetentionPolicy(ctx, ParseCategory(string(c)))
}

// RunReport summarizes one retention run.
type RunReport struct {
	Category Category  `json:"event_category"`
	Cutoff   time.Time `json:"cutoff"`
	Archived int       `json:"archived"`
	Deleted  int       `json:"deleted"`
	Error    string    `json:"error,omitempty"`
}

// Run applies every active policy once. A failing policy is reported and
// the others still run; the first error is returned.
func (r *Retention) Run(ctx context.Context) ([]RunReport, error) {
	policies, err := r.store.RetentionPolicies(ctx)
	if err != nil {
		return nil, fmt.Errorf("list retention policies: %w", err)
	}
	now := r.now().UTC()
	var (
		reports  []RunReport
		firstErr error
	)
	for _, p := range policies {
		if !p.IsActive {
			continue
		}
		days := r.EffectiveDays(p)
		rep := RunReport{Category: p.EventCategory, Cutoff: now.AddDate(0, 0, -days)}
		if err := r.apply(ctx, p, &rep); err != nil {
			rep.Error = err.Error()
			if firstErr == nil {
				firstErr = err
			}
			r.log.WithError(err).WithField("category", p.EventCategory).Error("retention run failed")
		}
		if rep.Deleted > 0 {
			obs.RetentionDeleted.WithLabelValues(string(p.EventCategory)).Add(float64(rep.Deleted))
			r.log.WithFields(logrus.Fields{
				"category": p.EventCategory,
				"archived": rep.Archived,
				"deleted":  rep.Deleted,
				"cutoff":   rep.Cutoff,
			}).Info("retention applied")
		}
		reports = append(reports, rep)
	}
	return reports, firstErr
}

// archiveDir resolves where p archives to. Locations that would leave the
// archive root are rejected.
func (r *Retention) archiveDir(p RetentionPolicy) (string, error) {
	if p.ArchiveLocation == "" {
		return r.defaultDir, nil
	}
	if r.defaultDir == "" {
		return "", errs.Validation("archive_location requires a configured archive directory")
	}
	if !filepath.IsLocal(p.ArchiveLocation) {
		return "", errs.Validation("archive_location %q must be a relative path inside the archive directory", p.ArchiveLocation)
	}
	return filepath.Join(r.defaultDir, p.ArchiveLocation), nil
}

func (r *Retention) apply(ctx context.Context, p RetentionPolicy, rep *RunReport) error {
	location, err := r.archiveDir(p)
	if err != nil {
		return err
	}
	if p.ArchiveBeforeDelete && location == "" {
		return errs.Validation("policy %s archives but has no archive location", p.EventCategory)
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := r.store.OlderThan(ctx, p.EventCategory, rep.Cutoff, retentionBatch)
		if err != nil {
			return fmt.Errorf("select expired entries: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}
		if p.ArchiveBeforeDelete {
			if err := r.archiver.Archive(ctx, location, p.EventCategory, batch); err != nil {
				return fmt.Errorf("archive %d entries: %w", len(batch), err)
			}
			rep.Archived += len(batch)
		}
		idList := make([]string, len(batch))
		for i, e := range batch {
			idList[i] = e.ID
		}
		n, err := r.store.DeleteEntries(ctx, idList)
		if err != nil {
			return fmt.Errorf("delete expired entries: %w", err)
		}
		rep.Deleted += n
		if n == 0 {
			return fmt.Errorf("delete expired entries: no progress on %d entries", len(batch))
		}
	}
}

// FileArchiver writes each batch as a JSON lines file under the archive
// location, one entry per line.
type FileArchiver struct{}

func (FileArchiver) Archive(_ context.Context, location string, category Category, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := os.MkdirAll(location, 0o750); err != nil {
		return err
	}
	sorted := slices.Clone(entries)
	slices.SortFunc(sorted, func(a, b Entry) int { return strings.Compare(a.ID, b.ID) })
	name := fmt.Sprintf("%s-%s-%s.jsonl", strings.ToLower(string(category)),
		sorted[0].Timestamp.UTC().Format("20060102"), sorted[0].ID)
	path := filepath.Join(location, name)

	tmp, err := os.CreateTemp(location, name+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	for _, e := range sorted {
		if err := enc.Encode(e); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
