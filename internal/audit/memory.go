package audit

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"medguard.org/internal/errs"
	"medguard.org/internal/ids"
)

// MemoryStore is an in-process Store used in tests and single-node
// development setups.
type MemoryStore struct {
	mu         sync.RWMutex
	entries    []Entry
	keys       map[string]struct{}
	reviews    map[string]EmergencyReview
	findings   map[string]*Finding
	findingKey map[string]string
	policies   map[Category]RetentionPolicy

	// FailAppend, when set, is returned by Append instead of writing.
	FailAppend func(batch []Entry) error
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys:       make(map[string]struct{}),
		reviews:    make(map[string]EmergencyReview),
		findings:   make(map[string]*Finding),
		findingKey: make(map[string]string),
		policies:   make(map[Category]RetentionPolicy),
	}
}

func (m *MemoryStore) Append(_ context.Context, batch []Entry) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailAppend != nil {
		if err := m.FailAppend(batch); err != nil {
			return 0, err
		}
	}
	n := 0
	for _, e := range batch {
		if k := e.Key(); k != "" {
			if _, dup := m.keys[k]; dup {
				continue
			}
			m.keys[k] = struct{}{}
		}
		m.entries = append(m.entries, e)
		n++
	}
	return n, nil
}

// Entries returns a copy of every stored entry in insertion order.
func (m *MemoryStore) Entries() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.entries)
}

func (f Filter) matches(e Entry) bool {
	switch {
	case !f.From.IsZero() && e.Timestamp.Before(f.From):
		return false
	case !f.To.IsZero() && !e.Timestamp.Before(f.To):
		return false
	case f.UserID != "" && e.UserID != f.UserID:
		return false
	case f.PatientID != "" && e.PatientID != f.PatientID:
		return false
	case f.ResourceType != "" && e.ResourceType != f.ResourceType:
		return false
	case f.EventType != "" && e.EventType != f.EventType:
		return false
	case f.Category != "" && e.EventCategory != f.Category:
		return false
	case f.PHIOnly && !e.IsPHIAccess:
		return false
	case f.EmergencyOnly && !e.IsEmergencyAccess:
		return false
	}
	return true
}

func (m *MemoryStore) Query(_ context.Context, f Filter, page, pageSize int) (Page, error) {
	page, pageSize = NormalizePage(page, pageSize)
	m.mu.RLock()
	var matched []Entry
	for _, e := range m.entries {
		if f.matches(e) {
			matched = append(matched, e)
		}
	}
	m.mu.RUnlock()
	slices.SortFunc(matched, func(a, b Entry) int {
		if c := b.Timestamp.Compare(a.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	out := Page{Total: len(matched), Page: page, PageSize: pageSize, Entries: []Entry{}}
	start := (page - 1) * pageSize
	if start < len(matched) {
		end := min(start+pageSize, len(matched))
		out.Entries = matched[start:end]
	}
	return out, nil
}

func (m *MemoryStore) PHIReport(_ context.Context, from, to time.Time) ([]PHIReportRow, error) {
	type key struct {
		user, rt string
		day      time.Time
	}
	rows := map[key]*PHIReportRow{}
	patients := map[key]map[string]struct{}{}
	m.mu.RLock()
	for _, e := range m.entries {
		if !e.IsPHIAccess || e.Timestamp.Before(from) || !e.Timestamp.Before(to) {
			continue
		}
		k := key{e.UserID, e.ResourceType, e.Timestamp.UTC().Truncate(24 * time.Hour)}
		r, ok := rows[k]
		if !ok {
			r = &PHIReportRow{UserID: k.user, ResourceType: k.rt, Day: k.day}
			rows[k] = r
			patients[k] = map[string]struct{}{}
		}
		r.Accesses++
		if !e.IsSuccess {
			r.Denied++
		}
		if e.IsEmergencyAccess {
			r.EmergencyAccesses++
		}
		if e.PatientID != "" {
			patients[k][e.PatientID] = struct{}{}
		}
	}
	m.mu.RUnlock()
	out := make([]PHIReportRow, 0, len(rows))
	for k, r := range rows {
		r.DistinctPatients = len(patients[k])
		out = append(out, *r)
	}
	slices.SortFunc(out, func(a, b PHIReportRow) int {
		if c := a.Day.Compare(b.Day); c != 0 {
			return c
		}
		if c := cmp.Compare(a.UserID, b.UserID); c != 0 {
			return c
		}
		return cmp.Compare(a.ResourceType, b.ResourceType)
	})
	return out, nil
}

func (m *MemoryStore) RetentionPolicies(context.Context) ([]RetentionPolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]RetentionPolicy, 0, len(m.policies))
	for _, p := range m.policies {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b RetentionPolicy) int { return cmp.Compare(a.EventCategory, b.EventCategory) })
	return out, nil
}

func (m *MemoryStore) PutRetentionPolicy(_ context.Context, p RetentionPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies[p.EventCategory] = p
	return nil
}

func (m *MemoryStore) DeleteRetentionPolicy(_ context.Context, c Category) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.policies[c]; !ok {
		return errs.NotFound("retention policy %s", c)
	}
	delete(m.policies, c)
	return nil
}

func (m *MemoryStore) OlderThan(_ context.Context, c Category, cutoff time.Time, limit int) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Entry
	for _, e := range m.entries {
		if e.EventCategory == c && e.Timestamp.Before(cutoff) {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b Entry) int { return a.Timestamp.Compare(b.Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) DeleteEntries(_ context.Context, idList []string) (int, error) {
	drop := make(map[string]struct{}, len(idList))
	for _, id := range idList {
		drop[id] = struct{}{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.entries[:0]
	n := 0
	for _, e := range m.entries {
		if _, ok := drop[e.ID]; ok {
			delete(m.reviews, e.ID)
			n++
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
	return n, nil
}

func (m *MemoryStore) DistinctPHIPatients(_ context.Context, from, to time.Time) ([]UserCount, error) {
	seen := map[string]map[string]struct{}{}
	m.mu.RLock()
	for _, e := range m.entries {
		if !e.IsPHIAccess || !e.IsSuccess || e.UserID == "" || e.PatientID == "" {
			continue
		}
		if e.Timestamp.Before(from) || !e.Timestamp.Before(to) {
			continue
		}
		if seen[e.UserID] == nil {
			seen[e.UserID] = map[string]struct{}{}
		}
		seen[e.UserID][e.PatientID] = struct{}{}
	}
	m.mu.RUnlock()
	out := make([]UserCount, 0, len(seen))
	for u, p := range seen {
		out = append(out, UserCount{UserID: u, Count: len(p)})
	}
	sortCounts(out)
	return out, nil
}

func (m *MemoryStore) CountEvents(_ context.Context, event EventType, from, to time.Time) ([]UserCount, error) {
	counts := map[string]int{}
	m.mu.RLock()
	for _, e := range m.entries {
		if e.EventType != event || e.UserID == "" {
			continue
		}
		if e.Timestamp.Before(from) || !e.Timestamp.Before(to) {
			continue
		}
		counts[e.UserID]++
	}
	m.mu.RUnlock()
	out := make([]UserCount, 0, len(counts))
	for u, n := range counts {
		out = append(out, UserCount{UserID: u, Count: n})
	}
	sortCounts(out)
	return out, nil
}

func sortCounts(c []UserCount) {
	slices.SortFunc(c, func(a, b UserCount) int { return cmp.Compare(a.UserID, b.UserID) })
}

func (m *MemoryStore) UnreviewedEmergency(_ context.Context, before time.Time) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Entry
	for _, e := range m.entries {
		if e.EventType != EventEmergencyAccess || !e.IsSuccess || !e.Timestamp.Before(before) {
			continue
		}
		if _, ok := m.reviews[e.ID]; ok {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *MemoryStore) ReviewEmergency(_ context.Context, r EmergencyReview) (EmergencyReview, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	found := false
	for _, e := range m.entries {
		if e.ID == r.EntryID {
			found = e.EventType == EventEmergencyAccess
			break
		}
	}
	if !found {
		return EmergencyReview{}, errs.NotFound("emergency access entry %s", r.EntryID)
	}
	if prev, ok := m.reviews[r.EntryID]; ok {
		return prev, errs.Conflict("emergency access %s already reviewed by %s", r.EntryID, prev.ReviewedBy)
	}
	m.reviews[r.EntryID] = r
	return r, nil
}

func (m *MemoryStore) UpsertFinding(_ context.Context, f Finding) (Finding, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.findingKey[f.Key]; ok {
		cur := m.findings[id]
		cur.Count = max(cur.Count, f.Count)
		cur.Severity = f.Severity
		cur.Description = f.Description
		cur.WindowEnd = f.WindowEnd
		cur.DetectedAt = f.DetectedAt
		return *cur, false, nil
	}
	if f.ID == "" {
		f.ID = ids.New()
	}
	stored := f
	m.findings[f.ID] = &stored
	m.findingKey[f.Key] = f.ID
	return f, true, nil
}

func (m *MemoryStore) Findings(_ context.Context, f FindingFilter) ([]Finding, error) {
	m.mu.RLock()
	var out []Finding
	for _, x := range m.findings {
		if f.matches(*x) {
			out = append(out, *x)
		}
	}
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b Finding) int {
		if c := b.DetectedAt.Compare(a.DetectedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) Investigate(_ context.Context, id, investigator, notes string, at time.Time) (Finding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.findings[id]
	if !ok {
		return Finding{}, errs.NotFound("finding %s", id)
	}
	if f.IsInvestigated {
		return *f, errs.Conflict("finding %s already investigated", id)
	}
	f.IsInvestigated = true
	f.InvestigatedBy = investigator
	f.InvestigatedAt = &at
	f.Notes = notes
	return *f, nil
}
