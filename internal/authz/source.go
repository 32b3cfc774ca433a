package authz

import (
	"context"
	"maps"
	"time"

	"medguard.org/internal/condition"
)

// DefaultAttributeTimeout bounds each attribute source lookup.
const DefaultAttributeTimeout = 30 * time.Millisecond

// AttributeSource contributes attributes to a request before evaluation,
// for example a patient's consent directives. When a lookup fails or times
// out every key in Keys is marked unknown.
type AttributeSource interface {
	Name() string
	Keys() []string
	Lookup(ctx context.Context, req Request) (condition.Attributes, error)
}

// Consent is a patient's sharing directive as seen by access rules.
type Consent struct {
	HIESharing bool
	Restricted bool
}

// ConsentLookup fetches the directive for a patient. A patient without a
// directive is reported with found == false.
type ConsentLookup interface {
	Consent(ctx context.Context, patientID string) (c Consent, found bool, err error)
}

const (
	AttrConsentHIESharing = "consent.hie_sharing"
	AttrConsentRestricted = "consent.restricted"
)

// ConsentSource exposes consent directives as consent.* attributes.
type ConsentSource struct {
	lookup ConsentLookup
}

func NewConsentSource(l ConsentLookup) *ConsentSource { return &ConsentSource{lookup: l} }

func (s *ConsentSource) Name() string { return "consent" }

func (s *ConsentSource) Keys() []string {
	return []string{AttrConsentHIESharing, AttrConsentRestricted}
}

func (s *ConsentSource) Lookup(ctx context.Context, req Request) (condition.Attributes, error) {
	if req.PatientID == "" {
		return nil, nil
	}
	c, found, err := s.lookup.Consent(ctx, req.PatientID)
	if err != nil || !found {
		return nil, err
	}
	return condition.Attributes{
		AttrConsentHIESharing: c.HIESharing,
		AttrConsentRestricted: c.Restricted,
	}, nil
}

type sourceResult struct {
	idx   int
	attrs condition.Attributes
	err   error
}

// gather runs every source concurrently, each under timeout, and merges
// their answers over the caller's attributes. A source that fails or does
// not answer in time has its keys set to condition.UnknownValue; a late
// answer is discarded.
func gather(ctx context.Context, sources []AttributeSource, req Request, timeout time.Duration) (condition.Attributes, []error) {
	out := maps.Clone(req.Attributes)
	if out == nil {
		out = condition.Attributes{}
	}
	if len(sources) == 0 {
		return out, nil
	}
	lctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results := make(chan sourceResult, len(sources))
	for i, src := range sources {
		go func() {
			attrs, err := src.Lookup(lctx, req)
			results <- sourceResult{idx: i, attrs: attrs, err: err}
		}()
	}

	answered := make([]bool, len(sources))
	var failures []error
	fail := func(i int, err error) {
		for _, k := range sources[i].Keys() {
			out[k] = condition.UnknownValue
		}
		failures = append(failures, &SourceError{Source: sources[i].Name(), Err: err})
	}
	for range sources {
		select {
		case r := <-results:
			answered[r.idx] = true
			if r.err != nil {
				fail(r.idx, r.err)
				continue
			}
			maps.Copy(out, r.attrs)
		case <-lctx.Done():
			for i := range sources {
				if !answered[i] {
					fail(i, lctx.Err())
				}
			}
			return out, failures
		}
	}
	return out, failures
}

// SourceError reports a failed attribute lookup.
type SourceError struct {
	Source string
	Err    error
}

func (e *SourceError) Error() string { return "attribute source " + e.Source + ": " + e.Err.Error() }

func (e *SourceError) Unwrap() error { return e.Err }
