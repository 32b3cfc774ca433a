// Package notify delivers compliance alerts (emergency grants and new
// anomaly findings) to live subscribers and to other instances.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// Alert kinds.
const (
	KindEmergencyGrant = "emergency_grant"
	KindFinding        = "finding"
)

// Alert is one notification. It never carries clinical content, only
// identifiers a reviewer can look up through the audit API.
type Alert struct {
	Kind      string    `json:"kind"`
	Severity  string    `json:"severity,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	EntryID   string    `json:"entry_id,omitempty"`
	FindingID string    `json:"finding_id,omitempty"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}

// Notifier delivers alerts. Delivery is best effort: callers log errors and
// carry on.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// Func adapts a plain function to Notifier.
type Func func(ctx context.Context, a Alert) error

func (f Func) Notify(ctx context.Context, a Alert) error { return f(ctx, a) }

// Multi fans an alert out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, a Alert) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log writes alerts to a structured logger.
type Log struct {
	Logger logrus.FieldLogger
}

func (l Log) Notify(_ context.Context, a Alert) error {
	l.Logger.WithFields(logrus.Fields{
		"kind":       a.Kind,
		"severity":   a.Severity,
		"user_id":    a.UserID,
		"entry_id":   a.EntryID,
		"finding_id": a.FindingID,
	}).Warn(a.Message)
	return nil
}

// Discard drops every alert.
var Discard Notifier = Func(func(context.Context, Alert) error { return nil })
