package audit

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Every calls fn once per interval until ctx ends. Errors are logged and
// the loop keeps going.
func Every(ctx context.Context, interval time.Duration, log logrus.FieldLogger, name string, fn func(context.Context) error) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			start := time.Now()
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				log.WithError(err).WithField("job", name).Error("scheduled job failed")
				continue
			}
			log.WithFields(logrus.Fields{"job": name, "duration": time.Since(start).String()}).Debug("scheduled job finished")
		}
	}
}
