package synclog

import (
	"context"
	"time"
)

// DefaultCheckpointInterval is the background checkpoint period named in
// §4.5 ("period ≈30 s").
const DefaultCheckpointInterval = 30 * time.Second

// RunCheckpointer periodically saves the log to path until ctx is
// canceled, logging (rather than failing) any write error so a
// transient I/O problem does not take down the sync worker goroutine it
// runs alongside.
func (l *Log) RunCheckpointer(ctx context.Context, path string, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultCheckpointInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := l.Save(path); err != nil {
				l.log.Error(err)
			}
			return
		case <-ticker.C:
			if err := l.Save(path); err != nil {
				l.log.Error(err)
			}
		}
	}
}
