package retention

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"facewatch/internal/metrics"
)

// Cleaner removes aged unknown-face evidence images. Known-face images are
// never touched; only files with the Unknown_ prefix are candidates.
type Cleaner struct {
	dir    string
	period time.Duration
	maxAge func() time.Duration
	now    func() time.Time
}

// NewCleaner creates a cleaner over dir. maxAge is read before every sweep
// so configuration changes apply without a restart; a negative value
// disables deletion entirely. period is how often sweeps run and also
// serves as the grace margin when maxAge is zero.
func NewCleaner(dir string, period time.Duration, maxAge func() time.Duration) *Cleaner {
	if period <= 0 {
		period = time.Hour
	}
	return &Cleaner{
		dir:    dir,
		period: period,
		maxAge: maxAge,
		now:    time.Now,
	}
}

// Run sweeps once immediately, then on every period tick until ctx is done.
func (c *Cleaner) Run(ctx context.Context) {
	c.Sweep(c.now())

	ticker := time.NewTicker(c.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.Sweep(now)
		}
	}
}

// Sweep deletes unknown-face images whose modification time is older than
// maxAge. With maxAge zero everything older than one period goes; the grace
// margin keeps an image alive long enough for the notification that
// references it to be seen. Sweeps are idempotent and tolerate files removed
// underneath them.
func (c *Cleaner) Sweep(now time.Time) int {
	maxAge := c.maxAge()
	if maxAge < 0 {
		return 0
	}
	if maxAge == 0 {
		maxAge = c.period
	}
	cutoff := now.Add(-maxAge)

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[Retention] read %s: %v", c.dir, err)
		}
		return 0
	}

	deleted := 0
	for _, entry := range entries {
		if entry.IsDir() || !isUnknownImage(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(c.dir, entry.Name())
		if err := os.Remove(path); err != nil {
			if !os.IsNotExist(err) {
				log.Printf("[Retention] remove %s: %v", path, err)
			}
			continue
		}
		deleted++
		metrics.RetentionDeleted.Inc()
	}
	if deleted > 0 {
		log.Printf("[Retention] removed %d unknown-face image(s) older than %s", deleted, maxAge)
	}
	return deleted
}

func isUnknownImage(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasPrefix(lower, "unknown_") && strings.HasSuffix(lower, ".jpg")
}
