package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bleepstore/bleepcore/internal/config"
	s3err "github.com/bleepstore/bleepcore/internal/errors"
	"github.com/bleepstore/bleepcore/internal/keylock"
	"github.com/bleepstore/bleepcore/internal/logging"
	"github.com/bleepstore/bleepcore/internal/metadata"
	"github.com/bleepstore/bleepcore/internal/metrics"
	"github.com/bleepstore/bleepcore/internal/multipart"
	"github.com/bleepstore/bleepcore/internal/storage"
)

const pageSize = 500

// Report counts the actions applied by one bucket sweep.
type Report struct {
	Bucket               string `json:"bucket"`
	Expired              int    `json:"expired"`
	ExpiredNoncurrent    int    `json:"expired_noncurrent"`
	ExpiredDeleteMarkers int    `json:"expired_delete_markers"`
	Transitioned         int    `json:"transitioned"`
	AbortedUploads       int    `json:"aborted_uploads"`
}

// Sweeper applies bucket lifecycle configurations.
type Sweeper struct {
	meta     *metadata.Store
	content  *storage.ContentStore
	uploads  *multipart.Coordinator
	logger   *slog.Logger
	day      time.Duration
	interval time.Duration
	workers  int
	now      func() time.Time
	locks    *keylock.Table
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithClock replaces the sweeper's clock.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// NewSweeper returns a Sweeper. Expired content is released through content
// and incomplete uploads are aborted through uploads.
func NewSweeper(meta *metadata.Store, content *storage.ContentStore, uploads *multipart.Coordinator, cfg config.LifecycleConfig, logger *slog.Logger, opts ...Option) *Sweeper {
	s := &Sweeper{
		meta:     meta,
		content:  content,
		uploads:  uploads,
		logger:   logging.Component(logger, "lifecycle"),
		day:      cfg.DayDuration,
		interval: cfg.Interval,
		workers:  cfg.Workers,
		now:      time.Now,
		locks:    keylock.New(),
	}
	if s.day <= 0 {
		s.day = 24 * time.Hour
	}
	if s.interval <= 0 {
		s.interval = time.Hour
	}
	if s.workers <= 0 {
		s.workers = 1
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// DayDuration returns the length of one lifecycle day.
func (s *Sweeper) DayDuration() time.Duration {
	return s.day
}

// Run sweeps every bucket each interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("Lifecycle sweeper started", "interval", s.interval, "day", s.day)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Lifecycle sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.SweepAll(ctx); err != nil {
				s.logger.Warn("Lifecycle sweep incomplete", "error", err)
			}
		}
	}
}

// SweepAll sweeps every bucket with a lifecycle configuration, a bounded
// number at a time. Buckets that fail are logged and reported in the joined
// error; the others are still swept.
func (s *Sweeper) SweepAll(ctx context.Context) ([]*Report, error) {
	buckets, err := s.meta.ListBuckets(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing buckets: %w", err)
	}

	reports := make([]*Report, len(buckets))
	errs := make([]error, len(buckets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, b := range buckets {
		if len(b.Lifecycle) == 0 {
			continue
		}
		g.Go(func() error {
			r, err := s.SweepBucket(gctx, b.Name)
			if err != nil {
				s.logger.Warn("Bucket sweep failed", "bucket", b.Name, "error", err)
				errs[i] = fmt.Errorf("sweeping %s: %w", b.Name, err)
				return nil
			}
			reports[i] = r
			return nil
		})
	}
	_ = g.Wait()

	out := make([]*Report, 0, len(reports))
	for _, r := range reports {
		if r != nil {
			out = append(out, r)
		}
	}
	return out, errors.Join(errs...)
}

// SweepBucket applies the bucket's lifecycle configuration once. A bucket
// without a configuration yields an empty report. Sweeps of one bucket never
// overlap.
func (s *Sweeper) SweepBucket(ctx context.Context, bucket string) (*Report, error) {
	unlock := s.locks.Lock(bucket)
	defer unlock()

	report := &Report{Bucket: bucket}
	b, err := s.meta.GetBucket(ctx, bucket)
	if err != nil {
		metrics.LifecycleSweepsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	if len(b.Lifecycle) == 0 {
		return report, nil
	}
	cfg, err := Parse(b.Lifecycle)
	if err != nil {
		metrics.LifecycleSweepsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	now := s.now()
	if err := s.sweepObjects(ctx, bucket, cfg, now, report); err != nil {
		metrics.LifecycleSweepsTotal.WithLabelValues("error").Inc()
		return report, err
	}
	if err := s.sweepUploads(ctx, bucket, cfg, now, report); err != nil {
		metrics.LifecycleSweepsTotal.WithLabelValues("error").Inc()
		return report, err
	}
	metrics.LifecycleSweepsTotal.WithLabelValues("ok").Inc()
	s.logger.Debug("Bucket swept", "bucket", bucket,
		"expired", report.Expired, "expired_noncurrent", report.ExpiredNoncurrent,
		"expired_delete_markers", report.ExpiredDeleteMarkers,
		"transitioned", report.Transitioned, "aborted_uploads", report.AbortedUploads)
	return report, nil
}

func (s *Sweeper) sweepObjects(ctx context.Context, bucket string, cfg *Configuration, now time.Time, report *Report) error {
	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := s.meta.ListLatestPage(ctx, bucket, "", after, pageSize)
		if err != nil {
			return fmt.Errorf("listing %s: %w", bucket, err)
		}
		for _, cur := range page {
			if err := s.sweepKey(ctx, bucket, cur.Key, cfg, now, report); err != nil {
				s.logger.Warn("Lifecycle action failed", "bucket", bucket, "key", cur.Key, "error", err)
			}
		}
		if len(page) < pageSize {
			return nil
		}
		after = page[len(page)-1].Key
	}
}

// sweepKey applies every enabled rule to the versions of one key.
func (s *Sweeper) sweepKey(ctx context.Context, bucket, key string, cfg *Configuration, now time.Time, report *Report) error {
	versions, err := s.meta.ListKeyVersions(ctx, bucket, key)
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		return nil
	}

	cur := versions[0]
	if !cur.IsDeleteMarker {
		expired, err := s.applyCurrent(ctx, cfg, cur, now, report)
		if err != nil {
			return err
		}
		if expired {
			// Expiring the current version changed the key's history.
			if versions, err = s.meta.ListKeyVersions(ctx, bucket, key); err != nil {
				return err
			}
			if len(versions) == 0 {
				return nil
			}
		}
	}

	versions, err = s.applyNoncurrent(ctx, cfg, versions, now, report)
	if err != nil {
		return err
	}
	return s.expireDeleteMarker(ctx, cfg, versions, report)
}

// applyCurrent expires or transitions the current version. It reports
// whether the version was expired.
func (s *Sweeper) applyCurrent(ctx context.Context, cfg *Configuration, cur *metadata.ObjectVersion, now time.Time, report *Report) (bool, error) {
	for i := range cfg.Rules {
		r := &cfg.Rules[i]
		if !r.enabled() || r.Expiration == nil || r.Expiration.ExpiredObjectDeleteMarker {
			continue
		}
		if !r.Matches(cur.Key, cur.Size, cur.Tags) {
			continue
		}
		at, ok := dueAt(r.Expiration.Days, r.Expiration.Date, cur.LastModified, s.day)
		if !ok || now.Before(at) {
			continue
		}
		_, removed, err := s.meta.DeleteCurrent(ctx, cur.Bucket, cur.Key, cur.Owner)
		if err != nil {
			return false, fmt.Errorf("expiring %s/%s: %w", cur.Bucket, cur.Key, err)
		}
		s.release(ctx, removed)
		report.Expired++
		metrics.LifecycleActionsTotal.WithLabelValues("expire").Inc()
		s.logger.Debug("Object expired", "bucket", cur.Bucket, "key", cur.Key, "rule", r.ID)
		return true, nil
	}

	for i := range cfg.Rules {
		r := &cfg.Rules[i]
		if !r.enabled() || !r.Matches(cur.Key, cur.Size, cur.Tags) {
			continue
		}
		for _, t := range r.Transitions {
			if cur.StorageClass == t.StorageClass {
				continue
			}
			at, ok := dueAt(t.Days, t.Date, cur.LastModified, s.day)
			if !ok || now.Before(at) {
				continue
			}
			if err := s.transition(ctx, cur, t.StorageClass); err != nil {
				return false, err
			}
			report.Transitioned++
			metrics.LifecycleActionsTotal.WithLabelValues("transition").Inc()
			return false, nil
		}
	}
	return false, nil
}

// applyNoncurrent expires or transitions noncurrent versions. A version
// becomes noncurrent when its newer sibling is written, so its age counts
// from that sibling's modification time. Delete markers are left to
// expireDeleteMarker. The surviving versions are returned newest first.
func (s *Sweeper) applyNoncurrent(ctx context.Context, cfg *Configuration, versions []*metadata.ObjectVersion, now time.Time, report *Report) ([]*metadata.ObjectVersion, error) {
	kept := []*metadata.ObjectVersion{versions[0]}
	newer := 0
	for i := 1; i < len(versions); i++ {
		v := versions[i]
		if v.IsDeleteMarker {
			kept = append(kept, v)
			continue
		}
		since := versions[i-1].LastModified
		newer++

		expired := false
		for j := range cfg.Rules {
			r := &cfg.Rules[j]
			nc := r.NoncurrentVersionExpiration
			if !r.enabled() || nc == nil || !r.Matches(v.Key, v.Size, v.Tags) {
				continue
			}
			if newer <= nc.NewerNoncurrentVersions {
				continue
			}
			if now.Before(since.Add(time.Duration(nc.NoncurrentDays) * s.day)) {
				continue
			}
			removed, err := s.meta.DeleteObjectVersion(ctx, v.Bucket, v.Key, v.VersionID)
			if errors.Is(err, metadata.ErrNotFound) {
				expired = true
				break
			}
			if err != nil {
				return nil, fmt.Errorf("expiring %s/%s@%s: %w", v.Bucket, v.Key, v.VersionID, err)
			}
			s.release(ctx, []*metadata.ObjectVersion{removed})
			report.ExpiredNoncurrent++
			metrics.LifecycleActionsTotal.WithLabelValues("expire_noncurrent").Inc()
			expired = true
			break
		}
		if expired {
			continue
		}
		kept = append(kept, v)

		if err := s.transitionNoncurrent(ctx, cfg, v, since, newer, now, report); err != nil {
			return nil, err
		}
	}
	return kept, nil
}

func (s *Sweeper) transitionNoncurrent(ctx context.Context, cfg *Configuration, v *metadata.ObjectVersion, since time.Time, newer int, now time.Time, report *Report) error {
	for i := range cfg.Rules {
		r := &cfg.Rules[i]
		if !r.enabled() || !r.Matches(v.Key, v.Size, v.Tags) {
			continue
		}
		for _, t := range r.NoncurrentVersionTransitions {
			if v.StorageClass == t.StorageClass || newer <= t.NewerNoncurrentVersions {
				continue
			}
			if now.Before(since.Add(time.Duration(t.NoncurrentDays) * s.day)) {
				continue
			}
			if err := s.transition(ctx, v, t.StorageClass); err != nil {
				return err
			}
			report.Transitioned++
			metrics.LifecycleActionsTotal.WithLabelValues("transition_noncurrent").Inc()
			return nil
		}
	}
	return nil
}

// expireDeleteMarker removes a current delete marker that no longer shadows
// any version.
func (s *Sweeper) expireDeleteMarker(ctx context.Context, cfg *Configuration, versions []*metadata.ObjectVersion, report *Report) error {
	if len(versions) != 1 || !versions[0].IsDeleteMarker {
		return nil
	}
	m := versions[0]
	for i := range cfg.Rules {
		r := &cfg.Rules[i]
		if !r.enabled() || r.Expiration == nil || !r.Expiration.ExpiredObjectDeleteMarker {
			continue
		}
		if !r.Matches(m.Key, 0, nil) {
			continue
		}
		if _, err := s.meta.DeleteObjectVersion(ctx, m.Bucket, m.Key, m.VersionID); err != nil && !errors.Is(err, metadata.ErrNotFound) {
			return fmt.Errorf("removing delete marker %s/%s: %w", m.Bucket, m.Key, err)
		}
		report.ExpiredDeleteMarkers++
		metrics.LifecycleActionsTotal.WithLabelValues("expire_delete_marker").Inc()
		return nil
	}
	return nil
}

func (s *Sweeper) transition(ctx context.Context, v *metadata.ObjectVersion, class string) error {
	_, err := s.meta.UpdateObjectVersion(ctx, v.Bucket, v.Key, v.VersionID, func(cur *metadata.ObjectVersion) error {
		cur.StorageClass = class
		return nil
	})
	if err != nil {
		return fmt.Errorf("transitioning %s/%s@%s to %s: %w", v.Bucket, v.Key, v.VersionID, class, err)
	}
	v.StorageClass = class
	s.logger.Debug("Version transitioned", "bucket", v.Bucket, "key", v.Key, "version_id", v.VersionID, "storage_class", class)
	return nil
}

func (s *Sweeper) sweepUploads(ctx context.Context, bucket string, cfg *Configuration, now time.Time, report *Report) error {
	var rules []*Rule
	for i := range cfg.Rules {
		r := &cfg.Rules[i]
		if r.enabled() && r.AbortIncompleteMultipartUpload != nil {
			rules = append(rules, r)
		}
	}
	if len(rules) == 0 {
		return nil
	}

	keyMarker, idMarker := "", ""
	for {
		page, err := s.meta.ListUploads(ctx, bucket, "", keyMarker, idMarker, pageSize)
		if err != nil {
			return fmt.Errorf("listing uploads of %s: %w", bucket, err)
		}
		for _, u := range page {
			for _, r := range rules {
				if !r.Matches(u.Key, 0, nil) {
					continue
				}
				days := r.AbortIncompleteMultipartUpload.DaysAfterInitiation
				if now.Before(u.Initiated.Add(time.Duration(days) * s.day)) {
					continue
				}
				err := s.uploads.Abort(ctx, u.Bucket, u.Key, u.UploadID)
				if err != nil && !errors.Is(err, s3err.ErrNoSuchUpload) {
					s.logger.Warn("Failed to abort upload", "bucket", bucket, "key", u.Key, "upload_id", u.UploadID, "error", err)
					break
				}
				if err == nil {
					report.AbortedUploads++
					metrics.LifecycleActionsTotal.WithLabelValues("abort_upload").Inc()
				}
				break
			}
		}
		if len(page) < pageSize {
			return nil
		}
		last := page[len(page)-1]
		keyMarker, idMarker = last.Key, last.UploadID
	}
}

func (s *Sweeper) release(ctx context.Context, versions []*metadata.ObjectVersion) {
	var ids []string
	for _, v := range versions {
		if v.ContentID != "" {
			ids = append(ids, v.ContentID)
		}
	}
	if len(ids) > 0 {
		s.content.Release(context.WithoutCancel(ctx), ids...)
	}
}
