// Package publish writes CRLs to disk on a cron schedule, so a web server
// or object store sync can serve them from the CRL distribution point.
package publish

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/robfig/cron"

	"github.com/jmcleod/ironca/pki"
)

// Builder produces CRLs. *pki.Engine implements it.
type Builder interface {
	BuildCRL(ctx context.Context, caID string, opts pki.CRLOptions) (*pki.CRL, error)
}

var _ Builder = (*pki.Engine)(nil)

// Format is the on-disk encoding of a published CRL.
type Format string

const (
	FormatDER Format = "der"
	FormatPEM Format = "pem"
)

// Target is one authority's publication.
type Target struct {
	CA string
	// Schedule is a cron spec with a seconds field ("0 0 */6 * * *") or a
	// descriptor ("@hourly", "@every 6h").
	Schedule  string
	Output    string
	Format    Format
	Retention time.Duration
}

// Result describes the last publication of a target.
type Result struct {
	Number  string
	Written bool
	At      time.Time
	Err     error
}

// Scheduler runs publications on their schedules. A run that fails is
// logged and retried at the next tick.
type Scheduler struct {
	builder Builder
	log     logr.Logger
	cron    *cron.Cron
	timeout time.Duration

	mu      sync.Mutex
	targets map[string]Target
	results map[string]Result
}

// NewScheduler returns a stopped scheduler. Schedules are evaluated in UTC.
func NewScheduler(builder Builder, log logr.Logger) *Scheduler {
	return &Scheduler{
		builder: builder,
		log:     log,
		cron:    cron.NewWithLocation(time.UTC),
		timeout: time.Minute,
		targets: make(map[string]Target),
		results: make(map[string]Result),
	}
}

// Add validates t and schedules it. Each authority has at most one target.
func (s *Scheduler) Add(t Target) error {
	if t.CA == "" || t.Output == "" {
		return errors.New("publish target needs an authority and an output path")
	}
	switch t.Format {
	case "":
		t.Format = FormatDER
	case FormatDER, FormatPEM:
	default:
		return fmt.Errorf("unknown CRL format %q", t.Format)
	}
	sched, err := cron.Parse(t.Schedule)
	if err != nil {
		return fmt.Errorf("schedule for %s: %w", t.CA, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.targets[t.CA]; exists {
		return fmt.Errorf("authority %s is already scheduled", t.CA)
	}
	s.targets[t.CA] = t
	s.cron.Schedule(sched, cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		_, _ = s.Publish(ctx, t)
	}))
	return nil
}

// Publish builds the CRL for t and writes it if the file content changed.
func (s *Scheduler) Publish(ctx context.Context, t Target) (Result, error) {
	res := Result{At: time.Now().UTC()}
	crl, err := s.builder.BuildCRL(ctx, t.CA, pki.CRLOptions{RetentionHorizon: t.Retention})
	if err == nil {
		res.Number = crl.Number.String()
		res.Written, err = writeIfChanged(t.Output, encode(crl.DER, t.Format))
	}
	res.Err = err

	s.mu.Lock()
	s.results[t.CA] = res
	s.mu.Unlock()

	if err != nil {
		s.log.Error(err, "CRL publication failed", "ca", t.CA, "output", t.Output)
		return res, err
	}
	if res.Written {
		s.log.Info("CRL published", "ca", t.CA, "crl_number", res.Number, "output", t.Output)
	} else {
		s.log.V(1).Info("CRL unchanged", "ca", t.CA, "crl_number", res.Number)
	}
	return res, nil
}

// PublishAll publishes every target once, immediately.
func (s *Scheduler) PublishAll(ctx context.Context) error {
	var errs []error
	for _, t := range s.Targets() {
		if _, err := s.Publish(ctx, t); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.CA, err))
		}
	}
	return errors.Join(errs...)
}

// Targets returns the scheduled targets ordered by authority.
func (s *Scheduler) Targets() []Target {
	s.mu.Lock()
	out := make([]Target, 0, len(s.targets))
	for _, t := range s.targets {
		out = append(out, t)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CA < out[j].CA })
	return out
}

// Last returns the result of the most recent publication for caID.
func (s *Scheduler) Last(caID string) (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[caID]
	return r, ok
}

// Start runs the schedules in the background.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the schedules. A publication already running completes.
func (s *Scheduler) Stop() { s.cron.Stop() }

func encode(der []byte, f Format) []byte {
	if f == FormatPEM {
		return pki.EncodeCRLPEM(der)
	}
	return der
}

// writeIfChanged replaces path with data through a rename, so readers never
// see a partial CRL.
func writeIfChanged(path string, data []byte) (bool, error) {
	if current, err := os.ReadFile(path); err == nil && bytes.Equal(current, data) {
		return false, nil
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("creating %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".crl-*")
	if err != nil {
		return false, fmt.Errorf("creating temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return false, fmt.Errorf("writing CRL: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return false, err
	}
	if err := tmp.Close(); err != nil {
		return false, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return false, fmt.Errorf("replacing %s: %w", path, err)
	}
	return true, nil
}
