// Package store produces the job specs the validator hands out.
package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/distributedstatemachine/folding/job"
)

var (
	// ErrEmpty means the backlog has nothing to hand out right now.
	ErrEmpty = errors.New("job backlog is empty")
	// ErrMalformedSpec means an entry was consumed but could not become a spec.
	ErrMalformedSpec = errors.New("malformed job spec")
)

// Source is the JobSpecStore boundary the queue manager pulls from.
type Source interface {
	NextSpec(ctx context.Context) (job.Spec, error)
}

// pdbPattern matches a 4-character PDB code: a digit then three alphanumerics.
var pdbPattern = regexp.MustCompile(`^[0-9][a-z0-9]{3}$`)

// NormalizePDBID lower-cases and trims id, and checks it is a PDB code.
func NormalizePDBID(id string) (string, error) {
	id = strings.ToLower(strings.TrimSpace(id))
	if !pdbPattern.MatchString(id) {
		return "", fmt.Errorf("%w: %q is not a PDB id", ErrMalformedSpec, id)
	}
	return id, nil
}

// Template carries the parameters every spec minted by a store shares.
type Template struct {
	Params               job.Params
	MaxSteps             int64
	ConvergenceThreshold float64
	Classifier           Classifier       // nil issues every well-formed id
	Now                  func() time.Time // nil means time.Now
}

// NewSpec mints a spec for pdbID. The job ID is the PDB code plus a random
// suffix, so the same protein can be issued again as a distinct job.
func (t Template) NewSpec(pdbID string) (job.Spec, error) {
	id, err := NormalizePDBID(pdbID)
	if err != nil {
		return job.Spec{}, err
	}
	now := time.Now
	if t.Now != nil {
		now = t.Now
	}
	return job.Spec{
		ID:                   id + "-" + uuid.NewString()[:8],
		PDBID:                id,
		Params:               t.Params,
		CreatedAt:            now(),
		MaxSteps:             t.MaxSteps,
		ConvergenceThreshold: t.ConvergenceThreshold,
	}, nil
}

// Stats counts what a store did with the entries it consumed.
type Stats struct {
	Issued          int64 `json:"issued"`
	Rejected        int64 `json:"rejected"` // not a PDB id
	Complete        int64 `json:"complete"`
	Incomplete      int64 `json:"incomplete"`
	NotDownloadable int64 `json:"not_downloadable"`
}

// counters is embedded by stores to track the entries they consumed.
type counters struct {
	issued   atomic.Int64
	rejected atomic.Int64
	classes  [numClasses]atomic.Int64
}

// Stats returns a snapshot of the counters.
func (c *counters) Stats() Stats {
	return Stats{
		Issued:          c.issued.Load(),
		Rejected:        c.rejected.Load(),
		Complete:        c.classes[Complete].Load(),
		Incomplete:      c.classes[Incomplete].Load(),
		NotDownloadable: c.classes[NotDownloadable].Load(),
	}
}

// admit turns one consumed backlog entry into a spec. Malformed ids and
// structures that are not Complete are counted and reported wrapped in
// ErrMalformedSpec, so the caller only skips that entry.
func (c *counters) admit(ctx context.Context, t Template, pdbID string) (job.Spec, error) {
	spec, err := t.NewSpec(pdbID)
	if err != nil {
		c.rejected.Add(1)
		log.Printf("[store] dropping backlog entry %q: %v", pdbID, err)
		return job.Spec{}, err
	}

	if t.Classifier != nil {
		class, err := t.Classifier.Classify(ctx, spec.PDBID)
		if err != nil {
			log.Printf("[store] classifying %s: %v", spec.PDBID, err)
			class = NotDownloadable
		}
		c.classes[class].Add(1)
		switch class {
		case Incomplete:
			return job.Spec{}, fmt.Errorf("%w: %s: %w", ErrMalformedSpec, spec.PDBID, ErrIncomplete)
		case NotDownloadable:
			return job.Spec{}, fmt.Errorf("%w: %s: %w", ErrMalformedSpec, spec.PDBID, ErrNotDownloadable)
		}
	}
	c.issued.Add(1)
	return spec, nil
}
