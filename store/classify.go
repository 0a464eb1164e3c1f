package store

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Class is what a structure check says about a PDB entry.
type Class int

const (
	Complete        Class = iota // structure present with no missing residues
	Incomplete                   // present but missing residues or atoms
	NotDownloadable              // no structure could be obtained
	numClasses
)

func (c Class) String() string {
	switch c {
	case Complete:
		return "complete"
	case Incomplete:
		return "incomplete"
	case NotDownloadable:
		return "not_downloadable"
	default:
		return "unknown"
	}
}

var (
	// ErrIncomplete marks a PDB entry whose structure has gaps.
	ErrIncomplete = errors.New("pdb structure is incomplete")
	// ErrNotDownloadable marks a PDB entry with no obtainable structure.
	ErrNotDownloadable = errors.New("pdb structure is not downloadable")
)

// Classifier decides whether a PDB entry can be simulated. An error means
// the structure could not be obtained and is treated as NotDownloadable.
type Classifier interface {
	Classify(ctx context.Context, pdbID string) (Class, error)
}

// DirClassifier classifies entries from structures already downloaded into
// Dir as <pdb_id>.pdb. A missing file is NotDownloadable; REMARK 465
// (missing residues) or REMARK 470 (missing atoms) makes it Incomplete.
type DirClassifier struct {
	Dir string
}

func (d DirClassifier) Classify(ctx context.Context, pdbID string) (Class, error) {
	if err := ctx.Err(); err != nil {
		return NotDownloadable, err
	}
	f, err := os.Open(filepath.Join(d.Dir, pdbID+".pdb"))
	if errors.Is(err, os.ErrNotExist) {
		return NotDownloadable, nil
	}
	if err != nil {
		return NotDownloadable, fmt.Errorf("opening structure %s: %w", pdbID, err)
	}
	defer f.Close()

	atoms := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "REMARK 465"), strings.HasPrefix(line, "REMARK 470"):
			return Incomplete, nil
		case strings.HasPrefix(line, "ATOM"):
			atoms++
		}
	}
	if err := sc.Err(); err != nil {
		return NotDownloadable, fmt.Errorf("reading structure %s: %w", pdbID, err)
	}
	if atoms == 0 {
		return Incomplete, nil
	}
	return Complete, nil
}
