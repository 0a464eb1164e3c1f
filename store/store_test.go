package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/distributedstatemachine/folding/job"
)

var fixed = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func template() Template {
	return Template{
		Params:               job.Params{ForceField: "charmm36.xml", Water: "tip3p", Box: "cube", Temperature: 300, Friction: 1},
		MaxSteps:             50_000,
		ConvergenceThreshold: 0.01,
		Now:                  func() time.Time { return fixed },
	}
}

func TestNormalizePDBID(t *testing.T) {
	good := map[string]string{"1UBQ": "1ubq", " 2abc ": "2abc", "9z9z": "9z9z"}
	for in, want := range good {
		got, err := NormalizePDBID(in)
		if err != nil || got != want {
			t.Errorf("NormalizePDBID(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	for _, in := range []string{"", "ubq1", "1ub", "1ubqq", "1u-q"} {
		if _, err := NormalizePDBID(in); !errors.Is(err, ErrMalformedSpec) {
			t.Errorf("NormalizePDBID(%q): expected ErrMalformedSpec, got %v", in, err)
		}
	}
}

func TestTemplate_NewSpec(t *testing.T) {
	a, err := template().NewSpec("1UBQ")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := template().NewSpec("1ubq")
	if !strings.HasPrefix(a.ID, "1ubq-") || a.ID == b.ID {
		t.Errorf("expected distinct 1ubq- ids, got %s and %s", a.ID, b.ID)
	}
	if a.PDBID != "1ubq" || a.MaxSteps != 50_000 || !a.CreatedAt.Equal(fixed) {
		t.Errorf("unexpected spec %+v", a)
	}
}

func TestMemoryStore_PriorityOrder(t *testing.T) {
	s := NewMemory(template(), false)
	s.Push("3aaa", 10)
	s.Push("1aaa", 1)
	s.Push("2aaa", 5)
	s.Push("2bbb", 5)

	want := []string{"1aaa", "2aaa", "2bbb", "3aaa"}
	for _, id := range want {
		spec, err := s.NextSpec(context.Background())
		if err != nil {
			t.Fatalf("NextSpec: %v", err)
		}
		if spec.PDBID != id {
			t.Errorf("expected %s, got %s", id, spec.PDBID)
		}
	}
	if _, err := s.NextSpec(context.Background()); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
	if st := s.Stats(); st.Issued != 4 {
		t.Errorf("expected 4 issued, got %d", st.Issued)
	}
}

func TestMemoryStore_MalformedConsumed(t *testing.T) {
	s := NewMemory(template(), false)
	s.Push("bogus", 0)
	s.Push("1abc", 1)

	if _, err := s.NextSpec(context.Background()); !errors.Is(err, ErrMalformedSpec) {
		t.Fatalf("expected ErrMalformedSpec, got %v", err)
	}
	spec, err := s.NextSpec(context.Background())
	if err != nil || spec.PDBID != "1abc" {
		t.Fatalf("expected 1abc after bad entry, got %+v %v", spec, err)
	}
	if st := s.Stats(); st.Rejected != 1 {
		t.Errorf("expected 1 rejected, got %d", st.Rejected)
	}
}

func TestMemoryStore_Recycle(t *testing.T) {
	s := NewMemory(template(), true)
	s.Push("1abc", 0)
	for i := 0; i < 3; i++ {
		spec, err := s.NextSpec(context.Background())
		if err != nil || spec.PDBID != "1abc" {
			t.Fatalf("round %d: got %+v %v", i, spec, err)
		}
	}
	if s.Len() != 1 {
		t.Errorf("expected 1 entry after recycling, got %d", s.Len())
	}
}

func TestMemoryStore_LoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backlog.yaml")
	data := "proteins:\n  - pdb_id: 5xyz\n    priority: 2\n  - pdb_id: 4xyz\n    priority: 1\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	s := NewMemory(template(), false)
	n, err := s.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 entries, got %d", n)
	}
	spec, _ := s.NextSpec(context.Background())
	if spec.PDBID != "4xyz" {
		t.Errorf("expected 4xyz first, got %s", spec.PDBID)
	}

	if _, err := s.LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	ctx := context.Background()

	s := NewRedis(rdb, "", template())
	if _, err := s.NextSpec(ctx); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty on empty backlog, got %v", err)
	}

	if err := s.Enqueue(ctx, "not-a-pdb", 0); !errors.Is(err, ErrMalformedSpec) {
		t.Fatalf("expected ErrMalformedSpec from Enqueue, got %v", err)
	}
	if err := s.Enqueue(ctx, "2BBB", 20); err != nil {
		t.Fatal(err)
	}
	if err := s.Enqueue(ctx, "1aaa", 10); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.Len(ctx); n != 2 {
		t.Fatalf("expected 2 queued, got %d", n)
	}

	spec, err := s.NextSpec(ctx)
	if err != nil {
		t.Fatalf("NextSpec: %v", err)
	}
	if spec.PDBID != "1aaa" || spec.ConvergenceThreshold != 0.01 {
		t.Errorf("unexpected spec %+v", spec)
	}

	// entries written by other tools are validated on pop
	mr.ZAdd(DefaultBacklogKey, 0, "junk")
	if _, err := s.NextSpec(ctx); !errors.Is(err, ErrMalformedSpec) {
		t.Fatalf("expected ErrMalformedSpec for junk member, got %v", err)
	}
	spec, _ = s.NextSpec(ctx)
	if spec.PDBID != "2bbb" {
		t.Errorf("expected 2bbb, got %s", spec.PDBID)
	}
	if st := s.Stats(); st.Issued != 2 || st.Rejected != 1 {
		t.Errorf("issued=%d rejected=%d, want 2 and 1", st.Issued, st.Rejected)
	}
}

func writePDB(t *testing.T, dir, id, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, id+".pdb"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

const completePDB = `HEADER    PROTEIN
ATOM      1  N   MET A   1      27.340  24.430   2.614  1.00  9.67           N
ATOM      2  CA  MET A   1      26.266  25.413   2.842  1.00 10.38           C
END
`

const gappedPDB = `HEADER    PROTEIN
REMARK 465 MISSING RESIDUES
REMARK 465   M RES C SSSEQI
REMARK 465     GLY A    10
ATOM      1  N   MET A   1      27.340  24.430   2.614  1.00  9.67           N
END
`

func TestDirClassifier(t *testing.T) {
	dir := t.TempDir()
	writePDB(t, dir, "1aaa", completePDB)
	writePDB(t, dir, "2bbb", gappedPDB)
	writePDB(t, dir, "3ccc", "HEADER    EMPTY\nEND\n")

	c := DirClassifier{Dir: dir}
	want := map[string]Class{"1aaa": Complete, "2bbb": Incomplete, "3ccc": Incomplete, "4ddd": NotDownloadable}
	for id, w := range want {
		got, err := c.Classify(context.Background(), id)
		if err != nil {
			t.Fatalf("Classify(%s): %v", id, err)
		}
		if got != w {
			t.Errorf("Classify(%s) = %s, want %s", id, got, w)
		}
	}
}

func TestMemoryStore_IssuesOnlyCompleteStructures(t *testing.T) {
	dir := t.TempDir()
	writePDB(t, dir, "1aaa", completePDB)
	writePDB(t, dir, "2bbb", gappedPDB)

	tmpl := template()
	tmpl.Classifier = DirClassifier{Dir: dir}
	s := NewMemory(tmpl, true)
	s.Push("2bbb", 0)
	s.Push("4ddd", 1)
	s.Push("1aaa", 2)
	s.Push("nope", 3)

	ctx := context.Background()
	if _, err := s.NextSpec(ctx); !errors.Is(err, ErrIncomplete) || !errors.Is(err, ErrMalformedSpec) {
		t.Fatalf("expected ErrIncomplete wrapped in ErrMalformedSpec, got %v", err)
	}
	if _, err := s.NextSpec(ctx); !errors.Is(err, ErrNotDownloadable) {
		t.Fatalf("expected ErrNotDownloadable, got %v", err)
	}
	spec, err := s.NextSpec(ctx)
	if err != nil || spec.PDBID != "1aaa" {
		t.Fatalf("expected 1aaa issued, got %+v %v", spec, err)
	}
	if _, err := s.NextSpec(ctx); !errors.Is(err, ErrMalformedSpec) {
		t.Fatalf("expected ErrMalformedSpec for nope, got %v", err)
	}

	want := Stats{Issued: 1, Rejected: 1, Complete: 1, Incomplete: 1, NotDownloadable: 1}
	if got := s.Stats(); got != want {
		t.Errorf("Stats() = %+v, want %+v", got, want)
	}
	// only the complete entry is recycled
	if s.Len() != 1 {
		t.Errorf("expected 1 entry left after recycling, got %d", s.Len())
	}
}
