package wal

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

type scored struct {
	Miners int `json:"miners"`
}

func TestAppendReplay(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	for i, key := range []string{"1abc-1", "2abc-1", "3abc-1"} {
		seq, err := w.Append(OpScored, key, scored{Miners: i + 1})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if seq != int64(i+1) {
			t.Errorf("seq = %d, want %d", seq, i+1)
		}
	}

	var keys []string
	err = w.Replay(func(e Entry) error {
		keys = append(keys, e.Key)
		if e.Op != OpScored {
			t.Errorf("op = %q, want %q", e.Op, OpScored)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(keys) != 3 || keys[0] != "1abc-1" || keys[2] != "3abc-1" {
		t.Errorf("replayed keys = %v", keys)
	}
	w.Close()
}

func TestReopenContinuesSequence(t *testing.T) {
	dir := t.TempDir()
	w, _ := Open(dir)
	w.Append(OpScored, "a", nil)
	w.Append(OpScored, "b", nil)
	w.Close()

	w, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()
	seq, err := w.Append(OpScored, "c", scored{Miners: 3})
	if err != nil {
		t.Fatal(err)
	}
	if seq != 3 {
		t.Errorf("seq after reopen = %d, want 3", seq)
	}

	var last Entry
	w.Replay(func(e Entry) error { last = e; return nil })
	var v scored
	if err := json.Unmarshal(last.Value, &v); err != nil || v.Miners != 3 {
		t.Errorf("last value = %s (%v), want miners=3", last.Value, err)
	}
}

func TestTornTailIsSkipped(t *testing.T) {
	dir := t.TempDir()
	w, _ := Open(dir)
	w.Append(OpScored, "a", nil)
	w.Close()

	f, err := os.OpenFile(filepath.Join(dir, fileName), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString(`{"seq":2,"op":"sco`)
	f.Close()

	w, err = Open(dir)
	if err != nil {
		t.Fatalf("Open with torn tail: %v", err)
	}
	seq, err := w.Append(OpScored, "b", nil)
	if err != nil || seq != 2 {
		t.Fatalf("Append after torn tail = %d, %v; want 2", seq, err)
	}
	w.Close()

	// the torn fragment must not corrupt the entry written after it
	w, err = Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer w.Close()
	var keys []string
	if err := w.Replay(func(e Entry) error { keys = append(keys, e.Key); return nil }); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Errorf("replayed keys = %v, want [a b]", keys)
	}
}

func TestUnterminatedTailIsDropped(t *testing.T) {
	dir := t.TempDir()
	w, _ := Open(dir)
	w.Append(OpScored, "a", nil)
	w.Close()

	// a whole entry that lost its newline to a crash
	f, err := os.OpenFile(filepath.Join(dir, fileName), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString(`{"seq":2,"op":"scored","key":"lost"}`)
	f.Close()

	w, err = Open(dir)
	if err != nil {
		t.Fatalf("Open with unterminated tail: %v", err)
	}
	seq, err := w.Append(OpScored, "b", nil)
	if err != nil || seq != 2 {
		t.Fatalf("Append after unterminated tail = %d, %v; want 2", seq, err)
	}
	w.Close()

	w, err = Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer w.Close()
	var keys []string
	if err := w.Replay(func(e Entry) error { keys = append(keys, e.Key); return nil }); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Errorf("replayed keys = %v, want [a b]", keys)
	}
}

func TestCorruptMiddleFails(t *testing.T) {
	dir := t.TempDir()
	data := "{\"seq\":1,\"op\":\"scored\",\"key\":\"a\"}\nnot json\n{\"seq\":3,\"op\":\"scored\",\"key\":\"c\"}\n"
	if err := os.WriteFile(filepath.Join(dir, fileName), []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(dir); err == nil {
		t.Fatal("expected error for corruption before the tail")
	}
}
