package fsutil

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

func TestOSFileSystem_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	fsys := OSFileSystem{}

	sub := filepath.Join(dir, "out", "maps")
	if err := fsys.MkdirAll(sub, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if !fsys.Exists(sub) {
		t.Fatal("directory should exist")
	}

	path := filepath.Join(sub, "origin.txt")
	w, err := fsys.Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	io.WriteString(w, "1.000000 2.000000\n")
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := fsys.ReadFile(path)
	if err != nil || string(data) != "1.000000 2.000000\n" {
		t.Errorf("ReadFile = %q, %v", data, err)
	}

	r, err := fsys.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()
	got, _ := io.ReadAll(r)
	if string(got) != string(data) {
		t.Errorf("Open read %q", got)
	}

	if err := fsys.WriteFile(filepath.Join(dir, "x"), []byte("y"), 0o644); err != nil {
		t.Errorf("WriteFile: %v", err)
	}
	if fsys.Exists(filepath.Join(dir, "missing")) {
		t.Error("missing file reported as existing")
	}
}

func TestMemoryFileSystem_CreateVisibleOnClose(t *testing.T) {
	m := NewMemoryFileSystem()
	w, err := m.Create("out/log.txt")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	io.WriteString(w, "hello")

	data, err := m.ReadFile("out/log.txt")
	if err != nil || len(data) != 0 {
		t.Errorf("before Close: %q, %v", data, err)
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	data, _ = m.ReadFile("./out/log.txt")
	if string(data) != "hello" {
		t.Errorf("after Close: %q", data)
	}

	if _, err := w.Write([]byte("x")); !errors.Is(err, fs.ErrClosed) {
		t.Errorf("Write after Close = %v", err)
	}
	if err := w.Close(); !errors.Is(err, fs.ErrClosed) {
		t.Errorf("double Close = %v", err)
	}
}

func TestMemoryFileSystem_OpenAndReadIsolation(t *testing.T) {
	m := NewMemoryFileSystem()
	orig := []byte("abc")
	m.WriteFile("a", orig, 0o644)
	orig[0] = 'z'

	r, err := m.Open("a")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got, _ := io.ReadAll(r)
	r.Close()
	if string(got) != "abc" {
		t.Errorf("Open read %q, want abc", got)
	}

	data, _ := m.ReadFile("a")
	data[1] = 'z'
	again, _ := m.ReadFile("a")
	if string(again) != "abc" {
		t.Errorf("ReadFile result aliases storage: %q", again)
	}
}

func TestMemoryFileSystem_Missing(t *testing.T) {
	m := NewMemoryFileSystem()
	if _, err := m.Open("nope"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Open = %v", err)
	}
	if _, err := m.ReadFile("nope"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("ReadFile = %v", err)
	}
}

func TestMemoryFileSystem_DirsAndFiles(t *testing.T) {
	m := NewMemoryFileSystem()
	m.MkdirAll("a/b/c", 0o755)
	for _, d := range []string{"a", "a/b", "a/b/c"} {
		if !m.Exists(d) {
			t.Errorf("%s should exist", d)
		}
	}
	m.WriteFile("a/b/z.txt", nil, 0o644)
	m.WriteFile("a/y.txt", nil, 0o644)
	files := m.Files()
	if len(files) != 2 || files[0] != "a/b/z.txt" || files[1] != "a/y.txt" {
		t.Errorf("Files() = %v", files)
	}
}
