package indexer

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/karrick/godirwalk"
	"github.com/rs/zerolog"
)

func init() {
	// Suppress logs during testing
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

type addedFile struct {
	Assignment, Solution, File, Content string
}

// MockFileAdder implements FileAdder for testing
type MockFileAdder struct {
	AddFileFunc func(ctx context.Context, assignment, solution, file, content string) error

	mu    sync.Mutex
	added []addedFile
}

func (m *MockFileAdder) AddFile(ctx context.Context, assignment, solution, file, content string) error {
	if m.AddFileFunc != nil {
		if err := m.AddFileFunc(ctx, assignment, solution, file, content); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.added = append(m.added, addedFile{assignment, solution, file, content})
	return nil
}

func (m *MockFileAdder) sorted() []addedFile {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]addedFile(nil), m.added...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Solution != out[j].Solution {
			return out[i].Solution < out[j].Solution
		}
		return out[i].File < out[j].File
	})
	return out
}

// MockFileSystemWalker implements FileSystemWalker for testing
type MockFileSystemWalker struct {
	FilesToProcess []string // List of file paths to process
	WalkError      error    // Error to return from Walk
}

func (m *MockFileSystemWalker) Walk(root string, options *godirwalk.Options) error {
	if m.WalkError != nil {
		return m.WalkError
	}
	// The callback treats a nil Dirent as a regular file.
	for _, filePath := range m.FilesToProcess {
		if err := options.Callback(filePath, nil); err != nil {
			return err
		}
	}
	return nil
}

// MockFileReader implements FileReader for testing
type MockFileReader struct {
	ReadFileFunc func(filename string) ([]byte, error)
	Files        map[string]string // path -> content
}

func (m *MockFileReader) ReadFile(filename string) ([]byte, error) {
	if m.ReadFileFunc != nil {
		return m.ReadFileFunc(filename)
	}
	if content, exists := m.Files[filename]; exists {
		return []byte(content), nil
	}
	return nil, errors.New("file not found")
}

func newTestIndexer(adder *MockFileAdder, files map[string]string) *Indexer {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return NewWithDependencies(adder, "/subs", "a1",
		&MockFileSystemWalker{FilesToProcess: paths},
		&MockFileReader{Files: files})
}

func TestIndexer_Run(t *testing.T) {
	adder := &MockFileAdder{}
	ix := newTestIndexer(adder, map[string]string{
		"/subs/s1/Main.java":          "class Main {}",
		"/subs/s1/src/util/Util.java": "class Util {}",
		"/subs/s2/main.py":            "def main():\n    pass\n",
		"/subs/README.md":             "not part of a solution",
		"/subs/s2/build/out.txt":      "generated",
		"/subs/s2/logo.png":           "png",
		"/subs/s3/data.txt":           "\xff\xfe\x00",
	})

	if err := ix.Run(context.Background()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	want := []addedFile{
		{"a1", "s1", "Main.java", "class Main {}"},
		{"a1", "s1", "src/util/Util.java", "class Util {}"},
		{"a1", "s2", "main.py", "def main():\n    pass\n"},
	}
	got := adder.sorted()
	if len(got) != len(want) {
		t.Fatalf("Expected %d files, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("File %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}
	if ix.Indexed() != 3 {
		t.Errorf("Expected 3 indexed files, got %d", ix.Indexed())
	}
}

func TestIndexer_RunAddFileError(t *testing.T) {
	adder := &MockFileAdder{
		AddFileFunc: func(ctx context.Context, assignment, solution, file, content string) error {
			if file == "Bad.java" {
				return errors.New("index unavailable")
			}
			return nil
		},
	}
	ix := newTestIndexer(adder, map[string]string{
		"/subs/s1/Bad.java":  "x",
		"/subs/s1/Good.java": "y",
	})

	err := ix.Run(context.Background())
	if err == nil || err.Error() != "index unavailable" {
		t.Fatalf("Expected index error, got %v", err)
	}
	if ix.Indexed() != 1 {
		t.Errorf("Expected 1 indexed file, got %d", ix.Indexed())
	}
}

func TestIndexer_RunWalkError(t *testing.T) {
	walkErr := errors.New("permission denied")
	ix := NewWithDependencies(&MockFileAdder{}, "/subs", "a1",
		&MockFileSystemWalker{WalkError: walkErr}, &MockFileReader{})

	if err := ix.Run(context.Background()); !errors.Is(err, walkErr) {
		t.Errorf("Expected walk error, got %v", err)
	}
}

func TestIndexer_RunUnreadableFile(t *testing.T) {
	adder := &MockFileAdder{}
	ix := NewWithDependencies(adder, "/subs", "a1",
		&MockFileSystemWalker{FilesToProcess: []string{"/subs/s1/A.java", "/subs/s1/B.java"}},
		&MockFileReader{ReadFileFunc: func(filename string) ([]byte, error) {
			if filename == "/subs/s1/A.java" {
				return nil, errors.New("EACCES")
			}
			return []byte("class B {}"), nil
		}})

	if err := ix.Run(context.Background()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got := adder.sorted(); len(got) != 1 || got[0].File != "B.java" {
		t.Errorf("Expected only B.java, got %v", got)
	}
}

func TestIndexer_RunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	files := make([]string, 100)
	for i := range files {
		files[i] = "/subs/s1/f" + string(rune('a'+i%26)) + ".c"
	}
	ix := NewWithDependencies(&MockFileAdder{
		AddFileFunc: func(ctx context.Context, assignment, solution, file, content string) error {
			return ctx.Err()
		},
	}, "/subs", "a1", &MockFileSystemWalker{FilesToProcess: files},
		&MockFileReader{ReadFileFunc: func(string) ([]byte, error) { return []byte("int x;"), nil }})

	if err := ix.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestSplit(t *testing.T) {
	tests := []struct {
		path     string
		solution string
		file     string
		ok       bool
	}{
		{"/subs/s1/Main.java", "s1", "Main.java", true},
		{"/subs/s1/a/b/c.py", "s1", "a/b/c.py", true},
		{"/subs/top.txt", "", "", false},
		{"/other/s1/x.c", "", "", false},
		{"/subs", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			solution, file, ok := split("/subs", tt.path)
			if solution != tt.solution || file != tt.file || ok != tt.ok {
				t.Errorf("split(%q) = (%q, %q, %v), want (%q, %q, %v)",
					tt.path, solution, file, ok, tt.solution, tt.file, tt.ok)
			}
		})
	}
}

func TestShouldSkip(t *testing.T) {
	tests := []struct {
		path     string
		expected bool
	}{
		{"/subs/s1/Main.java", false},
		{"/subs/s1/main.py", false},
		{"/subs/s1/.git/config", true},
		{"/subs/s1/node_modules/x/index.js", true},
		{"/subs/s1/__pycache__/m.cpython-311.pyc", true},
		{"/subs/s1/target/Main.class", true},
		{"/subs/s1/Screenshot.PNG", true},
		{"/subs/s1/lib.jar", true},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := shouldSkip(tt.path); got != tt.expected {
				t.Errorf("shouldSkip(%q) = %v, want %v", tt.path, got, tt.expected)
			}
		})
	}
}
