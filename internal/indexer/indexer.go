// Package indexer imports a directory of submissions into the search index. Every
// first-level directory below the root is one solution; the files below it are indexed
// under their path relative to that directory.
package indexer

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/fulib/feedback/internal/snippets"
	"github.com/karrick/godirwalk"
	"github.com/rs/zerolog/log"
)

// FileSystemWalker defines the interface for walking directories
type FileSystemWalker interface {
	Walk(root string, options *godirwalk.Options) error
}

// FileReader defines the interface for reading files
type FileReader interface {
	ReadFile(filename string) ([]byte, error)
}

// FileAdder stores one source file in the search index.
type FileAdder interface {
	AddFile(ctx context.Context, assignment, solution, file, content string) error
}

// DefaultFileSystemWalker implements FileSystemWalker using godirwalk
type DefaultFileSystemWalker struct{}

func (d *DefaultFileSystemWalker) Walk(root string, options *godirwalk.Options) error {
	return godirwalk.Walk(root, options)
}

// DefaultFileReader implements FileReader using os
type DefaultFileReader struct{}

func (d *DefaultFileReader) ReadFile(filename string) ([]byte, error) {
	return os.ReadFile(filename)
}

// Indexer imports the submissions of one assignment.
type Indexer struct {
	Files      FileAdder
	Root       string
	Assignment string
	Walker     FileSystemWalker
	FileReader FileReader

	indexed atomic.Int64
}

// New creates a new Indexer instance.
func New(files FileAdder, root, assignment string) *Indexer {
	return NewWithDependencies(files, root, assignment, &DefaultFileSystemWalker{}, &DefaultFileReader{})
}

// NewWithDependencies creates a new Indexer instance with custom dependencies for testing
func NewWithDependencies(files FileAdder, root, assignment string, walker FileSystemWalker, fileReader FileReader) *Indexer {
	return &Indexer{
		Files:      files,
		Root:       root,
		Assignment: assignment,
		Walker:     walker,
		FileReader: fileReader,
	}
}

// Indexed returns the number of files added so far.
func (ix *Indexer) Indexed() int64 {
	return ix.indexed.Load()
}

// workItem is one file of one solution.
type workItem struct {
	path     string
	solution string
	file     string
	content  string
}

func (ix *Indexer) processWorkItem(ctx context.Context, item workItem) error {
	log.Debug().Str("solution", item.solution).
		Str("file", item.file).
		Str("language", snippets.ForFile(item.file).Name).
		Int("bytes", len(item.content)).
		Msg("indexing file")
	if err := ix.Files.AddFile(ctx, ix.Assignment, item.solution, item.file, item.content); err != nil {
		return err
	}
	ix.indexed.Add(1)
	return nil
}

func (ix *Indexer) Run(ctx context.Context) error {
	// Determine number of workers (default to number of CPU cores)
	numWorkers := runtime.NumCPU()
	if numWorkers > 8 {
		numWorkers = 8
	}

	log.Info().Int("workers", numWorkers).Str("assignment", ix.Assignment).Str("root", ix.Root).Msg("starting import")

	workChan := make(chan workItem, numWorkers*2)
	errorChan := make(chan error, 1)

	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			log.Debug().Int("worker", workerID).Msg("worker started")

			for item := range workChan {
				if err := ix.processWorkItem(ctx, item); err != nil {
					select {
					case errorChan <- err:
					default:
						log.Error().Err(err).Str("path", item.path).Msg("worker processing error")
					}
				}
			}

			log.Debug().Int("worker", workerID).Msg("worker finished")
		}(i)
	}

	walkErr := ix.Walker.Walk(ix.Root, &godirwalk.Options{
		Unsorted: true,
		Callback: func(path string, de *godirwalk.Dirent) error {
			// Mock walkers pass a nil Dirent.
			if de != nil && de.IsDir() {
				return nil
			}
			if shouldSkip(path) {
				return nil
			}
			solution, file, ok := split(ix.Root, path)
			if !ok {
				log.Debug().Str("path", path).Msg("file outside a solution directory")
				return nil
			}

			b, err := ix.FileReader.ReadFile(path)
			if err != nil {
				log.Warn().Err(err).Str("path", path).Msg("failed to read file")
				return nil
			}
			if !utf8.Valid(b) {
				log.Debug().Str("path", path).Msg("skipping binary file")
				return nil
			}

			select {
			case workChan <- workItem{path: path, solution: solution, file: file, content: string(b)}:
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		},
	})

	close(workChan)
	wg.Wait()
	close(errorChan)

	if err := <-errorChan; err != nil {
		return err
	}
	if walkErr != nil {
		return walkErr
	}

	log.Info().Int64("files", ix.Indexed()).Str("assignment", ix.Assignment).Msg("import finished")
	return nil
}

// split turns a path below root into its solution and the slash separated file path
// inside the solution.
func split(root, p string) (solution, file string, ok bool) {
	r, err := filepath.Rel(root, p)
	if err != nil {
		return "", "", false
	}
	r = filepath.ToSlash(r)
	if strings.HasPrefix(r, "../") {
		return "", "", false
	}
	solution, file, ok = strings.Cut(r, "/")
	if !ok || solution == "" || file == "" {
		return "", "", false
	}
	return solution, file, true
}

// shouldSkip returns true if the file at path should be skipped.
func shouldSkip(path string) bool {
	p := strings.ToLower(filepath.ToSlash(path))
	if strings.Contains(p, "/.git/") ||
		strings.Contains(p, "/node_modules/") ||
		strings.Contains(p, "/target/") ||
		strings.Contains(p, "/build/") ||
		strings.Contains(p, "/dist/") ||
		strings.Contains(p, "/out/") ||
		strings.Contains(p, "/bin/") ||
		strings.Contains(p, "/obj/") ||
		strings.Contains(p, "/.venv/") ||
		strings.Contains(p, "/venv/") ||
		strings.Contains(p, "/__pycache__/") ||
		strings.Contains(p, "/.gradle/") ||
		strings.Contains(p, "/.idea/") ||
		strings.Contains(p, "/.vscode/") {
		return true
	}
	switch filepath.Ext(p) {
	case ".png", ".jpg", ".jpeg", ".gif", ".pdf", ".webp", ".lock", ".zip", ".jar", ".class",
		".pyc", ".o", ".exe", ".dll", ".so":
		return true
	}
	return false
}
