// Package vault provides file operations over a markdown knowledge
// vault. Every path is resolved relative to the vault root; paths that
// escape the root are rejected before any filesystem access.
package vault

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ErrInvalidPath is returned for paths that are absolute, empty, or
// escape the vault root.
var ErrInvalidPath = errors.New("invalid vault path")

// ErrNoteExists is returned by Create when the target already exists.
var ErrNoteExists = errors.New("note already exists")

// NoteInfo describes one note in a listing.
type NoteInfo struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// SearchMatch is one matching line from a search.
type SearchMatch struct {
	Path string
	Line int
	Text string
}

// Vault is a workspace-rooted markdown note store.
type Vault struct {
	root   string
	logger *slog.Logger
}

// New creates a vault rooted at dir. The directory must exist.
func New(dir string, logger *slog.Logger) (*Vault, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve vault root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat vault root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("vault root %q is not a directory", abs)
	}
	return &Vault{root: abs, logger: logger.With("component", "vault")}, nil
}

// Root returns the vault's absolute root directory.
func (v *Vault) Root() string {
	return v.root
}

// resolve maps a vault-relative path to an absolute one, enforcing the
// root boundary. A missing .md extension is added.
func (v *Vault) resolve(relPath string) (string, error) {
	if relPath == "" || filepath.IsAbs(relPath) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, relPath)
	}
	if !strings.HasSuffix(relPath, ".md") {
		relPath += ".md"
	}
	abs := filepath.Join(v.root, filepath.Clean(relPath))
	rel, err := filepath.Rel(v.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q escapes vault root", ErrInvalidPath, relPath)
	}
	return abs, nil
}

// Create writes a new note. Parent directories are created as needed;
// an existing note is never overwritten.
func (v *Vault) Create(relPath, content string) error {
	abs, err := v.resolve(relPath)
	if err != nil {
		return err
	}
	if _, err := os.Stat(abs); err == nil {
		return fmt.Errorf("%q: %w", relPath, ErrNoteExists)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("create note directory: %w", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write note: %w", err)
	}
	v.logger.Debug("note created", "path", relPath)
	return nil
}

// Read returns a note's content.
func (v *Vault) Read(relPath string) (string, error) {
	abs, err := v.resolve(relPath)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("read note: %w", err)
	}
	return string(data), nil
}

// Append adds content to the end of a note, creating it if absent. A
// newline separates the existing content from the appended text.
func (v *Vault) Append(relPath, content string) error {
	abs, err := v.resolve(relPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("create note directory: %w", err)
	}
	f, err := os.OpenFile(abs, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open note for append: %w", err)
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil && info.Size() > 0 {
		content = "\n" + content
	}
	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("append to note: %w", err)
	}
	return nil
}

// AppendDaily appends to the daily note for the given day, creating it
// with a date heading when absent.
func (v *Vault) AppendDaily(day time.Time, content string) (string, error) {
	relPath := filepath.Join("Daily", day.Format("2006-01-02")+".md")
	abs, err := v.resolve(relPath)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(abs); os.IsNotExist(err) {
		header := "# " + day.Format("2006-01-02") + "\n"
		if err := v.Create(relPath, header); err != nil {
			return "", err
		}
	}
	if err := v.Append(relPath, content); err != nil {
		return "", err
	}
	return relPath, nil
}

// List returns the notes under the given vault-relative prefix ("" for
// the whole vault), sorted by path. Dotfiles and dot-directories are
// skipped.
func (v *Vault) List(prefix string) ([]NoteInfo, error) {
	start := v.root
	if prefix != "" {
		abs, err := v.resolve(strings.TrimSuffix(prefix, ".md"))
		if err != nil {
			return nil, err
		}
		start = strings.TrimSuffix(abs, ".md")
	}

	var notes []NoteInfo
	err := filepath.WalkDir(start, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".md") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(v.root, path)
		if err != nil {
			return err
		}
		notes = append(notes, NoteInfo{Path: rel, Size: info.Size(), ModTime: info.ModTime()})
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return []NoteInfo{}, nil
		}
		return nil, fmt.Errorf("walk vault: %w", err)
	}

	sort.Slice(notes, func(i, j int) bool { return notes[i].Path < notes[j].Path })
	return notes, nil
}

// Search returns lines containing the query, case-insensitive, across
// all notes. Matches are ordered by path then line number.
func (v *Vault) Search(query string) ([]SearchMatch, error) {
	notes, err := v.List("")
	if err != nil {
		return nil, err
	}

	needle := strings.ToLower(query)
	var matches []SearchMatch
	for _, note := range notes {
		content, err := v.Read(note.Path)
		if err != nil {
			return nil, err
		}
		for i, line := range strings.Split(content, "\n") {
			if strings.Contains(strings.ToLower(line), needle) {
				matches = append(matches, SearchMatch{Path: note.Path, Line: i + 1, Text: line})
			}
		}
	}
	return matches, nil
}
