package vault

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testVault(t *testing.T) *Vault {
	t.Helper()
	v, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return v
}

func TestCreateAndRead(t *testing.T) {
	v := testVault(t)

	if err := v.Create("Inbox/idea.md", "# Idea\n\nsome text\n"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := v.Read("Inbox/idea.md")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != "# Idea\n\nsome text\n" {
		t.Errorf("content mismatch: %q", got)
	}
}

func TestCreate_AddsMarkdownExtension(t *testing.T) {
	v := testVault(t)

	if err := v.Create("plain", "content"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := os.Stat(filepath.Join(v.Root(), "plain.md")); err != nil {
		t.Errorf("expected plain.md on disk: %v", err)
	}
	// Both spellings resolve to the same note.
	if _, err := v.Read("plain.md"); err != nil {
		t.Errorf("Read with extension: %v", err)
	}
}

func TestCreate_ExistingNote(t *testing.T) {
	v := testVault(t)

	if err := v.Create("note.md", "first"); err != nil {
		t.Fatal(err)
	}
	err := v.Create("note.md", "second")
	if !errors.Is(err, ErrNoteExists) {
		t.Errorf("expected ErrNoteExists, got %v", err)
	}
	got, _ := v.Read("note.md")
	if got != "first" {
		t.Errorf("existing note was overwritten: %q", got)
	}
}

func TestPathTraversalRejected(t *testing.T) {
	v := testVault(t)

	bad := []string{
		"../outside.md",
		"notes/../../outside.md",
		"/etc/passwd",
		"",
	}
	for _, p := range bad {
		if _, err := v.Read(p); !errors.Is(err, ErrInvalidPath) {
			t.Errorf("Read(%q): expected ErrInvalidPath, got %v", p, err)
		}
		if err := v.Create(p, "x"); !errors.Is(err, ErrInvalidPath) {
			t.Errorf("Create(%q): expected ErrInvalidPath, got %v", p, err)
		}
	}
}

func TestAppend(t *testing.T) {
	v := testVault(t)

	if err := v.Append("log.md", "first line"); err != nil {
		t.Fatalf("Append to new note: %v", err)
	}
	if err := v.Append("log.md", "second line"); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := v.Read("log.md")
	if err != nil {
		t.Fatal(err)
	}
	if got != "first line\nsecond line" {
		t.Errorf("append result: %q", got)
	}
}

func TestAppendDaily(t *testing.T) {
	v := testVault(t)
	day := time.Date(2026, 8, 23, 15, 0, 0, 0, time.UTC)

	relPath, err := v.AppendDaily(day, "- remembered something")
	if err != nil {
		t.Fatalf("AppendDaily: %v", err)
	}
	if relPath != filepath.Join("Daily", "2026-08-23.md") {
		t.Errorf("daily path = %q", relPath)
	}

	got, err := v.Read(relPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(got, "# 2026-08-23\n") {
		t.Errorf("missing date heading: %q", got)
	}
	if !strings.Contains(got, "- remembered something") {
		t.Errorf("missing appended content: %q", got)
	}

	// Second append reuses the same note without a second heading.
	if _, err := v.AppendDaily(day, "- another thing"); err != nil {
		t.Fatal(err)
	}
	got, _ = v.Read(relPath)
	if strings.Count(got, "# 2026-08-23") != 1 {
		t.Errorf("duplicate date heading: %q", got)
	}
}

func TestList(t *testing.T) {
	v := testVault(t)

	for _, p := range []string{"b.md", "a.md", "Projects/orla.md"} {
		if err := v.Create(p, "content"); err != nil {
			t.Fatal(err)
		}
	}
	// Non-markdown and dotfiles are invisible.
	if err := os.WriteFile(filepath.Join(v.Root(), "image.png"), []byte{1}, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(v.Root(), ".obsidian"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(v.Root(), ".obsidian", "config.md"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	notes, err := v.List("")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{"Projects/orla.md", "a.md", "b.md"}
	if len(notes) != len(want) {
		t.Fatalf("got %d notes, want %d: %+v", len(notes), len(want), notes)
	}
	for i, p := range want {
		if notes[i].Path != p {
			t.Errorf("notes[%d] = %q, want %q", i, notes[i].Path, p)
		}
	}

	sub, err := v.List("Projects")
	if err != nil {
		t.Fatal(err)
	}
	if len(sub) != 1 || sub[0].Path != "Projects/orla.md" {
		t.Errorf("prefix listing: %+v", sub)
	}
}

func TestSearch(t *testing.T) {
	v := testVault(t)

	if err := v.Create("a.md", "The quick brown fox\njumps over"); err != nil {
		t.Fatal(err)
	}
	if err := v.Create("b.md", "nothing here\nQUICK reply needed"); err != nil {
		t.Fatal(err)
	}

	matches, err := v.Search("quick")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("got %d matches, want 2: %+v", len(matches), matches)
	}
	if matches[0].Path != "a.md" || matches[0].Line != 1 {
		t.Errorf("match 0: %+v", matches[0])
	}
	if matches[1].Path != "b.md" || matches[1].Line != 2 {
		t.Errorf("match 1: %+v", matches[1])
	}
}

func TestTitle(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"simple", "# My Note\n\nbody", "My Note"},
		{"not_first_line", "intro paragraph\n\n# Actual Title\n", "Actual Title"},
		{"h2_only", "## Section\n\nbody", ""},
		{"empty", "", ""},
		{"hash_in_code", "```\n# not a heading\n```\n# Real\n", "Real"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Title(tt.content); got != tt.want {
				t.Errorf("Title = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHeadings(t *testing.T) {
	content := "# Top\n\n## Middle\n\ntext\n\n### Deep\n"
	hs := Headings(content)
	if len(hs) != 3 {
		t.Fatalf("got %d headings, want 3", len(hs))
	}
	want := []Heading{{1, "Top"}, {2, "Middle"}, {3, "Deep"}}
	for i, h := range want {
		if hs[i] != h {
			t.Errorf("heading %d = %+v, want %+v", i, hs[i], h)
		}
	}
}
