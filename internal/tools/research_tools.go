package tools

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/wrenware/orla/internal/fetch"
	"github.com/wrenware/orla/internal/vault"
)

// maxResearchChars bounds fetched page content so a single capture
// cannot dominate the conversation context.
const maxResearchChars = 20000

// RegisterResearchTools adds the web research tools: a plain page fetch
// and a fetch-and-save variant that captures the page into the vault.
func RegisterResearchTools(r *Registry, f *fetch.Fetcher, v *vault.Vault) {
	r.Register(&Tool{
		Name:        "web_fetch",
		Description: "Fetch a web page and return its readable text content. Use for looking things up online.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{
					"type":        "string",
					"description": "The URL to fetch (http or https)",
				},
			},
			"required": []string{"url"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			result, err := f.Fetch(ctx, args["url"].(string), maxResearchChars)
			if err != nil {
				return "", err
			}
			return formatFetchResult(result), nil
		},
	})

	r.Register(&Tool{
		Name:        "research_and_save",
		Description: "Fetch a web page and save its content as a note in the vault, so it becomes searchable later.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{
					"type":        "string",
					"description": "The URL to capture",
				},
				"path": map[string]any{
					"type":        "string",
					"description": "Vault-relative note path. Defaults to Research/<page title>.md",
				},
			},
			"required": []string{"url"},
		},
		Mutating: true,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			url := args["url"].(string)
			result, err := f.Fetch(ctx, url, maxResearchChars)
			if err != nil {
				return "", err
			}

			notePath, _ := args["path"].(string)
			if notePath == "" {
				notePath = path.Join("Research", noteFilename(result.Title, url))
			}

			content := researchNote(result, url)
			if err := v.Create(notePath, content); err != nil {
				return "", err
			}
			return fmt.Sprintf("Saved %q to %s (%d chars)", result.Title, notePath, result.Length), nil
		},
		Verify: func(ctx context.Context, args map[string]any) error {
			notePath, _ := args["path"].(string)
			if notePath == "" {
				// Default path depends on the fetched title; the create
				// call already failed loudly if the write did not land.
				return nil
			}
			_, err := v.Read(notePath)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrVerifyMismatch, err)
			}
			return nil
		},
	})
}

func formatFetchResult(r *fetch.Result) string {
	var sb strings.Builder
	if r.Title != "" {
		fmt.Fprintf(&sb, "Title: %s\n\n", r.Title)
	}
	sb.WriteString(r.Content)
	if r.Truncated {
		sb.WriteString("\n\n[content truncated]")
	}
	return sb.String()
}

// researchNote renders a captured page as a vault note with a source
// line so the capture can be traced back.
func researchNote(r *fetch.Result, url string) string {
	title := r.Title
	if title == "" {
		title = url
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", title)
	fmt.Fprintf(&sb, "Source: %s\nCaptured: %s\n\n", url, time.Now().Format("2006-01-02"))
	sb.WriteString(r.Content)
	if r.Truncated {
		sb.WriteString("\n\n[content truncated]")
	}
	sb.WriteString("\n")
	return sb.String()
}

// noteFilename derives a filesystem-safe note name from a page title,
// falling back to the URL host when the title is empty.
func noteFilename(title, url string) string {
	name := title
	if name == "" {
		name = strings.TrimPrefix(strings.TrimPrefix(url, "https://"), "http://")
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '-', r == '_':
			b.WriteRune('-')
		}
	}
	s := strings.Trim(b.String(), "-")
	if s == "" {
		s = "capture"
	}
	if len(s) > 80 {
		s = s[:80]
	}
	return s + ".md"
}
