package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/wrenware/orla/internal/vault"
)

// RegisterNoteTools adds the vault note tools to the registry.
func RegisterNoteTools(r *Registry, v *vault.Vault) {
	r.Register(&Tool{
		Name:        "note_create",
		Description: "Create a new note in the knowledge vault. Fails if the note already exists.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Vault-relative note path (e.g., Inbox/idea.md)",
				},
				"content": map[string]any{
					"type":        "string",
					"description": "Markdown content for the note",
				},
			},
			"required": []string{"path", "content"},
		},
		Mutating: true,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			path := args["path"].(string)
			content := args["content"].(string)
			if err := v.Create(path, content); err != nil {
				return "", err
			}
			return fmt.Sprintf("Created note %s (%d bytes)", path, len(content)), nil
		},
		Verify: func(ctx context.Context, args map[string]any) error {
			got, err := v.Read(args["path"].(string))
			if err != nil {
				return err
			}
			if got != args["content"].(string) {
				return ErrVerifyMismatch
			}
			return nil
		},
	})

	r.Register(&Tool{
		Name:        "note_read",
		Description: "Read a note from the knowledge vault.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Vault-relative note path",
				},
			},
			"required": []string{"path"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return v.Read(args["path"].(string))
		},
	})

	r.Register(&Tool{
		Name:        "note_append",
		Description: "Append content to a note, creating it if absent.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Vault-relative note path",
				},
				"content": map[string]any{
					"type":        "string",
					"description": "Content to append",
				},
			},
			"required": []string{"path", "content"},
		},
		Mutating: true,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			path := args["path"].(string)
			if err := v.Append(path, args["content"].(string)); err != nil {
				return "", err
			}
			return fmt.Sprintf("Appended to %s", path), nil
		},
		Verify: func(ctx context.Context, args map[string]any) error {
			got, err := v.Read(args["path"].(string))
			if err != nil {
				return err
			}
			if !strings.Contains(got, args["content"].(string)) {
				return ErrVerifyMismatch
			}
			return nil
		},
	})

	r.Register(&Tool{
		Name:        "note_daily_append",
		Description: "Append an entry to today's daily note.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"content": map[string]any{
					"type":        "string",
					"description": "Entry to append to the daily note",
				},
			},
			"required": []string{"content"},
		},
		Mutating: true,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			path, err := v.AppendDaily(time.Now(), args["content"].(string))
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("Appended to daily note %s", path), nil
		},
	})

	r.Register(&Tool{
		Name:        "note_list",
		Description: "List notes in the vault, optionally under a folder.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"folder": map[string]any{
					"type":        "string",
					"description": "Folder to list (empty for the whole vault)",
				},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			folder, _ := args["folder"].(string)
			notes, err := v.List(folder)
			if err != nil {
				return "", err
			}
			if len(notes) == 0 {
				return "No notes found.", nil
			}
			var sb strings.Builder
			fmt.Fprintf(&sb, "Found %d note(s):\n", len(notes))
			for _, n := range notes {
				fmt.Fprintf(&sb, "- %s (%d bytes, %s)", n.Path, n.Size, n.ModTime.Format("2006-01-02"))
				if content, err := v.Read(n.Path); err == nil {
					if title := vault.Title(content); title != "" {
						fmt.Fprintf(&sb, ": %s", title)
					}
				}
				sb.WriteByte('\n')
			}
			return sb.String(), nil
		},
	})

	r.Register(&Tool{
		Name:        "note_search",
		Description: "Search note contents for a text fragment (case-insensitive).",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "Text to search for",
				},
			},
			"required": []string{"query"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			matches, err := v.Search(args["query"].(string))
			if err != nil {
				return "", err
			}
			if len(matches) == 0 {
				return "No matches.", nil
			}
			var sb strings.Builder
			fmt.Fprintf(&sb, "Found %d match(es):\n", len(matches))
			for _, m := range matches {
				fmt.Fprintf(&sb, "- %s:%d: %s\n", m.Path, m.Line, strings.TrimSpace(m.Text))
			}
			return sb.String(), nil
		},
	})
}
