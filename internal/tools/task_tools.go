package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/wrenware/orla/internal/scheduler"
)

// RegisterTaskTools adds reminder scheduling tools backed by the
// scheduler. conversationID attributes fired reminders back to the
// conversation that created them.
func RegisterTaskTools(r *Registry, sched *scheduler.Scheduler, conversationID string) {
	r.Register(&Tool{
		Name:        "task_schedule",
		Description: "Schedule a one-shot or recurring reminder. Use 'in' for relative times (e.g., 45m, 2h) or 'at' for an absolute RFC 3339 time; 'every' makes it recur.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": map[string]any{
					"type":        "string",
					"description": "Short unique name for the reminder",
				},
				"message": map[string]any{
					"type":        "string",
					"description": "What to say when the reminder fires",
				},
				"in": map[string]any{
					"type":        "string",
					"description": "Delay before firing (e.g., 45m, 2h)",
				},
				"at": map[string]any{
					"type":        "string",
					"description": "Absolute fire time, RFC 3339 (e.g., 2026-08-23T18:00:00Z)",
				},
				"every": map[string]any{
					"type":        "string",
					"description": "Recurrence interval (e.g., 24h). Mutually exclusive with 'in'/'at'.",
				},
			},
			"required": []string{"name", "message"},
		},
		Mutating: true,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			name := args["name"].(string)
			if existing, err := sched.ListTasks(false); err == nil {
				for _, t := range existing {
					if t.Name == name {
						return "", fmt.Errorf("a reminder named %q already exists", name)
					}
				}
			}

			sch, desc, err := parseSchedule(args)
			if err != nil {
				return "", err
			}

			task := &scheduler.Task{
				Name:           name,
				Schedule:       sch,
				Message:        args["message"].(string),
				ConversationID: conversationID,
				Enabled:        true,
			}
			if err := sched.CreateTask(task); err != nil {
				return "", err
			}
			return fmt.Sprintf("Scheduled reminder %q %s", name, desc), nil
		},
		Verify: func(ctx context.Context, args map[string]any) error {
			task, err := taskByName(sched, args["name"].(string))
			if err != nil {
				return err
			}
			if task == nil {
				return ErrVerifyMismatch
			}
			return nil
		},
	})

	r.Register(&Tool{
		Name:        "task_list",
		Description: "List scheduled reminders.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			tasks, err := sched.ListTasks(true)
			if err != nil {
				return "", err
			}
			if len(tasks) == 0 {
				return "No reminders scheduled.", nil
			}

			var sb strings.Builder
			fmt.Fprintf(&sb, "%d reminder(s):\n", len(tasks))
			for _, t := range tasks {
				next, ok := t.NextRun(time.Now())
				when := "no future runs"
				if ok {
					when = next.Format(time.RFC3339)
				}
				fmt.Fprintf(&sb, "- %s: %q (next: %s)\n", t.Name, t.Message, when)
			}
			return sb.String(), nil
		},
	})

	r.Register(&Tool{
		Name:        "task_cancel",
		Description: "Cancel a scheduled reminder by name.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": map[string]any{
					"type":        "string",
					"description": "Name of the reminder to cancel",
				},
			},
			"required": []string{"name"},
		},
		Mutating: true,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			name := args["name"].(string)
			task, err := taskByName(sched, name)
			if err != nil {
				return "", err
			}
			if task == nil {
				return "", fmt.Errorf("no reminder named %q", name)
			}
			if err := sched.DeleteTask(task.ID); err != nil {
				return "", err
			}
			return fmt.Sprintf("Cancelled reminder %q", name), nil
		},
		Verify: func(ctx context.Context, args map[string]any) error {
			task, err := taskByName(sched, args["name"].(string))
			if err != nil {
				return err
			}
			if task != nil {
				return ErrVerifyMismatch
			}
			return nil
		},
	})
}

func taskByName(sched *scheduler.Scheduler, name string) (*scheduler.Task, error) {
	tasks, err := sched.ListTasks(false)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if t.Name == name {
			return t, nil
		}
	}
	return nil, nil
}

// parseSchedule maps the tool arguments onto a scheduler.Schedule.
// Exactly one of in/at/every must be supplied.
func parseSchedule(args map[string]any) (scheduler.Schedule, string, error) {
	in, _ := args["in"].(string)
	at, _ := args["at"].(string)
	every, _ := args["every"].(string)

	given := 0
	for _, v := range []string{in, at, every} {
		if v != "" {
			given++
		}
	}
	if given != 1 {
		return scheduler.Schedule{}, "", fmt.Errorf("exactly one of 'in', 'at', or 'every' is required")
	}

	switch {
	case in != "":
		d, err := time.ParseDuration(in)
		if err != nil {
			return scheduler.Schedule{}, "", fmt.Errorf("invalid 'in' duration %q: %w", in, err)
		}
		if d <= 0 {
			return scheduler.Schedule{}, "", fmt.Errorf("'in' must be positive, got %q", in)
		}
		fire := time.Now().Add(d)
		return scheduler.Schedule{Kind: scheduler.ScheduleAt, At: &fire},
			fmt.Sprintf("for %s", fire.Format(time.RFC3339)), nil

	case at != "":
		fire, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return scheduler.Schedule{}, "", fmt.Errorf("invalid 'at' time %q: %w", at, err)
		}
		if !fire.After(time.Now()) {
			return scheduler.Schedule{}, "", fmt.Errorf("'at' time %q is in the past", at)
		}
		return scheduler.Schedule{Kind: scheduler.ScheduleAt, At: &fire},
			fmt.Sprintf("for %s", fire.Format(time.RFC3339)), nil

	default:
		d, err := time.ParseDuration(every)
		if err != nil {
			return scheduler.Schedule{}, "", fmt.Errorf("invalid 'every' interval %q: %w", every, err)
		}
		if d < time.Minute {
			return scheduler.Schedule{}, "", fmt.Errorf("'every' must be at least 1m, got %q", every)
		}
		return scheduler.Schedule{Kind: scheduler.ScheduleEvery, Every: &scheduler.Duration{Duration: d}},
			fmt.Sprintf("every %s", d), nil
	}
}
