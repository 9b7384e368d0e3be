package oracle

import (
	"bytes"
	"encoding/json"
	"fmt"
	"text/template"
	"time"

	"kairos/internal/models"
)

var promptTemplate = template.Must(template.New("prompt").Parse(`You are an expert in time management.
Your goal is to insert a list of tasks into an existing calendar without creating conflicts.

CURRENT CONTEXT:
- Current local time: {{.Now}} ({{.Weekday}}, timezone {{.Timezone}})
- FIXED events from the user's calendar. They must NOT be moved:
{{.Events}}

TASKS TO SCHEDULE (duration in minutes, priority 1=low 2=medium 3=high, optional preferred_time as local HH:MM):
{{.Tasks}}

STRICT RULES:
1. Never change the start or end of a fixed event. Copy every fixed event into the output unchanged with type "event".
2. Place tasks in the gaps between fixed events. Tasks may touch an event boundary but never overlap anything.
3. Never place a task before the current local time.
4. If a task does not fit in any gap you may leave it out, but try to place everything. Place higher priority tasks first.
5. Avoid scheduling anything between 23:00 and 07:00 unless necessary.
6. preferred_time: if that time is free today, start the task exactly then. If a fixed event occupies it, start at the nearest later free slot. If it has already passed today, use the same time tomorrow.
7. Use each task title exactly as given and place each task at most once.
8. Give every task a short "reasoning" explaining the placement.

OUTPUT FORMAT:
Respond ONLY with a JSON object {"schedule": [...]}. Each element has: title, start (ISO 8601 with offset), end (ISO 8601 with offset), type ("event" or "task"), reasoning.
Include the original events AND the new tasks in the list.
`))

type promptData struct {
	Now      string
	Weekday  string
	Timezone string
	Events   string
	Tasks    string
}

// BuildPrompt renders the oracle instructions. now must already be in the
// caller's location; it is written with its UTC offset so it is never
// ambiguous.
func BuildPrompt(in models.JobInput, now time.Time) (string, error) {
	events, err := json.Marshal(in.Events)
	if err != nil {
		return "", fmt.Errorf("failed to encode events: %w", err)
	}
	tasks, err := json.Marshal(in.Tasks)
	if err != nil {
		return "", fmt.Errorf("failed to encode tasks: %w", err)
	}
	var buf bytes.Buffer
	err = promptTemplate.Execute(&buf, promptData{
		Now:      now.Format(time.RFC3339),
		Weekday:  now.Weekday().String(),
		Timezone: in.Timezone,
		Events:   string(events),
		Tasks:    string(tasks),
	})
	if err != nil {
		return "", fmt.Errorf("failed to render prompt: %w", err)
	}
	return buf.String(), nil
}
