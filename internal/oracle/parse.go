package oracle

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"kairos/internal/models"
)

// envelope is the only response shape accepted from the oracle.
type envelope struct {
	Schedule *[]wireItem `json:"schedule"`
}

type wireItem struct {
	Title     string `json:"title"`
	Start     string `json:"start"`
	End       string `json:"end"`
	Type      string `json:"type"`
	Reasoning string `json:"reasoning"`
}

// ParseSchedule decodes an oracle response of the form {"schedule":[...]}.
// Bare lists, other wrapper keys, unknown fields, missing fields and
// trailing data are all rejected.
func ParseSchedule(raw []byte) ([]models.ScheduledItem, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var env envelope
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: malformed response: %v", models.ErrOracleFailure, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after response object", models.ErrOracleFailure)
	}
	if env.Schedule == nil {
		return nil, fmt.Errorf("%w: response has no schedule", models.ErrOracleFailure)
	}

	items := make([]models.ScheduledItem, 0, len(*env.Schedule))
	for i, w := range *env.Schedule {
		if strings.TrimSpace(w.Title) == "" || w.Start == "" || w.End == "" {
			return nil, fmt.Errorf("%w: schedule item %d is missing title, start or end", models.ErrOracleFailure, i)
		}
		if w.Type != models.ItemEvent && w.Type != models.ItemTask {
			return nil, fmt.Errorf("%w: schedule item %d has type %q", models.ErrOracleFailure, i, w.Type)
		}
		items = append(items, models.ScheduledItem{
			Title:     strings.TrimSpace(w.Title),
			Start:     w.Start,
			End:       w.End,
			Type:      w.Type,
			Reasoning: strings.TrimSpace(w.Reasoning),
		})
	}
	return items, nil
}
