package fetch

import (
	"encoding/json"
	"errors"
	"time"

	"healthwatch/internal/model"
)

type summaryPayload struct {
	Page struct {
		Name      string `json:"name"`
		URL       string `json:"url"`
		UpdatedAt string `json:"updated_at"`
	} `json:"page"`
	Status struct {
		Indicator   string `json:"indicator"`
		Description string `json:"description"`
	} `json:"status"`
	Components []struct {
		Name    string `json:"name"`
		Status  string `json:"status"`
		GroupID string `json:"group_id"`
	} `json:"components"`
}

// ParseSummary decodes a statuspage-style summary document into a
// snapshot. Any source producing this shape is accepted.
func ParseSummary(data []byte, fetchedAt time.Time) (*model.Snapshot, error) {
	var payload summaryPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	if payload.Components == nil {
		return nil, errors.New("summary payload has no components")
	}
	snap := &model.Snapshot{
		FetchedAt:     fetchedAt,
		PageName:      payload.Page.Name,
		PageURL:       payload.Page.URL,
		OverallStatus: payload.Status.Description,
		Services:      make([]model.ServiceState, 0, len(payload.Components)),
	}
	if snap.OverallStatus == "" {
		snap.OverallStatus = payload.Status.Indicator
	}
	if payload.Page.UpdatedAt != "" {
		if ts, err := time.Parse(time.RFC3339, payload.Page.UpdatedAt); err == nil {
			snap.SourceUpdatedAt = ts.UTC()
		}
	}
	for _, comp := range payload.Components {
		if comp.Name == "" {
			continue
		}
		snap.Services = append(snap.Services, model.ServiceState{
			Name:    comp.Name,
			Status:  model.ParseStatus(comp.Status),
			GroupID: comp.GroupID,
		})
	}
	return snap, nil
}
