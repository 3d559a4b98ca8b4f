package tester

import (
	"time"

	"github.com/wfnet/engine/instance"
)

// LaunchRequest starts a new case (POST /case/launch).
type LaunchRequest struct {
	SpecID  string                 `json:"specId"`
	Version string                 `json:"version,omitempty"`
	CaseID  string                 `json:"caseId,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// ItemRequest addresses one work item of a case.
type ItemRequest struct {
	CaseID string                 `json:"caseId"`
	ItemID string                 `json:"itemId"`
	Data   map[string]interface{} `json:"data,omitempty"`
}

// IDResponse reports the id of a launched or restored case.
type IDResponse struct {
	ID string `json:"id"`
}

// CaseResponse reports the externally visible state of a case.
type CaseResponse struct {
	ID     string                 `json:"id"`
	Status string                 `json:"status"`
	Data   map[string]interface{} `json:"data,omitempty"`
}

// ItemResponse reports one work item.
type ItemResponse struct {
	ID      string    `json:"id"`
	TaskID  string    `json:"taskId"`
	Status  string    `json:"status"`
	Created time.Time `json:"created"`
}

func toItemResponse(wi *instance.WorkItem) *ItemResponse {
	return &ItemResponse{
		ID:      wi.ID(),
		TaskID:  wi.TaskID(),
		Status:  wi.Status().String(),
		Created: wi.Created(),
	}
}
