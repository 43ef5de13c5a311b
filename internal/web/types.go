package web

import "encoding/json"

// StartExecutionRequest is the body of POST /executions.
type StartExecutionRequest struct {
	ID        string            `json:"id,omitempty"        validate:"omitempty,max=128,excludesall=/?#"`
	Namespace string            `json:"namespace,omitempty" validate:"omitempty,max=128"`
	Workflow  string            `json:"workflow"            validate:"required,max=2048"`
	Input     json.RawMessage   `json:"input,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"  validate:"omitempty,max=64,dive,keys,required,max=128,endkeys,max=1024"`
}

// CancelExecutionRequest is the optional body of DELETE /executions/:id.
type CancelExecutionRequest struct {
	Reason string `json:"reason,omitempty" validate:"omitempty,max=1024"`
}

// HistoryQuery holds the query parameters of GET /executions/:id/history.
type HistoryQuery struct {
	Page     int `validate:"gte=0"`
	PageSize int `validate:"gte=1,lte=1000"`
	Reverse  bool
	Stream   bool
}

// HistoryPage is the response of a paginated history request.
type HistoryPage struct {
	ExecutionID string `json:"executionId"`
	Page        int    `json:"page"`
	PageSize    int    `json:"pageSize"`
	Events      any    `json:"events"`
}
