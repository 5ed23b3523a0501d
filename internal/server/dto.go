package server

import (
	"jobflow/internal/domain"
	"jobflow/internal/engine"
)

// Request payloads

type CreateJobRequest struct {
	ID            string         `json:"id,omitempty"`
	Code          string         `json:"code" minLength:"1"`
	Status        string         `json:"status" minLength:"1"`
	LocationKey   string         `json:"location_key,omitempty"`
	JobTypeKey    string         `json:"job_type_key,omitempty"`
	ResponsibleID string         `json:"responsible_id,omitempty"`
	ScheduledDate string         `json:"scheduled_date,omitempty"`
	CustomFields  map[string]any `json:"custom_fields,omitempty"`
}

type AddPartRequest struct {
	Name     string `json:"name" minLength:"1"`
	Quantity int    `json:"quantity,omitempty" minimum:"0"`
}

type CommitTransitionRequest struct {
	ToStatus string `json:"to_status" minLength:"1"`
	Note     string `json:"note,omitempty"`
	// Role picks one of the principal's roles; optional when it holds one.
	Role            string `json:"role,omitempty"`
	ExpectedVersion *int64 `json:"expected_version,omitempty"`
}

type EvaluationEntryRequest struct {
	PersonnelID string                           `json:"personnel_id" minLength:"1"`
	EvaluatorID string                           `json:"evaluator_id,omitempty"`
	Scores      map[string]domain.CriterionScore `json:"scores,omitempty"`
	TotalScore  *float64                         `json:"total_score,omitempty"`
}

type SubmitEvaluationsRequest struct {
	Month   int                      `json:"month" minimum:"1" maximum:"12"`
	Year    int                      `json:"year" minimum:"1"`
	Entries []EvaluationEntryRequest `json:"entries" minItems:"1"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
}

// Response payloads

type LegalTransitionsResponse struct {
	JobID       string                  `json:"job_id"`
	StatusKey   string                  `json:"status_key"`
	Version     int64                   `json:"version"`
	Role        string                  `json:"role"`
	Transitions []domain.TransitionView `json:"transitions"`
}

type RulesReloadResponse struct {
	Statuses int `json:"statuses"`
	Criteria int `json:"criteria"`
}

type WhoAmIResponse struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
	Source  string   `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type paginatedAudit struct {
	Items      []domain.AuditEntry `json:"items"`
	NextCursor string              `json:"next_cursor,omitempty"`
}

type body[T any] struct {
	Body T `json:"body"`
}

func reply[T any](v T) *body[T] {
	return &body[T]{Body: v}
}

func evaluationEntries(in []EvaluationEntryRequest, actorID string) []engine.EvaluationEntry {
	out := make([]engine.EvaluationEntry, 0, len(in))
	for _, e := range in {
		evaluator := e.EvaluatorID
		if evaluator == "" {
			evaluator = actorID
		}
		out = append(out, engine.EvaluationEntry{
			PersonnelID: e.PersonnelID,
			EvaluatorID: evaluator,
			Scores:      e.Scores,
			TotalScore:  e.TotalScore,
		})
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
