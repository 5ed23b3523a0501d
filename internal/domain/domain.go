package domain

// WildcardStatus matches any current status on the from side of a transition.
const WildcardStatus = "*"

// Auto-action directives a transition may carry.
const (
	ActionSetCompletedAt   = "setCompletedAt"
	ActionClearCompletedAt = "clearCompletedAt"
)

// Evaluation score modes.
const (
	ScoreModeComputed = "computed"
	ScoreModeOverride = "override"
)

type Status struct {
	Key       string `json:"key"`
	Label     string `json:"label"`
	Color     string `json:"color,omitempty"`
	SortOrder int    `json:"sort_order"`
	Active    bool   `json:"active"`
}

type Transition struct {
	FromStatus    string   `json:"from_status"`
	ToStatus      string   `json:"to_status"`
	AllowedRoles  []string `json:"allowed_roles"`
	RequiresNote  bool     `json:"requires_note"`
	RequiresParts bool     `json:"requires_parts"`
	AutoActions   []string `json:"auto_actions,omitempty"`
	Active        bool     `json:"active"`
}

// AllowsRole reports whether role may use the transition.
func (t Transition) AllowsRole(role string) bool {
	for _, r := range t.AllowedRoles {
		if r == role {
			return true
		}
	}
	return false
}

// TransitionView is a legal move as presented to a caller.
type TransitionView struct {
	ToStatus      StatusRef `json:"to_status"`
	RequiresNote  bool      `json:"requires_note"`
	RequiresParts bool      `json:"requires_parts"`
}

type StatusRef struct {
	Key   string `json:"key"`
	Label string `json:"label"`
	Color string `json:"color,omitempty"`
}

type Job struct {
	ID            string         `json:"id"`
	Code          string         `json:"code"`
	StatusKey     string         `json:"status_key"`
	Version       int64          `json:"version"`
	LocationKey   string         `json:"location_key,omitempty"`
	JobTypeKey    string         `json:"job_type_key,omitempty"`
	ResponsibleID string         `json:"responsible_id,omitempty"`
	ScheduledDate string         `json:"scheduled_date,omitempty"`
	CompletedAt   *string        `json:"completed_at,omitempty" format:"date-time"`
	CustomFields  map[string]any `json:"custom_fields,omitempty"`
	CreatedAt     string         `json:"created_at" format:"date-time"`
	UpdatedAt     string         `json:"updated_at" format:"date-time"`
}

type JobPart struct {
	ID        string `json:"id"`
	JobID     string `json:"job_id"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type StatusHistoryEntry struct {
	ID         int64   `json:"id"`
	JobID      string  `json:"job_id"`
	FromStatus *string `json:"from_status,omitempty"`
	ToStatus   string  `json:"to_status"`
	ChangedBy  string  `json:"changed_by"`
	ChangedAt  string  `json:"changed_at" format:"date-time"`
	Notes      *string `json:"notes,omitempty"`
}

type AuditEntry struct {
	ID       int64          `json:"id"`
	TS       string         `json:"ts" format:"date-time"`
	ActorID  *string        `json:"actor_id,omitempty"`
	Action   string         `json:"action"`
	Entity   string         `json:"entity"`
	EntityID string         `json:"entity_id"`
	OldValue any            `json:"old_value,omitempty"`
	NewValue any            `json:"new_value,omitempty"`
	Origin   map[string]any `json:"origin,omitempty"`
}

type Criterion struct {
	Key      string  `json:"key"`
	Label    string  `json:"label,omitempty"`
	Category string  `json:"category,omitempty"`
	MaxScore float64 `json:"max_score"`
	Weight   float64 `json:"weight"`
	Active   bool    `json:"active"`
}

type Personnel struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Active      bool   `json:"active"`
}

type CriterionScore struct {
	Score float64 `json:"score"`
	Note  string  `json:"note,omitempty"`
}

type Evaluation struct {
	ID          string                    `json:"id"`
	JobID       string                    `json:"job_id"`
	PersonnelID string                    `json:"personnel_id"`
	EvaluatorID string                    `json:"evaluator_id"`
	Scores      map[string]CriterionScore `json:"scores"`
	TotalScore  float64                   `json:"total_score"`
	ScoreMode   string                    `json:"score_mode" enum:"computed,override"`
	Month       int                       `json:"month"`
	Year        int                       `json:"year"`
	CreatedAt   string                    `json:"created_at" format:"date-time"`
	UpdatedAt   string                    `json:"updated_at" format:"date-time"`
}

// PeriodKey identifies one person's monthly aggregate.
type PeriodKey struct {
	PersonnelID string `json:"personnel_id"`
	Month       int    `json:"month"`
	Year        int    `json:"year"`
}

type StarScore struct {
	PersonnelID     string  `json:"personnel_id"`
	Month           int     `json:"month"`
	Year            int     `json:"year"`
	TotalScore      float64 `json:"total_score"`
	EvaluationCount int     `json:"evaluation_count"`
	ComputedAt      string  `json:"computed_at" format:"date-time"`
}

type Stars struct {
	Filled int  `json:"filled"`
	Half   bool `json:"half"`
}

type RankedEntry struct {
	Rank            int     `json:"rank"`
	PersonnelID     string  `json:"personnel_id"`
	DisplayName     string  `json:"display_name"`
	TotalScore      float64 `json:"total_score"`
	EvaluationCount int     `json:"evaluation_count"`
	Stars           Stars   `json:"stars"`
}

type LeaderboardStats struct {
	Count        int          `json:"count"`
	MeanScore    float64      `json:"mean_score"`
	TopPerformer *RankedEntry `json:"top_performer,omitempty"`
}

type Leaderboard struct {
	Month   int              `json:"month"`
	Year    int              `json:"year"`
	Entries []RankedEntry    `json:"entries"`
	Stats   LeaderboardStats `json:"stats"`
}

// APIKey authenticates a machine client as a fixed actor and role.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Role      string `json:"role"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
