package domain

// Proposal is a requested unit of work awaiting an admission decision.
type Proposal struct {
	ID              string   `json:"id"`
	AgentID         string   `json:"agent_id"`
	Title           string   `json:"title"`
	Description     string   `json:"description,omitempty"`
	Priority        string   `json:"priority" enum:"low,medium,high,critical"`
	Source          string   `json:"source" enum:"api,trigger,reaction,cron"`
	Tags            []string `json:"tags,omitempty"`
	Status          string   `json:"status" enum:"pending,accepted,rejected"`
	RejectionReason *string  `json:"rejection_reason,omitempty"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
	DecidedAt       *string  `json:"decided_at,omitempty" format:"date-time"`
}

// Mission is accepted work assigned to one agent, composed of ordered steps.
type Mission struct {
	ID          string   `json:"id"`
	ProposalID  *string  `json:"proposal_id,omitempty"`
	AgentID     string   `json:"agent_id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Status      string   `json:"status" enum:"queued,running,succeeded,failed,cancelled"`
	Priority    string   `json:"priority" enum:"low,medium,high,critical"`
	Tags        []string `json:"tags,omitempty"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
	CompletedAt *string  `json:"completed_at,omitempty" format:"date-time"`
}

// Step is one atomic action within a mission. StepOrder is 1-based and
// contiguous within the mission.
type Step struct {
	ID          string  `json:"id"`
	MissionID   string  `json:"mission_id"`
	AgentID     string  `json:"agent_id"`
	StepOrder   int     `json:"step_order"`
	Kind        string  `json:"kind"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	InputJSON   *string `json:"input_json,omitempty"`
	Status      string  `json:"status" enum:"queued,running,succeeded,failed"`
	ReservedAt  *string `json:"reserved_at,omitempty" format:"date-time"`
	LastError   *string `json:"last_error,omitempty"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

// Policy is a named configuration record, overwritten in place.
type Policy struct {
	Key       string `json:"key"`
	ValueJSON string `json:"value_json"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// TriggerRule binds a polled condition to a proposal-producing action.
type TriggerRule struct {
	ID                  string  `json:"id"`
	Name                string  `json:"name"`
	Enabled             bool    `json:"enabled"`
	ConditionType       string  `json:"condition_type"`
	ConditionConfigJSON string  `json:"condition_config_json,omitempty"`
	ActionAgentID       string  `json:"action_agent_id"`
	ActionType          string  `json:"action_type"`
	CooldownMinutes     int     `json:"cooldown_minutes"`
	LastFiredAt         *string `json:"last_fired_at,omitempty" format:"date-time"`
	CreatedAt           string  `json:"created_at" format:"date-time"`
}

// Reaction is a queued side-effect request emitted by agent activity.
type Reaction struct {
	ID            string  `json:"id"`
	ReactionType  string  `json:"reaction_type"`
	TargetAgentID string  `json:"target_agent_id"`
	PayloadJSON   string  `json:"payload_json,omitempty"`
	Status        string  `json:"status" enum:"queued,processing,done,failed"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	ProcessedAt   *string `json:"processed_at,omitempty" format:"date-time"`
}

// Event is an append-only audit record. Never mutated.
type Event struct {
	ID           int64    `json:"id"`
	AgentID      string   `json:"agent_id"`
	EventType    string   `json:"event_type"`
	Title        string   `json:"title"`
	Description  string   `json:"description,omitempty"`
	MetadataJSON string   `json:"metadata_json,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	CreatedAt    string   `json:"created_at" format:"date-time"`
}

// Approval is a human-review queue entry for a deliverable a mission produced.
type Approval struct {
	ID               string  `json:"id"`
	Title            string  `json:"title"`
	Summary          string  `json:"summary,omitempty"`
	DeliverableType  string  `json:"deliverable_type"`
	DeliverableTable string  `json:"deliverable_table"`
	DeliverableID    string  `json:"deliverable_id"`
	Status           string  `json:"status" enum:"pending,approved,rejected"`
	Priority         string  `json:"priority" enum:"low,medium,high,critical"`
	Notes            *string `json:"notes,omitempty"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
	DecidedAt        *string `json:"decided_at,omitempty" format:"date-time"`
}

// TweetDraft is a deliverable counted by the tweet daily quota.
type TweetDraft struct {
	ID             string  `json:"id"`
	AgentID        string  `json:"agent_id"`
	Content        string  `json:"content"`
	Status         string  `json:"status" enum:"draft,posted,approved,rejected"`
	EngagementJSON *string `json:"engagement_json,omitempty"`
	PostedAt       *string `json:"posted_at,omitempty" format:"date-time"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
}

// ContentDraft is a deliverable counted by the content daily quota.
type ContentDraft struct {
	ID        string `json:"id"`
	AgentID   string `json:"agent_id"`
	Title     string `json:"title"`
	Body      string `json:"body,omitempty"`
	Status    string `json:"status" enum:"draft,approved,rejected,published"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// ComplianceUpdate is a regulatory feed item watched by trigger rules.
type ComplianceUpdate struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Summary   string `json:"summary,omitempty"`
	Urgency   string `json:"urgency" enum:"low,medium,high,critical"`
	SourceURL string `json:"source_url,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// IntelItem is a competitor intelligence item watched by trigger rules.
type IntelItem struct {
	ID           string `json:"id"`
	Competitor   string `json:"competitor"`
	Summary      string `json:"summary,omitempty"`
	Significance string `json:"significance" enum:"low,medium,high"`
	SourceURL    string `json:"source_url,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

// APIKey is a hashed worker credential.
type APIKey struct {
	ID        string `json:"id"`
	AgentID   string `json:"agent_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
