package types

import "time"

// StageID names a stage within a workflow.
type StageID string

// Well-known stage identifiers used by the approval workflows.
const (
	StageDraft           StageID = "draft"
	StageUnderReview     StageID = "under_review"
	StageWaitingApproval StageID = "waiting_approval"
	StageForApproval     StageID = "for_approval"
	StageApproved        StageID = "approved"
	StageAuthorized      StageID = "authorized"
	StagePosted          StageID = "posted"
	StageRejected        StageID = "rejected"
	StageCancelled       StageID = "cancelled"
)

// StageKind classifies a stage. Stages whose name is not one of the
// well-known identifiers resolve to KindCustom when a workflow is loaded.
type StageKind int

const (
	KindCustom StageKind = iota
	KindDraft
	KindUnderReview
	KindWaitingApproval
	KindForApproval
	KindApproved
	KindAuthorized
	KindPosted
	KindRejected
	KindCancelled
)

var kindByID = map[StageID]StageKind{
	StageDraft:           KindDraft,
	StageUnderReview:     KindUnderReview,
	StageWaitingApproval: KindWaitingApproval,
	StageForApproval:     KindForApproval,
	StageApproved:        KindApproved,
	StageAuthorized:      KindAuthorized,
	StagePosted:          KindPosted,
	StageRejected:        KindRejected,
	StageCancelled:       KindCancelled,
}

// KindOf resolves a stage identifier to its kind.
func KindOf(id StageID) StageKind {
	if k, ok := kindByID[id]; ok {
		return k
	}
	return KindCustom
}

func (k StageKind) String() string {
	for id, kind := range kindByID {
		if kind == k {
			return string(id)
		}
	}
	return "custom"
}

// Edge is an outgoing transition from a stage.
type Edge struct {
	To        StageID `json:"to" yaml:"to"`
	Condition string  `json:"condition,omitempty" yaml:"condition,omitempty"` // boolean expression over entity attributes; empty means always
}

// Stage is one named step of a workflow.
type Stage struct {
	Name              StageID   `json:"name" yaml:"name"`
	Sequence          int       `json:"sequence" yaml:"sequence"`
	Kind              StageKind `json:"kind" yaml:"-"`
	Next              []Edge    `json:"next,omitempty" yaml:"next,omitempty"`
	ResponsibleRole   string    `json:"responsible_role,omitempty" yaml:"responsible_role,omitempty"`
	ResponsibleActors []string  `json:"responsible_actors,omitempty" yaml:"responsible_actors,omitempty"`
	Editable          bool      `json:"editable,omitempty" yaml:"editable,omitempty"`
}

// Terminal reports whether the stage has no outgoing transitions.
func (s Stage) Terminal() bool {
	return len(s.Next) == 0
}

// Clone returns a copy of s that shares no slices with it.
func (s Stage) Clone() Stage {
	s.Next = append([]Edge(nil), s.Next...)
	s.ResponsibleActors = append([]string(nil), s.ResponsibleActors...)
	return s
}

// Workflow defines the stage graph for one kind of governed record.
type Workflow struct {
	Name    string  `json:"name" yaml:"name"`
	Initial StageID `json:"initial" yaml:"initial"`
	Stages  []Stage `json:"stages" yaml:"stages"`
}

// Entity is a business record governed by a workflow.
type Entity struct {
	ID            uint64                 `json:"id"`
	Workflow      string                 `json:"workflow"`
	CurrentStage  StageID                `json:"current_stage"`
	AssignedActor string                 `json:"assigned_actor,omitempty"`
	Attributes    map[string]interface{} `json:"attributes,omitempty"`
	Token         string                 `json:"token,omitempty"`
	Version       uint64                 `json:"version"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// TransitionRecord is one immutable audit entry.
type TransitionRecord struct {
	ID        uint64    `json:"id"`
	EntityID  uint64    `json:"entity_id"`
	Workflow  string    `json:"workflow"`
	Actor     string    `json:"actor"`
	Timestamp time.Time `json:"timestamp"`
	FromStage StageID   `json:"from_stage"`
	ToStage   StageID   `json:"to_stage"`
	Note      string    `json:"note,omitempty"`
}

// Actor identifies the party invoking an operation.
type Actor struct {
	ID    string   `json:"id"`
	Roles []string `json:"roles,omitempty"`
}

// Authenticated reports whether the actor carries an identity.
func (a Actor) Authenticated() bool {
	return a.ID != ""
}

// HasRole reports whether the actor holds role.
func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HistoryFilter narrows a history query. Zero values disable a filter.
type HistoryFilter struct {
	Since       time.Time
	Until       time.Time
	Actor       string
	Limit       int
	OldestFirst bool
}

// Match reports whether rec passes the time and actor filters.
func (f HistoryFilter) Match(rec TransitionRecord) bool {
	if !f.Since.IsZero() && rec.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && rec.Timestamp.After(f.Until) {
		return false
	}
	if f.Actor != "" && rec.Actor != f.Actor {
		return false
	}
	return true
}
