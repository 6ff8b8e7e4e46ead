package types

import (
	"time"
)

// Difficulty of a problem in a session queue.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// Language is the editor language of a session. The set is fixed.
type Language string

const (
	LanguageJavaScript Language = "javascript"
	LanguagePython     Language = "python"
	LanguageJava       Language = "java"
	LanguageCPP        Language = "cpp"
	LanguageGo         Language = "go"
)

// Visibility controls whether a session shows up in the public listing.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

// Status of a session record.
//
// StatusProvisioning marks the tentative record written while the session is
// still being created. It is never observable through the public operations.
type Status string

const (
	StatusProvisioning Status = "provisioning"
	StatusActive       Status = "active"
	StatusCompleted    Status = "completed"
)

// Focus violation kinds reported by proctored clients.
const (
	FocusKindTabSwitch      = "tab-switch"
	FocusKindFullscreenExit = "fullscreen-exit"
)

// Room roles assigned to relay connections.
const (
	RoleHost        = "host"
	RoleParticipant = "participant"
)

// Capacity bounds for a session, host included.
const (
	MinRoomCapacity     = 2
	MaxRoomCapacity     = 10
	DefaultRoomCapacity = 2
)

// Problem is the single value type for a queue entry.
type Problem struct {
	Title      string     `json:"title" bson:"title"`
	Difficulty Difficulty `json:"difficulty" bson:"difficulty"`
}

// FocusEvent is one durable proctoring log entry.
type FocusEvent struct {
	UserID    string    `json:"user_id" bson:"userId"`
	Kind      string    `json:"kind" bson:"kind"`
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`
}

// Session is the unit of collaboration. CallID is the room key shared by the
// video room, the chat channel and the relay.
type Session struct {
	ID               string       `json:"id" bson:"_id"`
	CallID           string       `json:"call_id" bson:"callId"`
	HostID           string       `json:"host_id" bson:"hostId"`
	Participants     []string     `json:"participants" bson:"participants"`
	MaxParticipants  int          `json:"max_participants" bson:"maxParticipants"`
	ProblemList      []Problem    `json:"problem_list" bson:"problemList"`
	ActiveProblem    string       `json:"active_problem" bson:"activeProblem"`
	ActiveDifficulty Difficulty   `json:"active_difficulty" bson:"activeDifficulty"`
	Language         Language     `json:"language" bson:"language"`
	Visibility       Visibility   `json:"visibility" bson:"visibility"`
	Code             string       `json:"code" bson:"code"`
	Status           Status       `json:"status" bson:"status"`
	FocusModeEnabled bool         `json:"focus_mode_enabled" bson:"focusModeEnabled"`
	FocusEvents      []FocusEvent `json:"focus_events" bson:"focusEvents"`
	CreatedAt        time.Time    `json:"created_at" bson:"createdAt"`
	UpdatedAt        time.Time    `json:"updated_at" bson:"updatedAt"`
	EndedAt          *time.Time   `json:"ended_at,omitempty" bson:"endedAt,omitempty"`
	Version          int64        `json:"version" bson:"version"`
}

// Clone returns a deep copy so callers can mutate without aliasing stored slices.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Participants = append([]string(nil), s.Participants...)
	c.ProblemList = append([]Problem(nil), s.ProblemList...)
	c.FocusEvents = append([]FocusEvent(nil), s.FocusEvents...)
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// IsHost reports whether userID owns the session.
func (s *Session) IsHost(userID string) bool {
	return userID != "" && s.HostID == userID
}

// IsParticipant reports whether userID has been admitted (host excluded).
func (s *Session) IsParticipant(userID string) bool {
	for _, p := range s.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// IsMember reports whether userID is the host or an admitted participant.
func (s *Session) IsMember(userID string) bool {
	return s.IsHost(userID) || s.IsParticipant(userID)
}

// RoleOf returns the room role of a member, or "" for non-members.
func (s *Session) RoleOf(userID string) string {
	switch {
	case s.IsHost(userID):
		return RoleHost
	case s.IsParticipant(userID):
		return RoleParticipant
	default:
		return ""
	}
}

// Occupancy counts the host plus participants.
func (s *Session) Occupancy() int {
	return 1 + len(s.Participants)
}

// HasProblem reports whether title is present in the problem queue.
func (s *Session) HasProblem(title string) bool {
	for _, p := range s.ProblemList {
		if p.Title == title {
			return true
		}
	}
	return false
}

// Identity is a user reference as known to the identity directory.
type Identity struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Image string `json:"image,omitempty"`
}

// SessionSpec is the input of session creation.
type SessionSpec struct {
	Host            Identity       `json:"host"`
	Problem         string         `json:"problem"`
	Difficulty      string         `json:"difficulty"`
	Problems        []ProblemInput `json:"problems,omitempty"`
	MaxParticipants int            `json:"max_participants"`
	Language        string         `json:"language"`
	Visibility      string         `json:"visibility"`
}

// Outcome of a single saga or best-effort step.
type Outcome string

const (
	OutcomeOK                 Outcome = "ok"
	OutcomeFailed             Outcome = "failed"
	OutcomeCompensated        Outcome = "compensated"
	OutcomeCompensationFailed Outcome = "compensation_failed"
	OutcomeSkipped            Outcome = "skipped"
)

// StepResult records what happened to one named step.
type StepResult struct {
	Step    string  `json:"step"`
	Outcome Outcome `json:"outcome"`
	Error   string  `json:"error,omitempty"`
}

// JoinResult is returned by admission. SideEffects lists the best-effort
// external membership steps and their outcomes.
type JoinResult struct {
	Session       *Session     `json:"session"`
	AlreadyMember bool         `json:"already_member"`
	SideEffects   []StepResult `json:"side_effects"`
}

// EndResult is returned by teardown.
type EndResult struct {
	Session     *Session     `json:"session"`
	SideEffects []StepResult `json:"side_effects"`
}
