package types

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Size limits for advisory code snapshots and relay payloads.
const (
	MaxCodeBytes         = 256 * 1024
	MaxEventPayloadBytes = 256 * 1024
	maxProblemTitleLen   = 200
)

var userIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// IsValidUserID checks the user reference format.
func IsValidUserID(userID string) bool {
	if len(userID) < 1 || len(userID) > 64 {
		return false
	}
	return userIDRegex.MatchString(userID)
}

// NormalizeDifficulty maps free-form input onto the difficulty enum.
// Empty input is easy; unknown input is medium.
func NormalizeDifficulty(raw string) Difficulty {
	switch Difficulty(strings.ToLower(strings.TrimSpace(raw))) {
	case "", DifficultyEasy:
		return DifficultyEasy
	case DifficultyMedium:
		return DifficultyMedium
	case DifficultyHard:
		return DifficultyHard
	default:
		return DifficultyMedium
	}
}

// NormalizeProblem trims the title and normalizes the difficulty.
func NormalizeProblem(title, difficulty string) (Problem, error) {
	title = strings.TrimSpace(title)
	if title == "" || len(title) > maxProblemTitleLen {
		return Problem{}, ErrInvalidProblem
	}
	return Problem{Title: title, Difficulty: NormalizeDifficulty(difficulty)}, nil
}

// NormalizeProblemList normalizes every entry and rejects an empty list.
// Titles are unique; the first occurrence of a title wins.
func NormalizeProblemList(list []Problem) ([]Problem, error) {
	if len(list) == 0 {
		return nil, ErrEmptyProblemList
	}
	out := make([]Problem, 0, len(list))
	seen := make(map[string]bool, len(list))
	for _, p := range list {
		np, err := NormalizeProblem(p.Title, string(p.Difficulty))
		if err != nil {
			return nil, err
		}
		if seen[np.Title] {
			continue
		}
		seen[np.Title] = true
		out = append(out, np)
	}
	return out, nil
}

// FindProblem returns the queue entry with title.
func FindProblem(list []Problem, title string) (Problem, bool) {
	for _, p := range list {
		if p.Title == title {
			return p, true
		}
	}
	return Problem{}, false
}

// ParseLanguage resolves a language name; empty defaults to javascript.
func ParseLanguage(raw string) (Language, error) {
	switch l := Language(strings.ToLower(strings.TrimSpace(raw))); l {
	case "":
		return LanguageJavaScript, nil
	case LanguageJavaScript, LanguagePython, LanguageJava, LanguageCPP, LanguageGo:
		return l, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidLanguage, raw)
	}
}

// ParseVisibility resolves a visibility; empty defaults to private.
func ParseVisibility(raw string) (Visibility, error) {
	switch v := Visibility(strings.ToLower(strings.TrimSpace(raw))); v {
	case "":
		return VisibilityPrivate, nil
	case VisibilityPrivate, VisibilityPublic:
		return v, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidVisibility, raw)
	}
}

// ClampCapacity applies the default for zero and clamps into [2,10].
func ClampCapacity(requested, fallback int) int {
	n := requested
	if n == 0 {
		n = fallback
	}
	if n < MinRoomCapacity {
		return MinRoomCapacity
	}
	if n > MaxRoomCapacity {
		return MaxRoomCapacity
	}
	return n
}

// IsValidFocusKind checks the proctoring violation kind.
func IsValidFocusKind(kind string) bool {
	return kind == FocusKindTabSwitch || kind == FocusKindFullscreenExit
}

// ProblemInput accepts either a bare title string or a {title, difficulty}
// object and decodes both into a Problem.
type ProblemInput struct {
	Problem
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *ProblemInput) UnmarshalJSON(data []byte) error {
	var title string
	if err := json.Unmarshal(data, &title); err == nil {
		p.Problem = Problem{Title: title}
		return nil
	}
	var obj struct {
		Title      string `json:"title"`
		Difficulty string `json:"difficulty"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("%w: problem must be a string or {title, difficulty}", ErrValidation)
	}
	p.Problem = Problem{Title: obj.Title, Difficulty: Difficulty(obj.Difficulty)}
	return nil
}

// Problems unwraps a slice of inputs.
func Problems(inputs []ProblemInput) []Problem {
	out := make([]Problem, 0, len(inputs))
	for _, in := range inputs {
		out = append(out, in.Problem)
	}
	return out
}
