package domain

import "time"

// QuestionStatus is the lifecycle status of a PendingQuestion.
type QuestionStatus string

const (
	QuestionPending  QuestionStatus = "pending"
	QuestionAnswered QuestionStatus = "answered"
)

// QuestionOption is one of the selectable answers a worker question may
// declare.
type QuestionOption struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// PendingQuestion is a worker request for human input that suspends
// forward progress on that worker until answered or timed out.
type PendingQuestion struct {
	QuestionID string
	WorkerID   string
	Text       string
	Options    []QuestionOption
	AskedAt    time.Time
	AnsweredAt *time.Time
	Answer     string
	Status     QuestionStatus
}

// HasOptions reports whether the question declared a closed answer set.
func (q *PendingQuestion) HasOptions() bool {
	return len(q.Options) > 0
}

// IsValidOption reports whether answer matches one of the declared option
// IDs. Always true when the question declared no options.
func (q *PendingQuestion) IsValidOption(answer string) bool {
	if !q.HasOptions() {
		return true
	}
	for _, opt := range q.Options {
		if opt.ID == answer {
			return true
		}
	}
	return false
}

// DuplicateOptionID returns the first option ID that appears more than
// once, or "" if all option IDs are unique.
func DuplicateOptionID(options []QuestionOption) string {
	seen := make(map[string]bool, len(options))
	for _, opt := range options {
		if seen[opt.ID] {
			return opt.ID
		}
		seen[opt.ID] = true
	}
	return ""
}
