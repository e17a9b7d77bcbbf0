package domain

import "time"

// Question is one entry of the quiz content pool.
type Question struct {
	ID   int64
	Text string
	Area string
}

// Option is one labelled answer choice offered to a user.
type Option struct {
	Label string `json:"label"`
	Text  string `json:"text"`
}

// PendingQuestion records a question issued to a user. At most one row per
// user may have AnsweredAt unset; closed rows are kept as history so
// questions are not repeated.
type PendingQuestion struct {
	ID           int64
	UserID       int64
	QuestionID   int64
	QuestionText string
	Options      []Option // in presented (shuffled) order
	CorrectLabel string

	SentAt          time.Time
	AnsweredAt      *time.Time
	UserAnswerLabel string // empty while pending
	IsCorrect       *bool
}

// OptionText returns the text attached to a label, or false if the label
// was not offered.
func (p *PendingQuestion) OptionText(label string) (string, bool) {
	for _, o := range p.Options {
		if o.Label == label {
			return o.Text, true
		}
	}
	return "", false
}

// Answered reports whether the question has already been graded.
func (p *PendingQuestion) Answered() bool {
	return p.AnsweredAt != nil
}
