// Package agent defines the capability the polling worker invokes: process
// one task and return a verdict. Implementations are injected; the engine
// treats them as opaque.
package agent

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/c360studio/taskhive/task"
)

// Kind discriminates verdict variants.
type Kind string

const (
	// KindClarification means the agent needs answers before it can draft.
	KindClarification Kind = "clarification"
	// KindDocument means the agent produced a requirement draft.
	KindDocument Kind = "document"
	// KindFailure means the agent could not process the task.
	KindFailure Kind = "failure"
)

// Verdict is the tagged result of processing one task.
type Verdict struct {
	kind      Kind
	questions []string
	draft     RequirementDraft
	message   string
}

// RequirementDraft is the document produced by a successful run.
type RequirementDraft struct {
	Title    string            `json:"title"`
	Overview string            `json:"overview,omitempty"`
	Sections map[string]string `json:"sections,omitempty"`
}

// Clarification builds a verdict asking the requester the given questions.
func Clarification(questions ...string) Verdict {
	return Verdict{kind: KindClarification, questions: questions}
}

// Document builds a verdict carrying a finished draft.
func Document(draft RequirementDraft) Verdict {
	return Verdict{kind: KindDocument, draft: draft}
}

// Failure builds a verdict reporting why processing failed.
func Failure(message string) Verdict {
	return Verdict{kind: KindFailure, message: message}
}

// Kind returns the variant tag.
func (v Verdict) Kind() Kind { return v.kind }

// NeedsClarification reports whether the verdict asks for answers.
func (v Verdict) NeedsClarification() bool { return v.kind == KindClarification }

// Questions returns the clarification questions, if any.
func (v Verdict) Questions() []string { return v.questions }

// Draft returns the requirement draft of a document verdict.
func (v Verdict) Draft() RequirementDraft { return v.draft }

// Message returns the failure message of a failure verdict.
func (v Verdict) Message() string { return v.message }

// Agent processes one task and returns a verdict. A returned error is
// equivalent to a failure verdict; the task keeps its status and receives
// an error comment.
type Agent interface {
	Process(ctx context.Context, t *task.Task) (Verdict, error)
}

// Static always returns the configured verdict and error. Used by tests and
// the demo wiring.
type Static struct {
	Verdict Verdict
	Err     error
	// Delay simulates processing time before returning.
	Delay time.Duration

	calls atomic.Int64
}

// Process implements Agent.
func (s *Static) Process(ctx context.Context, t *task.Task) (Verdict, error) {
	s.calls.Add(1)
	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
			return Verdict{}, ctx.Err()
		}
	}
	return s.Verdict, s.Err
}

// Calls reports how many times Process has been invoked.
func (s *Static) Calls() int64 { return s.calls.Load() }

var _ Agent = (*Static)(nil)
