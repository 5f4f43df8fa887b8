package state

import (
	"context"
	"fmt"
	"time"

	"github.com/thruflo/loom/internal/linear"
	"github.com/thruflo/loom/internal/logging"
)

// CommentAPI is the slice of the ticket service the store needs.
type CommentAPI interface {
	ListComments(ctx context.Context, issueID string) ([]linear.Comment, error)
	CreateComment(ctx context.Context, issueID, body string) (string, error)
	UpdateComment(ctx context.Context, commentID, body string) error
}

// StoreError reports a failed state load or save. Saves are retried by the
// loop before giving up; a lost comment update must not lose local state.
type StoreError struct {
	Op  string // "load" or "save"
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("state %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Store persists WorkState to a ticket comment, one comment per branch.
type Store struct {
	api CommentAPI
	log *logging.Logger
	now func() time.Time
}

// NewStore returns a Store backed by the given comment API.
func NewStore(api CommentAPI, log *logging.Logger) *Store {
	return &Store{api: api, log: log, now: time.Now}
}

// Load finds and parses the state comment for a branch. Returns nil when
// no state comment exists.
func (s *Store) Load(ctx context.Context, issueUUID, branch string) (*WorkState, error) {
	comments, err := s.api.ListComments(ctx, issueUUID)
	if err != nil {
		return nil, &StoreError{Op: "load", Err: err}
	}
	for _, c := range comments {
		if IsStateComment(c.Body, branch) {
			st := Parse(c.Body)
			st.CommentID = c.ID
			s.log.Debug("loaded state comment", "comment", c.ID, "iterations", st.Iterations)
			return st, nil
		}
	}
	return nil, nil
}

// Save renders the state and writes it to the branch's comment, creating
// the comment on first save. The state's CommentID is updated in place.
func (s *Store) Save(ctx context.Context, issueUUID, branch string, st *WorkState) error {
	body := Render(branch, st, s.now())

	if st.CommentID != "" {
		if err := s.api.UpdateComment(ctx, st.CommentID, body); err != nil {
			return &StoreError{Op: "save", Err: err}
		}
		return nil
	}

	id, err := s.api.CreateComment(ctx, issueUUID, body)
	if err != nil {
		return &StoreError{Op: "save", Err: err}
	}
	st.CommentID = id
	return nil
}

// Append adds extra markdown after the state body, used for the final
// review guide.
func (s *Store) Append(ctx context.Context, issueUUID, branch string, st *WorkState, extra string) error {
	body := Render(branch, st, s.now()) + "\n" + extra
	if st.CommentID == "" {
		id, err := s.api.CreateComment(ctx, issueUUID, body)
		if err != nil {
			return &StoreError{Op: "save", Err: err}
		}
		st.CommentID = id
		return nil
	}
	if err := s.api.UpdateComment(ctx, st.CommentID, body); err != nil {
		return &StoreError{Op: "save", Err: err}
	}
	return nil
}
