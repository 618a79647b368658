// Package event defines the normalized pull-request event model that is
// passed from the ingestion pipeline to downstream consumers.
package event

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/aicodereviewer/webhookd/internal/logfields"
)

// Actions of a pull_request event that providers send.
// The set of actions that lead to processing is configurable, see
// router.New.
const (
	ActionOpened      = "opened"
	ActionSynchronize = "synchronize"
	ActionReopened    = "reopened"
	ActionClosed      = "closed"
)

// PullRequestEvent is the provider-independent representation of a
// pull-request lifecycle event.
// All fields are mandatory, instances returned by a provider Normalizer are
// fully populated and must not be modified afterwards.
type PullRequestEvent struct {
	Action      string      `json:"action" validate:"required"`
	PullRequest PullRequest `json:"pull_request" validate:"required"`
	Repository  Repository  `json:"repository" validate:"required"`
}

type PullRequest struct {
	Number    int    `json:"number" validate:"required,gt=0"`
	Title     string `json:"title" validate:"required"`
	HeadSHA   string `json:"head_sha" validate:"required"`
	BaseSHA   string `json:"base_sha" validate:"required"`
	HTMLURL   string `json:"html_url" validate:"required"`
	UserLogin string `json:"user_login" validate:"required"`
}

type Repository struct {
	Name     string `json:"name" validate:"required"`
	FullName string `json:"full_name" validate:"required"`
	HTMLURL  string `json:"html_url" validate:"required"`
	CloneURL string `json:"clone_url" validate:"required"`
}

func (e *PullRequestEvent) String() string {
	return fmt.Sprintf("%s #%d (%s)", e.Repository.FullName, e.PullRequest.Number, e.Action)
}

// Key identifies the pull request the event belongs to.
// Entries with the same key must be processed in submission order.
func (e *PullRequestEvent) Key() string {
	return fmt.Sprintf("%s#%d", e.Repository.FullName, e.PullRequest.Number)
}

func (e *PullRequestEvent) LogFields() []zap.Field {
	return []zap.Field{
		logfields.Action(e.Action),
		logfields.Repository(e.Repository.FullName),
		logfields.PullRequest(e.PullRequest.Number),
		logfields.Commit(e.PullRequest.HeadSHA),
	}
}
