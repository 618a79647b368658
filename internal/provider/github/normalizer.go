// Package github implements signature verification and payload
// normalization for webhook events sent by GitHub.
package github

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/aicodereviewer/webhookd/internal/event"
	"github.com/aicodereviewer/webhookd/internal/provider"
)

// EventTypePullRequest is the value of the X-GitHub-Event header for
// pull-request lifecycle events.
const EventTypePullRequest = "pull_request"

// Wire representation of the fields of a GitHub pull_request event payload
// that are mapped into the internal model.
// Unknown fields are ignored for forward compatibility.
type wirePayload struct {
	Action      string           `json:"action"`
	PullRequest *wirePullRequest `json:"pull_request"`
	Repository  *wireRepository  `json:"repository"`
}

type wirePullRequest struct {
	Number  int            `json:"number"`
	Title   string         `json:"title"`
	HTMLURL string         `json:"html_url"`
	Head    *wireCommitRef `json:"head"`
	Base    *wireCommitRef `json:"base"`
	User    *wireUser      `json:"user"`
}

type wireCommitRef struct {
	SHA string `json:"sha"`
}

type wireUser struct {
	Login string `json:"login"`
}

type wireRepository struct {
	Name     string `json:"name"`
	FullName string `json:"full_name"`
	HTMLURL  string `json:"html_url"`
	CloneURL string `json:"clone_url"`
}

// wireFieldNames maps the struct namespace of a validation failure back to
// the field path in the GitHub payload.
var wireFieldNames = map[string]string{
	"PullRequestEvent.Action":                "action",
	"PullRequestEvent.PullRequest":           "pull_request",
	"PullRequestEvent.PullRequest.Number":    "pull_request.number",
	"PullRequestEvent.PullRequest.Title":     "pull_request.title",
	"PullRequestEvent.PullRequest.HeadSHA":   "pull_request.head.sha",
	"PullRequestEvent.PullRequest.BaseSHA":   "pull_request.base.sha",
	"PullRequestEvent.PullRequest.HTMLURL":   "pull_request.html_url",
	"PullRequestEvent.PullRequest.UserLogin": "pull_request.user.login",
	"PullRequestEvent.Repository":            "repository",
	"PullRequestEvent.Repository.Name":       "repository.name",
	"PullRequestEvent.Repository.FullName":   "repository.full_name",
	"PullRequestEvent.Repository.HTMLURL":    "repository.html_url",
	"PullRequestEvent.Repository.CloneURL":   "repository.clone_url",
}

// Normalizer converts GitHub pull_request webhook payloads into the internal
// event model.
// It implements provider.Normalizer.
type Normalizer struct {
	validate *validator.Validate
}

func NewNormalizer() *Normalizer {
	return &Normalizer{
		validate: validator.New(),
	}
}

// Normalize parses rawJSON as a GitHub pull_request payload.
// On success a fully populated event is returned.
// If a required field is missing or malformed, a *provider.ValidationError
// naming the first offending field is returned, an event is never partially
// constructed.
func (n *Normalizer) Normalize(eventType string, rawJSON []byte) (*event.PullRequestEvent, error) {
	if eventType != EventTypePullRequest {
		return nil, &provider.ValidationError{
			Field: "event_type",
			Err:   fmt.Errorf("unsupported event type: %q", eventType),
		}
	}

	var wire wirePayload
	if err := json.Unmarshal(rawJSON, &wire); err != nil {
		return nil, &provider.ValidationError{Field: "body", Err: err}
	}

	ev := event.PullRequestEvent{
		Action: wire.Action,
	}

	if pr := wire.PullRequest; pr != nil {
		ev.PullRequest = event.PullRequest{
			Number:  pr.Number,
			Title:   pr.Title,
			HTMLURL: pr.HTMLURL,
		}

		if pr.Head != nil {
			ev.PullRequest.HeadSHA = pr.Head.SHA
		}

		if pr.Base != nil {
			ev.PullRequest.BaseSHA = pr.Base.SHA
		}

		if pr.User != nil {
			ev.PullRequest.UserLogin = pr.User.Login
		}
	}

	if repo := wire.Repository; repo != nil {
		ev.Repository = event.Repository{
			Name:     repo.Name,
			FullName: repo.FullName,
			HTMLURL:  repo.HTMLURL,
			CloneURL: repo.CloneURL,
		}
	}

	if err := n.validate.Struct(&ev); err != nil {
		return nil, asValidationError(err)
	}

	return &ev, nil
}

// asValidationError converts the first field failure reported by the
// validator into a *provider.ValidationError with the field path in GitHub
// payload notation.
func asValidationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &provider.ValidationError{Field: "body", Err: err}
	}

	first := fieldErrs[0]

	fieldName, exist := wireFieldNames[first.StructNamespace()]
	if !exist {
		fieldName = first.StructNamespace()
	}

	return &provider.ValidationError{
		Field: fieldName,
		Err:   fmt.Errorf("failed validation: %s", first.Tag()),
	}
}
