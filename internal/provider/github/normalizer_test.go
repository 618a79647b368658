package github

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aicodereviewer/webhookd/internal/event"
	"github.com/aicodereviewer/webhookd/internal/provider"
)

// prPayload returns a pull_request payload with all mapped fields set, as a
// mutable map so testcases can remove or overwrite fields.
func prPayload() map[string]any {
	return map[string]any{
		"action": "opened",
		"pull_request": map[string]any{
			"number":   7,
			"title":    "Add retry handling",
			"html_url": "https://github.com/acme/billing/pull/7",
			"head":     map[string]any{"sha": "8ad9dec4298f6b8f020997373cf4fe22005f2c06"},
			"base":     map[string]any{"sha": "58e7c410c97fd1749264b3f7bcb91b6ff16c8a6c"},
			"user":     map[string]any{"login": "jdoe"},
		},
		"repository": map[string]any{
			"name":      "billing",
			"full_name": "acme/billing",
			"html_url":  "https://github.com/acme/billing",
			"clone_url": "https://github.com/acme/billing.git",
		},
	}
}

func marshalPayload(t *testing.T, payload map[string]any) []byte {
	t.Helper()

	data, err := json.Marshal(payload)
	require.NoError(t, err)

	return data
}

func TestNormalizeMapsAllFields(t *testing.T) {
	normalizer := NewNormalizer()

	ev, err := normalizer.Normalize(EventTypePullRequest, marshalPayload(t, prPayload()))
	require.NoError(t, err)
	require.NotNil(t, ev)

	assert.Equal(t, &event.PullRequestEvent{
		Action: event.ActionOpened,
		PullRequest: event.PullRequest{
			Number:    7,
			Title:     "Add retry handling",
			HeadSHA:   "8ad9dec4298f6b8f020997373cf4fe22005f2c06",
			BaseSHA:   "58e7c410c97fd1749264b3f7bcb91b6ff16c8a6c",
			HTMLURL:   "https://github.com/acme/billing/pull/7",
			UserLogin: "jdoe",
		},
		Repository: event.Repository{
			Name:     "billing",
			FullName: "acme/billing",
			HTMLURL:  "https://github.com/acme/billing",
			CloneURL: "https://github.com/acme/billing.git",
		},
	}, ev)
	assert.Equal(t, "acme/billing#7", ev.Key())
}

func TestNormalizeRejectsIncompletePayloads(t *testing.T) {
	testcases := []struct {
		name          string
		mutate        func(payload map[string]any)
		expectedField string
	}{
		{
			name: "missingAction",
			mutate: func(payload map[string]any) {
				delete(payload, "action")
			},
			expectedField: "action",
		},
		{
			name: "missingPullRequest",
			mutate: func(payload map[string]any) {
				delete(payload, "pull_request")
			},
			expectedField: "pull_request",
		},
		{
			name: "missingHeadSHA",
			mutate: func(payload map[string]any) {
				delete(payload["pull_request"].(map[string]any), "head")
			},
			expectedField: "pull_request.head.sha",
		},
		{
			name: "missingUserLogin",
			mutate: func(payload map[string]any) {
				delete(payload["pull_request"].(map[string]any), "user")
			},
			expectedField: "pull_request.user.login",
		},
		{
			name: "nonPositiveNumber",
			mutate: func(payload map[string]any) {
				payload["pull_request"].(map[string]any)["number"] = 0
			},
			expectedField: "pull_request.number",
		},
		{
			name: "missingRepository",
			mutate: func(payload map[string]any) {
				delete(payload, "repository")
			},
			expectedField: "repository",
		},
		{
			name: "missingRepositoryFullName",
			mutate: func(payload map[string]any) {
				delete(payload["repository"].(map[string]any), "full_name")
			},
			expectedField: "repository.full_name",
		},
	}

	normalizer := NewNormalizer()

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			payload := prPayload()
			tc.mutate(payload)

			ev, err := normalizer.Normalize(EventTypePullRequest, marshalPayload(t, payload))
			require.Error(t, err)
			assert.Nil(t, ev)

			var validationErr *provider.ValidationError
			require.ErrorAs(t, err, &validationErr)
			assert.Equal(t, tc.expectedField, validationErr.Field)
		})
	}
}

func TestNormalizeMalformedJSON(t *testing.T) {
	normalizer := NewNormalizer()

	ev, err := normalizer.Normalize(EventTypePullRequest, []byte(`{"action":`))
	require.Error(t, err)
	assert.Nil(t, ev)

	var validationErr *provider.ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "body", validationErr.Field)
}

func TestNormalizeUnsupportedEventType(t *testing.T) {
	normalizer := NewNormalizer()

	ev, err := normalizer.Normalize("issues", marshalPayload(t, prPayload()))
	require.Error(t, err)
	assert.Nil(t, ev)

	var validationErr *provider.ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "event_type", validationErr.Field)
}
