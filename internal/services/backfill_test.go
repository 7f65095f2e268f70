package services

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/google/go-github/v73/github"
	"github.com/jarcoal/httpmock"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func passthroughRenderer(_ context.Context, authorLogin, body string) (string, slack.Attachment) {
	return authorLogin + ": " + body, slack.Attachment{}
}

// flakyReplier fails the first post and succeeds afterwards.
type flakyReplier struct {
	failFirst bool
	posted    []string
}

func (f *flakyReplier) PostThreadReply(_ context.Context, _, text string, _ ...slack.Attachment) (string, error) {
	if f.failFirst {
		f.failFirst = false
		return "", errors.New("slack unavailable")
	}
	f.posted = append(f.posted, text)
	return "reply-ts", nil
}

func newMockedGitHubClient(t *testing.T) *github.Client {
	t.Helper()
	httpClient := &http.Client{}
	httpmock.ActivateNonDefault(httpClient)
	t.Cleanup(httpmock.DeactivateAndReset)
	return github.NewClient(httpClient)
}

// TestBackfill_ReplaysCommentsInOrder verifies comments are replayed in the
// order the API returns and bot comments are skipped.
func TestBackfill_ReplaysCommentsInOrder(t *testing.T) {
	client := newMockedGitHubClient(t)
	httpmock.RegisterResponder(
		"GET",
		`=~^https://api\.github\.com/repos/acme/widgets/pulls/42/comments`,
		httpmock.NewStringResponder(200, `[
			{"id": 1, "body": "first", "user": {"login": "alice", "type": "User"}},
			{"id": 2, "body": "automated nit", "user": {"login": "lint-bot", "type": "Bot"}},
			{"id": 3, "body": "second", "user": {"login": "bob", "type": "User"}}
		]`),
	)

	replier := &flakyReplier{}
	svc := NewCommentBackfillService()

	err := svc.Replay(context.Background(), client, "acme/widgets", 42, "ts-1", replier, passthroughRenderer)

	require.NoError(t, err)
	assert.Equal(t, []string{"alice: first", "bob: second"}, replier.posted)
}

// TestBackfill_ContinuesAfterReplyFailure verifies a single failed reply is
// skipped and the remaining comments still post in order.
func TestBackfill_ContinuesAfterReplyFailure(t *testing.T) {
	client := newMockedGitHubClient(t)
	httpmock.RegisterResponder(
		"GET",
		`=~^https://api\.github\.com/repos/acme/widgets/pulls/42/comments`,
		httpmock.NewStringResponder(200, `[
			{"id": 1, "body": "first", "user": {"login": "alice", "type": "User"}},
			{"id": 2, "body": "second", "user": {"login": "bob", "type": "User"}}
		]`),
	)

	replier := &flakyReplier{failFirst: true}
	svc := NewCommentBackfillService()

	err := svc.Replay(context.Background(), client, "acme/widgets", 42, "ts-1", replier, passthroughRenderer)

	require.NoError(t, err)
	assert.Equal(t, []string{"bob: second"}, replier.posted)
}

// TestBackfill_FetchFailureAborts verifies a comment listing failure returns
// an error instead of posting a partial replay.
func TestBackfill_FetchFailureAborts(t *testing.T) {
	client := newMockedGitHubClient(t)
	httpmock.RegisterResponder(
		"GET",
		`=~^https://api\.github\.com/repos/acme/widgets/pulls/42/comments`,
		httpmock.NewStringResponder(502, `{"message": "bad gateway"}`),
	)

	replier := &flakyReplier{}
	svc := NewCommentBackfillService()

	err := svc.Replay(context.Background(), client, "acme/widgets", 42, "ts-1", replier, passthroughRenderer)

	require.Error(t, err)
	assert.Empty(t, replier.posted)
}

// TestBackfill_InvalidRepoName verifies malformed repository names are
// rejected before any API call.
func TestBackfill_InvalidRepoName(t *testing.T) {
	svc := NewCommentBackfillService()

	for _, name := range []string{"", "acme", "acme/", "/widgets", "a/b/c"} {
		err := svc.Replay(context.Background(), nil, name, 42, "ts-1", &flakyReplier{}, passthroughRenderer)
		assert.ErrorIs(t, err, ErrInvalidRepoFormat, "repo name %q", name)
	}
}
