package services

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-github/v73/github"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"review-corral/internal/models"
)

type fakeThreadRegistry struct {
	thread      *models.PullRequestThread
	getErr      error
	claimResult *ClaimResult
	claimErr    error
	completeErr error

	created   []*models.PullRequestThread
	completed []string
	released  []string
	draftSets []bool
	closed    int
}

func (f *fakeThreadRegistry) GetThread(_ context.Context, _ string, _ int64) (*models.PullRequestThread, error) {
	return f.thread, f.getErr
}

func (f *fakeThreadRegistry) CreateDraftThread(_ context.Context, thread *models.PullRequestThread) error {
	f.created = append(f.created, thread)
	return nil
}

func (f *fakeThreadRegistry) ClaimThread(_ context.Context, _ *models.PullRequestThread, claimID string) (*ClaimResult, error) {
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	if f.claimResult != nil {
		return f.claimResult, nil
	}
	return &ClaimResult{Won: true}, nil
}

func (f *fakeThreadRegistry) CompleteClaim(_ context.Context, _ string, _ int64, claimID, threadTS string) error {
	if f.completeErr != nil {
		return f.completeErr
	}
	f.completed = append(f.completed, fmt.Sprintf("%s:%s", claimID, threadTS))
	return nil
}

func (f *fakeThreadRegistry) ReleaseClaim(_ context.Context, _ string, _ int64, claimID string) error {
	f.released = append(f.released, claimID)
	return nil
}

func (f *fakeThreadRegistry) SetThreadDraft(_ context.Context, _ string, _ int64, isDraft bool) error {
	f.draftSets = append(f.draftSets, isDraft)
	return nil
}

func (f *fakeThreadRegistry) MarkThreadClosed(_ context.Context, _ string, _ int64) error {
	f.closed++
	return nil
}

type postedReply struct {
	threadTS string
	text     string
}

type fakeThreadPoster struct {
	rootTS   string
	rootErr  error
	replyErr error

	roots   []string
	replies []postedReply
}

func (f *fakeThreadPoster) PostThreadRoot(_ context.Context, text string, _ ...slack.Attachment) (string, error) {
	if f.rootErr != nil {
		return "", f.rootErr
	}
	f.roots = append(f.roots, text)
	return f.rootTS, nil
}

func (f *fakeThreadPoster) PostThreadReply(_ context.Context, threadTS, text string, _ ...slack.Attachment) (string, error) {
	if f.replyErr != nil {
		return "", f.replyErr
	}
	f.replies = append(f.replies, postedReply{threadTS: threadTS, text: text})
	return "reply-ts", nil
}

type backfillCall struct {
	repoFullName string
	prNumber     int
	threadTS     string
}

type fakeBackfiller struct {
	calls []backfillCall
	err   error
}

func (f *fakeBackfiller) Replay(
	_ context.Context, _ *github.Client, repoFullName string, prNumber int, threadTS string,
	_ ThreadReplier, _ CommentRenderer,
) error {
	f.calls = append(f.calls, backfillCall{repoFullName: repoFullName, prNumber: prNumber, threadTS: threadTS})
	return f.err
}

type fakeClientSource struct{}

func (fakeClientSource) InstallationClient(_ int64) (*github.Client, error) {
	return github.NewClient(nil), nil
}

// staticDisplay resolves every login to @login, no store involved.
type staticDisplay struct{}

func (staticDisplay) Mention(_ context.Context, _ string, githubLogin string) string {
	return "@" + githubLogin
}

type lifecycleFixture struct {
	registry *fakeThreadRegistry
	poster   *fakeThreadPoster
	backfill *fakeBackfiller
	service  *LifecycleService
	ec       *EventContext
}

func newLifecycleFixture() *lifecycleFixture {
	registry := &fakeThreadRegistry{}
	poster := &fakeThreadPoster{rootTS: "1700000000.000100"}
	backfill := &fakeBackfiller{}
	service := NewLifecycleService(registry, backfill, fakeClientSource{}, staticDisplay{})

	return &lifecycleFixture{
		registry: registry,
		poster:   poster,
		backfill: backfill,
		service:  service,
		ec: &EventContext{
			Org:         &models.Organization{ID: "acme", InstallationID: 77},
			Integration: &models.SlackIntegration{OrganizationID: "acme", ChannelID: "C1", AccessToken: "xoxb"},
			Poster:      poster,
		},
	}
}

func prEvent(action string, mutate ...func(*github.PullRequestEvent)) *github.PullRequestEvent {
	ev := &github.PullRequestEvent{
		Action: github.Ptr(action),
		Repo: &github.Repository{
			ID:       github.Ptr(int64(1001)),
			FullName: github.Ptr("acme/widgets"),
		},
		Sender: &github.User{Login: github.Ptr("octocat"), Type: github.Ptr("User")},
		PullRequest: &github.PullRequest{
			ID:      github.Ptr(int64(555)),
			Number:  github.Ptr(42),
			Title:   github.Ptr("Add rate limiting"),
			HTMLURL: github.Ptr("https://github.com/acme/widgets/pull/42"),
			Body:    github.Ptr("token bucket"),
			Draft:   github.Ptr(false),
			User:    &github.User{Login: github.Ptr("octocat"), Type: github.Ptr("User")},
			Base:    &github.PullRequestBranch{Ref: github.Ptr("main")},
		},
	}
	for _, m := range mutate {
		m(ev)
	}
	return ev
}

// TestLifecycle_DraftOpenedSuppressed verifies a draft PR is recorded but
// nothing is posted to Slack.
func TestLifecycle_DraftOpenedSuppressed(t *testing.T) {
	fx := newLifecycleFixture()
	ev := prEvent("opened", func(ev *github.PullRequestEvent) {
		ev.PullRequest.Draft = github.Ptr(true)
	})

	err := fx.service.HandlePullRequestEvent(context.Background(), fx.ec, ev)

	require.NoError(t, err)
	assert.Empty(t, fx.poster.roots)
	assert.Empty(t, fx.poster.replies)
	require.Len(t, fx.registry.created, 1)
	assert.True(t, fx.registry.created[0].IsDraft)
	assert.Equal(t, int64(555), fx.registry.created[0].PullRequestID)
}

// TestLifecycle_OpenedCreatesThread verifies the happy path: claim won, root
// posted, claim completed with the root timestamp, backfill run.
func TestLifecycle_OpenedCreatesThread(t *testing.T) {
	fx := newLifecycleFixture()

	err := fx.service.HandlePullRequestEvent(context.Background(), fx.ec, prEvent("opened"))

	require.NoError(t, err)
	require.Len(t, fx.poster.roots, 1)
	assert.Equal(t, "Pull request opened by @octocat", fx.poster.roots[0])
	require.Len(t, fx.registry.completed, 1)
	assert.Contains(t, fx.registry.completed[0], ":1700000000.000100")
	require.Len(t, fx.backfill.calls, 1)
	assert.Equal(t, backfillCall{
		repoFullName: "acme/widgets",
		prNumber:     42,
		threadTS:     "1700000000.000100",
	}, fx.backfill.calls[0])
	assert.Empty(t, fx.registry.released)
}

// TestLifecycle_OpenedPostsReviewerNotices verifies one notice per requested
// reviewer of type User, with team reviewers skipped.
func TestLifecycle_OpenedPostsReviewerNotices(t *testing.T) {
	fx := newLifecycleFixture()
	ev := prEvent("opened", func(ev *github.PullRequestEvent) {
		ev.PullRequest.RequestedReviewers = []*github.User{
			{Login: github.Ptr("alice"), Type: github.Ptr("User")},
			{Login: github.Ptr("platform-team"), Type: github.Ptr("Team")},
			{Login: github.Ptr("bob"), Type: github.Ptr("User")},
		}
	})

	err := fx.service.HandlePullRequestEvent(context.Background(), fx.ec, ev)

	require.NoError(t, err)
	require.Len(t, fx.poster.replies, 2)
	assert.Equal(t, "Review requested from @alice", fx.poster.replies[0].text)
	assert.Equal(t, "Review requested from @bob", fx.poster.replies[1].text)
	assert.Equal(t, "1700000000.000100", fx.poster.replies[0].threadTS)
}

// TestLifecycle_DuplicateReadyPostsNotice verifies that a ready signal for a
// PR that already has a thread posts a lightweight reply instead of a second
// root message.
func TestLifecycle_DuplicateReadyPostsNotice(t *testing.T) {
	fx := newLifecycleFixture()
	fx.registry.thread = &models.PullRequestThread{
		PullRequestID: 555,
		ThreadTS:      "1600000000.000200",
		IsDraft:       true,
	}

	err := fx.service.HandlePullRequestEvent(context.Background(), fx.ec, prEvent("ready_for_review"))

	require.NoError(t, err)
	assert.Empty(t, fx.poster.roots)
	require.Len(t, fx.poster.replies, 1)
	assert.Equal(t, "1600000000.000200", fx.poster.replies[0].threadTS)
	assert.Equal(t, "@octocat marked this pull request as ready for review", fx.poster.replies[0].text)
	assert.Equal(t, []bool{false}, fx.registry.draftSets)
}

// TestLifecycle_ClaimLostWithExistingThread verifies the loser of the
// creation race replies into the winner's thread.
func TestLifecycle_ClaimLostWithExistingThread(t *testing.T) {
	fx := newLifecycleFixture()
	fx.registry.claimResult = &ClaimResult{
		Won:      false,
		Existing: &models.PullRequestThread{PullRequestID: 555, ThreadTS: "1600000000.000300"},
	}

	err := fx.service.HandlePullRequestEvent(context.Background(), fx.ec, prEvent("opened"))

	require.NoError(t, err)
	assert.Empty(t, fx.poster.roots)
	require.Len(t, fx.poster.replies, 1)
	assert.Equal(t, "1600000000.000300", fx.poster.replies[0].threadTS)
}

// TestLifecycle_ClaimLostInFlightDropsEvent verifies the loser drops the
// event entirely while the winner's root post is still in flight.
func TestLifecycle_ClaimLostInFlightDropsEvent(t *testing.T) {
	fx := newLifecycleFixture()
	fx.registry.claimResult = &ClaimResult{
		Won:      false,
		Existing: &models.PullRequestThread{PullRequestID: 555, ClaimID: "other-claim"},
	}

	err := fx.service.HandlePullRequestEvent(context.Background(), fx.ec, prEvent("opened"))

	require.NoError(t, err)
	assert.Empty(t, fx.poster.roots)
	assert.Empty(t, fx.poster.replies)
}

// TestLifecycle_RootPostFailureReleasesClaim verifies the root-post failure
// path: the claim is released and the error propagates so the delivery can
// be retried, and no thread timestamp is ever persisted.
func TestLifecycle_RootPostFailureReleasesClaim(t *testing.T) {
	fx := newLifecycleFixture()
	fx.poster.rootErr = errors.New("slack unavailable")

	err := fx.service.HandlePullRequestEvent(context.Background(), fx.ec, prEvent("opened"))

	require.Error(t, err)
	assert.Len(t, fx.registry.released, 1)
	assert.Empty(t, fx.registry.completed)
	assert.Empty(t, fx.backfill.calls)
}

// TestLifecycle_BackfillFailureDoesNotFailEvent verifies the backfill is
// best-effort: its error never propagates to the webhook response.
func TestLifecycle_BackfillFailureDoesNotFailEvent(t *testing.T) {
	fx := newLifecycleFixture()
	fx.backfill.err = errors.New("github unavailable")

	err := fx.service.HandlePullRequestEvent(context.Background(), fx.ec, prEvent("opened"))

	require.NoError(t, err)
	require.Len(t, fx.registry.completed, 1)
}

// TestLifecycle_ReplyEventsWithoutThreadAreDropped verifies events that need
// an existing thread become no-ops when none exists.
func TestLifecycle_ReplyEventsWithoutThreadAreDropped(t *testing.T) {
	for _, action := range []string{"synchronize", "closed", "reopened", "converted_to_draft"} {
		t.Run(action, func(t *testing.T) {
			fx := newLifecycleFixture()

			err := fx.service.HandlePullRequestEvent(context.Background(), fx.ec, prEvent(action))

			require.NoError(t, err)
			assert.Empty(t, fx.poster.roots)
			assert.Empty(t, fx.poster.replies)
		})
	}
}

// TestLifecycle_ClosedMerged verifies the merged close message and that the
// thread row is marked closed but retained.
func TestLifecycle_ClosedMerged(t *testing.T) {
	fx := newLifecycleFixture()
	fx.registry.thread = &models.PullRequestThread{PullRequestID: 555, ThreadTS: "ts-1"}
	ev := prEvent("closed", func(ev *github.PullRequestEvent) {
		ev.PullRequest.Merged = github.Ptr(true)
	})

	err := fx.service.HandlePullRequestEvent(context.Background(), fx.ec, ev)

	require.NoError(t, err)
	require.Len(t, fx.poster.replies, 1)
	assert.Equal(t, "Pull request merged by @octocat", fx.poster.replies[0].text)
	assert.Equal(t, 1, fx.registry.closed)
}

// TestLifecycle_ClosedUnmerged verifies the unmerged close message.
func TestLifecycle_ClosedUnmerged(t *testing.T) {
	fx := newLifecycleFixture()
	fx.registry.thread = &models.PullRequestThread{PullRequestID: 555, ThreadTS: "ts-1"}

	err := fx.service.HandlePullRequestEvent(context.Background(), fx.ec, prEvent("closed"))

	require.NoError(t, err)
	require.Len(t, fx.poster.replies, 1)
	assert.Equal(t, "Pull request closed by @octocat", fx.poster.replies[0].text)
	assert.Equal(t, 1, fx.registry.closed)
}

// TestLifecycle_ConvertedToDraft verifies the draft flag is set after the
// conversion reply.
func TestLifecycle_ConvertedToDraft(t *testing.T) {
	fx := newLifecycleFixture()
	fx.registry.thread = &models.PullRequestThread{PullRequestID: 555, ThreadTS: "ts-1"}

	err := fx.service.HandlePullRequestEvent(context.Background(), fx.ec, prEvent("converted_to_draft"))

	require.NoError(t, err)
	require.Len(t, fx.poster.replies, 1)
	assert.Equal(t, []bool{true}, fx.registry.draftSets)
}

// TestLifecycle_ReviewRequestedFromTeamSkipped verifies a team review
// request posts nothing.
func TestLifecycle_ReviewRequestedFromTeamSkipped(t *testing.T) {
	fx := newLifecycleFixture()
	fx.registry.thread = &models.PullRequestThread{PullRequestID: 555, ThreadTS: "ts-1"}

	err := fx.service.HandlePullRequestEvent(context.Background(), fx.ec, prEvent("review_requested"))

	require.NoError(t, err)
	assert.Empty(t, fx.poster.replies)
}

// TestLifecycle_ReviewRequestedFromUser verifies the reviewer notice reply.
func TestLifecycle_ReviewRequestedFromUser(t *testing.T) {
	fx := newLifecycleFixture()
	fx.registry.thread = &models.PullRequestThread{PullRequestID: 555, ThreadTS: "ts-1"}
	ev := prEvent("review_requested", func(ev *github.PullRequestEvent) {
		ev.RequestedReviewer = &github.User{Login: github.Ptr("alice"), Type: github.Ptr("User")}
	})

	err := fx.service.HandlePullRequestEvent(context.Background(), fx.ec, ev)

	require.NoError(t, err)
	require.Len(t, fx.poster.replies, 1)
	assert.Equal(t, "Review requested from @alice", fx.poster.replies[0].text)
}

// TestLifecycle_UnhandledActionIgnored verifies unknown PR actions are
// silently ignored.
func TestLifecycle_UnhandledActionIgnored(t *testing.T) {
	fx := newLifecycleFixture()
	fx.registry.thread = &models.PullRequestThread{PullRequestID: 555, ThreadTS: "ts-1"}

	err := fx.service.HandlePullRequestEvent(context.Background(), fx.ec, prEvent("labeled"))

	require.NoError(t, err)
	assert.Empty(t, fx.poster.replies)
}

func reviewEvent(action, state, reviewerType string) *github.PullRequestReviewEvent {
	return &github.PullRequestReviewEvent{
		Action: github.Ptr(action),
		Repo:   &github.Repository{ID: github.Ptr(int64(1001)), FullName: github.Ptr("acme/widgets")},
		PullRequest: &github.PullRequest{
			ID:     github.Ptr(int64(555)),
			Number: github.Ptr(42),
		},
		Review: &github.PullRequestReview{
			State: github.Ptr(state),
			Body:  github.Ptr("looks good"),
			User:  &github.User{Login: github.Ptr("alice"), Type: github.Ptr(reviewerType)},
		},
	}
}

// TestLifecycle_ReviewSubmitted verifies an approved review posts into the
// existing thread.
func TestLifecycle_ReviewSubmitted(t *testing.T) {
	fx := newLifecycleFixture()
	fx.registry.thread = &models.PullRequestThread{PullRequestID: 555, ThreadTS: "ts-1"}

	err := fx.service.HandleReviewEvent(context.Background(), fx.ec, reviewEvent("submitted", "approved", "User"))

	require.NoError(t, err)
	require.Len(t, fx.poster.replies, 1)
	assert.Equal(t, "@alice approved the pull request", fx.poster.replies[0].text)
	assert.Equal(t, "ts-1", fx.poster.replies[0].threadTS)
}

// TestLifecycle_BotReviewSkipped verifies reviews from non-user actors are
// not posted.
func TestLifecycle_BotReviewSkipped(t *testing.T) {
	fx := newLifecycleFixture()
	fx.registry.thread = &models.PullRequestThread{PullRequestID: 555, ThreadTS: "ts-1"}

	err := fx.service.HandleReviewEvent(context.Background(), fx.ec, reviewEvent("submitted", "approved", "Bot"))

	require.NoError(t, err)
	assert.Empty(t, fx.poster.replies)
}

// TestLifecycle_EmptyStateReviewSkipped verifies a submitted review with no
// state posts nothing.
func TestLifecycle_EmptyStateReviewSkipped(t *testing.T) {
	fx := newLifecycleFixture()
	fx.registry.thread = &models.PullRequestThread{PullRequestID: 555, ThreadTS: "ts-1"}

	err := fx.service.HandleReviewEvent(context.Background(), fx.ec, reviewEvent("submitted", "", "User"))

	require.NoError(t, err)
	assert.Empty(t, fx.poster.replies)
}

// TestLifecycle_ReviewRetractionIgnored verifies review deletions and
// dismissals post nothing.
func TestLifecycle_ReviewRetractionIgnored(t *testing.T) {
	fx := newLifecycleFixture()
	fx.registry.thread = &models.PullRequestThread{PullRequestID: 555, ThreadTS: "ts-1"}

	for _, action := range []string{"deleted", "dismissed"} {
		err := fx.service.HandleReviewEvent(context.Background(), fx.ec, reviewEvent(action, "approved", "User"))
		require.NoError(t, err)
	}
	assert.Empty(t, fx.poster.replies)
}

func commentEvent(action, authorType string) *github.PullRequestReviewCommentEvent {
	return &github.PullRequestReviewCommentEvent{
		Action: github.Ptr(action),
		Repo:   &github.Repository{ID: github.Ptr(int64(1001)), FullName: github.Ptr("acme/widgets")},
		PullRequest: &github.PullRequest{
			ID:     github.Ptr(int64(555)),
			Number: github.Ptr(42),
		},
		Comment: &github.PullRequestComment{
			Body: github.Ptr("nit: rename this"),
			User: &github.User{Login: github.Ptr("bob"), Type: github.Ptr(authorType)},
		},
	}
}

// TestLifecycle_ReviewCommentCreated verifies a review comment posts into
// the existing thread.
func TestLifecycle_ReviewCommentCreated(t *testing.T) {
	fx := newLifecycleFixture()
	fx.registry.thread = &models.PullRequestThread{PullRequestID: 555, ThreadTS: "ts-1"}

	err := fx.service.HandleReviewCommentEvent(context.Background(), fx.ec, commentEvent("created", "User"))

	require.NoError(t, err)
	require.Len(t, fx.poster.replies, 1)
	assert.Equal(t, "@bob commented", fx.poster.replies[0].text)
}

// TestLifecycle_BotCommentSkipped verifies comments from bots are dropped.
func TestLifecycle_BotCommentSkipped(t *testing.T) {
	fx := newLifecycleFixture()
	fx.registry.thread = &models.PullRequestThread{PullRequestID: 555, ThreadTS: "ts-1"}

	err := fx.service.HandleReviewCommentEvent(context.Background(), fx.ec, commentEvent("created", "Bot"))

	require.NoError(t, err)
	assert.Empty(t, fx.poster.replies)
}

// TestLifecycle_CommentDeletionIgnored verifies comment deletions post no
// compensating message.
func TestLifecycle_CommentDeletionIgnored(t *testing.T) {
	fx := newLifecycleFixture()
	fx.registry.thread = &models.PullRequestThread{PullRequestID: 555, ThreadTS: "ts-1"}

	err := fx.service.HandleReviewCommentEvent(context.Background(), fx.ec, commentEvent("deleted", "User"))

	require.NoError(t, err)
	assert.Empty(t, fx.poster.replies)
}
