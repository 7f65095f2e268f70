package services

import (
	"context"
	"strings"

	"github.com/google/go-github/v73/github"
	"github.com/google/uuid"
	"github.com/slack-go/slack"

	"review-corral/internal/log"
	"review-corral/internal/models"
	"review-corral/internal/ui"
)

// ThreadRegistry is the durable store of PR-to-thread state the state
// machine coordinates through. Implemented by FirestoreService.
type ThreadRegistry interface {
	GetThread(ctx context.Context, orgID string, prID int64) (*models.PullRequestThread, error)
	CreateDraftThread(ctx context.Context, thread *models.PullRequestThread) error
	ClaimThread(ctx context.Context, thread *models.PullRequestThread, claimID string) (*ClaimResult, error)
	CompleteClaim(ctx context.Context, orgID string, prID int64, claimID, threadTS string) error
	ReleaseClaim(ctx context.Context, orgID string, prID int64, claimID string) error
	SetThreadDraft(ctx context.Context, orgID string, prID int64, isDraft bool) error
	MarkThreadClosed(ctx context.Context, orgID string, prID int64) error
}

// ThreadPoster posts root messages and threaded replies for one tenant.
// Implemented by SlackService.
type ThreadPoster interface {
	PostThreadRoot(ctx context.Context, text string, attachments ...slack.Attachment) (string, error)
	PostThreadReply(ctx context.Context, threadTS, text string, attachments ...slack.Attachment) (string, error)
}

// Backfiller replays pre-existing PR comments into a new thread.
// Implemented by CommentBackfillService.
type Backfiller interface {
	Replay(
		ctx context.Context,
		client *github.Client,
		repoFullName string,
		prNumber int,
		threadTS string,
		replier ThreadReplier,
		render CommentRenderer,
	) error
}

// InstallationClientSource builds GitHub clients for an App installation.
// Implemented by GitHubService.
type InstallationClientSource interface {
	InstallationClient(installationID int64) (*github.Client, error)
}

// MentionResolver turns GitHub logins into Slack mentions.
// Implemented by UserDisplayService.
type MentionResolver interface {
	Mention(ctx context.Context, orgID, githubLogin string) string
}

// EventContext carries the tenant resolved for one webhook delivery: the
// organization, its Slack integration, and a poster already bound to the
// integration's credentials and channel.
type EventContext struct {
	Org         *models.Organization
	Integration *models.SlackIntegration
	Poster      ThreadPoster
}

// LifecycleService is the pull request lifecycle state machine. For each
// verified, gated event it decides between creating a thread, backfilling
// history, posting a threaded reply, or dropping the event.
//
// States per (org, PR): no record, draft (record without ThreadTS), threaded
// (ThreadTS set), closed (thread retained for late activity). The presence of
// ThreadTS is the authoritative "thread exists" signal.
type LifecycleService struct {
	registry ThreadRegistry
	backfill Backfiller
	github   InstallationClientSource
	display  MentionResolver
}

// NewLifecycleService wires the state machine to its collaborators.
func NewLifecycleService(
	registry ThreadRegistry,
	backfill Backfiller,
	github InstallationClientSource,
	display MentionResolver,
) *LifecycleService {
	return &LifecycleService{
		registry: registry,
		backfill: backfill,
		github:   github,
		display:  display,
	}
}

// HandlePullRequestEvent processes a pull_request webhook event.
func (s *LifecycleService) HandlePullRequestEvent(
	ctx context.Context, ec *EventContext, ev *github.PullRequestEvent,
) error {
	pr := ev.GetPullRequest()
	action := models.ClassifyPRAction(ev.GetAction())

	ctx = log.WithFields(ctx, log.LogFields{
		"organization_id": ec.Org.ID,
		"pr_number":       pr.GetNumber(),
		"action":          string(action),
	})

	switch action {
	case models.ActionOpened:
		if pr.GetDraft() {
			// Draft PRs are recorded but never posted until promoted.
			log.Debug(ctx, "PR opened as draft, suppressing Slack post")
			record := s.threadRecord(ec, ev)
			record.IsDraft = true
			return s.registry.CreateDraftThread(ctx, record)
		}
		return s.ensureThread(ctx, ec, ev)

	case models.ActionReadyForReview:
		return s.ensureThread(ctx, ec, ev)

	case models.ActionConvertedToDraft:
		author := s.display.Mention(ctx, ec.Org.ID, ev.GetSender().GetLogin())
		text, attachment := ui.ConvertedToDraftMessage(author)
		if err := s.postReply(ctx, ec, pr.GetID(), text, attachment); err != nil {
			return err
		}
		bestEffort(ctx, "set_thread_draft", s.registry.SetThreadDraft(ctx, ec.Org.ID, pr.GetID(), true))
		return nil

	case models.ActionReviewRequested:
		reviewer := ev.GetRequestedReviewer()
		if reviewer == nil {
			// Team review requests carry no reviewer user; no notice is posted.
			log.Debug(ctx, "Review requested from a team, skipping notice")
			return nil
		}
		mention := s.display.Mention(ctx, ec.Org.ID, reviewer.GetLogin())
		return s.postReply(ctx, ec, pr.GetID(), ui.ReviewRequestedNotice(mention))

	case models.ActionSynchronize:
		author := s.display.Mention(ctx, ec.Org.ID, ev.GetSender().GetLogin())
		return s.postReply(ctx, ec, pr.GetID(), ui.SynchronizeNotice(author))

	case models.ActionReopened:
		author := s.display.Mention(ctx, ec.Org.ID, ev.GetSender().GetLogin())
		return s.postReply(ctx, ec, pr.GetID(), ui.ReopenedNotice(author))

	case models.ActionClosed:
		author := s.display.Mention(ctx, ec.Org.ID, ev.GetSender().GetLogin())
		text, attachment := ui.ClosedMessage(author, pr.GetMerged())
		if err := s.postReply(ctx, ec, pr.GetID(), text, attachment); err != nil {
			return err
		}
		bestEffort(ctx, "mark_thread_closed", s.registry.MarkThreadClosed(ctx, ec.Org.ID, pr.GetID()))
		return nil

	default:
		log.Debug(ctx, "Unhandled pull request action", "raw_action", ev.GetAction())
		return nil
	}
}

// HandleReviewEvent processes a pull_request_review webhook event.
func (s *LifecycleService) HandleReviewEvent(
	ctx context.Context, ec *EventContext, ev *github.PullRequestReviewEvent,
) error {
	action := models.ClassifyReviewAction(ev.GetAction())
	pr := ev.GetPullRequest()
	review := ev.GetReview()

	ctx = log.WithFields(ctx, log.LogFields{
		"organization_id": ec.Org.ID,
		"pr_number":       pr.GetNumber(),
		"action":          string(action),
	})

	switch action {
	case models.ActionSubmitted:
		if review.GetUser().GetType() != "User" {
			log.Debug(ctx, "Review submitted by non-user actor, skipping")
			return nil
		}
		if review.GetState() == "" {
			log.Debug(ctx, "Review submitted with empty state, skipping")
			return nil
		}
		reviewer := s.display.Mention(ctx, ec.Org.ID, review.GetUser().GetLogin())
		state := models.ReviewState(strings.ToLower(review.GetState()))
		text, attachment := ui.ReviewSubmittedMessage(reviewer, state, review.GetBody())
		return s.postReply(ctx, ec, pr.GetID(), text, attachment)

	case models.ActionDeleted:
		// Retractions post no compensating message.
		log.Debug(ctx, "Review retraction ignored")
		return nil

	default:
		log.Debug(ctx, "Unhandled review action", "raw_action", ev.GetAction())
		return nil
	}
}

// HandleReviewCommentEvent processes a pull_request_review_comment event.
func (s *LifecycleService) HandleReviewCommentEvent(
	ctx context.Context, ec *EventContext, ev *github.PullRequestReviewCommentEvent,
) error {
	action := models.ClassifyCommentAction(ev.GetAction())
	pr := ev.GetPullRequest()
	comment := ev.GetComment()

	ctx = log.WithFields(ctx, log.LogFields{
		"organization_id": ec.Org.ID,
		"pr_number":       pr.GetNumber(),
		"action":          string(action),
	})

	switch action {
	case models.ActionCommentCreated:
		if comment.GetUser().GetType() != "User" {
			log.Debug(ctx, "Comment created by non-user actor, skipping")
			return nil
		}
		author := s.display.Mention(ctx, ec.Org.ID, comment.GetUser().GetLogin())
		text, attachment := ui.ReviewCommentMessage(author, comment.GetBody())
		return s.postReply(ctx, ec, pr.GetID(), text, attachment)

	case models.ActionDeleted:
		// Retractions post no compensating message.
		log.Debug(ctx, "Comment retraction ignored")
		return nil

	default:
		log.Debug(ctx, "Unhandled review comment action", "raw_action", ev.GetAction())
		return nil
	}
}

// ensureThread handles the "PR became ready" transitions: opened (non-draft)
// and ready_for_review. If a thread already exists this is a duplicate or
// out-of-order ready signal and a lightweight notice goes into the existing
// thread; otherwise this invocation races any concurrent deliveries for the
// right to create the thread, and only the claim winner posts the root.
func (s *LifecycleService) ensureThread(
	ctx context.Context, ec *EventContext, ev *github.PullRequestEvent,
) error {
	pr := ev.GetPullRequest()

	existing, err := s.registry.GetThread(ctx, ec.Org.ID, pr.GetID())
	if err != nil {
		return err
	}
	if existing.HasThread() {
		return s.replyReadyNotice(ctx, ec, ev, existing.ThreadTS)
	}

	claimID := uuid.New().String()
	claim, err := s.registry.ClaimThread(ctx, s.threadRecord(ec, ev), claimID)
	if err != nil {
		return err
	}

	if !claim.Won {
		if claim.Existing.HasThread() {
			return s.replyReadyNotice(ctx, ec, ev, claim.Existing.ThreadTS)
		}
		// The winner's root post is still in flight; this delivery carries
		// the same signal, so dropping it loses nothing.
		log.Info(ctx, "Thread creation already in flight, dropping duplicate event")
		return nil
	}

	return s.createThread(ctx, ec, ev, claimID)
}

// createThread performs the root post, persists the thread anchor, then runs
// the best-effort follow-ups: comment backfill and requested-reviewer
// notices. A root post failure releases the claim and propagates so GitHub
// redelivers; no ThreadTS is ever persisted without a successful root post.
func (s *LifecycleService) createThread(
	ctx context.Context, ec *EventContext, ev *github.PullRequestEvent, claimID string,
) error {
	pr := ev.GetPullRequest()
	author := s.display.Mention(ctx, ec.Org.ID, pr.GetUser().GetLogin())
	text, attachment := ui.OpenedMessage(author, ui.PRSummary{
		Title:        pr.GetTitle(),
		URL:          pr.GetHTMLURL(),
		Body:         pr.GetBody(),
		RepoFullName: ev.GetRepo().GetFullName(),
		Number:       pr.GetNumber(),
		BaseBranch:   pr.GetBase().GetRef(),
	})

	threadTS, err := ec.Poster.PostThreadRoot(ctx, text, attachment)
	if err != nil {
		bestEffort(ctx, "release_claim", s.registry.ReleaseClaim(ctx, ec.Org.ID, pr.GetID(), claimID))
		return err
	}

	if err := s.registry.CompleteClaim(ctx, ec.Org.ID, pr.GetID(), claimID, threadTS); err != nil {
		return err
	}

	log.Info(ctx, "Created Slack thread for pull request", "thread_ts", threadTS)

	s.runBackfill(ctx, ec, ev, threadTS)
	s.postReviewerNotices(ctx, ec, ev, threadTS)
	return nil
}

func (s *LifecycleService) runBackfill(
	ctx context.Context, ec *EventContext, ev *github.PullRequestEvent, threadTS string,
) {
	client, err := s.github.InstallationClient(ec.Org.InstallationID)
	if err != nil {
		bestEffort(ctx, "backfill_client", err)
		return
	}

	render := func(ctx context.Context, authorLogin, body string) (string, slack.Attachment) {
		return ui.ReviewCommentMessage(s.display.Mention(ctx, ec.Org.ID, authorLogin), body)
	}
	bestEffort(ctx, "comment_backfill", s.backfill.Replay(
		ctx,
		client,
		ev.GetRepo().GetFullName(),
		ev.GetPullRequest().GetNumber(),
		threadTS,
		ec.Poster,
		render,
	))
}

// postReviewerNotices posts one reply per requested reviewer that is a user;
// team reviewers are skipped.
func (s *LifecycleService) postReviewerNotices(
	ctx context.Context, ec *EventContext, ev *github.PullRequestEvent, threadTS string,
) {
	for _, reviewer := range ev.GetPullRequest().RequestedReviewers {
		if reviewer.GetType() != "User" {
			continue
		}
		mention := s.display.Mention(ctx, ec.Org.ID, reviewer.GetLogin())
		_, err := ec.Poster.PostThreadReply(ctx, threadTS, ui.ReviewRequestedNotice(mention))
		bestEffort(ctx, "reviewer_notice", err)
	}
}

func (s *LifecycleService) replyReadyNotice(
	ctx context.Context, ec *EventContext, ev *github.PullRequestEvent, threadTS string,
) error {
	author := s.display.Mention(ctx, ec.Org.ID, ev.GetSender().GetLogin())
	_, err := ec.Poster.PostThreadReply(ctx, threadTS, ui.ReadyForReviewNotice(author))
	if err != nil {
		return err
	}
	bestEffort(ctx, "clear_thread_draft",
		s.registry.SetThreadDraft(ctx, ec.Org.ID, ev.GetPullRequest().GetID(), false))
	return nil
}

// postReply posts a threaded reply for events that require an existing
// thread. When no thread exists the event predates any known thread (or
// thread creation is still racing) and it is dropped with a log line.
func (s *LifecycleService) postReply(
	ctx context.Context, ec *EventContext, prID int64, text string, attachments ...slack.Attachment,
) error {
	thread, err := s.registry.GetThread(ctx, ec.Org.ID, prID)
	if err != nil {
		return err
	}
	if !thread.HasThread() {
		log.Info(ctx, "No thread for pull request, dropping event")
		return nil
	}

	_, err = ec.Poster.PostThreadReply(ctx, thread.ThreadTS, text, attachments...)
	return err
}

func (s *LifecycleService) threadRecord(ec *EventContext, ev *github.PullRequestEvent) *models.PullRequestThread {
	pr := ev.GetPullRequest()
	return &models.PullRequestThread{
		PullRequestID:  pr.GetID(),
		PullRequestNum: pr.GetNumber(),
		OrganizationID: ec.Org.ID,
		RepoFullName:   ev.GetRepo().GetFullName(),
	}
}

// bestEffort logs and swallows an error from a side effect that must not
// fail the event. Call sites mark the fire-and-forget policy explicitly.
func bestEffort(ctx context.Context, op string, err error) {
	if err != nil {
		log.Warn(ctx, "Best-effort operation failed", "operation", op, "error", err)
	}
}
