package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/go-github/v73/github"
	"github.com/slack-go/slack"

	"review-corral/internal/log"
)

const backfillPageSize = 100

// ErrInvalidRepoFormat is returned when a repository full name is not of the
// form owner/repo.
var ErrInvalidRepoFormat = errors.New("invalid repository name format")

// ThreadReplier posts replies into an existing Slack thread.
type ThreadReplier interface {
	PostThreadReply(ctx context.Context, threadTS, text string, attachments ...slack.Attachment) (string, error)
}

// CommentRenderer turns a backfilled comment into a Slack message body.
type CommentRenderer func(ctx context.Context, authorLogin, body string) (string, slack.Attachment)

// CommentBackfillService replays a PR's pre-existing review comments into a
// freshly created Slack thread, so the thread reflects discussion that
// happened before the thread existed. It runs only once, immediately after
// the root post, and its failures never fail the webhook event.
type CommentBackfillService struct{}

// NewCommentBackfillService creates a CommentBackfillService.
func NewCommentBackfillService() *CommentBackfillService {
	return &CommentBackfillService{}
}

// Replay fetches the PR's review comments with the installation-authenticated
// client and posts each as a threaded reply, in the creation order the API
// returns. Comments authored by non-User actors (bots) are skipped. A fetch
// failure aborts the replay; a single reply failure is logged and the replay
// continues, preserving order for the rest.
func (s *CommentBackfillService) Replay(
	ctx context.Context,
	client *github.Client,
	repoFullName string,
	prNumber int,
	threadTS string,
	replier ThreadReplier,
	render CommentRenderer,
) error {
	owner, repo, err := splitRepoFullName(repoFullName)
	if err != nil {
		return err
	}

	opts := &github.PullRequestListCommentsOptions{
		Sort:        "created",
		Direction:   "asc",
		ListOptions: github.ListOptions{PerPage: backfillPageSize},
	}

	replayed := 0
	for {
		comments, resp, err := client.PullRequests.ListComments(ctx, owner, repo, prNumber, opts)
		if err != nil {
			return fmt.Errorf("failed to list comments for %s PR %d: %w", repoFullName, prNumber, err)
		}

		for _, comment := range comments {
			if comment.GetUser().GetType() != "User" {
				continue
			}

			text, attachment := render(ctx, comment.GetUser().GetLogin(), comment.GetBody())
			if _, err := replier.PostThreadReply(ctx, threadTS, text, attachment); err != nil {
				log.Warn(ctx, "Failed to replay backfilled comment",
					"error", err,
					"repo", repoFullName,
					"pr_number", prNumber,
					"comment_id", comment.GetID(),
				)
				continue
			}
			replayed++
		}

		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	log.Debug(ctx, "Comment backfill finished",
		"repo", repoFullName,
		"pr_number", prNumber,
		"replayed", replayed,
	)
	return nil
}

func splitRepoFullName(fullName string) (owner, repo string, err error) {
	parts := strings.Split(fullName, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: %s", ErrInvalidRepoFormat, fullName)
	}
	return parts[0], parts[1], nil
}
