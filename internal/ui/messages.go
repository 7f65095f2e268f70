// Package ui renders GitHub pull request events into Slack message bodies.
// Everything here is pure: payload fields and already-resolved display names
// in, message text and attachments out.
package ui

import (
	"fmt"

	githubmd "github.com/eritikass/githubmarkdownconvertergo"
	"github.com/slack-go/slack"

	"review-corral/internal/models"
)

// Attachment colors per PR state.
const (
	colorOpen    = "#36a64f"
	colorMerged  = "#6f42c1"
	colorClosed  = "#cb2431"
	colorDraft   = "#dbab09"
	colorNeutral = "#6a737d"
)

// PRSummary carries the payload fields the renderer needs.
type PRSummary struct {
	Title        string
	URL          string
	Body         string
	RepoFullName string
	Number       int
	BaseBranch   string
}

// OpenedMessage renders the root message that anchors a PR's thread, used
// both for non-draft opened events and for draft PRs promoted with
// ready_for_review.
func OpenedMessage(author string, pr PRSummary) (string, slack.Attachment) {
	text := fmt.Sprintf("Pull request opened by %s", author)
	attachment := slack.Attachment{
		Color:     colorOpen,
		Title:     fmt.Sprintf("#%d %s", pr.Number, pr.Title),
		TitleLink: pr.URL,
		Text:      Mrkdwn(pr.Body),
		Footer:    pr.RepoFullName,
	}
	return text, attachment
}

// ReadyForReviewNotice renders the lightweight reply posted when a "ready"
// signal arrives for a PR whose thread already exists.
func ReadyForReviewNotice(author string) string {
	return fmt.Sprintf("%s marked this pull request as ready for review", author)
}

// ReopenedNotice renders the reply for a reopened PR.
func ReopenedNotice(author string) string {
	return fmt.Sprintf("%s reopened this pull request", author)
}

// ConvertedToDraftMessage renders the reply for a PR converted back to draft.
func ConvertedToDraftMessage(author string) (string, slack.Attachment) {
	text := fmt.Sprintf("%s converted this pull request back to draft", author)
	return text, slack.Attachment{Color: colorDraft, Text: "Review paused until it is marked ready again."}
}

// ReviewRequestedNotice renders the reply for a requested reviewer.
func ReviewRequestedNotice(reviewer string) string {
	return fmt.Sprintf("Review requested from %s", reviewer)
}

// SynchronizeNotice renders the reply for new commits pushed to the PR branch.
func SynchronizeNotice(author string) string {
	return fmt.Sprintf("%s pushed new commits", author)
}

// ClosedMessage renders the reply for a closed PR, branching on merged.
func ClosedMessage(author string, merged bool) (string, slack.Attachment) {
	if merged {
		text := fmt.Sprintf("Pull request merged by %s", author)
		return text, slack.Attachment{Color: colorMerged, Text: ":tada: Merged"}
	}
	text := fmt.Sprintf("Pull request closed by %s", author)
	return text, slack.Attachment{Color: colorClosed, Text: "Closed without merging"}
}

// ReviewSubmittedMessage renders the reply for a submitted review.
func ReviewSubmittedMessage(reviewer string, state models.ReviewState, body string) (string, slack.Attachment) {
	var text string
	var color string
	switch state {
	case models.ReviewStateApproved:
		text = fmt.Sprintf("%s approved the pull request", reviewer)
		color = colorOpen
	case models.ReviewStateChangesRequested:
		text = fmt.Sprintf("%s requested changes", reviewer)
		color = colorClosed
	default:
		text = fmt.Sprintf("%s reviewed the pull request", reviewer)
		color = colorNeutral
	}

	attachment := slack.Attachment{Color: color, Text: Mrkdwn(body)}
	if state == models.ReviewStateApproved {
		attachment.Text = ":white_check_mark: " + attachment.Text
	}
	return text, attachment
}

// ReviewCommentMessage renders the reply for a review comment, both live
// events and backfilled history.
func ReviewCommentMessage(author, body string) (string, slack.Attachment) {
	text := fmt.Sprintf("%s commented", author)
	return text, slack.Attachment{Color: colorNeutral, Text: Mrkdwn(body)}
}

// BillingWarningMessage renders the one-time grace period warning.
func BillingWarningMessage(daysRemaining int) string {
	day := "days"
	if daysRemaining == 1 {
		day = "day"
	}
	return fmt.Sprintf(
		":warning: Your Review Corral subscription payment is past due. "+
			"Pull request notifications will be paused in %d %s unless the subscription is updated.",
		daysRemaining, day,
	)
}

// ServicePausedMessage renders the one-time notice that processing stopped.
func ServicePausedMessage() string {
	return ":no_entry: Review Corral has paused pull request notifications for this workspace " +
		"because the subscription is past due. Update the subscription to resume."
}

// ScopeOutdatedMessage renders the one-time notice that the Slack app needs
// to be reinstalled with current scopes.
func ScopeOutdatedMessage() string {
	return ":warning: The Review Corral Slack app is missing permissions it now requires. " +
		"Please reinstall the app to keep notifications working."
}

// Mrkdwn converts GitHub-flavored markdown to Slack's mrkdwn dialect.
func Mrkdwn(body string) string {
	if body == "" {
		return ""
	}
	return githubmd.Slack(body)
}
