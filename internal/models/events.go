package models

// PRAction is the normalized pull-request lifecycle action. Webhook payloads
// carry free-form action strings; classification happens in exactly one place
// so the action-to-message mapping has a single source of truth.
type PRAction string

const (
	ActionOpened           PRAction = "opened"
	ActionReadyForReview   PRAction = "ready_for_review"
	ActionClosed           PRAction = "closed"
	ActionReopened         PRAction = "reopened"
	ActionReviewRequested  PRAction = "review_requested"
	ActionSubmitted        PRAction = "submitted"
	ActionCommentCreated   PRAction = "created"
	ActionConvertedToDraft PRAction = "converted_to_draft"
	ActionSynchronize      PRAction = "synchronize"
	ActionDeleted          PRAction = "deleted"
	ActionOther            PRAction = "other"
)

// ClassifyPRAction maps a raw pull_request action string to a PRAction.
func ClassifyPRAction(action string) PRAction {
	switch action {
	case "opened":
		return ActionOpened
	case "ready_for_review":
		return ActionReadyForReview
	case "closed":
		return ActionClosed
	case "reopened":
		return ActionReopened
	case "review_requested":
		return ActionReviewRequested
	case "converted_to_draft":
		return ActionConvertedToDraft
	case "synchronize":
		return ActionSynchronize
	default:
		return ActionOther
	}
}

// ClassifyReviewAction maps a pull_request_review action string.
func ClassifyReviewAction(action string) PRAction {
	switch action {
	case "submitted":
		return ActionSubmitted
	case "deleted", "dismissed":
		return ActionDeleted
	default:
		return ActionOther
	}
}

// ClassifyCommentAction maps a pull_request_review_comment action string.
func ClassifyCommentAction(action string) PRAction {
	switch action {
	case "created":
		return ActionCommentCreated
	case "deleted":
		return ActionDeleted
	default:
		return ActionOther
	}
}

// ReviewState represents the state of a submitted pull request review.
type ReviewState string

const (
	ReviewStateApproved         ReviewState = "approved"
	ReviewStateChangesRequested ReviewState = "changes_requested"
	ReviewStateCommented        ReviewState = "commented"
)
