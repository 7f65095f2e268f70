package models

import (
	"errors"
	"time"
)

var (
	ErrOrganizationIDRequired = errors.New("organization ID is required")
	ErrPullRequestIDRequired  = errors.New("pull request ID is required")
	ErrChannelIDRequired      = errors.New("slack channel ID is required")
	ErrAccessTokenRequired    = errors.New("slack access token is required")
	ErrThreadAlreadyExists    = errors.New("pull request thread already exists")
	ErrThreadClaimed          = errors.New("pull request thread creation already in flight")
)

// SubscriptionStatus mirrors the Stripe subscription status stored on the
// organization. An empty value means the org was never subscribed.
type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionPastDue  SubscriptionStatus = "past_due"
	SubscriptionCanceled SubscriptionStatus = "canceled"
	SubscriptionNone     SubscriptionStatus = "none"
)

// Organization is the tenant: one GitHub App installation mapped to one
// Slack workspace.
type Organization struct {
	ID                 string             `firestore:"id"`              // GitHub account login
	AccountID          int64              `firestore:"account_id"`      // GitHub account numeric ID
	InstallationID     int64              `firestore:"installation_id"` // GitHub App installation
	SubscriptionStatus SubscriptionStatus `firestore:"subscription_status"`
	CreatedAt          time.Time          `firestore:"created_at"`
	UpdatedAt          time.Time          `firestore:"updated_at"`
}

// Repository maps a GitHub repository to its owning organization. Webhook
// payloads carry the repository ID, which is how the tenant is resolved.
type Repository struct {
	ID             int64     `firestore:"id"` // GitHub repository ID
	FullName       string    `firestore:"full_name"`
	OrganizationID string    `firestore:"organization_id"`
	Active         bool      `firestore:"active"`
	CreatedAt      time.Time `firestore:"created_at"`
}

// SlackIntegration holds the workspace credentials for an organization.
// The sync engine consumes it read-only, except for LastChecked which the
// subscription gate bumps when it re-verifies scopes.
type SlackIntegration struct {
	OrganizationID  string     `firestore:"organization_id"`
	TeamID          string     `firestore:"team_id"`
	ChannelID       string     `firestore:"channel_id"`
	AccessToken     string     `firestore:"access_token"`
	InstallerUserID string     `firestore:"installer_user_id,omitempty"` // Slack user who installed the app
	Scopes          []string   `firestore:"scopes"`
	LastChecked     *time.Time `firestore:"last_checked,omitempty"`
	CreatedAt       time.Time  `firestore:"created_at"`
	UpdatedAt       time.Time  `firestore:"updated_at"`
}

// Validate checks the fields the webhook path depends on.
func (si *SlackIntegration) Validate() error {
	if si.OrganizationID == "" {
		return ErrOrganizationIDRequired
	}
	if si.ChannelID == "" {
		return ErrChannelIDRequired
	}
	if si.AccessToken == "" {
		return ErrAccessTokenRequired
	}
	return nil
}

// PullRequestThread is the durable record tying a GitHub pull request to its
// Slack thread. ThreadTS is assigned exactly once, by the first event that
// results in a root Slack post, and never changes afterward. A row with
// IsDraft true and no ThreadTS is a PR only ever observed in draft state.
type PullRequestThread struct {
	PullRequestID  int64      `firestore:"pull_request_id"` // GitHub PR ID (not number)
	PullRequestNum int        `firestore:"pull_request_number"`
	OrganizationID string     `firestore:"organization_id"`
	RepoFullName   string     `firestore:"repo_full_name"`
	ThreadTS       string     `firestore:"thread_ts"`
	IsDraft        bool       `firestore:"is_draft"`
	Closed         bool       `firestore:"closed"`
	ClaimID        string     `firestore:"claim_id,omitempty"`   // set while a root post is in flight
	ClaimedAt      *time.Time `firestore:"claimed_at,omitempty"` // stale claims are reclaimable
	CreatedAt      time.Time  `firestore:"created_at"`
	UpdatedAt      time.Time  `firestore:"updated_at"`
}

// HasThread reports whether a root Slack message exists for this PR.
// The ThreadTS column is authoritative; IsDraft alone is not, since a PR can
// be non-draft with no thread if it was never observed as opened.
func (t *PullRequestThread) HasThread() bool {
	return t != nil && t.ThreadTS != ""
}

// BillingStatus tracks the grace-period bookkeeping for an organization whose
// subscription left the active state. Created and cleared exclusively by the
// subscription gate; the recorded timestamps are the only dedupe source for
// the one-time warning and paused messages.
type BillingStatus struct {
	OrganizationID      string     `firestore:"organization_id"`
	PastDueStartedAt    time.Time  `firestore:"past_due_started_at"`
	WarningSentAt       *time.Time `firestore:"warning_sent_at,omitempty"`
	ServicePausedSentAt *time.Time `firestore:"service_paused_sent_at,omitempty"`
	CreatedAt           time.Time  `firestore:"created_at"`
	UpdatedAt           time.Time  `firestore:"updated_at"`
}

// UsernameMapping links a GitHub login to a Slack user ID within one
// organization, used for @-mentions in rendered messages.
type UsernameMapping struct {
	OrganizationID string    `firestore:"organization_id"`
	GitHubUsername string    `firestore:"github_username"`
	SlackUserID    string    `firestore:"slack_user_id"`
	CreatedAt      time.Time `firestore:"created_at"`
}
