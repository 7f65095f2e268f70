// Package services provides the business logic for the GitHub-to-Slack
// pull request thread synchronization engine.
package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"review-corral/internal/log"
	"review-corral/internal/models"
)

// ErrClaimMismatch is returned when a claim completion observes a different
// claim holder than the caller's own.
var ErrClaimMismatch = errors.New("thread claim is held by another invocation")

// threadClaimTTL is how long a thread-creation claim blocks competing
// invocations before it is considered abandoned and reclaimable.
const threadClaimTTL = time.Minute

// FirestoreService provides database operations for Firestore. It owns the
// pull_request_threads and billing_statuses collections; other components
// mutate those rows only through the methods here.
type FirestoreService struct {
	client *firestore.Client
}

// NewFirestoreService creates a new FirestoreService with the provided client.
func NewFirestoreService(client *firestore.Client) *FirestoreService {
	return &FirestoreService{client: client}
}

// GetRepository resolves a GitHub repository ID to its stored configuration.
// Returns nil, nil when the repository is unknown.
func (fs *FirestoreService) GetRepository(ctx context.Context, repoID int64) (*models.Repository, error) {
	doc, err := fs.client.Collection("repositories").Doc(strconv.FormatInt(repoID, 10)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		log.Error(ctx, "Failed to get repository",
			"error", err,
			"repo_id", repoID,
			"operation", "get_repository",
		)
		return nil, fmt.Errorf("failed to get repository %d: %w", repoID, err)
	}

	var repo models.Repository
	if err := doc.DataTo(&repo); err != nil {
		return nil, fmt.Errorf("failed to unmarshal repository data for %d: %w", repoID, err)
	}
	return &repo, nil
}

// GetOrganization retrieves an organization by ID. Returns nil, nil when absent.
func (fs *FirestoreService) GetOrganization(ctx context.Context, orgID string) (*models.Organization, error) {
	doc, err := fs.client.Collection("organizations").Doc(orgID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		log.Error(ctx, "Failed to get organization",
			"error", err,
			"organization_id", orgID,
			"operation", "get_organization",
		)
		return nil, fmt.Errorf("failed to get organization %s: %w", orgID, err)
	}

	var org models.Organization
	if err := doc.DataTo(&org); err != nil {
		return nil, fmt.Errorf("failed to unmarshal organization data for %s: %w", orgID, err)
	}
	return &org, nil
}

// GetSlackIntegration retrieves the Slack integration for an organization.
// Returns nil, nil when the organization has no integration.
func (fs *FirestoreService) GetSlackIntegration(ctx context.Context, orgID string) (*models.SlackIntegration, error) {
	doc, err := fs.client.Collection("slack_integrations").Doc(orgID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		log.Error(ctx, "Failed to get Slack integration",
			"error", err,
			"organization_id", orgID,
			"operation", "get_slack_integration",
		)
		return nil, fmt.Errorf("failed to get slack integration for %s: %w", orgID, err)
	}

	var integration models.SlackIntegration
	if err := doc.DataTo(&integration); err != nil {
		return nil, fmt.Errorf("failed to unmarshal slack integration data for %s: %w", orgID, err)
	}
	return &integration, nil
}

// TouchSlackIntegrationScopeCheck records when the integration's scopes were
// last verified.
func (fs *FirestoreService) TouchSlackIntegrationScopeCheck(ctx context.Context, orgID string, checkedAt time.Time) error {
	_, err := fs.client.Collection("slack_integrations").Doc(orgID).Update(ctx, []firestore.Update{
		{Path: "last_checked", Value: checkedAt},
		{Path: "updated_at", Value: checkedAt},
	})
	if err != nil {
		log.Error(ctx, "Failed to update integration scope check time",
			"error", err,
			"organization_id", orgID,
			"operation", "touch_scope_check",
		)
		return fmt.Errorf("failed to update scope check time for %s: %w", orgID, err)
	}
	return nil
}

// GetUsernameMapping resolves a GitHub login to its Slack user mapping within
// one organization. Returns nil, nil when no mapping exists.
func (fs *FirestoreService) GetUsernameMapping(
	ctx context.Context, orgID, githubUsername string,
) (*models.UsernameMapping, error) {
	iter := fs.client.Collection("username_mappings").
		Where("organization_id", "==", orgID).
		Where("github_username", "==", githubUsername).
		Documents(ctx)
	defer iter.Stop()

	doc, err := iter.Next()
	if err != nil {
		if errors.Is(err, iterator.Done) {
			return nil, nil
		}
		log.Error(ctx, "Failed to query username mapping",
			"error", err,
			"organization_id", orgID,
			"github_username", githubUsername,
			"operation", "query_username_mapping",
		)
		return nil, fmt.Errorf("failed to query username mapping for %s/%s: %w", orgID, githubUsername, err)
	}

	var mapping models.UsernameMapping
	if err := doc.DataTo(&mapping); err != nil {
		return nil, fmt.Errorf("failed to unmarshal username mapping for %s/%s: %w", orgID, githubUsername, err)
	}
	return &mapping, nil
}

// Pull request thread operations.

// GetThread retrieves the thread record for a PR. Returns nil, nil when the
// PR has never been observed.
func (fs *FirestoreService) GetThread(ctx context.Context, orgID string, prID int64) (*models.PullRequestThread, error) {
	doc, err := fs.client.Collection("pull_request_threads").Doc(encodeThreadDocID(orgID, prID)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		log.Error(ctx, "Failed to get pull request thread",
			"error", err,
			"organization_id", orgID,
			"pull_request_id", prID,
			"operation", "get_thread",
		)
		return nil, fmt.Errorf("failed to get thread for org %s PR %d: %w", orgID, prID, err)
	}

	var thread models.PullRequestThread
	if err := doc.DataTo(&thread); err != nil {
		return nil, fmt.Errorf("failed to unmarshal thread data for org %s PR %d: %w", orgID, prID, err)
	}
	return &thread, nil
}

// CreateDraftThread records a PR observed only in draft state: no ThreadTS,
// no Slack activity. If a record already exists it is left untouched.
func (fs *FirestoreService) CreateDraftThread(ctx context.Context, thread *models.PullRequestThread) error {
	now := time.Now()
	thread.IsDraft = true
	thread.ThreadTS = ""
	thread.CreatedAt = now
	thread.UpdatedAt = now

	docRef := fs.client.Collection("pull_request_threads").Doc(encodeThreadDocID(thread.OrganizationID, thread.PullRequestID))
	_, err := docRef.Create(ctx, thread)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			log.Debug(ctx, "Draft thread record already exists",
				"organization_id", thread.OrganizationID,
				"pull_request_id", thread.PullRequestID,
			)
			return nil
		}
		log.Error(ctx, "Failed to create draft thread record",
			"error", err,
			"organization_id", thread.OrganizationID,
			"pull_request_id", thread.PullRequestID,
			"operation", "create_draft_thread",
		)
		return fmt.Errorf("failed to create draft thread for org %s PR %d: %w",
			thread.OrganizationID, thread.PullRequestID, err)
	}
	return nil
}

// ClaimResult reports the outcome of a thread-creation claim attempt.
type ClaimResult struct {
	// Won is true when this invocation holds the claim and must perform the
	// root Slack post.
	Won bool
	// Existing is the thread record as of the transaction. When Won is false
	// and Existing.HasThread() is true the caller falls back to reply mode;
	// when false with an empty ThreadTS another invocation's root post is
	// still in flight.
	Existing *models.PullRequestThread
}

// ClaimThread atomically claims the right to create the Slack thread for a
// PR. The read-check-write runs inside a Firestore transaction against a
// uniquely keyed document, so exactly one concurrent invocation wins; losers
// observe the winner's state instead of creating a second root message.
// Claims left behind by a crashed invocation expire after threadClaimTTL.
func (fs *FirestoreService) ClaimThread(
	ctx context.Context, thread *models.PullRequestThread, claimID string,
) (*ClaimResult, error) {
	docRef := fs.client.Collection("pull_request_threads").Doc(encodeThreadDocID(thread.OrganizationID, thread.PullRequestID))
	result := &ClaimResult{}

	err := fs.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		now := time.Now()
		doc, err := tx.Get(docRef)
		if err != nil && status.Code(err) != codes.NotFound {
			return fmt.Errorf("failed to read thread document: %w", err)
		}

		if err != nil { // not found: first observation of this PR
			claimed := *thread
			claimed.IsDraft = false
			claimed.ThreadTS = ""
			claimed.ClaimID = claimID
			claimed.ClaimedAt = &now
			claimed.CreatedAt = now
			claimed.UpdatedAt = now
			result.Won = true
			result.Existing = &claimed
			return tx.Create(docRef, &claimed)
		}

		var existing models.PullRequestThread
		if err := doc.DataTo(&existing); err != nil {
			return fmt.Errorf("failed to unmarshal thread document: %w", err)
		}
		result.Existing = &existing

		if existing.ThreadTS != "" {
			result.Won = false
			return nil
		}

		if existing.ClaimID != "" && existing.ClaimedAt != nil && now.Sub(*existing.ClaimedAt) < threadClaimTTL {
			// Another invocation is mid-creation.
			result.Won = false
			return nil
		}

		existing.ClaimID = claimID
		existing.ClaimedAt = &now
		existing.IsDraft = false
		existing.UpdatedAt = now
		result.Won = true
		return tx.Set(docRef, &existing)
	})
	if err != nil {
		log.Error(ctx, "Failed to claim pull request thread",
			"error", err,
			"organization_id", thread.OrganizationID,
			"pull_request_id", thread.PullRequestID,
			"operation", "claim_thread",
		)
		return nil, fmt.Errorf("failed to claim thread for org %s PR %d: %w",
			thread.OrganizationID, thread.PullRequestID, err)
	}
	return result, nil
}

// CompleteClaim stores the root message timestamp for a claimed thread.
// ThreadTS is written exactly once; a mismatched claim fails so a stale
// invocation can never overwrite the winner's anchor.
func (fs *FirestoreService) CompleteClaim(
	ctx context.Context, orgID string, prID int64, claimID, threadTS string,
) error {
	docRef := fs.client.Collection("pull_request_threads").Doc(encodeThreadDocID(orgID, prID))

	err := fs.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(docRef)
		if err != nil {
			return fmt.Errorf("failed to read thread document: %w", err)
		}
		var thread models.PullRequestThread
		if err := doc.DataTo(&thread); err != nil {
			return fmt.Errorf("failed to unmarshal thread document: %w", err)
		}
		if thread.ClaimID != claimID {
			return ErrClaimMismatch
		}
		thread.ThreadTS = threadTS
		thread.ClaimID = ""
		thread.ClaimedAt = nil
		thread.IsDraft = false
		thread.UpdatedAt = time.Now()
		return tx.Set(docRef, &thread)
	})
	if err != nil {
		log.Error(ctx, "Failed to complete thread claim",
			"error", err,
			"organization_id", orgID,
			"pull_request_id", prID,
			"thread_ts", threadTS,
			"operation", "complete_claim",
		)
		return fmt.Errorf("failed to complete claim for org %s PR %d: %w", orgID, prID, err)
	}
	return nil
}

// ReleaseClaim clears a claim after a failed root post so the next webhook
// redelivery can retry thread creation. A claim held by someone else is left
// alone.
func (fs *FirestoreService) ReleaseClaim(ctx context.Context, orgID string, prID int64, claimID string) error {
	docRef := fs.client.Collection("pull_request_threads").Doc(encodeThreadDocID(orgID, prID))

	err := fs.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(docRef)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return nil
			}
			return fmt.Errorf("failed to read thread document: %w", err)
		}
		var thread models.PullRequestThread
		if err := doc.DataTo(&thread); err != nil {
			return fmt.Errorf("failed to unmarshal thread document: %w", err)
		}
		if thread.ClaimID != claimID {
			return nil
		}
		thread.ClaimID = ""
		thread.ClaimedAt = nil
		thread.UpdatedAt = time.Now()
		return tx.Set(docRef, &thread)
	})
	if err != nil {
		log.Error(ctx, "Failed to release thread claim",
			"error", err,
			"organization_id", orgID,
			"pull_request_id", prID,
			"operation", "release_claim",
		)
		return fmt.Errorf("failed to release claim for org %s PR %d: %w", orgID, prID, err)
	}
	return nil
}

// SetThreadDraft flips the draft flag on an existing thread record.
func (fs *FirestoreService) SetThreadDraft(ctx context.Context, orgID string, prID int64, isDraft bool) error {
	_, err := fs.client.Collection("pull_request_threads").Doc(encodeThreadDocID(orgID, prID)).Update(ctx, []firestore.Update{
		{Path: "is_draft", Value: isDraft},
		{Path: "updated_at", Value: time.Now()},
	})
	if err != nil {
		log.Error(ctx, "Failed to update thread draft flag",
			"error", err,
			"organization_id", orgID,
			"pull_request_id", prID,
			"is_draft", isDraft,
			"operation", "set_thread_draft",
		)
		return fmt.Errorf("failed to set draft flag for org %s PR %d: %w", orgID, prID, err)
	}
	return nil
}

// MarkThreadClosed marks a thread's PR as closed. The row is retained so
// late comments and reviews still land in the thread.
func (fs *FirestoreService) MarkThreadClosed(ctx context.Context, orgID string, prID int64) error {
	_, err := fs.client.Collection("pull_request_threads").Doc(encodeThreadDocID(orgID, prID)).Update(ctx, []firestore.Update{
		{Path: "closed", Value: true},
		{Path: "updated_at", Value: time.Now()},
	})
	if err != nil {
		log.Error(ctx, "Failed to mark thread closed",
			"error", err,
			"organization_id", orgID,
			"pull_request_id", prID,
			"operation", "mark_thread_closed",
		)
		return fmt.Errorf("failed to mark thread closed for org %s PR %d: %w", orgID, prID, err)
	}
	return nil
}

// Billing status operations. Mutated only by the subscription gate.

// GetBillingStatus retrieves the billing bookkeeping for an organization.
// Returns nil, nil when the org has no grace period underway.
func (fs *FirestoreService) GetBillingStatus(ctx context.Context, orgID string) (*models.BillingStatus, error) {
	doc, err := fs.client.Collection("billing_statuses").Doc(orgID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		log.Error(ctx, "Failed to get billing status",
			"error", err,
			"organization_id", orgID,
			"operation", "get_billing_status",
		)
		return nil, fmt.Errorf("failed to get billing status for %s: %w", orgID, err)
	}

	var bs models.BillingStatus
	if err := doc.DataTo(&bs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal billing status for %s: %w", orgID, err)
	}
	return &bs, nil
}

// SaveBillingStatus creates or updates the billing bookkeeping for an org.
func (fs *FirestoreService) SaveBillingStatus(ctx context.Context, bs *models.BillingStatus) error {
	bs.UpdatedAt = time.Now()
	if bs.CreatedAt.IsZero() {
		bs.CreatedAt = bs.UpdatedAt
	}

	_, err := fs.client.Collection("billing_statuses").Doc(bs.OrganizationID).Set(ctx, bs)
	if err != nil {
		log.Error(ctx, "Failed to save billing status",
			"error", err,
			"organization_id", bs.OrganizationID,
			"operation", "save_billing_status",
		)
		return fmt.Errorf("failed to save billing status for %s: %w", bs.OrganizationID, err)
	}
	return nil
}

// DeleteBillingStatus clears the billing bookkeeping once a subscription
// returns to active. Deleting an absent document is a no-op.
func (fs *FirestoreService) DeleteBillingStatus(ctx context.Context, orgID string) error {
	_, err := fs.client.Collection("billing_statuses").Doc(orgID).Delete(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		log.Error(ctx, "Failed to delete billing status",
			"error", err,
			"organization_id", orgID,
			"operation", "delete_billing_status",
		)
		return fmt.Errorf("failed to delete billing status for %s: %w", orgID, err)
	}
	return nil
}

// encodeThreadDocID builds the unique document ID for a PR thread.
// Format: {organization_id}#{pull_request_id}. The single key is what makes
// concurrent first-event invocations collide instead of double-posting.
func encodeThreadDocID(orgID string, prID int64) string {
	return orgID + "#" + strconv.FormatInt(prID, 10)
}
