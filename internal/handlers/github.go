package handlers

import (
	"context"
	"errors"
	"time"

	"review-corral/internal/log"
	"review-corral/internal/models"
	"review-corral/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/google/go-github/v73/github"
	"github.com/slack-go/slack"
)

var (
	ErrRepositoryNotRegistered = errors.New("repository not registered")
	ErrOrganizationUnknown     = errors.New("organization not found for repository")
	ErrIntegrationMissing      = errors.New("no slack integration for organization")
)

// TenantStore resolves a webhook delivery to its tenant records.
type TenantStore interface {
	GetRepository(ctx context.Context, repoID int64) (*models.Repository, error)
	GetOrganization(ctx context.Context, orgID string) (*models.Organization, error)
	GetSlackIntegration(ctx context.Context, orgID string) (*models.SlackIntegration, error)
}

// SubscriptionGate decides whether event processing may proceed for a tenant.
type SubscriptionGate interface {
	Evaluate(
		ctx context.Context,
		org *models.Organization,
		integration *models.SlackIntegration,
		notifier services.NoticePoster,
	) (*services.GateResult, error)
}

// LifecycleProcessor runs the PR lifecycle transitions for typed events.
type LifecycleProcessor interface {
	HandlePullRequestEvent(ctx context.Context, ec *services.EventContext, ev *github.PullRequestEvent) error
	HandleReviewEvent(ctx context.Context, ec *services.EventContext, ev *github.PullRequestReviewEvent) error
	HandleReviewCommentEvent(ctx context.Context, ec *services.EventContext, ev *github.PullRequestReviewCommentEvent) error
}

// TenantPoster is the per-tenant Slack surface: threaded PR messages plus
// channel-level billing notices.
type TenantPoster interface {
	services.ThreadPoster
	services.NoticePoster
}

// PosterFactory builds a poster bound to one tenant's token and channel.
// Every delivery gets its own client; there is no global Slack client.
type PosterFactory func(accessToken, channelID string) TenantPoster

// DefaultPosterFactory builds the real Slack-backed poster.
func DefaultPosterFactory(accessToken, channelID string) TenantPoster {
	return services.NewSlackService(slack.New(accessToken), channelID)
}

type GitHubHandler struct {
	store             TenantStore
	gate              SubscriptionGate
	lifecycle         LifecycleProcessor
	newPoster         PosterFactory
	webhookSecret     string
	processingTimeout time.Duration
}

func NewGitHubHandler(
	store TenantStore,
	gate SubscriptionGate,
	lifecycle LifecycleProcessor,
	newPoster PosterFactory,
	webhookSecret string,
	processingTimeout time.Duration,
) *GitHubHandler {
	return &GitHubHandler{
		store:             store,
		gate:              gate,
		lifecycle:         lifecycle,
		newPoster:         newPoster,
		webhookSecret:     webhookSecret,
		processingTimeout: processingTimeout,
	}
}

// HandleWebhook verifies, routes, and synchronously processes one GitHub
// webhook delivery. Processing failures return 500 so GitHub redelivers;
// everything the service chooses to skip still gets a 2xx.
func (h *GitHubHandler) HandleWebhook(c *gin.Context) {
	startTime := time.Now()
	traceID := c.GetString("trace_id")

	eventType := c.GetHeader("X-GitHub-Event")
	deliveryID := c.GetHeader("X-GitHub-Delivery")

	ctx := c.Request.Context()
	ctx = log.WithFields(ctx, log.LogFields{
		"trace_id":        traceID,
		"remote_addr":     c.ClientIP(),
		"github_event":    eventType,
		"github_delivery": deliveryID,
	})

	if eventType == "" || deliveryID == "" {
		log.Error(ctx, "Missing required headers")
		c.JSON(400, gin.H{"error": "missing required headers"})
		return
	}

	// ValidatePayload reads and hashes the raw request body itself, so the
	// signature is always checked against the exact bytes GitHub signed.
	payload, err := github.ValidatePayload(c.Request, []byte(h.webhookSecret))
	if err != nil {
		log.Error(ctx, "Invalid webhook payload or signature", "error", err)
		c.JSON(401, gin.H{"error": "invalid payload or signature"})
		return
	}

	event, err := github.ParseWebHook(eventType, payload)
	if err != nil {
		log.Error(ctx, "Failed to parse webhook payload", "error", err)
		c.JSON(400, gin.H{"error": "invalid payload"})
		return
	}

	ctx, cancel := context.WithTimeout(ctx, h.processingTimeout)
	defer cancel()

	switch ev := event.(type) {
	case *github.PullRequestEvent:
		h.process(ctx, c, startTime, ev.GetRepo(), func(ctx context.Context, ec *services.EventContext) error {
			return h.lifecycle.HandlePullRequestEvent(ctx, ec, ev)
		})
	case *github.PullRequestReviewEvent:
		h.process(ctx, c, startTime, ev.GetRepo(), func(ctx context.Context, ec *services.EventContext) error {
			return h.lifecycle.HandleReviewEvent(ctx, ec, ev)
		})
	case *github.PullRequestReviewCommentEvent:
		h.process(ctx, c, startTime, ev.GetRepo(), func(ctx context.Context, ec *services.EventContext) error {
			return h.lifecycle.HandleReviewCommentEvent(ctx, ec, ev)
		})
	default:
		log.Debug(ctx, "Ignoring unsupported event type")
		c.JSON(200, gin.H{"status": "ignored"})
	}
}

// process resolves the tenant, runs the subscription gate, and dispatches
// the event to the lifecycle state machine.
func (h *GitHubHandler) process(
	ctx context.Context,
	c *gin.Context,
	startTime time.Time,
	repo *github.Repository,
	dispatch func(ctx context.Context, ec *services.EventContext) error,
) {
	ec, poster, err := h.resolveTenant(ctx, repo.GetID())
	if err != nil {
		if errors.Is(err, ErrRepositoryNotRegistered) ||
			errors.Is(err, ErrOrganizationUnknown) ||
			errors.Is(err, ErrIntegrationMissing) {
			log.Warn(ctx, "Webhook for unknown tenant", "error", err, "repo", repo.GetFullName())
			c.JSON(404, gin.H{"error": err.Error()})
			return
		}
		log.Error(ctx, "Failed to resolve tenant", "error", err, "repo", repo.GetFullName())
		c.JSON(500, gin.H{"error": "failed to resolve tenant"})
		return
	}
	if ec == nil {
		// Registered but deactivated repos are silently skipped.
		c.JSON(200, gin.H{"status": "skipped", "reason": "repository inactive"})
		return
	}

	ctx = log.WithFields(ctx, log.LogFields{"organization_id": ec.Org.ID})

	gateResult, err := h.gate.Evaluate(ctx, ec.Org, ec.Integration, poster)
	if err != nil {
		log.Error(ctx, "Subscription gate evaluation failed", "error", err)
		c.JSON(500, gin.H{"error": "failed to evaluate subscription"})
		return
	}
	if !gateResult.ContinueProcessing {
		log.Info(ctx, "Event skipped, subscription grace period exhausted")
		c.JSON(200, gin.H{"status": "skipped", "reason": "subscription inactive"})
		return
	}

	if err := dispatch(ctx, ec); err != nil {
		log.Error(ctx, "Failed to process webhook event", "error", err)
		c.JSON(500, gin.H{"error": "failed to process event"})
		return
	}

	processingTime := time.Since(startTime)
	log.Info(ctx, "Webhook processed successfully",
		"processing_time_ms", processingTime.Milliseconds(),
	)
	c.JSON(200, gin.H{
		"status":             "processed",
		"processing_time_ms": processingTime.Milliseconds(),
	})
}

// resolveTenant maps a GitHub repository ID onto the registered repository,
// its organization, and the organization's Slack integration. A nil
// EventContext with nil error means the repository exists but is inactive.
func (h *GitHubHandler) resolveTenant(
	ctx context.Context, repoID int64,
) (*services.EventContext, TenantPoster, error) {
	repo, err := h.store.GetRepository(ctx, repoID)
	if err != nil {
		return nil, nil, err
	}
	if repo == nil {
		return nil, nil, ErrRepositoryNotRegistered
	}
	if !repo.Active {
		return nil, nil, nil
	}

	org, err := h.store.GetOrganization(ctx, repo.OrganizationID)
	if err != nil {
		return nil, nil, err
	}
	if org == nil {
		return nil, nil, ErrOrganizationUnknown
	}

	integration, err := h.store.GetSlackIntegration(ctx, org.ID)
	if err != nil {
		return nil, nil, err
	}
	if integration == nil {
		return nil, nil, ErrIntegrationMissing
	}
	if err := integration.Validate(); err != nil {
		return nil, nil, err
	}

	poster := h.newPoster(integration.AccessToken, integration.ChannelID)
	ec := &services.EventContext{
		Org:         org,
		Integration: integration,
		Poster:      poster,
	}
	return ec, poster, nil
}
