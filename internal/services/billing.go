package services

import (
	"context"
	"time"

	"review-corral/internal/config"
	"review-corral/internal/log"
	"review-corral/internal/models"
	"review-corral/internal/ui"
)

const hoursPerDay = 24

// BillingStore is the persistence surface the gate needs. BillingStatus rows
// are mutated only through this gate.
type BillingStore interface {
	GetBillingStatus(ctx context.Context, orgID string) (*models.BillingStatus, error)
	SaveBillingStatus(ctx context.Context, bs *models.BillingStatus) error
	DeleteBillingStatus(ctx context.Context, orgID string) error
	TouchSlackIntegrationScopeCheck(ctx context.Context, orgID string, checkedAt time.Time) error
}

// NoticePoster posts standalone billing and scope notices: to the tenant
// channel, and as a DM to the user who installed the app.
type NoticePoster interface {
	PostChannelMessage(ctx context.Context, text string) error
	PostDirectMessage(ctx context.Context, userID, text string) error
}

// GateResult is the outcome of evaluating one webhook event against the
// tenant's billing health.
type GateResult struct {
	// ContinueProcessing is false when the grace period has run out and the
	// event must be dropped before any thread work happens. The webhook still
	// gets a 2xx; redelivery cannot help here.
	ContinueProcessing bool

	WarningSent                bool
	PausedSent                 bool
	ScopeWarningSent           bool
	DaysRemainingInGracePeriod int
}

// SubscriptionGateService evaluates tenant billing health before any Slack
// post. It owns the BillingStatus lifecycle: records the grace period start
// when a subscription leaves active, clears it when the subscription
// recovers, and stops processing once the grace window is exhausted.
//
// The one-time warning and paused messages are deduplicated solely through
// the persisted WarningSentAt / ServicePausedSentAt timestamps.
type SubscriptionGateService struct {
	store                BillingStore
	gracePeriodDays      int
	scopeRecheckInterval time.Duration
	now                  func() time.Time
}

// NewSubscriptionGateService creates a gate with the configured grace window.
func NewSubscriptionGateService(store BillingStore, cfg *config.Config) *SubscriptionGateService {
	return &SubscriptionGateService{
		store:                store,
		gracePeriodDays:      cfg.GracePeriodDays,
		scopeRecheckInterval: cfg.ScopeRecheckInterval,
		now:                  time.Now,
	}
}

// Evaluate runs the gate for one event. Store failures propagate; notice
// posts are best-effort, and a failed notice is not recorded as sent so the
// next event retries it.
func (g *SubscriptionGateService) Evaluate(
	ctx context.Context,
	org *models.Organization,
	integration *models.SlackIntegration,
	notifier NoticePoster,
) (*GateResult, error) {
	result := &GateResult{ContinueProcessing: true}

	// Scope staleness is checked independently of billing.
	g.checkScopes(ctx, integration, notifier, result)

	switch org.SubscriptionStatus {
	case models.SubscriptionActive:
		if err := g.clearGracePeriod(ctx, org.ID); err != nil {
			return nil, err
		}
		return result, nil

	case models.SubscriptionPastDue, models.SubscriptionCanceled:
		if err := g.evaluateGracePeriod(ctx, org, integration, notifier, result); err != nil {
			return nil, err
		}
		return result, nil

	default:
		// Never subscribed (none or empty): nothing to gate on.
		return result, nil
	}
}

// ShouldWarnAboutScopes reports whether the integration's scopes are missing
// and the staleness check is due.
func (g *SubscriptionGateService) ShouldWarnAboutScopes(integration *models.SlackIntegration) bool {
	if len(integration.Scopes) > 0 {
		return false
	}
	if integration.LastChecked == nil {
		return true
	}
	return g.now().Sub(*integration.LastChecked) > g.scopeRecheckInterval
}

func (g *SubscriptionGateService) checkScopes(
	ctx context.Context, integration *models.SlackIntegration, notifier NoticePoster, result *GateResult,
) {
	if !g.ShouldWarnAboutScopes(integration) {
		return
	}

	if err := notifier.PostChannelMessage(ctx, ui.ScopeOutdatedMessage()); err != nil {
		log.Warn(ctx, "Failed to post scope-outdated warning",
			"error", err,
			"organization_id", integration.OrganizationID,
		)
		return
	}
	result.ScopeWarningSent = true

	if err := g.store.TouchSlackIntegrationScopeCheck(ctx, integration.OrganizationID, g.now()); err != nil {
		log.Warn(ctx, "Failed to record scope check time",
			"error", err,
			"organization_id", integration.OrganizationID,
		)
	}
}

func (g *SubscriptionGateService) clearGracePeriod(ctx context.Context, orgID string) error {
	bs, err := g.store.GetBillingStatus(ctx, orgID)
	if err != nil {
		return err
	}
	if bs == nil {
		return nil
	}

	log.Info(ctx, "Subscription recovered, clearing grace period",
		"organization_id", orgID,
		"past_due_started_at", bs.PastDueStartedAt,
	)
	return g.store.DeleteBillingStatus(ctx, orgID)
}

func (g *SubscriptionGateService) evaluateGracePeriod(
	ctx context.Context,
	org *models.Organization,
	integration *models.SlackIntegration,
	notifier NoticePoster,
	result *GateResult,
) error {
	now := g.now()

	bs, err := g.store.GetBillingStatus(ctx, org.ID)
	if err != nil {
		return err
	}

	if bs == nil {
		// Grace period starts now.
		log.Info(ctx, "Subscription left active state, starting grace period",
			"organization_id", org.ID,
			"subscription_status", org.SubscriptionStatus,
			"grace_period_days", g.gracePeriodDays,
		)
		return g.store.SaveBillingStatus(ctx, &models.BillingStatus{
			OrganizationID:   org.ID,
			PastDueStartedAt: now,
		})
	}

	elapsedDays := int(now.Sub(bs.PastDueStartedAt).Hours() / hoursPerDay)

	if elapsedDays > g.gracePeriodDays {
		result.ContinueProcessing = false
		if bs.ServicePausedSentAt == nil {
			if err := notifier.PostChannelMessage(ctx, ui.ServicePausedMessage()); err != nil {
				log.Warn(ctx, "Failed to post service-paused notice",
					"error", err,
					"organization_id", org.ID,
				)
				return nil
			}
			bs.ServicePausedSentAt = &now
			result.PausedSent = true
			g.notifyInstaller(ctx, integration, notifier, ui.ServicePausedMessage())
			return g.store.SaveBillingStatus(ctx, bs)
		}
		return nil
	}

	if elapsedDays > 0 && bs.WarningSentAt == nil {
		result.DaysRemainingInGracePeriod = g.gracePeriodDays - elapsedDays
		if err := notifier.PostChannelMessage(ctx, ui.BillingWarningMessage(result.DaysRemainingInGracePeriod)); err != nil {
			log.Warn(ctx, "Failed to post grace-period warning",
				"error", err,
				"organization_id", org.ID,
			)
			return nil
		}
		bs.WarningSentAt = &now
		result.WarningSent = true
		g.notifyInstaller(ctx, integration, notifier, ui.BillingWarningMessage(result.DaysRemainingInGracePeriod))
		return g.store.SaveBillingStatus(ctx, bs)
	}

	return nil
}

// notifyInstaller sends a billing notice as a DM to the installing user when
// one is recorded. The channel post is the dedupe trigger; a failed DM is
// only logged.
func (g *SubscriptionGateService) notifyInstaller(
	ctx context.Context, integration *models.SlackIntegration, notifier NoticePoster, text string,
) {
	if integration.InstallerUserID == "" {
		return
	}
	if err := notifier.PostDirectMessage(ctx, integration.InstallerUserID, text); err != nil {
		log.Warn(ctx, "Failed to DM billing notice to installer",
			"error", err,
			"organization_id", integration.OrganizationID,
			"slack_user_id", integration.InstallerUserID,
		)
	}
}
