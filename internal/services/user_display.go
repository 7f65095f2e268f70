package services

import (
	"context"
	"fmt"

	"review-corral/internal/log"
	"review-corral/internal/models"
)

// UsernameMappingStore reads the GitHub-login-to-Slack-user mappings for an
// organization.
type UsernameMappingStore interface {
	GetUsernameMapping(ctx context.Context, orgID, githubUsername string) (*models.UsernameMapping, error)
}

// UserDisplayService resolves GitHub logins to Slack mentions. When no
// mapping exists the raw GitHub login is used, so messages degrade to plain
// text instead of failing.
type UserDisplayService struct {
	store UsernameMappingStore
}

// NewUserDisplayService creates a UserDisplayService backed by the given store.
func NewUserDisplayService(store UsernameMappingStore) *UserDisplayService {
	return &UserDisplayService{store: store}
}

// Mention returns the Slack mention syntax for a GitHub login, or the login
// itself when unmapped. Lookup failures also fall back to the login.
func (s *UserDisplayService) Mention(ctx context.Context, orgID, githubLogin string) string {
	if githubLogin == "" {
		return "someone"
	}

	mapping, err := s.store.GetUsernameMapping(ctx, orgID, githubLogin)
	if err != nil {
		log.Warn(ctx, "Failed to resolve username mapping, using raw login",
			"error", err,
			"organization_id", orgID,
			"github_username", githubLogin,
		)
		return githubLogin
	}
	if mapping == nil || mapping.SlackUserID == "" {
		return githubLogin
	}
	return fmt.Sprintf("<@%s>", mapping.SlackUserID)
}
