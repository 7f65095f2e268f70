package services

import (
	"fmt"
	"net/http"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/google/go-github/v73/github"

	"review-corral/internal/config"
)

// GitHubService builds GitHub API clients authenticated as a specific App
// installation. Installation tokens are short-lived credentials scoped to one
// organization's installation; ghinstallation mints and refreshes them behind
// the transport.
type GitHubService struct {
	appID      int64
	privateKey []byte
	transport  http.RoundTripper
}

// NewGitHubService creates a GitHubService from the App credentials.
func NewGitHubService(cfg *config.Config) *GitHubService {
	return &GitHubService{
		appID:      cfg.GitHubAppID,
		privateKey: []byte(cfg.GitHubPrivateKey),
		transport:  http.DefaultTransport,
	}
}

// InstallationClient returns a go-github client that authenticates every
// request with an installation access token for the given installation.
func (s *GitHubService) InstallationClient(installationID int64) (*github.Client, error) {
	itr, err := ghinstallation.New(s.transport, s.appID, installationID, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create installation transport for %d: %w", installationID, err)
	}

	return github.NewClient(&http.Client{Transport: itr}), nil
}
