package services

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"

	"review-corral/internal/log"
)

// SlackService wraps chat.postMessage for one tenant's workspace. It is
// constructed per request from the resolved Slack integration, so the
// credentials and target channel it carries are always the tenant's own.
//
// Root-versus-reply is the caller's decision: PostThreadRoot starts a thread
// and returns the anchor timestamp, PostThreadReply posts into an existing
// one. This service never chooses between them.
type SlackService struct {
	client    *slack.Client
	channelID string
}

// NewSlackService creates a SlackService bound to one workspace channel.
func NewSlackService(client *slack.Client, channelID string) *SlackService {
	return &SlackService{
		client:    client,
		channelID: channelID,
	}
}

// PostThreadRoot posts a new root message and returns its timestamp, which
// becomes the thread anchor for every later reply.
func (s *SlackService) PostThreadRoot(
	ctx context.Context, text string, attachments ...slack.Attachment,
) (string, error) {
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if len(attachments) > 0 {
		opts = append(opts, slack.MsgOptionAttachments(attachments...))
	}

	_, timestamp, err := s.client.PostMessageContext(ctx, s.channelID, opts...)
	if err != nil {
		log.Error(ctx, "Failed to post thread root message to Slack",
			"error", err,
			"channel", s.channelID,
			"operation", "post_thread_root",
		)
		return "", fmt.Errorf("failed to post root message to channel %s: %w", s.channelID, err)
	}
	return timestamp, nil
}

// PostThreadReply posts a reply into the thread anchored at threadTS and
// returns the reply's own timestamp.
func (s *SlackService) PostThreadReply(
	ctx context.Context, threadTS, text string, attachments ...slack.Attachment,
) (string, error) {
	opts := []slack.MsgOption{
		slack.MsgOptionText(text, false),
		slack.MsgOptionTS(threadTS),
	}
	if len(attachments) > 0 {
		opts = append(opts, slack.MsgOptionAttachments(attachments...))
	}

	_, timestamp, err := s.client.PostMessageContext(ctx, s.channelID, opts...)
	if err != nil {
		log.Error(ctx, "Failed to post thread reply to Slack",
			"error", err,
			"channel", s.channelID,
			"thread_ts", threadTS,
			"operation", "post_thread_reply",
		)
		return "", fmt.Errorf("failed to post reply to thread %s in channel %s: %w", threadTS, s.channelID, err)
	}
	return timestamp, nil
}

// PostChannelMessage posts a standalone notice to the tenant channel. Unlike
// PostThreadRoot the timestamp is not kept; these messages anchor nothing.
func (s *SlackService) PostChannelMessage(ctx context.Context, text string) error {
	_, _, err := s.client.PostMessageContext(ctx, s.channelID, slack.MsgOptionText(text, false))
	if err != nil {
		log.Error(ctx, "Failed to post channel notice to Slack",
			"error", err,
			"channel", s.channelID,
			"operation", "post_channel_message",
		)
		return fmt.Errorf("failed to post notice to channel %s: %w", s.channelID, err)
	}
	return nil
}

// PostDirectMessage opens a DM conversation with a Slack user and posts into
// it. Used for notices that live outside the PR thread, like billing
// warnings sent to the installing user.
func (s *SlackService) PostDirectMessage(ctx context.Context, userID, text string) error {
	channel, _, _, err := s.client.OpenConversationContext(ctx, &slack.OpenConversationParameters{
		Users: []string{userID},
	})
	if err != nil {
		log.Error(ctx, "Failed to open DM conversation",
			"error", err,
			"slack_user_id", userID,
			"operation", "open_conversation",
		)
		return fmt.Errorf("failed to open DM with user %s: %w", userID, err)
	}

	_, _, err = s.client.PostMessageContext(ctx, channel.ID, slack.MsgOptionText(text, false))
	if err != nil {
		log.Error(ctx, "Failed to post direct message",
			"error", err,
			"slack_user_id", userID,
			"channel", channel.ID,
			"operation", "post_direct_message",
		)
		return fmt.Errorf("failed to post DM to user %s: %w", userID, err)
	}
	return nil
}
