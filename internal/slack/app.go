package slack

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
)

// BotAPI abstracts the Slack API client for testing.
// SECURITY: Only safe methods are exposed. No user enumeration APIs —
// users:read scope removed entirely. Bot uses Slack mention format (<@U123>)
// and never resolves user names.
type BotAPI interface {
	PostMessage(channelID string, options ...slack.MsgOption) (string, string, error)
	UpdateMessage(channelID, timestamp string, options ...slack.MsgOption) (string, string, string, error)
	GetConversationInfo(input *slack.GetConversationInfoInput) (*slack.Channel, error)
	GetConversationReplies(params *slack.GetConversationRepliesParameters) ([]slack.Message, bool, string, error)
	AuthTest() (*slack.AuthTestResponse, error)
}

// SafeSlackClient wraps the Slack API client with security restrictions.
// It enforces channel allowlists and blocks bulk user enumeration APIs.
type SafeSlackClient struct {
	inner           *slack.Client
	allowedChannels map[string]bool
	logger          zerolog.Logger
}

// NewSafeSlackClient creates a restricted Slack client.
// allowedChannels is the list of channel IDs the bot is permitted to write to.
// If empty, all channels are denied (fail-closed).
func NewSafeSlackClient(client *slack.Client, allowedChannels []string, logger zerolog.Logger) *SafeSlackClient {
	allowed := make(map[string]bool, len(allowedChannels))
	for _, ch := range allowedChannels {
		allowed[ch] = true
	}
	return &SafeSlackClient{
		inner:           client,
		allowedChannels: allowed,
		logger:          logger.With().Str("component", "slack.safe_client").Logger(),
	}
}

// PostMessage sends a message only if the channel is in the allowlist.
func (s *SafeSlackClient) PostMessage(channelID string, options ...slack.MsgOption) (string, string, error) {
	if !s.allowedChannels[channelID] {
		s.logger.Warn().
			Str("channel_id", channelID).
			Msg("blocked PostMessage to non-allowlisted channel")
		return "", "", fmt.Errorf("channel %s is not in the allowed channels list", channelID)
	}
	return s.inner.PostMessage(channelID, options...)
}

// UpdateMessage updates an existing message (same channel allowlist enforcement).
func (s *SafeSlackClient) UpdateMessage(channelID, timestamp string, options ...slack.MsgOption) (string, string, string, error) {
	if !s.allowedChannels[channelID] {
		s.logger.Warn().
			Str("channel_id", channelID).
			Msg("blocked UpdateMessage to non-allowlisted channel")
		return "", "", "", fmt.Errorf("channel %s is not in the allowed channels list", channelID)
	}
	return s.inner.UpdateMessage(channelID, timestamp, options...)
}

// GetConversationInfo returns channel info (read-only, safe).
func (s *SafeSlackClient) GetConversationInfo(input *slack.GetConversationInfoInput) (*slack.Channel, error) {
	return s.inner.GetConversationInfo(input)
}

// GetConversationReplies reads thread history (read-only, safe — no allowlist check).
func (s *SafeSlackClient) GetConversationReplies(params *slack.GetConversationRepliesParameters) ([]slack.Message, bool, string, error) {
	return s.inner.GetConversationReplies(params)
}

// AuthTest tests the bot token.
func (s *SafeSlackClient) AuthTest() (*slack.AuthTestResponse, error) {
	return s.inner.AuthTest()
}

// AddReaction adds a reaction to a message (read-level, safe).
func (s *SafeSlackClient) AddReaction(name string, item slack.ItemRef) error {
	return s.inner.AddReaction(name, item)
}

// RemoveReaction removes a reaction from a message (read-level, safe).
func (s *SafeSlackClient) RemoveReaction(name string, item slack.ItemRef) error {
	return s.inner.RemoveReaction(name, item)
}
