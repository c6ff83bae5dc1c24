// Package slack implements a heavytasks.EventObserver that mirrors a
// fetch's progress into a single Slack message per key, posting once
// and editing in place thereafter.
package slack

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"

	"github.com/p-blackswan/heavytasks/internal/heavytasks"
)

// PosterUpdater is the subset of the Slack API this observer needs —
// satisfied by *internal/slack.SafeSlackClient, which enforces the
// channel allowlist these calls are routed through.
type PosterUpdater interface {
	PostMessage(channelID string, options ...slack.MsgOption) (string, string, error)
	UpdateMessage(channelID, timestamp string, options ...slack.MsgOption) (string, string, string, error)
}

// Formatter renders a progress payload into message text.
type Formatter[P any] func(progress P) string

// Observer posts one progress message per key to a fixed channel and
// edits it in place on every subsequent event.
type Observer[P any] struct {
	client    PosterUpdater
	channel   string
	format    Formatter[P]
	logger    zerolog.Logger

	mu  sync.Mutex
	ts  map[string]string // key → message timestamp, once posted
}

// New constructs an Observer posting to channel.
func New[P any](client PosterUpdater, channel string, format Formatter[P], logger zerolog.Logger) *Observer[P] {
	return &Observer[P]{
		client:  client,
		channel: channel,
		format:  format,
		logger:  logger.With().Str("component", "slack-progress").Logger(),
		ts:      make(map[string]string),
	}
}

// ForKey returns a heavytasks.EventObserver bound to key, suitable
// for passing directly as the events argument to Manager.Fetch. The
// first call posts a new message; every later call edits it.
func (o *Observer[P]) ForKey(key string) heavytasks.EventObserver[P] {
	return func(progress P) {
		text := o.format(progress)
		block := slack.MsgOptionText(text, false)

		o.mu.Lock()
		existing, posted := o.ts[key]
		o.mu.Unlock()

		if !posted {
			_, ts, err := o.client.PostMessage(o.channel, block)
			if err != nil {
				o.logger.Warn().Err(err).Str("key", key).Msg("posting progress message failed")
				return
			}
			o.mu.Lock()
			o.ts[key] = ts
			o.mu.Unlock()
			return
		}

		if _, _, _, err := o.client.UpdateMessage(o.channel, existing, block); err != nil {
			o.logger.Warn().Err(err).Str("key", key).Msg("updating progress message failed")
		}
	}
}

// Forget drops the message timestamp for key, called once the key's
// result has been delivered so a later fetch of the same key starts a
// fresh message rather than editing a stale one.
func (o *Observer[P]) Forget(key string) {
	o.mu.Lock()
	delete(o.ts, key)
	o.mu.Unlock()
}
