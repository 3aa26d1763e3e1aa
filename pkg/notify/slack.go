// Package notify posts operational events to Slack. The notifier is a noop
// when no bot token is configured.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	goslack "github.com/slack-go/slack"
)

// Notifier sends ops notifications to a Slack channel.
type Notifier struct {
	client  *goslack.Client
	channel string
	nodeID  string
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. If botToken is empty, the notifier will be
// a noop (logging only).
func NewNotifier(botToken, channel, nodeID string, logger *slog.Logger) *Notifier {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &Notifier{
		client:  client,
		channel: channel,
		nodeID:  nodeID,
		logger:  logger,
	}
}

// IsEnabled returns true if the notifier has a Slack client and a channel.
func (n *Notifier) IsEnabled() bool {
	return n.client != nil && n.channel != ""
}

// CircuitBanned posts a ban notification.
func (n *Notifier) CircuitBanned(ctx context.Context, circuitID, reason string) {
	n.post(ctx, fmt.Sprintf(":no_entry: `%s` banned circuit `%s`: %s", n.nodeID, circuitID, reason))
}

// IsolationChanged posts on isolation edge transitions.
func (n *Notifier) IsolationChanged(ctx context.Context, isolated bool) {
	if isolated {
		n.post(ctx, fmt.Sprintf(":warning: `%s` is isolated from the cluster", n.nodeID))
	} else {
		n.post(ctx, fmt.Sprintf(":white_check_mark: `%s` reconnected to the cluster", n.nodeID))
	}
}

func (n *Notifier) post(ctx context.Context, text string) {
	if !n.IsEnabled() {
		n.logger.Debug("slack notifier disabled, skipping post", "text", text)
		return
	}

	_, _, err := n.client.PostMessageContext(ctx, n.channel, goslack.MsgOptionText(text, false))
	if err != nil {
		n.logger.Warn("posting to slack failed", "error", err)
	}
}
