// Package push receives Gmail change notifications from Cloud Pub/Sub and
// turns them into immediate syncs.
package push

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	gosync "sync"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	"github.com/nhle/mailcache/internal/model"
)

// Notification is the payload Gmail publishes on a watched topic.
type Notification struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

// Decode parses a notification payload.
func Decode(data []byte) (Notification, error) {
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return Notification{}, fmt.Errorf("decoding gmail notification: %w", err)
	}
	if n.EmailAddress == "" {
		return Notification{}, fmt.Errorf("decoding gmail notification: missing emailAddress")
	}
	return n, nil
}

// Trigger requests an immediate sync. *sync.Poller implements it.
type Trigger interface {
	Trigger(accountID string) bool
}

// Listener routes notifications to account syncs.
type Listener struct {
	trigger  Trigger
	accounts map[string]string
	logger   *slog.Logger

	mu          gosync.Mutex
	lastHistory map[string]uint64
}

// NewListener creates a Listener for the Gmail accounts in accounts.
// Notifications are matched to accounts by address, case-insensitively.
func NewListener(trigger Trigger, accounts []model.AccountConfig, logger *slog.Logger) *Listener {
	l := &Listener{
		trigger:     trigger,
		accounts:    make(map[string]string),
		logger:      logger.With("component", "push"),
		lastHistory: make(map[string]uint64),
	}
	for _, a := range accounts {
		if a.Provider == model.ProviderGmail && a.Email != "" {
			l.accounts[strings.ToLower(a.Email)] = a.ID
		}
	}
	return l
}

// Handle processes one raw payload. It reports whether a sync was
// triggered. Notifications for unknown addresses or already-seen history
// positions are dropped.
func (l *Listener) Handle(data []byte) bool {
	n, err := Decode(data)
	if err != nil {
		l.logger.Warn("dropping malformed notification", "error", err)
		return false
	}

	accountID, ok := l.accounts[strings.ToLower(n.EmailAddress)]
	if !ok {
		l.logger.Debug("notification for unknown address", "email", n.EmailAddress)
		return false
	}

	l.mu.Lock()
	if n.HistoryID != 0 && n.HistoryID <= l.lastHistory[accountID] {
		l.mu.Unlock()
		l.logger.Debug("duplicate notification", "account", accountID, "history_id", n.HistoryID)
		return false
	}
	l.lastHistory[accountID] = n.HistoryID
	l.mu.Unlock()

	l.logger.Info("push notification", "account", accountID, "history_id", n.HistoryID)
	return l.trigger.Trigger(accountID)
}

// Receive pulls from subscription until ctx is done. Every message is
// acked, malformed ones included, so bad payloads are not redelivered.
func (l *Listener) Receive(ctx context.Context, sub *pubsub.Subscription) error {
	l.logger.Info("listening for push notifications", "subscription", sub.ID())
	err := sub.Receive(ctx, func(_ context.Context, msg *pubsub.Message) {
		l.Handle(msg.Data)
		msg.Ack()
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("receiving from %s: %w", sub.ID(), err)
	}
	return nil
}

// SubscriberConfig locates the Pub/Sub subscription.
type SubscriberConfig struct {
	ProjectID       string
	Topic           string
	Subscription    string
	CredentialsFile string
}

// Subscribe opens a Pub/Sub client and returns the configured
// subscription, creating it on the topic when it does not exist yet.
func Subscribe(ctx context.Context, cfg SubscriberConfig) (*pubsub.Client, *pubsub.Subscription, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("creating pubsub client: %w", err)
	}

	sub := client.Subscription(cfg.Subscription)
	exists, err := sub.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("checking subscription %s: %w", cfg.Subscription, err)
	}
	if exists {
		return client, sub, nil
	}

	topic := client.Topic(cfg.Topic)
	sub, err = client.CreateSubscription(ctx, cfg.Subscription, pubsub.SubscriptionConfig{
		Topic:       topic,
		AckDeadline: 10 * time.Second,
	})
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("creating subscription %s: %w", cfg.Subscription, err)
	}
	return client, sub, nil
}

// pushEnvelope is the body Pub/Sub POSTs to push endpoints.
type pushEnvelope struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// Handler serves a Pub/Sub push endpoint. Malformed bodies get 400;
// anything decodable is acknowledged with 204.
func (l *Listener) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var env pushEnvelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			l.logger.Warn("failed to decode push envelope", "error", err)
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		data, err := base64.StdEncoding.DecodeString(env.Message.Data)
		if err != nil {
			l.logger.Warn("failed to decode push data", "message_id", env.Message.MessageID, "error", err)
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		l.Handle(data)
		w.WriteHeader(http.StatusNoContent)
	})
}
