// Package notifications publishes outbound chat deliveries for the messaging gateway.
package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"feedbackdesk/internal/models"
	"feedbackdesk/internal/observability"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// MaxMediaGroup is the largest number of items the platform accepts in one grouped delivery.
const MaxMediaGroup = 10

// Delivery kinds.
const (
	KindText       = "text"
	KindMediaGroup = "media_group"
	KindDocument   = "document"
)

const (
	staffChannel       = "outbound:staff"
	chatChannelPattern = "outbound:*"
)

// Envelope is one outbound delivery as published to Redis.
type Envelope struct {
	Kind     string    `json:"kind"`
	ChatID   int64     `json:"chat_id"`
	Text     string    `json:"text,omitempty"`
	Media    []string  `json:"media,omitempty"`
	Document string    `json:"document,omitempty"`
	SentAt   time.Time `json:"sent_at"`
}

// ChatChannel returns the Redis channel for a chat. Chat id 0 is the staff group.
func ChatChannel(chatID int64) string {
	if chatID == models.StaffReceiverID {
		return staffChannel
	}
	return "outbound:chat:" + strconv.FormatInt(chatID, 10)
}

// Notifier publishes outbound deliveries into Redis channels, paced by a rate limiter.
type Notifier struct {
	rdb     *redis.Client
	limiter *rate.Limiter
}

// NewNotifier creates a new Notifier. perSecond <= 0 disables pacing. A nil client turns
// every send into a no-op.
func NewNotifier(rdb *redis.Client, perSecond float64) *Notifier {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &Notifier{rdb: rdb, limiter: rate.NewLimiter(limit, 1)}
}

func (n *Notifier) publish(ctx context.Context, env Envelope) error {
	if n.rdb == nil {
		return nil
	}
	if err := n.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait for send slot: %w", err)
	}
	env.SentAt = time.Now().UTC()
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return n.rdb.Publish(ctx, ChatChannel(env.ChatID), payload).Err()
}

// SendText publishes a single text message.
func (n *Notifier) SendText(ctx context.Context, chatID int64, text string) error {
	return n.publish(ctx, Envelope{Kind: KindText, ChatID: chatID, Text: text})
}

// SendMediaGroup publishes refs in groups of at most MaxMediaGroup. The caption rides on the
// first group only.
func (n *Notifier) SendMediaGroup(ctx context.Context, chatID int64, refs []string, caption string) error {
	for start := 0; start < len(refs); start += MaxMediaGroup {
		end := start + MaxMediaGroup
		if end > len(refs) {
			end = len(refs)
		}
		env := Envelope{Kind: KindMediaGroup, ChatID: chatID, Media: refs[start:end]}
		if start == 0 {
			env.Text = caption
		}
		if err := n.publish(ctx, env); err != nil {
			return err
		}
	}
	return nil
}

// SendDocument publishes a single document.
func (n *Notifier) SendDocument(ctx context.Context, chatID int64, ref, caption string) error {
	return n.publish(ctx, Envelope{
		Kind:     KindDocument,
		ChatID:   chatID,
		Document: strings.TrimPrefix(ref, models.DocumentPrefix),
		Text:     caption,
	})
}

// Deliver sends text and attachments to a chat. Media references go out as grouped deliveries
// with the text as caption, documents one by one. Failures are logged and counted, never returned.
func (n *Notifier) Deliver(ctx context.Context, chatID int64, text string, attachments []string) {
	var media, docs []string
	for _, ref := range attachments {
		if models.IsDocumentRef(ref) {
			docs = append(docs, ref)
		} else {
			media = append(media, ref)
		}
	}

	switch {
	case len(media) > 0:
		n.report(ctx, KindMediaGroup, chatID, n.SendMediaGroup(ctx, chatID, media, text))
	case text != "":
		n.report(ctx, KindText, chatID, n.SendText(ctx, chatID, text))
	}
	for _, doc := range docs {
		n.report(ctx, KindDocument, chatID, n.SendDocument(ctx, chatID, doc, ""))
	}
}

func (n *Notifier) report(ctx context.Context, kind string, chatID int64, err error) {
	if err == nil {
		return
	}
	observability.DeliveryFailures.WithLabelValues(kind).Inc()
	observability.Logger.WarnContext(ctx, "Outbound delivery failed",
		slog.String("kind", kind),
		slog.Int64("chat_id", chatID),
		slog.String("error", err.Error()),
	)
}

// StartSubscriber subscribes to every outbound channel and calls onEnvelope for each delivery.
// It returns once the subscription is confirmed; delivery stops when ctx is done.
func (n *Notifier) StartSubscriber(ctx context.Context, onEnvelope func(channel string, env Envelope)) error {
	if n.rdb == nil {
		return nil
	}
	sub := n.rdb.PSubscribe(ctx, chatChannelPattern)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("subscribe to outbound channels: %w", err)
	}
	ch := sub.Channel()

	go func() {
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					observability.Logger.Warn("Dropping malformed outbound envelope",
						slog.String("channel", msg.Channel),
						slog.String("error", err.Error()),
					)
					continue
				}
				func() {
					defer func() {
						if r := recover(); r != nil {
							observability.Logger.Error("Panic in outbound subscriber",
								slog.Any("panic", r),
								slog.String("stack", string(debug.Stack())),
							)
						}
					}()
					onEnvelope(msg.Channel, env)
				}()
			}
		}
	}()

	return nil
}
