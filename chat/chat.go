// Package chat sends alert photos to a Telegram chat.
package chat

import (
	"context"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/juju/ratelimit"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/nvr-ai/intrusion-warning/config"
)

// ErrRateLimited is returned when a notification arrives faster than the configured rate.
var ErrRateLimited = errors.New("chat notification rate limited")

// Sender is the part of the bot API used to deliver messages.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Notifier posts photos with a fixed caption to one chat.
type Notifier struct {
	sender  Sender
	chatID  int64
	caption string
	bucket  *ratelimit.Bucket
}

// New connects to the bot API and checks the token.
func New(conf config.ChatConfig, clock ratelimit.Clock) (*Notifier, error) {
	endpoint := conf.Endpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}

	bot, err := tgbotapi.NewBotAPIWithClient(conf.Token, endpoint, &http.Client{Timeout: 30 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "connect telegram bot")
	}
	log.WithField("bot", bot.Self.UserName).Info("telegram bot ready")

	return NewWithSender(bot, conf, clock), nil
}

// NewWithSender builds a Notifier on an existing sender.
func NewWithSender(sender Sender, conf config.ChatConfig, clock ratelimit.Clock) *Notifier {
	rate := conf.Rate
	if rate <= 0 {
		rate = 1
	}
	return &Notifier{
		sender:  sender,
		chatID:  conf.ChatID,
		caption: conf.Caption,
		bucket:  ratelimit.NewBucketWithRateAndClock(rate, 1, clock),
	}
}

// SendPhoto posts a JPEG with the configured caption.
//
// The bot API call is not cancellable; when ctx ends first the call is left
// to finish on its own and ctx.Err() is returned.
func (n *Notifier) SendPhoto(ctx context.Context, name string, jpeg []byte) error {
	if n.bucket.TakeAvailable(1) == 0 {
		return ErrRateLimited
	}

	photo := tgbotapi.NewPhoto(n.chatID, tgbotapi.FileBytes{Name: name, Bytes: jpeg})
	photo.Caption = n.caption

	done := make(chan error, 1)
	go func() {
		_, err := n.sender.Send(photo)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return errors.Wrap(err, "send photo")
		}
		log.WithFields(log.Fields{"chat": n.chatID, "name": name}).Info("sent alert photo")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
