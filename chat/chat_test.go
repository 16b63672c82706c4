package chat

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/intrusion-warning/config"
	"github.com/nvr-ai/intrusion-warning/util"
)

type fakeSender struct {
	mu    sync.Mutex
	sent  []tgbotapi.PhotoConfig
	err   error
	block chan struct{}
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return tgbotapi.Message{}, f.err
	}
	f.sent = append(f.sent, c.(tgbotapi.PhotoConfig))
	return tgbotapi.Message{MessageID: len(f.sent)}, nil
}

func chatConfig() config.ChatConfig {
	conf := config.Default().Chat
	conf.Enabled = true
	conf.Token = "123:abc"
	conf.ChatID = 42
	return conf
}

func TestSendPhoto(t *testing.T) {
	sender := &fakeSender{}
	clock := util.NewManualClock(time.Now())
	n := NewWithSender(sender, chatConfig(), clock)

	require.NoError(t, n.SendPhoto(context.Background(), "alert.jpg", []byte{1, 2, 3}))

	require.Len(t, sender.sent, 1)
	photo := sender.sent[0]
	assert.Equal(t, int64(42), photo.ChatID)
	assert.Equal(t, "⚠️ Có xâm nhập, nguy hiểm!", photo.Caption)
	assert.Equal(t, tgbotapi.FileBytes{Name: "alert.jpg", Bytes: []byte{1, 2, 3}}, photo.File)
}

func TestSendPhotoRateLimited(t *testing.T) {
	sender := &fakeSender{}
	clock := util.NewManualClock(time.Now())
	n := NewWithSender(sender, chatConfig(), clock)

	require.NoError(t, n.SendPhoto(context.Background(), "a.jpg", nil))
	assert.Equal(t, ErrRateLimited, n.SendPhoto(context.Background(), "b.jpg", nil))

	clock.Advance(time.Second)
	require.NoError(t, n.SendPhoto(context.Background(), "c.jpg", nil))
	assert.Len(t, sender.sent, 2)
}

func TestSendPhotoError(t *testing.T) {
	sender := &fakeSender{err: errors.New("Forbidden: bot was blocked by the user")}
	n := NewWithSender(sender, chatConfig(), util.NewManualClock(time.Now()))

	err := n.SendPhoto(context.Background(), "a.jpg", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blocked")
}

func TestSendPhotoHonoursContext(t *testing.T) {
	sender := &fakeSender{block: make(chan struct{})}
	defer close(sender.block)
	n := NewWithSender(sender, chatConfig(), util.NewManualClock(time.Now()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Equal(t, context.DeadlineExceeded, n.SendPhoto(ctx, "a.jpg", nil))
}

func TestNewAgainstBotAPI(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	var body string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		paths = append(paths, r.URL.Path)
		w.Header().Set("Content-Type", "application/json")

		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			io.WriteString(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"Guard","username":"guard_bot"}}`)
		case strings.HasSuffix(r.URL.Path, "/sendPhoto"):
			b, _ := io.ReadAll(r.Body)
			body = string(b)
			io.WriteString(w, `{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"}}}`)
		default:
			io.WriteString(w, `{"ok":false,"error_code":404,"description":"Not Found"}`)
		}
	}))
	defer server.Close()

	conf := chatConfig()
	conf.Endpoint = server.URL + "/bot%s/%s"

	n, err := New(conf, util.NewManualClock(time.Now()))
	require.NoError(t, err)
	require.NoError(t, n.SendPhoto(context.Background(), "alert.jpg", []byte("jpeg")))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"/bot123:abc/getMe", "/bot123:abc/sendPhoto"}, paths)
	assert.Contains(t, body, "alert.jpg")
	assert.Contains(t, body, "jpeg")
}
