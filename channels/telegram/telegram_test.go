package telegram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/egor/ecocrm/models"
)

const token = "123456:ABCDEF"

type fakeAPI struct {
	getMe    atomic.Int32
	sent     atomic.Value
	failSend atomic.Bool

	// slowToken delays getMe of one token by slowDelay.
	slowToken string
	slowDelay time.Duration
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case strings.HasSuffix(r.URL.Path, "/getMe"):
		f.getMe.Add(1)
		if f.slowToken != "" && strings.Contains(r.URL.Path, f.slowToken) {
			time.Sleep(f.slowDelay)
		}
		_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"Shop","username":"shop_bot"}}`))
	case strings.HasSuffix(r.URL.Path, "/sendMessage") && f.failSend.Load():
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":401,"description":"Unauthorized"}`))
	case strings.HasSuffix(r.URL.Path, "/sendMessage"):
		_ = r.ParseMultipartForm(1 << 20)
		f.sent.Store(r.FormValue("chat_id") + "|" + r.FormValue("text"))
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":77,"date":1700000000,"chat":{"id":42,"type":"private"}}}`))
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":404,"description":"Not Found"}`))
	}
}

func newAdapter(url string) *Adapter {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return New(Config{ServerURL: url}, logrus.NewEntry(log))
}

func TestParseInboundText(t *testing.T) {
	body := `{"update_id":1,"message":{"message_id":5,"date":1700000000,
	  "from":{"id":42,"is_bot":false,"first_name":"Ann","last_name":"Lee","username":"annlee"},
	  "chat":{"id":42,"type":"private"},"text":"hello"}}`

	msgs, err := newAdapter("").ParseInbound(uuid.New(), http.Header{}, []byte(body), models.ChannelConfig{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "42", msgs[0].ExternalContactID)
	assert.Equal(t, "42:5", msgs[0].ExternalMessageID)
	assert.Equal(t, "Ann Lee", msgs[0].Profile.Name)
	assert.Equal(t, "annlee", msgs[0].Profile.Username)
	assert.Equal(t, "hello", msgs[0].Text)
}

func TestParseInboundPhoto(t *testing.T) {
	body := `{"update_id":2,"message":{"message_id":6,"date":1700000000,"chat":{"id":42,"type":"private"},
	  "photo":[{"file_id":"small","file_unique_id":"s","width":90,"height":90},
	           {"file_id":"big","file_unique_id":"b","width":800,"height":800}],"caption":"receipt"}}`

	msgs, err := newAdapter("").ParseInbound(uuid.New(), http.Header{}, []byte(body), models.ChannelConfig{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].Attachment)
	assert.Equal(t, "big", msgs[0].Attachment.ProviderMediaID)
	assert.Equal(t, "receipt", msgs[0].Text)
}

func TestParseInboundIgnoresNonMessages(t *testing.T) {
	body := `{"update_id":3,"callback_query":{"id":"1","from":{"id":42,"is_bot":false,"first_name":"A"},"chat_instance":"x"}}`
	msgs, err := newAdapter("").ParseInbound(uuid.New(), http.Header{}, []byte(body), models.ChannelConfig{})
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestParseInboundSecretToken(t *testing.T) {
	body := `{"update_id":4,"message":{"message_id":1,"date":1,"chat":{"id":1,"type":"private"},"text":"x"}}`
	a := newAdapter("")
	cfg := models.ChannelConfig{"secret_token": "s3cret"}

	_, err := a.ParseInbound(uuid.New(), http.Header{}, []byte(body), cfg)
	assert.ErrorIs(t, err, models.ErrValidation)

	h := http.Header{}
	h.Set(SecretHeader, "s3cret")
	msgs, err := a.ParseInbound(uuid.New(), h, []byte(body), cfg)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestSendCachesBotPerToken(t *testing.T) {
	api := &fakeAPI{}
	srv := httptest.NewServer(api)
	defer srv.Close()
	a := newAdapter(srv.URL)
	cfg := models.ChannelConfig{"bot_token": token}

	for i := 0; i < 2; i++ {
		res, err := a.Send(context.Background(), cfg, models.OutboundMessage{Recipient: "42", Body: "hi"})
		require.NoError(t, err)
		assert.Equal(t, "42:77", res.ProviderMessageID)
	}
	assert.Equal(t, "42|hi", api.sent.Load())
	assert.Equal(t, int32(1), api.getMe.Load(), "client is created once per token")
}

func TestValidateChecksUsername(t *testing.T) {
	srv := httptest.NewServer(&fakeAPI{})
	defer srv.Close()
	a := newAdapter(srv.URL)

	assert.NoError(t, a.Validate(context.Background(), models.ChannelConfig{"bot_token": token, "bot_username": "@shop_bot"}))
	assert.ErrorIs(t, a.Validate(context.Background(), models.ChannelConfig{"bot_token": token, "bot_username": "other_bot"}), models.ErrValidation)
	assert.ErrorIs(t, a.Validate(context.Background(), models.ChannelConfig{"bot_token": "nocolon"}), models.ErrValidation)
}

func TestSlowTokenDoesNotBlockOtherBots(t *testing.T) {
	api := &fakeAPI{slowToken: "999:SLOW", slowDelay: 500 * time.Millisecond}
	srv := httptest.NewServer(api)
	defer srv.Close()
	a := newAdapter(srv.URL)

	slowDone := make(chan struct{})
	go func() {
		defer close(slowDone)
		_, _ = a.Send(context.Background(), models.ChannelConfig{"bot_token": "999:SLOW"}, models.OutboundMessage{Recipient: "1", Body: "x"})
	}()
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	_, err := a.Send(context.Background(), models.ChannelConfig{"bot_token": token}, models.OutboundMessage{Recipient: "42", Body: "hi"})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 300*time.Millisecond)
	<-slowDone
}

func TestFailedSendDropsCachedBot(t *testing.T) {
	api := &fakeAPI{}
	srv := httptest.NewServer(api)
	defer srv.Close()
	a := newAdapter(srv.URL)
	cfg := models.ChannelConfig{"bot_token": token}
	msg := models.OutboundMessage{Recipient: "42", Body: "hi"}

	api.failSend.Store(true)
	_, err := a.Send(context.Background(), cfg, msg)
	require.Error(t, err)

	api.failSend.Store(false)
	_, err = a.Send(context.Background(), cfg, msg)
	require.NoError(t, err)
	assert.Equal(t, int32(2), api.getMe.Load())
}
