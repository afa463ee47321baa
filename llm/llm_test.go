package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/egor/ecocrm/config"
	"github.com/egor/ecocrm/models"
)

func TestClassifierAgainstCompletionsAPI(t *testing.T) {
	var got ChatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(ChatCompletionResponse{Choices: []ChatCompletionChoice{
			{Message: Message{Role: "assistant", Content: `{"intent":"Scheduling","confidence":0.92}`}},
		}})
	}))
	defer srv.Close()

	c := NewClassifier(NewClient(config.LLMConfig{BaseURL: srv.URL + "/v1/", APIKey: "sk-test", Model: "m"}))
	in, err := c.Classify(context.Background(), "can I book for friday?")
	require.NoError(t, err)
	assert.Equal(t, IntentScheduling, in.Name)
	assert.InDelta(t, 0.92, in.Confidence, 1e-9)

	assert.Equal(t, "m", got.Model)
	require.NotNil(t, got.ResponseFormat)
	assert.Equal(t, "json_object", got.ResponseFormat.Type)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "can I book for friday?", got.Messages[1].Content)
}

func TestClientSurfacesAPIErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewClient(config.LLMConfig{BaseURL: srv.URL}).Complete(context.Background(), nil, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 429")
}

func TestParseIntent(t *testing.T) {
	in, err := ParseIntent("```json\n{\"intent\":\"refund please\",\"confidence\":3}\n```")
	require.NoError(t, err)
	assert.Equal(t, IntentOther, in.Name)
	assert.Equal(t, 1.0, in.Confidence)

	_, err = ParseIntent("purchase")
	assert.Error(t, err)
}

type stubClassifier struct {
	intent models.Intent
	err    error
	block  chan struct{}
}

func (s *stubClassifier) Classify(ctx context.Context, _ string) (models.Intent, error) {
	if s.block != nil {
		<-s.block
	}
	return s.intent, s.err
}

type recordingSetter struct {
	mu  sync.Mutex
	set map[uuid.UUID]string
}

func (r *recordingSetter) SetIntent(_ context.Context, id uuid.UUID, intent string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.set == nil {
		r.set = map[uuid.UUID]string{}
	}
	r.set[id] = intent
	return nil
}

func quietLogger() *logrus.Entry {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(log)
}

func wait(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tagger did not finish")
	}
}

func TestTaggerStoresIntent(t *testing.T) {
	setter := &recordingSetter{}
	tg := NewTagger(&stubClassifier{intent: models.Intent{Name: IntentPurchase}}, setter, 2, time.Second, quietLogger())
	id := uuid.New()

	done := make(chan struct{})
	require.True(t, tg.Submit(id, "how much?", done))
	wait(t, done)

	setter.mu.Lock()
	defer setter.mu.Unlock()
	assert.Equal(t, IntentPurchase, setter.set[id])
}

func TestTaggerSkipsFailures(t *testing.T) {
	setter := &recordingSetter{}
	tg := NewTagger(&stubClassifier{err: errors.New("model down")}, setter, 1, time.Second, quietLogger())

	done := make(chan struct{})
	require.True(t, tg.Submit(uuid.New(), "hi", done))
	wait(t, done)
	assert.Empty(t, setter.set)
}

func TestTaggerDropsWhenSaturated(t *testing.T) {
	block := make(chan struct{})
	tg := NewTagger(&stubClassifier{intent: models.Intent{Name: IntentOther}, block: block}, &recordingSetter{}, 1, time.Second, quietLogger())

	first := make(chan struct{})
	require.True(t, tg.Submit(uuid.New(), "a", first))
	second := make(chan struct{})
	assert.False(t, tg.Submit(uuid.New(), "b", second))
	wait(t, second)

	close(block)
	wait(t, first)
}
