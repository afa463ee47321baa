package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/egor/ecocrm/models"
)

// Intents the classifier may return.
const (
	IntentGreeting   = "greeting"
	IntentQuestion   = "question"
	IntentPurchase   = "purchase"
	IntentScheduling = "scheduling"
	IntentSupport    = "support"
	IntentComplaint  = "complaint"
	IntentOther      = "other"
)

var knownIntents = map[string]bool{
	IntentGreeting: true, IntentQuestion: true, IntentPurchase: true, IntentScheduling: true,
	IntentSupport: true, IntentComplaint: true, IntentOther: true,
}

// Classifier tags a customer message with an intent.
type Classifier interface {
	Classify(ctx context.Context, text string) (models.Intent, error)
}

// Noop classifies nothing; it is used when no model is configured.
type Noop struct{}

func (Noop) Classify(context.Context, string) (models.Intent, error) {
	return models.Intent{Name: IntentOther}, nil
}

const classifyPrompt = `You label messages customers send to a small business.
Answer with a JSON object {"intent": "<label>", "confidence": <0..1>}.
Labels: greeting, question, purchase, scheduling, support, complaint, other.`

// Completer is the part of Client the classifier needs.
type Completer interface {
	Complete(ctx context.Context, messages []Message, jsonOnly bool) (string, error)
}

// LLMClassifier asks a chat model for the label.
type LLMClassifier struct {
	api Completer
}

func NewClassifier(api Completer) *LLMClassifier {
	return &LLMClassifier{api: api}
}

func (c *LLMClassifier) Classify(ctx context.Context, text string) (models.Intent, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return models.Intent{Name: IntentOther}, nil
	}
	out, err := c.api.Complete(ctx, []Message{
		{Role: "system", Content: classifyPrompt},
		{Role: "user", Content: text},
	}, true)
	if err != nil {
		return models.Intent{}, err
	}
	return ParseIntent(out)
}

// ParseIntent reads the model's JSON answer. Labels outside the known set
// become "other". Code fences around the object are tolerated.
func ParseIntent(raw string) (models.Intent, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	var in models.Intent
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &in); err != nil {
		return models.Intent{}, fmt.Errorf("decode intent: %w", err)
	}
	in.Name = strings.ToLower(strings.TrimSpace(in.Name))
	if !knownIntents[in.Name] {
		in.Name = IntentOther
	}
	if in.Confidence < 0 {
		in.Confidence = 0
	}
	if in.Confidence > 1 {
		in.Confidence = 1
	}
	return in, nil
}

// IntentSetter stores a conversation's last intent.
type IntentSetter interface {
	SetIntent(ctx context.Context, conversationID uuid.UUID, intent string) error
}

// Tagger classifies messages in the background so webhooks are not held up.
// At most limit classifications run at once; extra submissions are dropped.
type Tagger struct {
	classifier Classifier
	setter     IntentSetter
	timeout    time.Duration
	sem        chan struct{}
	log        *logrus.Entry
}

func NewTagger(c Classifier, s IntentSetter, limit int, timeout time.Duration, log *logrus.Entry) *Tagger {
	if limit <= 0 {
		limit = 4
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Tagger{
		classifier: c,
		setter:     s,
		timeout:    timeout,
		sem:        make(chan struct{}, limit),
		log:        log.WithField("component", "intent"),
	}
}

// Submit schedules classification of text for the conversation. It reports
// whether the work was accepted; done, if non-nil, is closed when it finishes.
func (t *Tagger) Submit(conversationID uuid.UUID, text string, done chan<- struct{}) bool {
	select {
	case t.sem <- struct{}{}:
	default:
		t.log.WithField("conversation_id", conversationID).Warn("intent classification dropped, too many in flight")
		if done != nil {
			close(done)
		}
		return false
	}

	go func() {
		defer func() { <-t.sem }()
		if done != nil {
			defer close(done)
		}
		ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
		defer cancel()

		log := t.log.WithField("conversation_id", conversationID)
		in, err := t.classifier.Classify(ctx, text)
		if err != nil {
			log.WithError(err).Warn("intent classification failed")
			return
		}
		if err := t.setter.SetIntent(ctx, conversationID, in.Name); err != nil {
			log.WithError(err).Warn("intent not stored")
			return
		}
		log.WithFields(logrus.Fields{"intent": in.Name, "confidence": in.Confidence}).Debug("Intent stored")
	}()
	return true
}
