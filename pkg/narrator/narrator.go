// Package narrator builds the game-master prompt from session state, the
// event log, and contextual lore, invokes the generative backend, and fans
// the resulting narration out on the session's update channel. Provider
// failures never reach players verbatim; they map to a small fixed set of
// fallback narrations.
package narrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/wyldmark/fable/pkg/adapters/llm"
	"github.com/wyldmark/fable/pkg/errmodel"
	"github.com/wyldmark/fable/pkg/gamestore"
	"github.com/wyldmark/fable/pkg/lore"
	"github.com/wyldmark/fable/pkg/retry"
	"github.com/wyldmark/fable/pkg/session"
)

// Fallback narrations. These are the only provider-failure texts players
// ever see.
const (
	FallbackNoBackend   = "The AI is currently unavailable. Please try again later."
	FallbackEmpty       = "The world is silent."
	FallbackRateLimited = "The AI is currently busy. Please wait a moment and try again."
	FallbackQuota       = "AI service quota exceeded. Please try again later."
	FallbackNetwork     = "Network connection issue. Please check your connection and try again."
	FallbackGeneric     = "The world seems to be experiencing some technical difficulties. Please try your command again."
)

// Update is the transient narration message published on a session's update
// channel. It is never appended to the event log.
type Update struct {
	Type      string `json:"type"`
	Narrative string `json:"narrative"`
	Timestamp int64  `json:"timestamp"`
	Error     bool   `json:"error,omitempty"`
}

// Engine generates and publishes narration. model may be nil, in which case
// every command yields the no-backend fallback.
type Engine struct {
	store     gamestore.Store
	loreIndex *lore.Index
	model     llm.LLM
	estimate  TokenEstimator
	maxTokens int
	retryOpts []retry.Option
}

// Option configures an Engine.
type Option func(*Engine)

// WithTokenEstimator sets the prompt token estimator. Defaults to rune count.
func WithTokenEstimator(est TokenEstimator) Option {
	return func(e *Engine) {
		if est != nil {
			e.estimate = est
		}
	}
}

// WithMaxPromptTokens caps the assembled prompt; oldest transcript lines are
// dropped first when over budget.
func WithMaxPromptTokens(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxTokens = n
		}
	}
}

// WithRetryOptions overrides the retry policy for store reads and publishes.
func WithRetryOptions(opts ...retry.Option) Option {
	return func(e *Engine) { e.retryOpts = opts }
}

// New returns an Engine. loreIndex must be non-nil (it degrades internally
// when no embedder is configured); model may be nil.
func New(store gamestore.Store, loreIndex *lore.Index, model llm.LLM, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		loreIndex: loreIndex,
		model:     model,
		estimate:  func(s string) int { return len([]rune(s)) },
		maxTokens: 8000,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// GetAIResponse narrates the outcome of command for sessionID and publishes
// it on the session's update channel. On provider or store failure it
// publishes an error-flagged fallback (best-effort) and returns a wrapped
// error so the command handler can notify the initiating client; other
// members only ever see the fallback narration.
func (e *Engine) GetAIResponse(ctx context.Context, sessionID, command string) (string, error) {
	narrative, err := e.generate(ctx, sessionID, command)
	if err != nil {
		fallback := fallbackFor(err)
		log.WithField("session", sessionID).WithError(err).Error("narration failed")
		if pubErr := e.publish(ctx, sessionID, Update{
			Type:      "narrative",
			Narrative: fallback,
			Timestamp: time.Now().UnixMilli(),
			Error:     true,
		}); pubErr != nil {
			log.WithField("session", sessionID).WithError(pubErr).Error("fallback publish failed")
		}
		return "", errmodel.New(errmodel.CategoryModel, errmodel.Code(err), "narration failed", nil, err)
	}
	return narrative, nil
}

func (e *Engine) generate(ctx context.Context, sessionID, command string) (string, error) {
	var (
		entries []gamestore.LogEntry
		state   map[string]string
	)
	// Log and state are independent; fetch them concurrently.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		entries, err = retry.DoValue(gctx, "get game history", func(ctx context.Context) ([]gamestore.LogEntry, error) {
			return e.store.Range(ctx, session.EventsKey(sessionID))
		}, e.retryOpts...)
		return err
	})
	g.Go(func() error {
		var err error
		state, err = retry.DoValue(gctx, "get game state", func(ctx context.Context) (map[string]string, error) {
			return e.store.HGetAll(ctx, session.StateKey(sessionID))
		}, e.retryOpts...)
		return err
	})
	if err := g.Wait(); err != nil {
		return "", err
	}

	transcript := Transcript(entries)
	loreBlock := e.loreIndex.ContextualLore(ctx, command, transcript, 3)
	prompt := e.buildPrompt(state, transcript, loreBlock, command)

	if e.model == nil {
		// No backend configured: publish the scripted fallback and return it
		// without error.
		fallback := FallbackNoBackend
		if err := e.publish(ctx, sessionID, Update{
			Type:      "narrative",
			Narrative: fallback,
			Timestamp: time.Now().UnixMilli(),
			Error:     true,
		}); err != nil {
			log.WithField("session", sessionID).WithError(err).Error("fallback publish failed")
		}
		return fallback, nil
	}

	// One shot, no internal retry: caller-visible latency beats masking
	// transient provider errors.
	res, err := e.model.Generate(ctx, []llm.Message{{Role: "user", Content: prompt}}, nil)
	if err != nil {
		return "", err
	}
	narrative := strings.TrimSpace(res.Text)
	if narrative == "" {
		narrative = FallbackEmpty
	}

	if err := e.publish(ctx, sessionID, Update{
		Type:      "narrative",
		Narrative: narrative,
		Timestamp: time.Now().UnixMilli(),
	}); err != nil {
		return "", err
	}
	log.WithField("session", sessionID).Info("published narration")
	return narrative, nil
}

func (e *Engine) publish(ctx context.Context, sessionID string, u Update) error {
	payload, err := json.Marshal(u)
	if err != nil {
		return errmodel.System(errmodel.CodeInternal, "encode narration", nil, err)
	}
	return retry.Do(ctx, "publish narrative", func(ctx context.Context) error {
		return e.store.Publish(ctx, session.UpdatesChannel(sessionID), payload)
	}, e.retryOpts...)
}

func (e *Engine) buildPrompt(state map[string]string, transcript []string, loreBlock, command string) string {
	story := strings.Join(transcript, "\n")
	if story == "" {
		story = "This is the beginning of the adventure."
	}
	prompt := e.renderPrompt(state, story, loreBlock, command)

	// Trim the transcript oldest-first when over the token budget; the state,
	// lore, and command always survive.
	for e.estimate(prompt) > e.maxTokens && len(transcript) > 0 {
		transcript = transcript[1:]
		story = strings.Join(transcript, "\n")
		if story == "" {
			story = "This is the beginning of the adventure."
		}
		prompt = e.renderPrompt(state, story, loreBlock, command)
	}
	return prompt
}

func (e *Engine) renderPrompt(state map[string]string, story, loreBlock, command string) string {
	stateJSON, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		stateJSON = []byte("{}")
	}
	return fmt.Sprintf(`You are a text-based RPG game master.

Current game state: %s

Story so far:
%s%s

A player issues the following command: %q

Describe what happens next in a vivid, engaging way. Keep your response under 200 words.`,
		stateJSON, story, loreBlock, command)
}

// Transcript folds the event log into one line per event. Each entry's
// payload parses to Ok(action) or Malformed; malformed entries render as
// "Unknown action" rather than aborting the narration.
func Transcript(entries []gamestore.LogEntry) []string {
	lines := make([]string, len(entries))
	for i, entry := range entries {
		if action, ok := parseAction(entry); ok {
			lines[i] = action
		} else {
			lines[i] = "Unknown action"
		}
	}
	return lines
}

func parseAction(entry gamestore.LogEntry) (string, bool) {
	var e session.EventData
	if err := json.Unmarshal(entry.Payload, &e); err != nil {
		return "", false
	}
	if e.Action == "" {
		return "", false
	}
	return e.Action, true
}

func fallbackFor(err error) string {
	switch errmodel.Code(err) {
	case errmodel.CodeRateLimited:
		return FallbackRateLimited
	case errmodel.CodeQuotaExceeded:
		return FallbackQuota
	case errmodel.CodeTimeout:
		return FallbackNetwork
	default:
		return FallbackGeneric
	}
}
