package session

import (
	"context"
	"encoding/json"
	"time"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	log "github.com/sirupsen/logrus"

	"github.com/wyldmark/fable/pkg/errmodel"
	"github.com/wyldmark/fable/pkg/gamestore"
	"github.com/wyldmark/fable/pkg/retry"
)

// EventData is a structured player action. Only Action is required.
type EventData struct {
	Action   string `json:"action"`
	Location string `json:"location,omitempty"`
	Target   string `json:"target,omitempty"`
}

const eventSchemaJSON = `{
  "type": "object",
  "properties": {
    "action":   {"type": "string"},
    "location": {"type": "string"},
    "target":   {"type": "string"}
  },
  "required": ["action"],
  "additionalProperties": false
}`

var eventSchema = mustCompileSchema(eventSchemaJSON)

func mustCompileSchema(src string) *jsonschema.Schema {
	var doc any
	if err := json.Unmarshal([]byte(src), &doc); err != nil {
		panic(err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("mem://event.json", doc); err != nil {
		panic(err)
	}
	sch, err := c.Compile("mem://event.json")
	if err != nil {
		panic(err)
	}
	return sch
}

// ValidateEvent checks a raw event payload against the action schema.
// Returns a validation error, never retried.
func ValidateEvent(raw json.RawMessage) (*EventData, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, errmodel.Validation(errmodel.CodeInvalidPayload, "event payload is not valid JSON", nil)
	}
	if err := eventSchema.Validate(v); err != nil {
		return nil, errmodel.Validation(errmodel.CodeInvalidPayload, "event payload failed validation",
			map[string]any{"detail": err.Error()})
	}
	var e EventData
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, errmodel.Validation(errmodel.CodeInvalidPayload, "event payload failed decoding", nil)
	}
	return &e, nil
}

// LogEvent validates eventData and appends it to the session's log. The
// append is retried; validation failures surface immediately.
func (c *Coordinator) LogEvent(ctx context.Context, sessionID, playerID string, eventData json.RawMessage) error {
	event, err := ValidateEvent(eventData)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return errmodel.System(errmodel.CodeInternal, "encode event", nil, err)
	}
	err = retry.Do(ctx, "log event", func(ctx context.Context) error {
		_, err := c.store.Append(ctx, EventsKey(sessionID), gamestore.LogEntry{
			PlayerID:  playerID,
			Payload:   payload,
			CreatedAt: time.Now(),
		})
		return err
	}, c.retryOpts...)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{"session": sessionID, "action": event.Action}).Info("logged event")
	return nil
}

// Events returns the session's full log, oldest to newest.
func (c *Coordinator) Events(ctx context.Context, sessionID string) ([]gamestore.LogEntry, error) {
	entries, err := retry.DoValue(ctx, "get game history", func(ctx context.Context) ([]gamestore.LogEntry, error) {
		return c.store.Range(ctx, EventsKey(sessionID))
	}, c.retryOpts...)
	if err != nil {
		return nil, err
	}
	return entries, nil
}
