package api

import (
	"embed"
	"fmt"
	"strings"
	"sync"

	"chatrelay/models"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var validatedEvents = []string{
	models.EventFetchMessages,
	models.EventSendMessage,
	models.EventDeleteMessage,
	models.EventUpdateMessage,
}

// MessageValidator checks inbound payloads against the JSON schema of their event.
type MessageValidator struct {
	once    sync.Once
	schemas map[string]*gojsonschema.Schema
	err     error
}

func NewMessageValidator() *MessageValidator { return &MessageValidator{} }

func (v *MessageValidator) load() {
	v.schemas = make(map[string]*gojsonschema.Schema, len(validatedEvents))
	for _, event := range validatedEvents {
		data, err := schemaFS.ReadFile("schemas/" + event + ".json")
		if err != nil {
			v.err = fmt.Errorf("read schema %s: %w", event, err)
			return
		}
		schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(data))
		if err != nil {
			v.err = fmt.Errorf("compile schema %s: %w", event, err)
			return
		}
		v.schemas[event] = schema
	}
}

// Validate checks the raw payload of event. Events without a schema pass.
func (v *MessageValidator) Validate(event string, payload []byte) error {
	v.once.Do(v.load)
	if v.err != nil {
		return v.err
	}
	schema, ok := v.schemas[event]
	if !ok {
		return nil
	}
	if len(payload) == 0 {
		payload = []byte("null")
	}
	res, err := schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return fmt.Errorf("%s payload: %w", event, err)
	}
	if !res.Valid() {
		se := &SchemaError{Event: event}
		for _, e := range res.Errors() {
			se.Fields = append(se.Fields, fieldOf(e))
			se.details = append(se.details, e.String())
		}
		return se
	}
	return nil
}

// SchemaError lists the payload fields that failed validation. A payload that
// is not an object at all reports the field "(root)".
type SchemaError struct {
	Event   string
	Fields  []string
	details []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("%s payload invalid: %s", e.Event, strings.Join(e.details, "; "))
}

// fieldOf names the field a result error is about. Missing required
// properties are reported by gojsonschema against their parent object.
func fieldOf(e gojsonschema.ResultError) string {
	if e.Type() == "required" {
		if p, ok := e.Details()["property"].(string); ok {
			return p
		}
	}
	return e.Field()
}
