package schema

// Message is the schema of a complete, typed message: a fixed-key map
// that pins "type" to a constant and allows the injected "timestamp"
// and "api" fields.
type Message struct {
	Type string
	dict KeyDict
}

// NewMessage builds a Message schema for the given type. Keys named in
// optional may be absent from coerced values.
func NewMessage(msgType string, fields map[string]Schema, optional ...string) *Message {
	schemas := make(map[string]Schema, len(fields)+2)
	for k, v := range fields {
		schemas[k] = v
	}
	schemas["type"] = Constant{Value: msgType}
	schemas["timestamp"] = Float{}
	optional = append(append([]string{}, optional...), "timestamp")
	return &Message{
		Type: msgType,
		dict: KeyDict{Schemas: schemas, Optional: optional},
	}
}

// Coerce validates value against the message schema. The "api" key is
// carrier metadata, not payload: it is preserved untouched and never
// validated.
func (m *Message) Coerce(value any) (any, error) {
	msg, ok := value.(map[string]any)
	if !ok {
		return nil, invalidf("expected message map, got %T", value)
	}
	api, hasAPI := msg["api"]
	if hasAPI {
		stripped := make(map[string]any, len(msg)-1)
		for k, v := range msg {
			if k != "api" {
				stripped[k] = v
			}
		}
		msg = stripped
	}
	coerced, err := m.dict.Coerce(msg)
	if err != nil {
		return nil, err
	}
	out := coerced.(map[string]any)
	if hasAPI {
		out["api"] = api
	}
	return out, nil
}

// Registry owns the schemas for every message type the agent accepts
// from callers.
type Registry struct {
	schemas map[string]*Message
}

// NewRegistry creates an empty schema registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]*Message)}
}

// Add registers a message schema by its type, replacing any previous
// schema for that type.
func (r *Registry) Add(schema *Message) {
	r.schemas[schema.Type] = schema
}

// Get returns the schema registered for msgType.
func (r *Registry) Get(msgType string) (*Message, bool) {
	schema, ok := r.schemas[msgType]
	return schema, ok
}

// Coerce validates a message against the schema registered for its
// type and returns the coerced copy.
func (r *Registry) Coerce(message map[string]any) (map[string]any, error) {
	msgType, _ := message["type"].(string)
	if msgType == "" {
		return nil, invalidf("message has no type")
	}
	schema, ok := r.schemas[msgType]
	if !ok {
		return nil, invalidf("unknown message type %q", msgType)
	}
	coerced, err := schema.Coerce(message)
	if err != nil {
		return nil, err
	}
	return coerced.(map[string]any), nil
}
