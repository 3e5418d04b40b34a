package types

// Event is the concrete payload emitted by the settlement engine. Attributes
// are flat string pairs so transports (webhooks, websockets, logs) can carry
// them without schema negotiation.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Attribute returns the named attribute or the empty string.
func (e *Event) Attribute(key string) string {
	if e == nil || e.Attributes == nil {
		return ""
	}
	return e.Attributes[key]
}
