package bus

import "github.com/google/uuid"

// Message is the unit carried between an in-process channel and a broker destination.
// Payload is opaque to the binder; encoding is the application's concern.
type Message struct {
	ID      string
	Payload []byte
	Headers map[string]string
}

// NewMessage builds a Message with a fresh random ID.
func NewMessage(payload []byte, headers map[string]string) Message {
	return Message{ID: uuid.NewString(), Payload: payload, Headers: headers}
}

// Header returns the header value for key, or "" when absent.
func (m Message) Header(key string) string {
	if m.Headers == nil {
		return ""
	}

	return m.Headers[key]
}

// CloneHeaders returns a copy of the headers with room for extra entries.
func (m Message) CloneHeaders(extra int) map[string]string {
	h := make(map[string]string, len(m.Headers)+extra)
	for k, v := range m.Headers {
		h[k] = v
	}

	return h
}
