// Package bridge implements the shangwang-bridge side-car: it attaches to a
// running Electron IM via the Chrome DevTools Protocol, hooks the app's
// internal store to intercept messages, drives its send path, and exposes a
// local WebSocket to the gateway.
package bridge

import "encoding/json"

// Event variants: intercepted from the reactive store, or reconstructed from
// DOM mutations by the fallback observer.
const (
	VariantStore = "vuex"
	VariantDOM   = "dom"
)

// IncomingEvent is one intercepted message, normalised from the untyped
// in-page payload.
type IncomingEvent struct {
	Variant      string      `json:"source"`
	MutationType string      `json:"mutationType,omitempty"`
	SessionID    string      `json:"sessionId"`
	From         string      `json:"from"`
	FromNick     string      `json:"fromNick"`
	Text         string      `json:"text"`
	MsgType      string      `json:"msgType"`
	Time         float64     `json:"time"`
	IDClient     string      `json:"idClient"`
	Flow         string      `json:"flow,omitempty"`
	Attachment   *Attachment `json:"attachment,omitempty"`
}

// Attachment is the optional file/image block on an intercepted message.
type Attachment struct {
	URL      string `json:"url,omitempty"`
	Name     string `json:"name,omitempty"`
	Ext      string `json:"ext,omitempty"`
	Size     int64  `json:"size,omitempty"`
	IsImage  bool   `json:"isImage,omitempty"`
}

// parseEvents decodes the hook queue's JSON array, dropping entries that
// fail to decode individually.
func parseEvents(raw string) []IncomingEvent {
	if raw == "" || raw == "[]" {
		return nil
	}
	var rough []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &rough); err != nil {
		return nil
	}
	events := make([]IncomingEvent, 0, len(rough))
	for _, r := range rough {
		var ev IncomingEvent
		if err := json.Unmarshal(r, &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events
}
