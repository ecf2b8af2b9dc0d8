// ABOUTME: Event payloads shared by every connector family

package session

import "github.com/2389/switchboard/internal/store"

// MessageEvent is the payload of a "message" event.
type MessageEvent struct {
	Platform string         `json:"platform"`
	Thread   *store.Thread  `json:"thread"`
	Message  *store.Message `json:"message"`
}

// NoticeEvent carries a reason for "disconnected" and "error" events.
type NoticeEvent struct {
	Platform string `json:"platform"`
	Reason   string `json:"reason"`
}
