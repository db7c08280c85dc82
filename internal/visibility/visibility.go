// Package visibility decides which messages in a request thread a viewer is
// allowed to see, and derives unseen counts from a viewer's last-viewed marker.
package visibility

import (
	"time"

	"reqdesk/api/internal/rbac"
	"reqdesk/api/internal/store"
)

// Filter returns the messages of a thread the given role may see. Staff see
// the full thread including internal notes; clients only the external ones.
// The relative order of the input is preserved.
func Filter(messages []store.Message, viewerRole rbac.Role) []store.Message {
	if rbac.IsStaff(viewerRole) {
		return messages
	}
	visible := make([]store.Message, 0, len(messages))
	for _, message := range messages {
		if message.IsInternal {
			continue
		}
		visible = append(visible, message)
	}
	return visible
}

// FilterMeta is Filter for message metadata, used when computing counts
// across every request without loading full message bodies.
func FilterMeta(meta []store.MessageMeta, viewerRole rbac.Role) []store.MessageMeta {
	if rbac.IsStaff(viewerRole) {
		return meta
	}
	visible := make([]store.MessageMeta, 0, len(meta))
	for _, m := range meta {
		if m.IsInternal {
			continue
		}
		visible = append(visible, m)
	}
	return visible
}

// CountUnseen counts the visible messages created after lastViewed. A nil
// marker means the viewer has never opened the request, so every visible
// message counts.
func CountUnseen(meta []store.MessageMeta, lastViewed *time.Time) int {
	var since time.Time
	if lastViewed != nil {
		since = *lastViewed
	}
	unseen := 0
	for _, m := range meta {
		if m.CreatedAt.After(since) {
			unseen++
		}
	}
	return unseen
}
