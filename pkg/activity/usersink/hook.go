// Package usersink records bridge activity in a go-users ActivitySink.
package usersink

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/goliatone/go-statebridge/pkg/activity"
	usertypes "github.com/goliatone/go-users/pkg/types"
)

// Hook is an activity.Hook writing one ActivityRecord per event. When Verbs
// is not empty only the listed verbs are recorded.
type Hook struct {
	Sink  usertypes.ActivitySink
	Verbs []string
}

// Notify records event. Actor and tenant ids that are not UUIDs are stored
// as uuid.Nil and kept verbatim in the record data.
func (h Hook) Notify(ctx context.Context, event activity.Event) error {
	if h.Sink == nil {
		return nil
	}
	event = event.Normalized()
	if !event.Complete() || !h.accepts(event.Verb) {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	actor, actorOK := parseUUID(event.ActorID)
	tenant, tenantOK := parseUUID(event.TenantID)
	data := event.Attrs()
	if !actorOK && event.ActorID != "" {
		data = with(data, "actor", event.ActorID)
	}
	if !tenantOK && event.TenantID != "" {
		data = with(data, "tenant", event.TenantID)
	}

	occurred := event.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}

	return h.Sink.Log(ctx, usertypes.ActivityRecord{
		ActorID:    actor,
		UserID:     actor,
		TenantID:   tenant,
		Verb:       event.Verb,
		ObjectType: event.ObjectType,
		ObjectID:   event.ObjectID,
		Channel:    event.Channel,
		Data:       data,
		OccurredAt: occurred,
	})
}

func (h Hook) accepts(verb string) bool {
	return len(h.Verbs) == 0 || slices.Contains(h.Verbs, verb)
}

func with(data map[string]any, key string, value any) map[string]any {
	if data == nil {
		data = map[string]any{}
	}
	data[key] = value
	return data
}

func parseUUID(input string) (uuid.UUID, bool) {
	id, err := uuid.Parse(strings.TrimSpace(input))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}
