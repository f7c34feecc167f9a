package usersink_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/goliatone/go-statebridge/pkg/activity"
	"github.com/goliatone/go-statebridge/pkg/activity/usersink"
	usertypes "github.com/goliatone/go-users/pkg/types"
)

type recordingSink struct {
	records []usertypes.ActivityRecord
	err     error
}

func (s *recordingSink) Log(_ context.Context, record usertypes.ActivityRecord) error {
	s.records = append(s.records, record)
	return s.err
}

func TestHookNotifyMapsEvent(t *testing.T) {
	sink := &recordingSink{}
	hook := usersink.Hook{Sink: sink}

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	actorID := uuid.New()
	tenantID := uuid.New()

	event := activity.BuildEventDispatchedEvent(activity.BridgeEventInput{
		StoreKey:   "counter",
		EndpointID: "view-1",
		EventType:  "INCREMENT",
		Revision:   4,
		OccurredAt: now,
	})
	event.ActorID = actorID.String()
	event.TenantID = tenantID.String()
	event.Channel = "statebridge"

	if err := hook.Notify(context.Background(), event); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(sink.records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(sink.records))
	}
	record := sink.records[0]
	if record.ActorID != actorID || record.UserID != actorID || record.TenantID != tenantID {
		t.Fatalf("unexpected identity: %+v", record)
	}
	if record.Verb != activity.VerbEventDispatched || record.ObjectType != "store" || record.ObjectID != "counter" {
		t.Fatalf("unexpected record payload: %+v", record)
	}
	if record.Channel != "statebridge" || !record.OccurredAt.Equal(now) {
		t.Fatalf("unexpected channel or time: %+v", record)
	}
	if record.Data["store_key"] != "counter" || record.Data["endpoint_id"] != "view-1" || record.Data["revision"] != uint64(4) {
		t.Fatalf("expected bridge attrs in data, got %+v", record.Data)
	}
}

func TestHookKeepsNonUUIDActors(t *testing.T) {
	sink := &recordingSink{}
	hook := usersink.Hook{Sink: sink}

	err := hook.Notify(context.Background(), activity.Event{
		Verb:       activity.VerbStoreRegistered,
		ObjectType: "store",
		ObjectID:   "counter",
		ActorID:    "host-process",
	})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	record := sink.records[0]
	if record.ActorID != uuid.Nil || record.Data["actor"] != "host-process" {
		t.Fatalf("expected actor kept in data, got %+v", record)
	}
	if record.OccurredAt.IsZero() {
		t.Fatalf("expected occurred_at defaulted")
	}
}

func TestHookNotifySkipsIncompleteEvents(t *testing.T) {
	sink := &recordingSink{}
	hook := usersink.Hook{Sink: sink}

	_ = hook.Notify(context.Background(), activity.Event{})
	if len(sink.records) != 0 {
		t.Fatalf("expected no records for empty event, got %d", len(sink.records))
	}
}

func TestHookNotifyFiltersVerbs(t *testing.T) {
	sink := &recordingSink{}
	hook := usersink.Hook{Sink: sink, Verbs: []string{activity.VerbViewReady}}

	for _, event := range []activity.Event{
		activity.BuildViewReadyEvent(activity.BridgeEventInput{EndpointID: "view-1"}),
		activity.BuildStoreRegisteredEvent(activity.BridgeEventInput{StoreKey: "counter"}),
	} {
		if err := hook.Notify(context.Background(), event); err != nil {
			t.Fatalf("notify: %v", err)
		}
	}

	if len(sink.records) != 1 || sink.records[0].Verb != activity.VerbViewReady {
		t.Fatalf("expected only view.ready forwarded, got %+v", sink.records)
	}
}

func TestHookAsEmitterSink(t *testing.T) {
	sink := &recordingSink{}
	emitter := activity.NewEmitter(activity.Hooks{usersink.Hook{Sink: sink}}, activity.WithChannel("audit"))

	if err := emitter.Emit(context.Background(), activity.BuildViewAttachedEvent(activity.BridgeEventInput{EndpointID: "view-2"})); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if len(sink.records) != 1 || sink.records[0].Channel != "audit" || sink.records[0].ObjectID != "view-2" {
		t.Fatalf("unexpected records: %+v", sink.records)
	}
}
