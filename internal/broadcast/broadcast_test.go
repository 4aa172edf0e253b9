package broadcast_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/checklistd/internal/broadcast"
	"github.com/fyrsmithlabs/checklistd/internal/broadcast/broadcasttest"
)

func update(item string, ev broadcast.Event) broadcast.Update {
	return broadcast.Update{
		ID:        "u-" + item,
		SessionID: "sess-1",
		ItemID:    item,
		Event:     ev,
		Label:     "accepted",
		At:        time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestHub_FanOut(t *testing.T) {
	hub := broadcast.NewHub(nil)
	a, cancelA := hub.Subscribe(4)
	b, cancelB := hub.Subscribe(4)
	defer cancelB()
	assert.Equal(t, 2, hub.Subscribers())

	require.NoError(t, hub.Publish(context.Background(), update("profile_age", broadcast.EventCompleted)))

	assert.Equal(t, "profile_age", (<-a).ItemID)
	assert.Equal(t, "profile_age", (<-b).ItemID)

	cancelA()
	cancelA()
	_, open := <-a
	assert.False(t, open)
	assert.Equal(t, 1, hub.Subscribers())
}

func TestHub_SlowSubscriberNeverBlocks(t *testing.T) {
	hub := broadcast.NewHub(nil)
	_, cancel := hub.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			_ = hub.Publish(context.Background(), update(fmt.Sprint(i), broadcast.EventRejected))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Equal(t, 9, hub.Dropped())
}

func TestDecisionLog(t *testing.T) {
	log := broadcast.NewDecisionLog(3)
	ctx := context.Background()

	_ = log.Publish(ctx, update("accepted-one", broadcast.EventCompleted))
	assert.Empty(t, log.Recent())

	for i := 0; i < 5; i++ {
		_ = log.Publish(ctx, update(fmt.Sprint(i), broadcast.EventRejected))
	}
	recent := log.Recent()
	require.Len(t, recent, 3)
	assert.Equal(t, "2", recent[0].ItemID)
	assert.Equal(t, "4", recent[2].ItemID)
}

type failing struct{}

func (failing) Publish(context.Context, broadcast.Update) error { return errors.New("down") }

func TestMulti(t *testing.T) {
	hub := broadcast.NewHub(nil)
	ch, cancel := hub.Subscribe(1)
	defer cancel()

	err := broadcast.Multi{failing{}, nil, hub}.Publish(context.Background(), update("a", broadcast.EventCompleted))
	assert.EqualError(t, err, "down")
	assert.Equal(t, "a", (<-ch).ItemID)
}

func TestSubjects(t *testing.T) {
	u := update("profile.age", broadcast.EventCompleted)
	assert.Equal(t, "checklist.sess-1.profile_age.completed", broadcast.Subject("checklist", u))
	card := broadcast.Update{SessionID: "sess-1", FieldID: "child_name", Event: broadcast.EventFieldExtracted}
	assert.Equal(t, "checklist.sess-1.child_name.field_extracted", broadcast.Subject("checklist", card))
	stage := broadcast.Update{SessionID: "sess-1", StageID: "stage_profiling", Event: broadcast.EventStageSuggested}
	assert.Equal(t, "checklist.sess-1._.stage_suggested", broadcast.Subject("checklist", stage))
	assert.Equal(t, "checklist.sess-1.>", broadcast.SessionSubject("checklist", "sess-1"))
	assert.Equal(t, "checklist.>", broadcast.SessionSubject("checklist", ""))
	assert.Equal(t, broadcast.EventCompleted, broadcast.EventFromSubject("checklist.sess-1.profile_age.completed"))
}

func TestNATSPublisher(t *testing.T) {
	nc := broadcasttest.Connect(t)

	msgs := make(chan *nats.Msg, 4)
	sub, err := nc.ChanSubscribe(broadcast.SessionSubject("checklist", "sess-1"), msgs)
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()
	require.NoError(t, nc.Flush())

	pub := broadcast.NewNATSPublisher(nc, "checklist", nil)
	want := update("profile_age", broadcast.EventCompleted)
	want.Evidence = "Anaknya umur berapa?"
	require.NoError(t, pub.Publish(context.Background(), want))

	select {
	case msg := <-msgs:
		assert.Equal(t, "checklist.sess-1.profile_age.completed", msg.Subject)
		var got broadcast.Update
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		assert.Equal(t, want, got)
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
	}
}

func TestNATSPublisher_ClosedConnection(t *testing.T) {
	nc := broadcasttest.Connect(t)
	pub := broadcast.NewNATSPublisher(nc, "", nil)
	assert.Equal(t, "checklist", pub.Prefix())

	nc.Close()
	assert.Error(t, pub.Publish(context.Background(), update("a", broadcast.EventRejected)))
}
