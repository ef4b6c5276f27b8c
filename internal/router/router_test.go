package router

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shuttle-tracker/internal/event"
)

type fakeSink struct {
	received [][]byte
	fail     bool
}

func (s *fakeSink) Send(data []byte) error {
	if s.fail {
		return errors.New("connection gone")
	}
	s.received = append(s.received, data)
	return nil
}

func alertEvent(title string) event.Event {
	return event.Event{Type: event.TypeAlertBroadcast, Payload: event.Alert{Level: event.AlertInfo, Title: title}}
}

func TestPublishDeliversToTopicMembersOnly(t *testing.T) {
	r := New()
	green, yellow := &fakeSink{}, &fakeSink{}
	r.Attach("g", green)
	r.Attach("y", yellow)
	r.Join("g", RouteTopic("green"))
	r.Join("y", RouteTopic("yellow"))

	n := r.Publish(RouteTopic("green"), alertEvent("hello"))
	assert.Equal(t, 1, n)
	assert.Len(t, green.received, 1)
	assert.Empty(t, yellow.received)

	var ev struct {
		Type    string      `json:"type"`
		Payload event.Alert `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(green.received[0], &ev))
	assert.Equal(t, "alert:broadcast", ev.Type)
	assert.Equal(t, "hello", ev.Payload.Title)
}

func TestAllTopicReceivesEveryPublish(t *testing.T) {
	r := New()
	admin := &fakeSink{}
	r.Attach("a", admin)
	r.Join("a", TopicAll)

	r.Publish(RouteTopic("green"), alertEvent("g"))
	r.Publish(RouteTopic("yellow"), alertEvent("y"))
	assert.Len(t, admin.received, 2)
}

func TestPublishDeliversOncePerConnection(t *testing.T) {
	r := New()
	s := &fakeSink{}
	r.Attach("c", s)
	r.Join("c", RouteTopic("green"))
	r.Join("c", TopicAll)

	n := r.Publish(RouteTopic("green"), alertEvent("once"))
	assert.Equal(t, 1, n)
	assert.Len(t, s.received, 1)
}

func TestLeaveAndLeaveAll(t *testing.T) {
	r := New()
	s := &fakeSink{}
	r.Attach("c", s)
	r.Join("c", RouteTopic("green"))
	r.Join("c", RouteTopic("yellow"))
	assert.Equal(t, 1, r.MemberCount(RouteTopic("green")))

	r.Leave("c", RouteTopic("green"))
	assert.Zero(t, r.MemberCount(RouteTopic("green")))
	assert.Equal(t, 1, r.MemberCount(RouteTopic("yellow")))

	r.LeaveAll("c")
	assert.Zero(t, r.MemberCount(RouteTopic("yellow")))
}

func TestDetachRemovesMemberships(t *testing.T) {
	r := New()
	s := &fakeSink{}
	r.Attach("c", s)
	r.Join("c", RouteTopic("green"))

	r.Detach("c")
	assert.Zero(t, r.MemberCount(RouteTopic("green")))
	assert.Zero(t, r.Publish(RouteTopic("green"), alertEvent("nobody")))
}

func TestFailingSinkIsDropped(t *testing.T) {
	r := New()
	dead, alive := &fakeSink{fail: true}, &fakeSink{}
	r.Attach("dead", dead)
	r.Attach("alive", alive)
	r.Join("dead", RouteTopic("green"))
	r.Join("alive", RouteTopic("green"))

	n := r.Publish(RouteTopic("green"), alertEvent("x"))
	assert.Equal(t, 1, n)
	assert.Len(t, alive.received, 1)

	// The dead connection is gone from the topic, not just skipped.
	assert.Equal(t, 1, r.MemberCount(RouteTopic("green")))
}

func TestBroadcastReachesAllAttached(t *testing.T) {
	r := New()
	a, b := &fakeSink{}, &fakeSink{}
	r.Attach("a", a)
	r.Attach("b", b)
	r.Join("a", RouteTopic("green")) // membership is irrelevant to Broadcast

	n := r.Broadcast(alertEvent("everyone"))
	assert.Equal(t, 2, n)
	assert.Len(t, a.received, 1)
	assert.Len(t, b.received, 1)
}

func TestJoinWithoutSinkDeliversNothing(t *testing.T) {
	r := New()
	r.Join("ghost", RouteTopic("green"))
	assert.Equal(t, 1, r.MemberCount(RouteTopic("green")))
	assert.Zero(t, r.Publish(RouteTopic("green"), alertEvent("x")))
}
