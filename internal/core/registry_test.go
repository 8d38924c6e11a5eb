package core

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/restocktime/nfl-ncaa-analytics-sub019/internal/messaging"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) (*Registry, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	return NewRegistry(clock, zerolog.Nop(), 100), clock
}

func counterPayload(n int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"n":%d}`, n))
}

func TestRegistry_AcceptAssignsUniqueIDsAndAcks(t *testing.T) {
	r, _ := newTestRegistry(t)

	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		ft := &fakeTransport{}
		c := r.Accept(ft, nil)
		require.True(t, strings.HasPrefix(c.ID(), "conn_"), c.ID())
		_, dup := seen[c.ID()]
		require.False(t, dup, "duplicate id %s", c.ID())
		seen[c.ID()] = struct{}{}

		msgs := ft.messages(t)
		require.Len(t, msgs, 1)
		assert.Equal(t, messaging.KindConnectionAck, msgs[0].Type)
		var ack messaging.ConnectionAck
		require.NoError(t, json.Unmarshal(msgs[0].Payload, &ack))
		assert.Equal(t, c.ID(), ack.ConnectionID)
	}

	assert.Equal(t, 1000, r.Stats().TotalConnections)
}

func TestRegistry_SubscribeThenUnsubscribeRemovesTopic(t *testing.T) {
	r, _ := newTestRegistry(t)
	c := r.Accept(&fakeTransport{}, nil)

	added, err := r.Subscribe(c.ID(), []string{"game:1:state"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"game:1:state"}, added)
	assert.Equal(t, []string{c.ID()}, r.SubscribersOf("game:1:state"))

	removed, err := r.Unsubscribe(c.ID(), []string{"game:1:state"})
	require.NoError(t, err)
	assert.Equal(t, []string{"game:1:state"}, removed)

	assert.Empty(t, r.SubscribersOf("game:1:state"))
	assert.Empty(t, r.Topics())
	assert.Empty(t, c.Topics())
}

func TestRegistry_SubscribeIsIdempotent(t *testing.T) {
	r, _ := newTestRegistry(t)
	c := r.Accept(&fakeTransport{}, nil)

	_, err := r.Subscribe(c.ID(), []string{"a", "b"}, nil)
	require.NoError(t, err)
	added, err := r.Subscribe(c.ID(), []string{"a", "c"}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"c"}, added)
	assert.Equal(t, 3, r.Stats().TotalSubscriptions)
}

func TestRegistry_UnknownConnection(t *testing.T) {
	r, _ := newTestRegistry(t)

	_, err := r.Subscribe("conn_missing", []string{"a"}, nil)
	assert.ErrorIs(t, err, ErrUnknownConnection)
	_, err = r.Unsubscribe("conn_missing", []string{"a"})
	assert.ErrorIs(t, err, ErrUnknownConnection)
	assert.ErrorIs(t, r.Unicast("conn_missing", messaging.KindError, nil), ErrUnknownConnection)
	assert.False(t, r.Disconnect("conn_missing", "test"))
}

func TestRegistry_FiltersStoredPerTopic(t *testing.T) {
	r, _ := newTestRegistry(t)
	c := r.Accept(&fakeTransport{}, nil)

	filters := map[string]any{"team": "KC"}
	_, err := r.Subscribe(c.ID(), []string{"game:1:state"}, filters)
	require.NoError(t, err)

	assert.Equal(t, filters, r.Filters(c.ID(), "game:1:state"))
	assert.Nil(t, r.Filters(c.ID(), "game:2:state"))
}

func TestRegistry_PublishWithoutSubscribers(t *testing.T) {
	r, _ := newTestRegistry(t)
	ft := &fakeTransport{}
	r.Accept(ft, nil)
	ft.reset()

	n := r.Publish("game:1:probabilities", messaging.KindProbabilityUpdate, counterPayload(1))

	assert.Zero(t, n)
	assert.Zero(t, r.Stats().QueuedMessages)
	assert.Empty(t, ft.messages(t))
}

func TestRegistry_PublishGivesEachRecipientItsOwnID(t *testing.T) {
	r, clock := newTestRegistry(t)
	t1, t2 := &fakeTransport{}, &fakeTransport{}
	c1 := r.Accept(t1, nil)
	c2 := r.Accept(t2, nil)
	_, err := r.Subscribe(c1.ID(), []string{"topic"}, nil)
	require.NoError(t, err)
	_, err = r.Subscribe(c2.ID(), []string{"topic"}, nil)
	require.NoError(t, err)
	t1.reset()
	t2.reset()

	n := r.Publish("topic", messaging.KindGameStateUpdate, counterPayload(7))
	require.Equal(t, 2, n)

	m1, m2 := t1.messages(t), t2.messages(t)
	require.Len(t, m1, 1)
	require.Len(t, m2, 1)
	assert.NotEqual(t, m1[0].MessageID, m2[0].MessageID)
	assert.JSONEq(t, `{"n":7}`, string(m1[0].Payload))
	assert.JSONEq(t, `{"n":7}`, string(m2[0].Payload))
	assert.True(t, m1[0].Timestamp.Equal(clock.Now()))
}

func TestRegistry_BusyTransportQueuesAndEvictsOldest(t *testing.T) {
	r, _ := newTestRegistry(t)
	ft := &fakeTransport{}
	c := r.Accept(ft, nil)
	_, err := r.Subscribe(c.ID(), []string{"topic"}, nil)
	require.NoError(t, err)

	ft.setErr(ErrTransportBusy)
	for i := 0; i < 150; i++ {
		r.Publish("topic", messaging.KindProbabilityUpdate, counterPayload(i))
		require.LessOrEqual(t, c.QueueLen(), 100)
	}

	assert.Equal(t, 100, c.QueueLen())
	assert.Equal(t, 100, r.Stats().QueuedMessages)

	oldest, ok := c.queue.Peek()
	require.True(t, ok)
	assert.JSONEq(t, `{"n":50}`, string(oldest.Payload))
}

func TestRegistry_QueueDrainsInOrderAfterRecovery(t *testing.T) {
	r, _ := newTestRegistry(t)
	ft := &fakeTransport{}
	c := r.Accept(ft, nil)
	_, err := r.Subscribe(c.ID(), []string{"topic"}, nil)
	require.NoError(t, err)
	ft.reset()

	ft.setErr(ErrTransportBusy)
	for i := 0; i < 5; i++ {
		r.Publish("topic", messaging.KindProbabilityUpdate, counterPayload(i))
	}
	require.Equal(t, 5, c.QueueLen())

	ft.setErr(nil)
	r.Publish("topic", messaging.KindProbabilityUpdate, counterPayload(5))

	msgs := ft.messages(t)
	require.Len(t, msgs, 6)
	for i, m := range msgs {
		assert.JSONEq(t, fmt.Sprintf(`{"n":%d}`, i), string(m.Payload))
	}
	assert.Zero(t, c.QueueLen())
}

func TestRegistry_FlushQueuesRetriesBacklog(t *testing.T) {
	r, _ := newTestRegistry(t)
	ft := &fakeTransport{}
	c := r.Accept(ft, nil)
	_, err := r.Subscribe(c.ID(), []string{"topic"}, nil)
	require.NoError(t, err)
	ft.reset()

	ft.setErr(ErrTransportBusy)
	r.Publish("topic", messaging.KindProbabilityUpdate, counterPayload(1))
	r.Publish("topic", messaging.KindProbabilityUpdate, counterPayload(2))
	assert.Equal(t, 2, r.FlushQueues())

	ft.setErr(nil)
	assert.Zero(t, r.FlushQueues())
	assert.Len(t, ft.messages(t), 2)
}

func TestRegistry_ClosedTransportDisconnects(t *testing.T) {
	r, _ := newTestRegistry(t)
	ft := &fakeTransport{}
	c := r.Accept(ft, nil)
	_, err := r.Subscribe(c.ID(), []string{"topic"}, nil)
	require.NoError(t, err)

	ft.setErr(ErrTransportClosed)
	n := r.Publish("topic", messaging.KindProbabilityUpdate, counterPayload(1))

	assert.Equal(t, 1, n)
	assert.True(t, ft.isClosed())
	assert.Equal(t, Stats{}, r.Stats())
	assert.Empty(t, r.Topics())
}

func TestRegistry_StatsAndDisconnectAll(t *testing.T) {
	r, _ := newTestRegistry(t)

	for i := 0; i < 100; i++ {
		c := r.Accept(&fakeTransport{}, nil)
		topics := make([]string, 10)
		for j := range topics {
			topics[j] = fmt.Sprintf("game:%d:state", j)
		}
		_, err := r.Subscribe(c.ID(), topics, nil)
		require.NoError(t, err)
	}

	stats := r.Stats()
	assert.Equal(t, 100, stats.TotalConnections)
	assert.Equal(t, 100, stats.ActiveConnections)
	assert.Equal(t, 1000, stats.TotalSubscriptions)
	assert.Zero(t, stats.QueuedMessages)

	ids := r.DisconnectAll("test")
	assert.Len(t, ids, 100)
	assert.Equal(t, Stats{}, r.Stats())
	assert.Empty(t, r.Topics())
}

func TestRegistry_DoubleDisconnectIsNoop(t *testing.T) {
	r, _ := newTestRegistry(t)
	ft := &fakeTransport{}
	c := r.Accept(ft, nil)

	assert.True(t, r.Disconnect(c.ID(), "test"))
	assert.False(t, r.Disconnect(c.ID(), "test"))
	assert.True(t, ft.isClosed())
	assert.Zero(t, r.Stats().TotalConnections)
}

func TestRegistry_SweepDisconnectsSilentConnections(t *testing.T) {
	r, clock := newTestRegistry(t)
	quiet := r.Accept(&fakeTransport{}, nil)
	chatty := r.Accept(&fakeTransport{}, nil)
	_, err := r.Subscribe(quiet.ID(), []string{"topic"}, nil)
	require.NoError(t, err)

	clock.Advance(20 * time.Second)
	require.True(t, r.RecordHeartbeat(chatty.ID()))
	clock.Advance(15 * time.Second)

	expired := r.Sweep(30 * time.Second)

	assert.Equal(t, []string{quiet.ID()}, expired)
	assert.Empty(t, r.SubscribersOf("topic"))
	_, ok := r.Info(quiet.ID())
	assert.False(t, ok)

	info, ok := r.Info(chatty.ID())
	require.True(t, ok)
	assert.True(t, info.Alive)
	assert.True(t, info.LastHeartbeat.Equal(clock.Now().Add(-15*time.Second)))
}
