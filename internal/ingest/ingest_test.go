package ingest

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/restocktime/nfl-ncaa-analytics-sub019/internal/limits"
	"github.com/restocktime/nfl-ncaa-analytics-sub019/internal/messaging"
	"github.com/restocktime/nfl-ncaa-analytics-sub019/internal/monitoring"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
)

type publishCall struct {
	Method  string
	Target  string
	Kind    messaging.Kind
	Payload string
}

type mockPublisher struct {
	mu    sync.Mutex
	calls []publishCall
	err   error
}

func (m *mockPublisher) record(method, target string, kind messaging.Kind, payload any) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, _ := payload.(json.RawMessage)
	m.calls = append(m.calls, publishCall{Method: method, Target: target, Kind: kind, Payload: string(raw)})
	if m.err != nil {
		return 0, m.err
	}
	return 1, nil
}

func (m *mockPublisher) BroadcastProbabilityUpdate(gameID string, p any) (int, error) {
	return m.record("probability", gameID, messaging.KindProbabilityUpdate, p)
}

func (m *mockPublisher) BroadcastGameStateUpdate(gameID string, p any) (int, error) {
	return m.record("state", gameID, messaging.KindGameStateUpdate, p)
}

func (m *mockPublisher) BroadcastPredictionComplete(scenarioID string, p any) (int, error) {
	return m.record("prediction", scenarioID, messaging.KindPredictionComplete, p)
}

func (m *mockPublisher) Publish(topic string, kind messaging.Kind, p any) (int, error) {
	return m.record("publish", topic, kind, p)
}

func (m *mockPublisher) getCalls() []publishCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]publishCall(nil), m.calls...)
}

func TestDispatch_Routes(t *testing.T) {
	payload := json.RawMessage(`{"home":0.55}`)
	tests := []struct {
		name string
		ev   Event
		want publishCall
	}{
		{
			name: "probability",
			ev:   Event{Type: messaging.KindProbabilityUpdate, GameID: "g1", Payload: payload},
			want: publishCall{"probability", "g1", messaging.KindProbabilityUpdate, `{"home":0.55}`},
		},
		{
			name: "game state",
			ev:   Event{Type: messaging.KindGameStateUpdate, GameID: "g2", Payload: payload},
			want: publishCall{"state", "g2", messaging.KindGameStateUpdate, `{"home":0.55}`},
		},
		{
			name: "prediction",
			ev:   Event{Type: messaging.KindPredictionComplete, ScenarioID: "s9", Payload: payload},
			want: publishCall{"prediction", "s9", messaging.KindPredictionComplete, `{"home":0.55}`},
		},
		{
			name: "explicit topic wins",
			ev:   Event{Type: messaging.KindGameStateUpdate, GameID: "g2", Topic: "custom:topic", Payload: payload},
			want: publishCall{"publish", "custom:topic", messaging.KindGameStateUpdate, `{"home":0.55}`},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &mockPublisher{}
			n, err := Dispatch(p, tt.ev)
			require.NoError(t, err)
			assert.Equal(t, 1, n)
			assert.Equal(t, []publishCall{tt.want}, p.getCalls())
		})
	}
}

func TestDispatch_Rejects(t *testing.T) {
	p := &mockPublisher{}

	_, err := Dispatch(p, Event{Type: messaging.KindHeartbeat, GameID: "g1"})
	assert.ErrorIs(t, err, ErrUnsupportedKind)

	_, err = Dispatch(p, Event{Type: messaging.KindProbabilityUpdate})
	assert.ErrorIs(t, err, ErrUnroutable)

	_, err = Dispatch(p, Event{Type: messaging.KindPredictionComplete, GameID: "g1"})
	assert.ErrorIs(t, err, ErrUnroutable)

	assert.Empty(t, p.getCalls())
}

func TestEventFromRecord(t *testing.T) {
	t.Run("envelope", func(t *testing.T) {
		ev, err := eventFromRecord(&kgo.Record{
			Topic: "gamecast.anything",
			Value: []byte(`{"type":"game_state_update","gameId":"g7","payload":{"quarter":3}}`),
		})
		require.NoError(t, err)
		assert.Equal(t, messaging.KindGameStateUpdate, ev.Type)
		assert.Equal(t, "g7", ev.GameID)
		assert.JSONEq(t, `{"quarter":3}`, string(ev.Payload))
	})

	t.Run("bare payload keyed by game", func(t *testing.T) {
		ev, err := eventFromRecord(&kgo.Record{
			Topic: "gamecast.probabilities",
			Key:   []byte("g1"),
			Value: []byte(`{"home":0.7}`),
		})
		require.NoError(t, err)
		assert.Equal(t, messaging.KindProbabilityUpdate, ev.Type)
		assert.Equal(t, "g1", ev.GameID)
		assert.JSONEq(t, `{"home":0.7}`, string(ev.Payload))
	})

	t.Run("bare payload keyed by scenario", func(t *testing.T) {
		ev, err := eventFromRecord(&kgo.Record{
			Topic: "gamecast.predictions",
			Key:   []byte("s1"),
			Value: []byte(`[1,2,3]`),
		})
		require.NoError(t, err)
		assert.Equal(t, messaging.KindPredictionComplete, ev.Type)
		assert.Equal(t, "s1", ev.ScenarioID)
	})

	t.Run("errors", func(t *testing.T) {
		_, err := eventFromRecord(&kgo.Record{Topic: "gamecast.probabilities", Key: []byte("g1"), Value: []byte("nope")})
		assert.ErrorIs(t, err, ErrMalformedEvent)

		_, err = eventFromRecord(&kgo.Record{Topic: "gamecast.odds", Key: []byte("g1"), Value: []byte(`{}`)})
		assert.ErrorIs(t, err, ErrUnroutable)

		_, err = eventFromRecord(&kgo.Record{Topic: "gamecast.game-state", Value: []byte(`{}`)})
		assert.ErrorIs(t, err, ErrUnroutable)
	})
}

func TestEventFromSubject(t *testing.T) {
	ev, err := eventFromSubject("gamecast.games.g4.probabilities", []byte(`{"away":0.4}`))
	require.NoError(t, err)
	assert.Equal(t, Event{Type: messaging.KindProbabilityUpdate, GameID: "g4", Payload: json.RawMessage(`{"away":0.4}`)}, ev)

	ev, err = eventFromSubject("gamecast.games.g4.state", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, messaging.KindGameStateUpdate, ev.Type)

	ev, err = eventFromSubject("gamecast.predictions.s2.complete", []byte(`{"ok":true}`))
	require.NoError(t, err)
	assert.Equal(t, "s2", ev.ScenarioID)

	for _, subject := range []string{
		"gamecast.games.g4",
		"gamecast.games.g4.odds",
		"gamecast.predictions.s2.state",
		"gamecast.games.g4.complete",
		"gamecast.games..state",
	} {
		_, err := eventFromSubject(subject, []byte(`{}`))
		assert.ErrorIs(t, err, ErrUnroutable, subject)
	}

	_, err = eventFromSubject("gamecast.games.g4.state", []byte("{"))
	assert.ErrorIs(t, err, ErrMalformedEvent)
}

func TestRelay_DeliverAndRateLimit(t *testing.T) {
	p := &mockPublisher{}
	r := newRelay("test", p, 2, nil, zerolog.Nop())
	ev := Event{Type: messaging.KindGameStateUpdate, GameID: "g1", Payload: json.RawMessage(`{}`)}

	for i := 0; i < 5; i++ {
		r.deliver(ev, "origin")
	}

	st := r.stats()
	assert.EqualValues(t, 2, st.Processed)
	assert.EqualValues(t, 3, st.Dropped)
	assert.Len(t, p.getCalls(), 2)
}

func TestRelay_PublisherErrorCountsAsFailure(t *testing.T) {
	p := &mockPublisher{err: errors.New("server not running")}
	r := newRelay("test", p, 10, nil, zerolog.Nop())

	r.deliver(Event{Type: messaging.KindGameStateUpdate, GameID: "g1"}, "origin")

	st := r.stats()
	assert.Zero(t, st.Processed)
	assert.EqualValues(t, 1, st.Failed)
}

func TestNewKafkaSource_Validation(t *testing.T) {
	p := &mockPublisher{}
	_, err := NewKafkaSource(KafkaConfig{ConsumerGroup: "g", Topics: []string{"t"}}, p)
	assert.ErrorContains(t, err, "broker")
	_, err = NewKafkaSource(KafkaConfig{Brokers: []string{"k:9092"}, Topics: []string{"t"}}, p)
	assert.ErrorContains(t, err, "consumer group")
	_, err = NewKafkaSource(KafkaConfig{Brokers: []string{"k:9092"}, ConsumerGroup: "g"}, p)
	assert.ErrorContains(t, err, "topic")
	_, err = NewKafkaSource(KafkaConfig{Brokers: []string{"k:9092"}, ConsumerGroup: "g", Topics: []string{"t"}}, nil)
	assert.ErrorContains(t, err, "publisher")
}

func TestNewNATSSource_Validation(t *testing.T) {
	_, err := NewNATSSource(NATSConfig{}, &mockPublisher{})
	assert.ErrorContains(t, err, "url")
	_, err = NewNATSSource(NATSConfig{URL: "nats://127.0.0.1:4222"}, nil)
	assert.ErrorContains(t, err, "publisher")
}

type stubBrake struct{ paused atomic.Bool }

func (b *stubBrake) ShouldPauseIngest() bool { return b.paused.Load() }

func TestRelay_CPUBrakeDropsEvents(t *testing.T) {
	p := &mockPublisher{}
	brake := &stubBrake{}
	r := newRelay("test", p, 100, brake, zerolog.Nop())
	ev := Event{Type: messaging.KindGameStateUpdate, GameID: "g1", Payload: json.RawMessage(`{}`)}

	brake.paused.Store(true)
	r.deliver(ev, "origin")
	r.deliver(ev, "origin")

	brake.paused.Store(false)
	r.deliver(ev, "origin")

	st := r.stats()
	assert.EqualValues(t, 2, st.Dropped)
	assert.EqualValues(t, 1, st.Processed)
	assert.Len(t, p.getCalls(), 1)
}

func TestRelay_ResourceGuardSatisfiesBrake(t *testing.T) {
	guard := limits.NewResourceGuard(limits.ResourceGuardConfig{CPUPauseThreshold: 80, Logger: zerolog.Nop()})
	p := &mockPublisher{}
	r := newRelay("test", p, 100, guard, zerolog.Nop())

	guard.UpdateResources(monitoring.SystemSnapshot{CPUPercent: 95})
	r.deliver(Event{Type: messaging.KindGameStateUpdate, GameID: "g1"}, "origin")
	assert.EqualValues(t, 1, r.stats().Dropped)

	guard.UpdateResources(monitoring.SystemSnapshot{CPUPercent: 10})
	r.deliver(Event{Type: messaging.KindGameStateUpdate, GameID: "g1"}, "origin")
	assert.EqualValues(t, 1, r.stats().Processed)
}
