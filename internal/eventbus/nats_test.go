package eventbus_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-race-room/internal"
	"github.com/koopa0/system-design/14-race-room/internal/eventbus"
	"github.com/koopa0/system-design/14-race-room/internal/testutils"
	"github.com/koopa0/system-design/14-race-room/pkg/logger"
)

// TestNATSPublisher 測試事件發布到 JetStream
func TestNATSPublisher(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	env := testutils.NewTestEnvironment(t)
	env.StartNATS(t)

	cfg := eventbus.Config{
		URL:           env.NATSURL,
		Stream:        "RACE_ROOMS_TEST",
		SubjectPrefix: "raceroom",
		MaxAge:        time.Hour,
	}
	publisher, err := eventbus.NewNATSPublisher(cfg, env.Logger)
	require.NoError(t, err)
	defer publisher.Close()

	conn, err := nats.Connect(env.NATSURL)
	require.NoError(t, err)
	defer conn.Close()
	js, err := conn.JetStream()
	require.NoError(t, err)

	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	room := &internal.Room{
		ID:     "4321",
		Status: internal.StatusRacing,
		Participants: []internal.Participant{
			{UserID: "u1", Username: "alice"},
			{UserID: "u2", Username: "bob"},
		},
		RaceConfig: &internal.RaceConfiguration{
			TrackID:      "track-1",
			AIModelIDs:   []string{"m1"},
			RaceSettings: &internal.RaceSettings{TimeLimit: 60},
		},
		StartedAt: &started,
	}

	tests := []struct {
		name    string
		typ     internal.EventType
		subject string
	}{
		{"race started", internal.EventRaceStarted, "raceroom.race.started"},
		{"race finished", internal.EventRaceFinished, "raceroom.race.finished"},
		{"room closed", internal.EventRoomClosed, "raceroom.room.closed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.subject, publisher.Subject(tt.typ))

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			require.NoError(t, publisher.Publish(ctx, internal.NewLifecycleEvent(tt.typ, room, started)))

			msg, err := js.GetLastMsg(cfg.Stream, tt.subject)
			require.NoError(t, err)

			var event internal.LifecycleEvent
			require.NoError(t, json.Unmarshal(msg.Data, &event))
			assert.Equal(t, tt.typ, event.Type)
			assert.Equal(t, "4321", event.RoomID)
			assert.Equal(t, []string{"u1", "u2"}, event.Participants)
			require.NotNil(t, event.RaceConfig)
			assert.Equal(t, "track-1", event.RaceConfig.TrackID)
		})
	}

	t.Run("stream info", func(t *testing.T) {
		info, err := js.StreamInfo(cfg.Stream)
		require.NoError(t, err)
		assert.Equal(t, []string{"raceroom.>"}, info.Config.Subjects)
		assert.Equal(t, uint64(len(tests)), info.State.Msgs)
	})

	t.Run("reconnecting to an existing stream", func(t *testing.T) {
		cfg := cfg
		cfg.MaxAge = 2 * time.Hour
		again, err := eventbus.NewNATSPublisher(cfg, env.Logger)
		require.NoError(t, err)
		defer again.Close()

		info, err := js.StreamInfo(cfg.Stream)
		require.NoError(t, err)
		assert.Equal(t, 2*time.Hour, info.Config.MaxAge)
		assert.Equal(t, uint64(len(tests)), info.State.Msgs, "updating the stream keeps stored events")
	})
}

func TestNewNATSPublisher_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  eventbus.Config
	}{
		{"missing stream", eventbus.Config{URL: nats.DefaultURL, SubjectPrefix: "raceroom"}},
		{"missing prefix", eventbus.Config{URL: nats.DefaultURL, Stream: "RACE_ROOMS"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := eventbus.NewNATSPublisher(tt.cfg, logger.Discard())
			assert.Error(t, err)
		})
	}
}
