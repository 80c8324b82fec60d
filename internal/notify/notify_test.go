package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	channel Channel
	events  []Event
	err     error
}

func (r *recordingNotifier) Channel() Channel { return r.channel }

func (r *recordingNotifier) Notify(_ context.Context, event Event) error {
	r.events = append(r.events, event)
	return r.err
}

func TestFanoutDeliversToEveryChannel(t *testing.T) {
	broken := &recordingNotifier{channel: ChannelRedis, err: errors.New("redis down")}
	healthy := &recordingNotifier{channel: ChannelRabbitMQ}
	fanout := NewFanout(broken, nil, healthy)

	err := fanout.Notify(context.Background(), Event{SubjectID: "biz-1", Status: StatusCompleted})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel redis")
	assert.Len(t, broken.events, 1)
	assert.Len(t, healthy.events, 1)
	assert.Equal(t, []Channel{ChannelRedis, ChannelRabbitMQ}, fanout.Channels())
}

func TestFanoutKeepsLastNotifierPerChannel(t *testing.T) {
	first := &recordingNotifier{channel: ChannelLog}
	second := &recordingNotifier{channel: ChannelLog}
	fanout := NewFanout(first, second)

	require.NoError(t, fanout.Notify(context.Background(), Event{SubjectID: "biz-1"}))
	assert.Empty(t, first.events)
	assert.Len(t, second.events, 1)
}

func TestNilFanoutIsNoop(t *testing.T) {
	var fanout *FanoutDispatcher
	assert.NoError(t, fanout.Notify(context.Background(), Event{}))
	assert.NoError(t, fanout.Close())
}

func TestLogNotifierWritesStructuredRecord(t *testing.T) {
	var buf bytes.Buffer
	n := &LogNotifier{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}

	require.NoError(t, n.Notify(context.Background(), Event{
		SubjectID:  "biz-1",
		Status:     StatusFailed,
		Phase:      "deciding",
		Reason:     "agent_output_invalid",
		Error:      "bad output",
		OccurredAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}))

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "WARN", record["level"])
	assert.Equal(t, "biz-1", record["subject_id"])
	assert.Equal(t, "agent_output_invalid", record["reason"])
}
