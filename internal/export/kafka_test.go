package export

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"firestige.xyz/dmgmeter/internal/core"
	"firestige.xyz/dmgmeter/internal/stats"
)

type mockWriter struct {
	mock.Mock
}

func (m *mockWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	args := m.Called(ctx, msgs)
	return args.Error(0)
}

func (m *mockWriter) Close() error {
	return m.Called().Error(0)
}

func session(start int64) stats.Session {
	return stats.Session{
		Summary: stats.ArchiveSummary{StartTime: start, EndTime: start + 5000, Duration: 5000, UserCount: 1, Version: "test"},
		Users:   map[string]stats.Summary{"7": {Name: "Alice"}},
	}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "missing brokers", cfg: Config{Topic: "t"}, wantErr: true},
		{name: "missing topic", cfg: Config{Brokers: []string{"localhost:9092"}}, wantErr: true},
		{name: "invalid compression", cfg: Config{Brokers: []string{"localhost:9092"}, Topic: "t", Compression: "brotli"}, wantErr: true},
		{name: "valid", cfg: Config{Brokers: []string{"localhost:9092"}, Topic: "t", Compression: "snappy"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := New(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, core.ErrConfigInvalid))
				return
			}
			require.NoError(t, err)
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			assert.NoError(t, e.Close(ctx))
		})
	}
}

func TestExporter_Publishes(t *testing.T) {
	w := &mockWriter{}
	var got []kafka.Message
	w.On("WriteMessages", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		got = append(got, args.Get(1).([]kafka.Message)...)
	}).Return(nil)
	w.On("Close").Return(nil)

	e := NewWithWriter(Config{Topic: "sessions"}, w)
	e.Submit(session(1_750_000_000_000))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.Close(ctx))

	require.Len(t, got, 1)
	msg := got[0]
	assert.Equal(t, "1750000000000", string(msg.Key))
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, "session-id", msg.Headers[0].Key)

	var value Message
	require.NoError(t, json.Unmarshal(msg.Value, &value))
	assert.Equal(t, string(msg.Headers[0].Value), value.ID)
	assert.Equal(t, 1, value.Summary.UserCount)
	assert.Equal(t, "Alice", value.Users["7"].Name)
	w.AssertExpectations(t)
}

func TestExporter_WriteErrorDoesNotStop(t *testing.T) {
	w := &mockWriter{}
	w.On("WriteMessages", mock.Anything, mock.Anything).Return(errors.New("broker down")).Once()
	w.On("WriteMessages", mock.Anything, mock.Anything).Return(nil).Once()
	w.On("Close").Return(nil)

	e := NewWithWriter(Config{Topic: "sessions"}, w)
	e.Submit(session(1))
	e.Submit(session(2))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.Close(ctx))
	w.AssertNumberOfCalls(t, "WriteMessages", 2)
}

func TestExporter_SubmitAfterClose(t *testing.T) {
	w := &mockWriter{}
	w.On("Close").Return(nil)

	e := NewWithWriter(Config{Topic: "sessions"}, w)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, e.Close(ctx))

	e.Submit(session(1))
	w.AssertNotCalled(t, "WriteMessages", mock.Anything, mock.Anything)
}
