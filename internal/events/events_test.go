package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockProducer struct {
	mock.Mock
}

func (m *MockProducer) Publish(topic string, body []byte) error {
	return m.Called(topic, body).Error(0)
}

func TestBus_FanOut(t *testing.T) {
	ctx := context.Background()
	bus := NewBus()

	a, cancelA := bus.Subscribe(4)
	b, cancelB := bus.Subscribe(4)
	defer cancelB()

	require.NoError(t, bus.Publish(ctx, Started{JobID: "j1"}))
	assert.Equal(t, Started{JobID: "j1"}, <-a)
	assert.Equal(t, Started{JobID: "j1"}, <-b)

	cancelA()
	cancelA()
	_, open := <-a
	assert.False(t, open)

	require.NoError(t, bus.Publish(ctx, Progress{JobID: "j1", Percent: 10}))
	assert.Equal(t, Progress{JobID: "j1", Percent: 10}, <-b)
}

func TestBus_SlowSubscriberDrops(t *testing.T) {
	ctx := context.Background()
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	defer cancel()

	require.NoError(t, bus.Publish(ctx, Progress{JobID: "j", Percent: 10}))
	require.NoError(t, bus.Publish(ctx, Progress{JobID: "j", Percent: 30}))

	assert.Equal(t, Progress{JobID: "j", Percent: 10}, <-ch)
	select {
	case e := <-ch:
		t.Fatalf("unexpected event %v", e)
	default:
	}
}

func TestNSQPublisher_Publish(t *testing.T) {
	prod := new(MockProducer)
	pub := NewNSQPublisher(prod, "embedding.events")
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	pub.now = func() time.Time { return at }

	prod.On("Publish", "embedding.events", mock.MatchedBy(func(body []byte) bool {
		var env struct {
			Type       string          `json:"type"`
			JobID      string          `json:"jobId"`
			OccurredAt time.Time       `json:"occurredAt"`
			Data       json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(body, &env); err != nil {
			return false
		}
		return env.Type == TypeCompleted && env.JobID == "j9" && env.OccurredAt.Equal(at) &&
			string(env.Data) == `{"jobId":"j9","documentId":"d1","chunks":3,"tokens":120,"cost":0.0024}`
	})).Return(nil)

	err := pub.Publish(context.Background(), Completed{JobID: "j9", DocumentID: "d1", Chunks: 3, Tokens: 120, Cost: 0.0024})
	require.NoError(t, err)
	prod.AssertExpectations(t)
}

func TestNSQPublisher_Error(t *testing.T) {
	prod := new(MockProducer)
	prod.On("Publish", mock.Anything, mock.Anything).Return(errors.New("nsqd down"))

	err := NewNSQPublisher(prod, "t").Publish(context.Background(), Failed{JobID: "j"})
	assert.EqualError(t, err, "nsqd down")
}

func TestMulti_PublishesToAll(t *testing.T) {
	ctx := context.Background()
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	defer cancel()

	failing := new(MockProducer)
	failing.On("Publish", mock.Anything, mock.Anything).Return(errors.New("down"))

	m := Multi{NewNSQPublisher(failing, "t"), nil, bus}
	err := m.Publish(ctx, Started{JobID: "x"})
	assert.Error(t, err)
	assert.Equal(t, Started{JobID: "x"}, <-ch)

	// Emit swallows the error
	Emit(ctx, m, Started{JobID: "y"})
	Emit(ctx, nil, Started{JobID: "z"})
}
