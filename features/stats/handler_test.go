package stats

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/bzconsulting24/quartermaster-sub001/internal/queue"
)

type MockQueue struct{ mock.Mock }

func (m *MockQueue) Stats(ctx context.Context) (queue.Stats, error) {
	args := m.Called(ctx)
	return args.Get(0).(queue.Stats), args.Error(1)
}

type MockChunks struct{ mock.Mock }

func (m *MockChunks) Count(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func TestHandler_GetQueueStats(t *testing.T) {
	q := new(MockQueue)
	q.On("Stats", mock.Anything).Return(queue.Stats{Waiting: 3, Active: 2, Completed: 40, Failed: 1}, nil)
	h := NewHandler(q, new(MockChunks))

	w := httptest.NewRecorder()
	h.GetQueueStats(w, httptest.NewRequest(http.MethodGet, "/queue-stats", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"waiting":3,"active":2,"completed":40,"failed":1}`, w.Body.String())
}

func TestHandler_GetStats_Table(t *testing.T) {
	tests := []struct {
		name       string
		setupMocks func(*MockQueue, *MockChunks)
		wantStatus int
		checkBody  func(*testing.T, map[string]interface{})
	}{
		{
			name: "Success",
			setupMocks: func(q *MockQueue, c *MockChunks) {
				q.On("Stats", mock.Anything).Return(queue.Stats{Waiting: 1, Failed: 5}, nil)
				c.On("Count", mock.Anything).Return(100, nil)
			},
			wantStatus: http.StatusOK,
			checkBody: func(t *testing.T, body map[string]interface{}) {
				data := body["data"].(map[string]interface{})
				assert.EqualValues(t, 100, data["chunks"])
				assert.EqualValues(t, 5, data["queue"].(map[string]interface{})["failed"])
			},
		},
		{
			name: "Queue Error",
			setupMocks: func(q *MockQueue, c *MockChunks) {
				q.On("Stats", mock.Anything).Return(queue.Stats{}, errors.New("db down"))
			},
			wantStatus: http.StatusInternalServerError,
			checkBody: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, "INTERNAL_ERROR", body["error"].(map[string]interface{})["code"])
			},
		},
		{
			name: "Chunk Count Error",
			setupMocks: func(q *MockQueue, c *MockChunks) {
				q.On("Stats", mock.Anything).Return(queue.Stats{}, nil)
				c.On("Count", mock.Anything).Return(0, errors.New("store down"))
			},
			wantStatus: http.StatusInternalServerError,
			checkBody: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, "failed to count chunks", body["error"].(map[string]interface{})["message"])
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, c := new(MockQueue), new(MockChunks)
			tt.setupMocks(q, c)
			h := NewHandler(q, c)

			w := httptest.NewRecorder()
			h.GetStats(w, httptest.NewRequest(http.MethodGet, "/stats", nil))

			assert.Equal(t, tt.wantStatus, w.Code)
			var body map[string]interface{}
			assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			tt.checkBody(t, body)
		})
	}
}
