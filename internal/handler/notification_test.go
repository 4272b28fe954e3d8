package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/relay-one/dispatch-engine/internal/domain"
	"github.com/relay-one/dispatch-engine/internal/service"
)

// MockIngestor is a mock implementation of Ingestor
type MockIngestor struct {
	mock.Mock
}

func (m *MockIngestor) Submit(ctx context.Context, in *service.SubmitInput) (*domain.Notification, bool, error) {
	args := m.Called(ctx, in)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).(*domain.Notification), args.Bool(1), args.Error(2)
}

func (m *MockIngestor) GetByID(ctx context.Context, id uuid.UUID) (*domain.Notification, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Notification), args.Error(1)
}

func (m *MockIngestor) Cancel(ctx context.Context, id uuid.UUID) (*domain.Notification, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Notification), args.Error(1)
}

func (m *MockIngestor) ListEvents(ctx context.Context, id uuid.UUID) ([]*domain.Event, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Event), args.Error(1)
}

func newTestRouter(ingestor Ingestor) http.Handler {
	r := chi.NewRouter()
	h := NewNotificationHandler(ingestor)
	r.Route("/api/v1/notifications", func(r chi.Router) {
		h.RegisterRoutes(r)
	})
	return r
}

func submitBody() []byte {
	body, _ := json.Marshal(map[string]any{
		"user_id": "user-1",
		"channel": "EMAIL",
		"type":    "TRANSACTIONAL",
		"payload": map[string]string{"to": "a@b.co", "subject": "hi", "body": "text"},
	})
	return body
}

func TestNotificationHandler_Submit(t *testing.T) {
	t.Run("created returns 201 with the row", func(t *testing.T) {
		ingestor := new(MockIngestor)
		router := newTestRouter(ingestor)

		n := domain.NewNotification("user-1", domain.ChannelEmail, domain.TypeTransactional,
			json.RawMessage(`{"to":"a@b.co","subject":"hi","body":"text"}`))

		ingestor.On("Submit", mock.Anything, mock.MatchedBy(func(in *service.SubmitInput) bool {
			return in.UserID == "user-1" && in.Channel == domain.ChannelEmail && in.IdempotencyKey == "key-1"
		})).Return(n, true, nil).Once()

		req := httptest.NewRequest(http.MethodPost, "/api/v1/notifications/", bytes.NewReader(submitBody()))
		req.Header.Set(IdempotencyKeyHeader, "key-1")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusCreated, rec.Code)

		var resp Response
		assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.True(t, resp.Success)
		ingestor.AssertExpectations(t)
	})

	t.Run("replay returns 200", func(t *testing.T) {
		ingestor := new(MockIngestor)
		router := newTestRouter(ingestor)

		n := domain.NewNotification("user-1", domain.ChannelEmail, domain.TypeTransactional,
			json.RawMessage(`{}`))
		ingestor.On("Submit", mock.Anything, mock.Anything).Return(n, false, nil).Once()

		req := httptest.NewRequest(http.MethodPost, "/api/v1/notifications/", bytes.NewReader(submitBody()))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("idempotency conflict returns 409", func(t *testing.T) {
		ingestor := new(MockIngestor)
		router := newTestRouter(ingestor)

		ingestor.On("Submit", mock.Anything, mock.Anything).
			Return(nil, false, domain.ErrIdempotencyConflict).Once()

		req := httptest.NewRequest(http.MethodPost, "/api/v1/notifications/", bytes.NewReader(submitBody()))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusConflict, rec.Code)

		var resp Response
		assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "IDEMPOTENCY_CONFLICT", resp.Error.Code)
	})

	t.Run("validation failure returns 400", func(t *testing.T) {
		ingestor := new(MockIngestor)
		router := newTestRouter(ingestor)

		body, _ := json.Marshal(map[string]any{
			"user_id": "user-1",
			"channel": "FAX",
			"type":    "TRANSACTIONAL",
			"payload": map[string]string{},
		})

		req := httptest.NewRequest(http.MethodPost, "/api/v1/notifications/", bytes.NewReader(body))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		ingestor.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
	})

	t.Run("dependency outage returns 503", func(t *testing.T) {
		ingestor := new(MockIngestor)
		router := newTestRouter(ingestor)

		ingestor.On("Submit", mock.Anything, mock.Anything).
			Return(nil, false, domain.ErrUnavailable).Once()

		req := httptest.NewRequest(http.MethodPost, "/api/v1/notifications/", bytes.NewReader(submitBody()))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("malformed json returns 400", func(t *testing.T) {
		router := newTestRouter(new(MockIngestor))

		req := httptest.NewRequest(http.MethodPost, "/api/v1/notifications/", bytes.NewReader([]byte("{")))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestNotificationHandler_GetByID(t *testing.T) {
	t.Run("returns the notification", func(t *testing.T) {
		ingestor := new(MockIngestor)
		router := newTestRouter(ingestor)

		n := domain.NewNotification("user-1", domain.ChannelSMS, domain.TypeAlert, json.RawMessage(`{}`))
		ingestor.On("GetByID", mock.Anything, n.ID).Return(n, nil).Once()

		req := httptest.NewRequest(http.MethodGet, "/api/v1/notifications/"+n.ID.String(), nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("unknown id returns 404", func(t *testing.T) {
		ingestor := new(MockIngestor)
		router := newTestRouter(ingestor)

		id := uuid.New()
		ingestor.On("GetByID", mock.Anything, id).Return(nil, domain.ErrNotFound).Once()

		req := httptest.NewRequest(http.MethodGet, "/api/v1/notifications/"+id.String(), nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("malformed id returns 400", func(t *testing.T) {
		router := newTestRouter(new(MockIngestor))

		req := httptest.NewRequest(http.MethodGet, "/api/v1/notifications/not-a-uuid", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestNotificationHandler_Cancel(t *testing.T) {
	t.Run("cancels and returns the row", func(t *testing.T) {
		ingestor := new(MockIngestor)
		router := newTestRouter(ingestor)

		n := domain.NewNotification("user-1", domain.ChannelSMS, domain.TypeAlert, json.RawMessage(`{}`))
		n.MarkAsCancelled()
		ingestor.On("Cancel", mock.Anything, n.ID).Return(n, nil).Once()

		req := httptest.NewRequest(http.MethodDelete, "/api/v1/notifications/"+n.ID.String(), nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("terminal notification returns 409", func(t *testing.T) {
		ingestor := new(MockIngestor)
		router := newTestRouter(ingestor)

		id := uuid.New()
		ingestor.On("Cancel", mock.Anything, id).Return(nil, domain.ErrCannotCancel).Once()

		req := httptest.NewRequest(http.MethodDelete, "/api/v1/notifications/"+id.String(), nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestNotificationHandler_ListEvents(t *testing.T) {
	ingestor := new(MockIngestor)
	router := newTestRouter(ingestor)

	id := uuid.New()
	events := []*domain.Event{
		domain.NewEvent(id, domain.EventCreated, nil),
		domain.NewEvent(id, domain.EventPublished, nil),
	}
	ingestor.On("ListEvents", mock.Anything, id).Return(events, nil).Once()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/notifications/"+id.String()+"/events", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp Response
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	data := resp.Data.(map[string]any)
	assert.Equal(t, float64(2), data["count"])
}
