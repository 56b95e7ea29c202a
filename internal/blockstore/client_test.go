package blockstore

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livetemplate/bioblocks"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	retry := fastRetry(2)
	client, err := New(server.URL, StaticToken("tok"), Options{Retry: &retry})
	require.NoError(t, err)
	return client
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New("ftp://example.com", nil, Options{})
	assert.Error(t, err)

	_, err = New("://bad", nil, Options{})
	assert.Error(t, err)
}

func TestListSendsBearerAndSorts(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/blocks", r.URL.Path)
		assert.Equal(t, "alice", r.URL.Query().Get("owner"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Write([]byte(`[
			{"id":"b","title":"Shop","kind":"link","content":{"url":"https://shop.test"},"position":1,"isActive":true},
			{"id":"a","title":"Sale","kind":"update-notice","content":{"style":"promo","message":"**50%** off"},"position":0,"isActive":true}
		]`))
	})

	blocks, err := client.List(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	assert.Equal(t, []string{"a", "b"}, bioblocks.IDs(blocks))
	assert.Equal(t, bioblocks.NoticeContent{Style: bioblocks.StylePromo, Message: "**50%** off"}, blocks[0].Content)
	assert.Equal(t, bioblocks.LinkContent{URL: "https://shop.test"}, blocks[1].Content)
}

func TestListAcceptsWrappedData(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"id":"x","title":"X","position":0}]}`))
	})

	blocks, err := client.List(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, bioblocks.KindLink, blocks[0].Kind())
}

func TestListRejectsUnexpectedShape(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"blocks":"nope"}`))
	})

	_, err := client.List(context.Background(), "")
	var validationErr *ValidationError
	assert.True(t, errors.As(err, &validationErr), "got %v", err)
}

func TestListRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`[]`))
	})

	blocks, err := client.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, blocks)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCreateIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.Create(context.Background(), bioblocks.Fields{Title: bioblocks.Ptr("New")})
	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusBadGateway, httpErr.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCreateSendsFields(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Portfolio", body["title"])
		assert.Equal(t, "link", body["kind"])
		assert.NotContains(t, body, "isFeatured")

		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"srv-1","title":"Portfolio","kind":"link","content":{"url":"https://me.test"},"position":3,"isActive":true}`))
	})

	b, err := client.Create(context.Background(), bioblocks.Fields{
		Title:   bioblocks.Ptr("Portfolio"),
		Content: bioblocks.LinkContent{URL: "https://me.test"},
	})
	require.NoError(t, err)
	assert.Equal(t, "srv-1", b.ID)
	assert.Equal(t, 3, b.Position)
}

func TestCreateRequiresID(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"title":"no id"}`))
	})

	_, err := client.Create(context.Background(), bioblocks.Fields{})
	var validationErr *ValidationError
	assert.True(t, errors.As(err, &validationErr))
}

func TestUpdatePatchesByID(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/blocks/b%2F1", r.URL.EscapedPath())

		data, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"isFeatured":true}`, string(data))
		w.Write([]byte(`{"id":"b/1","title":"T","isFeatured":true}`))
	})

	b, err := client.Update(context.Background(), "b/1", bioblocks.Fields{IsFeatured: bioblocks.Ptr(true)})
	require.NoError(t, err)
	assert.True(t, b.IsFeatured)
}

func TestDeleteOfMissingBlockSucceeds(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		http.Error(w, "no such block", http.StatusNotFound)
	})

	assert.NoError(t, client.Delete(context.Background(), "gone"))
}

func TestDeleteRetryAfterLostResponse(t *testing.T) {
	// The first delete lands but its response is lost behind a 5xx; the
	// retry finds the block gone.
	for _, status := range []int{http.StatusInternalServerError, http.StatusBadGateway} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			var calls atomic.Int32
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if calls.Add(1) == 1 {
					w.WriteHeader(status)
					return
				}
				http.Error(w, "no such block", http.StatusNotFound)
			})

			require.NoError(t, client.Delete(context.Background(), "b1"))
			assert.Equal(t, int32(2), calls.Load())
		})
	}
}

func TestDeleteServerErrorFails(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	err := client.Delete(context.Background(), "b1")
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusInternalServerError, httpErr.StatusCode)
}

func TestReorderSendsPlacements(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/blocks/order", r.URL.Path)

		var body []bioblocks.Placement
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, bioblocks.Placements([]string{"c", "a", "b"}), body)
		w.WriteHeader(http.StatusNoContent)
	})

	err := client.Reorder(context.Background(), bioblocks.Placements([]string{"c", "a", "b"}))
	assert.NoError(t, err)
}

func TestCircuitOpensAfterRepeatedFailures(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	noRetry := fastRetry(0)
	client, err := New(server.URL, nil, Options{
		Retry:   &noRetry,
		Circuit: &CircuitBreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Minute, FailureWindow: time.Minute},
	})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := client.List(context.Background(), "")
		require.Error(t, err)
	}
	assert.Equal(t, CircuitOpen, client.Breaker().State())

	_, err = client.List(context.Background(), "")
	var circuitErr *CircuitOpenError
	assert.True(t, errors.As(err, &circuitErr))
	assert.Equal(t, int32(2), calls.Load(), "open circuit must not reach the server")
}

func TestProductClientList(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/products", r.URL.Path)
		w.Write([]byte(`{"items":[{"id":"p1","title":"Mug","price":12.5,"currency":"USD"}]}`))
	})

	products, err := NewProductClient(client).List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []bioblocks.Product{{ID: "p1", Title: "Mug", Price: 12.5, Currency: "USD"}}, products)
}

func TestUserFriendlyMessage(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{&CircuitOpenError{Name: "x"}, "Service temporarily unavailable. Please try again later."},
		{&HTTPError{StatusCode: 401}, "Authentication required."},
		{&HTTPError{StatusCode: 403}, "Access denied."},
		{&HTTPError{StatusCode: 404}, "Block not found."},
		{&HTTPError{StatusCode: 429}, "Too many requests. Please slow down."},
		{&HTTPError{StatusCode: 500}, "Server error. Please try again later."},
		{&HTTPError{StatusCode: 418}, "Request failed (HTTP 418)."},
		{&ValidationError{Reason: "bad"}, "Invalid data: bad"},
		{errors.New("boom"), "Could not reach the block store. Please try again."},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, UserFriendlyMessage(tt.err))
	}
}
