package counter

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCounterServer emulates the Upstash-style REST protocol.
func fakeCounterServer(t *testing.T) (*httptest.Server, *sync.Map) {
	t.Helper()
	values := &sync.Map{}
	var mu sync.Mutex

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-token" {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"error":"unauthorized"}`)
			return
		}

		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		mu.Lock()
		defer mu.Unlock()

		switch parts[0] {
		case "incr":
			cur, _ := values.LoadOrStore(parts[1], 0)
			next := cur.(int) + 1
			values.Store(parts[1], next)
			fmt.Fprintf(w, `{"result":%d}`, next)
		case "get":
			cur, ok := values.Load(parts[1])
			if !ok {
				fmt.Fprint(w, `{"result":null}`)
				return
			}
			fmt.Fprintf(w, `{"result":"%d"}`, cur.(int))
		case "set":
			var v int
			fmt.Sscanf(parts[2], "%d", &v)
			values.Store(parts[1], v)
			fmt.Fprint(w, `{"result":"OK"}`)
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	})

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, values
}

func TestRESTClientIncrGetSet(t *testing.T) {
	srv, _ := fakeCounterServer(t)
	c, err := NewRESTClient(RESTConfig{BaseURL: srv.URL, Token: "test-token"})
	require.NoError(t, err)

	ctx := context.Background()

	n, err := c.Incr(ctx, KeyCollectionCycle)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = c.Incr(ctx, KeyCollectionCycle)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := c.Get(ctx, KeyCollectionCycle)
	require.NoError(t, err)
	assert.Equal(t, 2, got)

	require.NoError(t, c.Set(ctx, KeyCollectionCycle, 0))
	got, err = c.Get(ctx, KeyCollectionCycle)
	require.NoError(t, err)
	assert.Equal(t, 0, got)
}

func TestRESTClientMissingKeyIsZero(t *testing.T) {
	srv, _ := fakeCounterServer(t)
	c, err := NewRESTClient(RESTConfig{BaseURL: srv.URL, Token: "test-token"})
	require.NoError(t, err)

	got, err := c.Get(context.Background(), "never_set")
	require.NoError(t, err)
	assert.Equal(t, 0, got)
}

func TestRESTClientBadToken(t *testing.T) {
	srv, _ := fakeCounterServer(t)
	c, err := NewRESTClient(RESTConfig{BaseURL: srv.URL, Token: "wrong"})
	require.NoError(t, err)

	_, err = c.Incr(context.Background(), KeyCollectionCycle)
	require.Error(t, err)
}

func TestNewRESTClientValidation(t *testing.T) {
	_, err := NewRESTClient(RESTConfig{Token: "x"})
	assert.Error(t, err)
	_, err = NewRESTClient(RESTConfig{BaseURL: "http://x"})
	assert.Error(t, err)
}

func TestMemoryCounter(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		n, err := m.Incr(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}

	require.NoError(t, m.Set(ctx, "k", 0))
	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 0, got)
}
