package collect

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"loom/internal/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectPlainText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		fmt.Fprint(w, "  raw collected text  ")
	}))
	defer srv.Close()

	c, err := NewHTTPCollector(Config{URL: srv.URL, Token: "tok"})
	require.NoError(t, err)

	text, err := c.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "raw collected text", text)
}

func TestCollectStripsHTML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<html><head><style>p{color:red}</style></head><body><p>first story</p><script>ignored()</script><p>second story</p></body></html>`)
	}))
	defer srv.Close()

	c, err := NewHTTPCollector(Config{URL: srv.URL})
	require.NoError(t, err)

	text, err := c.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first story second story", text)
}

func TestCollectEmptyBodyIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	c, err := NewHTTPCollector(Config{URL: srv.URL})
	require.NoError(t, err)

	_, err = c.Collect(context.Background())
	require.ErrorIs(t, err, retry.ErrEmptyResponse)
}

func TestCollectServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c, err := NewHTTPCollector(Config{URL: srv.URL})
	require.NoError(t, err)

	_, err = c.Collect(context.Background())
	require.Error(t, err)
	assert.True(t, retry.Retryable(err))
}

func TestNewHTTPCollectorRequiresURL(t *testing.T) {
	_, err := NewHTTPCollector(Config{})
	assert.Error(t, err)
}

func TestStripHTMLMalformed(t *testing.T) {
	// html.Parse is forgiving; even fragments produce text.
	assert.Equal(t, "just text", StripHTML("just text"))
}
