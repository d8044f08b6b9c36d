package lightstreamer

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_mergeCookies(t *testing.T) {
	tests := []struct {
		name       string
		cookies    []string
		setCookies []string
		want       []string
	}{
		{
			name:       "new cookie",
			setCookies: []string{"sid=1; Path=/; HttpOnly"},
			want:       []string{"sid=1"},
		},
		{
			name:       "refresh replaces",
			cookies:    []string{"sid=1", "region=eu"},
			setCookies: []string{"sid=2; Path=/"},
			want:       []string{"sid=2", "region=eu"},
		},
		{
			name:       "mixed refresh and new",
			cookies:    []string{"sid=1"},
			setCookies: []string{"sid=2", "region=eu; Secure"},
			want:       []string{"sid=2", "region=eu"},
		},
		{
			name:       "empty value ignored",
			cookies:    []string{"sid=1"},
			setCookies: []string{""},
			want:       []string{"sid=1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, mergeCookies(tt.cookies, tt.setCookies))
		})
	}
}

func TestHTTPTransport_CookieRefresh(t *testing.T) {
	var mu sync.Mutex
	var sent []string
	var calls int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		sent = append(sent, r.Header.Get("Cookie"))
		mu.Unlock()
		w.Header().Add("Set-Cookie", fmt.Sprintf("sid=%d; Path=/", n))
		w.Header().Add("Set-Cookie", "region=eu; Path=/")
		_, _ = w.Write([]byte("REQOK,1\r\n"))
	}))
	t.Cleanup(ts.Close)

	transport := newHTTPTransport(ts.URL, ts.Client(), nil, slog.New(slog.DiscardHandler))
	for range 3 {
		_, err := transport.SendControl(context.Background(), endpointControl, url.Values{})
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, sent, 3)
	assert.Empty(t, sent[0])
	// a refreshed cookie is echoed once, with its latest value
	assert.Equal(t, "sid=1; region=eu", sent[1])
	assert.Equal(t, "sid=2; region=eu", sent[2])
}
