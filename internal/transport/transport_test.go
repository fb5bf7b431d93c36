package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/paybench/internal/fault"
)

func TestSendPost(t *testing.T) {
	var gotMethod, gotSig, gotType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotSig = r.Header.Get("X-Signature")
		gotType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("X-Request-Id", "req-1")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"status":"ok","amount":100.50}`))
	}))
	defer srv.Close()

	c := NewClient(WithTimeout(2 * time.Second))
	resp, err := c.Send(context.Background(), Request{
		URL:     srv.URL + "/deposit",
		Headers: map[string]string{"X-Signature": "sig"},
		Body:    []byte(`{"amount":100}`),
	})
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "sig", gotSig)
	assert.Equal(t, "application/json", gotType)
	assert.Equal(t, `{"amount":100}`, string(gotBody))

	assert.Equal(t, http.StatusCreated, resp.Status)
	assert.True(t, resp.OK())
	assert.Equal(t, "req-1", resp.Headers["X-Request-Id"])

	obj, err := DecodeObject(resp)
	require.NoError(t, err)
	assert.Equal(t, "ok", obj["status"])
	assert.Equal(t, json.Number("100.50"), obj["amount"])
}

func TestSendDefaultsToGetWithoutBody(t *testing.T) {
	var gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := NewClient().Send(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, http.MethodGet, gotMethod)
}

func TestSendConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient().Send(context.Background(), Request{URL: url, Body: []byte("{}")})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindNetwork))
	assert.True(t, fault.Retryable(err))
}

func TestSendTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewClient().Send(ctx, Request{URL: srv.URL, Body: []byte("{}")})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindNetwork))
}

func TestSendCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewClient().Send(ctx, Request{URL: "http://127.0.0.1:1/never"})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindNetwork))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDecodeJSON(t *testing.T) {
	tests := []struct {
		name     string
		resp     *Response
		wantKind fault.Kind
		wantMsg  string
	}{
		{"ok", &Response{Status: 200, Body: []byte(`{"a":1}`)}, "", ""},
		{"server error", &Response{Status: 503, Body: []byte("upstream unavailable")}, fault.KindHTTP, "status 503: upstream unavailable"},
		{"client error", &Response{Status: 401, Body: []byte(`{"error":"bad signature"}`)}, fault.KindHTTP, "status 401"},
		{"html body", &Response{Status: 200, Body: []byte("<html>oops</html>")}, fault.KindParse, "is not JSON"},
		{"empty body", &Response{Status: 200}, fault.KindParse, "is not JSON"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var v map[string]any
			err := DecodeJSON(tt.resp, &v)
			if tt.wantKind == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, fault.KindOf(err))
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestDecodeJSONStatusField(t *testing.T) {
	err := DecodeJSON(&Response{Status: 502, Body: []byte("bad gateway")}, &map[string]any{})

	var fe *fault.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 502, fe.Status)
}

func TestDecodeObjectRejectsNull(t *testing.T) {
	_, err := DecodeObject(&Response{Status: 200, Body: []byte("null")})
	assert.True(t, fault.Is(err, fault.KindParse))
}

func TestExcerpt(t *testing.T) {
	short := &Response{Body: []byte("short")}
	assert.Equal(t, "short", short.Excerpt())

	long := &Response{Body: []byte(strings.Repeat("é", 300))}
	ex := long.Excerpt()
	assert.True(t, strings.HasSuffix(ex, "..."))
	assert.LessOrEqual(t, len(ex), excerptLen+3)
	assert.True(t, strings.HasPrefix(ex, "éé"))
}

func TestSenderFunc(t *testing.T) {
	var s Sender = SenderFunc(func(ctx context.Context, req Request) (*Response, error) {
		return &Response{Status: 200, Body: []byte(req.URL)}, nil
	})
	resp, err := s.Send(context.Background(), Request{URL: "x"})
	require.NoError(t, err)
	assert.Equal(t, "x", string(resp.Body))
}
