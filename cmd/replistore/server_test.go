package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/replistore/pkg/attachment"
	"github.com/astromechza/replistore/pkg/document"
	"github.com/astromechza/replistore/pkg/store"
)

func newTestServer(t *testing.T, replica string, peers ...string) (*httptest.Server, *server) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := store.Open(context.Background(), replica, store.Options{Logger: logger})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	blobs, err := attachment.Open(attachment.Config{InMemory: true, Logger: logger})
	require.NoError(t, err)
	t.Cleanup(func() { _ = blobs.Close() })

	srv := &server{
		store:       s,
		attachments: blobs,
		fetcher:     attachment.NewFetcher(blobs, &peerSource{client: &http.Client{}, peers: peers}, 2*time.Second, logger),
		logger:      logger,
	}
	ts := httptest.NewServer(srv.router())
	t.Cleanup(ts.Close)
	return ts, srv
}

func do(t *testing.T, method, url string, body any) (int, []byte) {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		r = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, r)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func TestDocumentRoutes(t *testing.T) {
	ts, _ := newTestServer(t, "r1")
	url := ts.URL + "/documents/cart_1"

	status, _ := do(t, http.MethodGet, url, nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, body := do(t, http.MethodPut, url, map[string]any{"status": "pending", "items": map[string]any{}})
	require.Equal(t, http.StatusOK, status, string(body))

	status, body = do(t, http.MethodPatch, url, []map[string]any{
		{"op": "set", "path": "items.apple", "value": 2},
		{"op": "increment", "path": "likeCount", "by": 3},
		{"op": "remove", "path": "status"},
	})
	require.Equal(t, http.StatusOK, status, string(body))
	assert.JSONEq(t, `{"_id":"cart_1","items":{"apple":2},"likeCount":3}`, string(body))

	status, body = do(t, http.MethodPatch, url, []map[string]any{{"op": "set", "path": "_id", "value": "x"}})
	assert.Equal(t, http.StatusBadRequest, status, string(body))

	status, body = do(t, http.MethodGet, ts.URL+"/documents", nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `["cart_1"]`, string(body))

	status, _ = do(t, http.MethodDelete, url, nil)
	assert.Equal(t, http.StatusNoContent, status)
	status, _ = do(t, http.MethodPut, url, map[string]any{"status": "again"})
	assert.Equal(t, http.StatusGone, status)
}

func TestPatchDocument_AllOrNothing(t *testing.T) {
	ts, _ := newTestServer(t, "r1")
	url := ts.URL + "/documents/cart_1"
	status, body := do(t, http.MethodPut, url, map[string]any{"status": "pending"})
	require.Equal(t, http.StatusOK, status, string(body))

	status, body = do(t, http.MethodPatch, url, []map[string]any{
		{"op": "set", "path": "items.apple", "value": 2},
		{"op": "increment", "path": "status", "by": 1},
	})
	assert.Equal(t, http.StatusBadRequest, status, string(body))

	status, body = do(t, http.MethodPatch, url, []map[string]any{
		{"op": "set", "path": "items.apple", "value": 2},
		{"op": "rename", "path": "status"},
	})
	assert.Equal(t, http.StatusBadRequest, status, string(body))

	status, body = do(t, http.MethodGet, url, nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"_id":"cart_1","status":"pending"}`, string(body))
}

func TestDeltaRoutes(t *testing.T) {
	a, _ := newTestServer(t, "r1")
	b, bs := newTestServer(t, "r2")

	status, _ := do(t, http.MethodPut, a.URL+"/documents/cart_1", map[string]any{"status": "pending"})
	require.Equal(t, http.StatusOK, status)

	status, tuples := do(t, http.MethodGet, a.URL+"/documents/cart_1/delta", nil)
	require.Equal(t, http.StatusOK, status)

	status, body := do(t, http.MethodPost, b.URL+"/documents/cart_1/delta", tuples)
	require.Equal(t, http.StatusOK, status, string(body))
	assert.JSONEq(t, `{"changed":true}`, string(body))

	status, body = do(t, http.MethodPost, b.URL+"/documents/cart_1/delta", tuples)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"changed":false}`, string(body))

	v, err := bs.store.GetField(document.StringID("cart_1"), "status")
	require.NoError(t, err)
	assert.Equal(t, "pending", v)

	status, _ = do(t, http.MethodPost, b.URL+"/documents/other/delta", tuples)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAttachmentRoutes(t *testing.T) {
	a, _ := newTestServer(t, "r1")
	b, _ := newTestServer(t, "r2", a.URL)

	status, body := do(t, http.MethodPost, a.URL+"/attachments?name=photo.png", []byte("pixels"))
	require.Equal(t, http.StatusCreated, status, string(body))
	var tok attachment.Token
	require.NoError(t, json.Unmarshal(body, &tok))
	assert.Equal(t, map[string]string{"name": "photo.png"}, tok.Metadata)

	status, body = do(t, http.MethodGet, a.URL+"/attachments/"+tok.ID, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "pixels", string(body))

	status, _ = do(t, http.MethodGet, b.URL+"/attachments/"+tok.ID, nil)
	assert.Equal(t, http.StatusNotFound, status)

	missing := attachment.Token{ID: "missing", Len: 1}
	status, body = do(t, http.MethodPost, b.URL+"/attachments/fetch", []attachment.Token{missing, tok})
	require.Equal(t, http.StatusOK, status, string(body))
	var fetched struct {
		Token attachment.Token `json:"token"`
		Data  []byte           `json:"data"`
	}
	require.NoError(t, json.Unmarshal(body, &fetched))
	assert.Equal(t, tok.ID, fetched.Token.ID)
	assert.Equal(t, "pixels", string(fetched.Data))

	status, body = do(t, http.MethodGet, b.URL+"/attachments/"+tok.ID, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "pixels", string(body))

	status, _ = do(t, http.MethodPost, b.URL+"/attachments/fetch", []attachment.Token{missing})
	assert.Equal(t, http.StatusNotFound, status)
}

func TestMetricsRoute(t *testing.T) {
	ts, _ := newTestServer(t, "r1")
	status, body := do(t, http.MethodGet, ts.URL+"/metrics", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestSyncURL(t *testing.T) {
	for _, tc := range []struct {
		in, want string
		err      bool
	}{
		{in: "http://localhost:8080", want: "ws://localhost:8080/sync"},
		{in: "https://peer.example/", want: "wss://peer.example/sync"},
		{in: "ws://peer:1/base", want: "ws://peer:1/base/sync"},
		{in: "ftp://peer", err: true},
	} {
		t.Run(tc.in, func(t *testing.T) {
			got, err := syncURL(tc.in)
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseID(t *testing.T) {
	id, err := parseID("cart_1")
	require.NoError(t, err)
	assert.Equal(t, "cart_1", id.String())

	id, err = parseID(`{"user":"u1","day":"mon"}`)
	require.NoError(t, err)
	assert.True(t, id.IsComposite())

	_, err = parseID(`{broken`)
	assert.Error(t, err)
}
