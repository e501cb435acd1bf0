package upload_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lexrt/pkg/protocol"
	"lexrt/pkg/upload"
)

func TestUploadSendsMultipart(t *testing.T) {
	t.Parallel()

	var (
		gotIdentity string
		gotFile     string
		gotName     string
		gotMeta     protocol.UploadMetadata
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotIdentity = r.Header.Get(protocol.IdentityHeader)
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		gotFile, gotName = string(data), hdr.Filename
		_ = json.Unmarshal([]byte(r.FormValue("metadata")), &gotMeta)
		_, _ = w.Write([]byte(`{"sessionId":"sum-1"}`))
	}))
	defer srv.Close()

	c := upload.New(srv.URL+protocol.UploadPath, srv.Client())
	assert.Equal(t, srv.URL+"/upload", c.URL())

	meta := protocol.UploadMetadata{Title: "Quarterly", Language: "en", Tags: map[string]string{"team": "ops"}}
	id, err := c.Upload(context.Background(), "alice", "report.txt", strings.NewReader("lots of words"), meta)
	require.NoError(t, err)

	assert.Equal(t, "sum-1", id)
	assert.Equal(t, "alice", gotIdentity)
	assert.Equal(t, "report.txt", gotName)
	assert.Equal(t, "lots of words", gotFile)
	assert.Equal(t, meta, gotMeta)
}

func TestUploadRequiresIdentity(t *testing.T) {
	t.Parallel()

	c := upload.New("http://127.0.0.1:1/upload", nil)
	_, err := c.Upload(context.Background(), "", "a.txt", strings.NewReader("x"), protocol.UploadMetadata{})
	assert.ErrorIs(t, err, protocol.ErrNotAuthenticated)
}

func TestUploadErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{name: "rejected", status: http.StatusUnauthorized, body: "missing X-Identity\n", wantErr: "HTTP 401: missing X-Identity"},
		{name: "bad ack", status: http.StatusOK, body: "not json", wantErr: "decode ack"},
		{name: "empty session id", status: http.StatusOK, body: `{"sessionId":""}`, wantErr: "no sessionId"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := upload.New(srv.URL, srv.Client()).Upload(context.Background(), "alice", "a.txt", strings.NewReader("x"), protocol.UploadMetadata{})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestUploadStatusErrorType(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := upload.New(srv.URL, srv.Client()).Upload(context.Background(), "alice", "a.txt", strings.NewReader("x"), protocol.UploadMetadata{})
	var se *upload.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.Code)
	assert.Equal(t, "upload rejected: HTTP 503", se.Error())
}
