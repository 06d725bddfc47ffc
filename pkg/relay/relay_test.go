package relay

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

	"github.com/rubberduck/rubberduck/pkg/models"
	"github.com/rubberduck/rubberduck/pkg/sse"
	"github.com/stretchr/testify/require"
)

func writeFrames(t *testing.T, w http.ResponseWriter, contents ...string) {
	t.Helper()
	flusher := w.(http.Flusher)
	for _, c := range contents {
		b, err := json.Marshal(models.Fragment{Content: c})
		require.NoError(t, err)
		// Split each record across two writes.
		raw := "data: " + string(b) + "\n\n"
		half := len(raw) / 2
		_, _ = io.WriteString(w, raw[:half])
		flusher.Flush()
		_, _ = io.WriteString(w, raw[half:])
		flusher.Flush()
	}
}

func drain(t *testing.T, s *Stream) ([]string, error) {
	t.Helper()
	var out []string
	for {
		f, err := s.Recv()
		if err != nil {
			return out, err
		}
		out = append(out, f.Content)
	}
}

func TestPayloadAddressedStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/analyzeCode", r.URL.Path)
		require.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))

		var req models.AnalyzeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, []models.Turn{{Role: "user", Content: "fix this: x=1/0"}}, req.Messages)
		require.Equal(t, "main.go", req.Files[0].Name)

		w.Header().Set("Content-Type", "text/event-stream")
		writeFrames(t, w, "You", "'re", " dividing by zero.")
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	r := New(srv.URL, WithToken(func() string { return "tok-1" }))
	s := r.Start(context.Background(), Target{
		Turns: []models.Turn{{Role: "user", Content: "fix this: x=1/0"}},
		Files: []models.UploadedFile{{Name: "main.go", Content: "x := 1/0"}},
	})

	got, err := drain(t, s)
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, []string{"You", "'re", " dividing by zero."}, got)

	_, err = s.Recv()
	require.ErrorIs(t, err, ErrStreamClosed)
	require.Nil(t, r.Active())
	require.NoError(t, s.Close())
}

func TestIdentityAddressedStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "conv 1", r.URL.Query().Get("conversationId"))
		require.Empty(t, r.Header.Get("Authorization"))
		writeFrames(t, w, "hello")
		_, _ = io.WriteString(w, "data: [DONE]")
	}))
	defer srv.Close()

	s := New(srv.URL).Start(context.Background(), Target{ConversationID: "conv 1"})
	got, err := drain(t, s)
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, []string{"hello"}, got)
}

func TestAtMostOneActiveStream(t *testing.T) {
	var connections atomic.Int32
	hit := make(chan struct{}, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		connections.Add(1)
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		hit <- struct{}{}
		<-r.Context().Done()
	}))
	defer srv.Close()

	r := New(srv.URL)
	first := r.Start(context.Background(), Target{ConversationID: "a"})
	<-hit

	second := r.Start(context.Background(), Target{ConversationID: "b"})
	require.Same(t, first, second)
	require.Equal(t, "a", second.Target().ConversationID)
	require.Equal(t, int32(1), connections.Load())

	require.NoError(t, first.Close())
	require.NoError(t, first.Close())
	require.Nil(t, r.Active())

	third := r.Start(context.Background(), Target{ConversationID: "b"})
	require.NotSame(t, first, third)
	<-hit
	require.Equal(t, int32(2), connections.Load())
	require.NoError(t, third.Close())
}

func TestCloseUnblocksRecv(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeFrames(t, w, "partial")
		<-r.Context().Done()
	}))
	defer srv.Close()

	s := New(srv.URL).Start(context.Background(), Target{ConversationID: "c"})
	f, err := s.Recv()
	require.NoError(t, err)
	require.Equal(t, "partial", f.Content)

	errc := make(chan error, 1)
	go func() {
		_, err := s.Recv()
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Close())

	select {
	case err := <-errc:
		require.ErrorIs(t, err, ErrStreamClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Recv did not return after Close")
	}
}

func TestCloseBeforeRecv(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeFrames(t, w, "never read")
		<-r.Context().Done()
	}))
	defer srv.Close()

	s := New(srv.URL).Start(context.Background(), Target{ConversationID: "c"})
	require.NoError(t, s.Close())
	_, err := s.Recv()
	require.ErrorIs(t, err, ErrStreamClosed)
}

func TestStreamErrors(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
		frags   []string
		check   func(t *testing.T, err error)
	}{
		{
			name: "status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = io.WriteString(w, `{"error":"model not configured"}`)
			},
			check: func(t *testing.T, err error) {
				var apiErr *models.APIError
				require.True(t, errors.As(err, &apiErr))
				require.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
				require.Equal(t, "model not configured", apiErr.Message)
			},
		},
		{
			name: "eof without marker",
			handler: func(w http.ResponseWriter, r *http.Request) {
				writeFrames(t, w, "half an", " answer")
			},
			frags: []string{"half an", " answer"},
			check: func(t *testing.T, err error) {
				require.ErrorIs(t, err, ErrIncompleteStream)
			},
		},
		{
			name: "error record",
			handler: func(w http.ResponseWriter, r *http.Request) {
				writeFrames(t, w, "start")
				_, _ = io.WriteString(w, "event: error\ndata: {\"error\":\"upstream failed\"}\n\n")
			},
			frags: []string{"start"},
			check: func(t *testing.T, err error) {
				var remote *sse.RemoteError
				require.True(t, errors.As(err, &remote))
				require.Equal(t, "upstream failed", remote.Message)
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()

			r := New(srv.URL)
			s := r.Start(context.Background(), Target{ConversationID: "x"})
			got, err := drain(t, s)
			require.Equal(t, tc.frags, got)
			tc.check(t, err)

			_, err = s.Recv()
			require.ErrorIs(t, err, ErrStreamClosed)
			require.Nil(t, r.Active())
		})
	}
}

func TestUnreachableServer(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	s := New(url).Start(context.Background(), Target{ConversationID: "x"})
	_, err := s.Recv()
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrStreamClosed)
	_, err = s.Recv()
	require.ErrorIs(t, err, ErrStreamClosed)
}
