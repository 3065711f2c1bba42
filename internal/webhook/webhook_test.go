package webhook

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidesync/tidesync/internal/model"
	"github.com/tidesync/tidesync/internal/testutil"
)

func finishedJob() model.SyncJob {
	return model.SyncJob{
		ID:       "job-0001",
		ConfigID: "cfg-1",
		Status:   model.JobSucceeded,
		Counters: model.Counters{Read: 10, Written: 7, Unchanged: 3},
	}
}

func TestJobFinishedPostsPayload(t *testing.T) {
	type seen struct {
		contentType string
		body        []byte
	}
	got := make(chan seen, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got <- seen{contentType: r.Header.Get("Content-Type"), body: b}
	}))
	defer srv.Close()

	n := New(srv.URL, WithClock(testutil.NewClock().Now))
	n.JobFinished(finishedJob())
	n.Flush()

	select {
	case s := <-got:
		assert.Equal(t, "application/json", s.contentType)
		var p struct {
			JobID     string         `json:"job_id"`
			Status    string         `json:"status"`
			Counts    model.Counters `json:"counts"`
			Timestamp time.Time      `json:"timestamp"`
		}
		require.NoError(t, json.Unmarshal(s.body, &p))
		assert.Equal(t, "job-0001", p.JobID)
		assert.Equal(t, model.JobSucceeded, p.Status)
		assert.Equal(t, int64(7), p.Counts.Written)
		assert.False(t, p.Timestamp.IsZero())
	default:
		t.Fatal("no request delivered")
	}
}

func TestDeliveryFailureNeverPropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	// The notifier only logs; the caller sees nothing.
	n := New(srv.URL)
	n.JobFinished(finishedJob())
	n.Flush()
}

func TestUnreachableEndpoint(t *testing.T) {
	n := New("http://127.0.0.1:1/hooks", WithTimeout(100*time.Millisecond))
	n.JobFinished(finishedJob())
	n.Flush()
}

func TestJobFinishedDoesNotBlock(t *testing.T) {
	var inFlight atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		inFlight.Add(1)
		<-release
	}))
	defer srv.Close()

	n := New(srv.URL)
	done := make(chan struct{})
	go func() {
		n.JobFinished(finishedJob())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("JobFinished blocked on delivery")
	}
	close(release)
	n.Flush()
}
