// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the SwissFEL data acquisition
// system (sf-daq).

package sender

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sf-daq/databuffer-broker/pkg/request"
)

func newTestSender(t *testing.T, opts Options, publish func([]byte) error) *RequestSender {
	t.Helper()
	s := &RequestSender{
		opts:       opts,
		publish:    publish,
		queue:      make(chan []byte, opts.QueueLength),
		httpClient: &http.Client{Timeout: time.Second},
	}
	s.wg.Add(1)
	go s.pump()
	t.Cleanup(s.Close)
	return s
}

func testWriteRequest(file string) *request.WriteRequest {
	return &request.WriteRequest{
		DataAPIRequest: request.NewDataAPIRequest([]string{"CH1"}, 100, 200),
		Parameters:     map[string]any{"output_file": file},
		Timestamp:      1234.5,
	}
}

func TestSendPublishesInOrder(t *testing.T) {
	var mu sync.Mutex
	var published []string
	done := make(chan struct{}, 3)

	s := newTestSender(t, Options{QueueLength: 10, SendTimeout: time.Second}, func(body []byte) error {
		var wr request.WriteRequest
		if err := json.Unmarshal(body, &wr); err != nil {
			return err
		}
		mu.Lock()
		published = append(published, wr.OutputFile())
		mu.Unlock()
		done <- struct{}{}
		return nil
	})

	require.NoError(t, s.Send(testWriteRequest("a.h5")))
	require.NoError(t, s.Send(testWriteRequest("b.h5")))
	require.NoError(t, s.Send(testWriteRequest("c.h5")))

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("publish did not happen")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a.h5", "b.h5", "c.h5"}, published)
}

func TestSendTimesOutWhenQueueFull(t *testing.T) {
	block := make(chan struct{})
	s := newTestSender(t, Options{QueueLength: 1, SendTimeout: 10 * time.Millisecond}, func([]byte) error {
		<-block
		return nil
	})
	defer close(block)

	// First request is picked up by the pump and blocks it; the second
	// fills the queue; the third must time out.
	require.NoError(t, s.Send(testWriteRequest("a.h5")))
	require.Eventually(t, func() bool { return len(s.queue) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, s.Send(testWriteRequest("b.h5")))

	err := s.Send(testWriteRequest("c.h5"))
	assert.ErrorContains(t, err, "queue is full")
}

func TestForwardToEpics(t *testing.T) {
	received := make(chan request.EpicsWriteRequest, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		body, _ := io.ReadAll(r.Body)
		var ewr request.EpicsWriteRequest
		assert.NoError(t, json.Unmarshal(body, &ewr))
		received <- ewr
	}))
	defer server.Close()

	s := newTestSender(t, Options{
		QueueLength:    1,
		SendTimeout:    time.Second,
		EpicsWriterURL: server.URL,
	}, func([]byte) error { return nil })

	start, stop := int64(100), int64(200)
	s.ForwardToEpics(&request.EpicsWriteRequest{
		Range:      request.PulseRange{StartPulseID: &start, EndPulseID: &stop},
		Parameters: map[string]any{"output_file": "run_000001.PVCHANNELS.h5"},
		Channels:   []string{"SARES11:PV1"},
	})

	select {
	case ewr := <-received:
		assert.Equal(t, []string{"SARES11:PV1"}, ewr.Channels)
		assert.Equal(t, "run_000001.PVCHANNELS.h5", ewr.Parameters["output_file"])
	case <-time.After(time.Second):
		t.Fatal("epics writer never received the forward")
	}
}

func TestForwardToEpicsFailureIsIsolated(t *testing.T) {
	s := newTestSender(t, Options{
		QueueLength:    1,
		SendTimeout:    time.Second,
		EpicsWriterURL: "http://127.0.0.1:1/unreachable",
	}, func([]byte) error { return nil })

	// Must not panic or block; the error is logged on the detached task.
	s.ForwardToEpics(&request.EpicsWriteRequest{})
	s.epicsWG.Wait()
}

func TestAuditTrailOnlyDropsRequests(t *testing.T) {
	s, err := New(Options{QueueLength: 1, SendTimeout: time.Second, AuditTrailOnly: true})
	require.NoError(t, err)
	defer s.Close()

	assert.NoError(t, s.Send(testWriteRequest("a.h5")))
}
