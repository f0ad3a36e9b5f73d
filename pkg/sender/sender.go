// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the SwissFEL data acquisition
// system (sf-daq).

// Package sender moves write requests from the broker to the writer.
// Requests go through a bounded in-process queue drained by a
// background pump into the NATS stream, so a REST verb never blocks on
// the network for longer than the configured send timeout.
package sender

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/sf-daq/databuffer-broker/pkg/request"
	"github.com/sf-daq/databuffer-broker/pkg/util/log"
)

// ErrQueueFull is returned when the outbound queue stays full past the
// send timeout.
var ErrQueueFull = errors.New("write request queue is full")

// Options configure a RequestSender.
type Options struct {
	OutputAddress  string
	Subject        string
	QueueLength    int
	SendTimeout    time.Duration
	EpicsWriterURL string
	RequestTimeout time.Duration
	// AuditTrailOnly disables the stream: requests are accepted and
	// dropped after the audit trail has seen them. Used for dry runs.
	AuditTrailOnly bool
}

// RequestSender is the outbound side of the broker.
type RequestSender struct {
	opts    Options
	nc      *nats.Conn
	publish func([]byte) error

	queue chan []byte
	wg    sync.WaitGroup

	httpClient *http.Client
	epicsWG    sync.WaitGroup
}

// New connects the sender to the configured stream and starts the
// queue pump.
func New(opts Options) (*RequestSender, error) {
	s := &RequestSender{
		opts:       opts,
		queue:      make(chan []byte, opts.QueueLength),
		httpClient: &http.Client{Timeout: opts.RequestTimeout},
	}

	if opts.AuditTrailOnly {
		log.Warnf("Audit trail only mode: write requests will not be sent to the writer.")
		s.publish = func([]byte) error { return nil }
	} else {
		nc, err := nats.Connect(opts.OutputAddress,
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second))
		if err != nil {
			return nil, fmt.Errorf("cannot connect to %s: %w", opts.OutputAddress, err)
		}
		s.nc = nc
		s.publish = func(body []byte) error {
			return nc.Publish(opts.Subject, body)
		}
	}

	log.Infof("Starting request sender with output_address=%s, subject=%s, queue_length=%d, send_timeout=%s.",
		opts.OutputAddress, opts.Subject, opts.QueueLength, opts.SendTimeout)

	s.wg.Add(1)
	go s.pump()

	return s, nil
}

func (s *RequestSender) pump() {
	defer s.wg.Done()
	for body := range s.queue {
		if err := s.publish(body); err != nil {
			log.Errorf("Cannot publish write request: %s", err)
		}
	}
}

// Send pushes the write request onto the bounded queue, blocking up to
// the send timeout when the queue is full.
func (s *RequestSender) Send(wr *request.WriteRequest) error {
	body, err := json.Marshal(wr)
	if err != nil {
		return err
	}

	log.Infof("Sending write request for output_file=%s.", wr.OutputFile())

	select {
	case s.queue <- body:
		return nil
	default:
	}

	timer := time.NewTimer(s.opts.SendTimeout)
	defer timer.Stop()

	select {
	case s.queue <- body:
		return nil
	case <-timer.C:
		return log.Errorf("dropping write request for %s: %s", wr.OutputFile(), ErrQueueFull)
	}
}

// ForwardToEpics issues the epics-writer PUT on a detached goroutine.
// Failures are logged and never propagate to the acquisition.
func (s *RequestSender) ForwardToEpics(ewr *request.EpicsWriteRequest) {
	if s.opts.EpicsWriterURL == "" {
		log.Debug("No epics writer configured, skipping PV forwarding.")
		return
	}

	s.epicsWG.Add(1)
	go func() {
		defer s.epicsWG.Done()
		if err := s.putEpics(ewr); err != nil {
			log.Errorf("Cannot forward write request to the epics writer: %s", err)
		}
	}()
}

func (s *RequestSender) putEpics(ewr *request.EpicsWriteRequest) error {
	body, err := json.Marshal(ewr)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPut, s.opts.EpicsWriterURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("epics writer replied %s", resp.Status)
	}
	return nil
}

// Close drains the queue, waits for in-flight epics forwards and
// disconnects from the stream.
func (s *RequestSender) Close() {
	close(s.queue)
	s.wg.Wait()
	s.epicsWG.Wait()
	if s.nc != nil {
		s.nc.Close()
	}
}
