// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the SwissFEL data acquisition
// system (sf-daq).

// Package writer consumes write requests from the broker stream,
// retrieves the buffered data from the dispatching layer and
// materializes it into HDF5 files.
package writer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dustin/go-humanize"
	"github.com/nats-io/nats.go"

	"github.com/sf-daq/databuffer-broker/pkg/dataapi"
	"github.com/sf-daq/databuffer-broker/pkg/request"
	"github.com/sf-daq/databuffer-broker/pkg/util/log"
)

// Options configures one writer process.
type Options struct {
	// InputAddress is the broker stream server, InputSubject the
	// subject carrying write requests.
	InputAddress string
	InputSubject string

	// DataAPIURL is the dispatching layer endpoint.
	DataAPIURL     string
	RequestTimeout time.Duration

	// RetrievalDelay is the minimum age a request must reach before
	// the buffered data is considered complete. ReceiveTimeout bounds
	// one blocking poll of the input stream.
	RetrievalDelay time.Duration
	ReceiveTimeout time.Duration

	// Layout selects the file format, ErrorIfNoData aborts a write
	// when a channel recorded nothing.
	Layout        Layout
	ErrorIfNoData bool

	// UTCOffset is the facility zone used by the timestamp fallback.
	UTCOffset string
}

// Statistics is a snapshot of the writer counters.
type Statistics struct {
	NReceived int64  `json:"n_received_requests"`
	NWritten  int64  `json:"n_written_files"`
	NFailed   int64  `json:"n_failed_requests"`
	LastFile  string `json:"last_written_file,omitempty"`
}

// Writer is the write-request consumer.
type Writer struct {
	opts Options
	api  *dataapi.Client
	clk  clock.Clock

	conn *nats.Conn
	sub  *nats.Subscription

	// receive and materialize are seams for tests; the defaults poll
	// the stream subscription and write HDF5.
	receive     func(timeout time.Duration) ([]byte, error)
	materialize func(path string, parameters map[string]any, aligned *Aligned) error

	mu    sync.Mutex
	stats Statistics
}

// New connects the writer to the broker stream and the dispatching
// layer.
func New(opts Options) (*Writer, error) {
	w, err := newWriter(opts, clock.New())
	if err != nil {
		return nil, err
	}

	conn, err := nats.Connect(opts.InputAddress,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", opts.InputAddress, err)
	}
	sub, err := conn.SubscribeSync(opts.InputSubject)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", opts.InputSubject, err)
	}

	w.conn, w.sub = conn, sub
	w.receive = func(timeout time.Duration) ([]byte, error) {
		msg, err := sub.NextMsg(timeout)
		if err != nil {
			return nil, err
		}
		return msg.Data, nil
	}
	return w, nil
}

func newWriter(opts Options, clk clock.Clock) (*Writer, error) {
	if opts.ReceiveTimeout <= 0 {
		opts.ReceiveTimeout = time.Second
	}
	api, err := dataapi.New(opts.DataAPIURL, opts.RequestTimeout, opts.UTCOffset)
	if err != nil {
		return nil, err
	}
	return &Writer{
		opts:        opts,
		api:         api,
		clk:         clk,
		materialize: WriteFile,
	}, nil
}

// Close releases the stream connection.
func (w *Writer) Close() {
	if w.conn != nil {
		w.conn.Close()
	}
}

// Statistics returns a copy of the counters.
func (w *Writer) Statistics() Statistics {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Run polls the stream until ctx is cancelled. Each request is
// processed to completion before the next poll; a failed request never
// stops the loop.
func (w *Writer) Run(ctx context.Context) error {
	log.Infof("Writer consuming %s on %s.", w.opts.InputSubject, w.opts.InputAddress)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		body, err := w.receive(w.opts.ReceiveTimeout)
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) {
				continue
			}
			log.Warnf("Receive failed: %s", err)
			w.clk.Sleep(w.opts.ReceiveTimeout)
			continue
		}
		if len(body) == 0 {
			continue
		}

		w.mu.Lock()
		w.stats.NReceived++
		w.mu.Unlock()

		w.process(body)
	}
}

func (w *Writer) process(body []byte) {
	defer w.logStatistics()

	var wr request.WriteRequest
	if err := json.Unmarshal(body, &wr); err != nil {
		log.Errorf("Discarding an unparseable write request: %s", err)
		w.countFailure()
		return
	}

	outputFile := wr.OutputFile()
	if outputFile == "" {
		log.Errorf("Discarding a write request without output_file.")
		w.countFailure()
		return
	}
	if outputFile == "/dev/null" {
		log.Infof("Skipping request for /dev/null.")
		return
	}

	log.Infof("Processing a write request for %s.", outputFile)
	w.waitForRetrieval(wr.Timestamp)

	if err := w.write(&wr, outputFile); err != nil {
		log.Errorf("Write request for %s failed: %s", outputFile, err)
		w.recordFailure(&wr, outputFile, err)
		return
	}

	w.mu.Lock()
	w.stats.NWritten++
	w.stats.LastFile = outputFile
	w.mu.Unlock()
}

// logStatistics reports the running counters after every request; the
// writer has no REST surface, so the log is where operators read them.
func (w *Writer) logStatistics() {
	stats := w.Statistics()
	log.Infof("Writer statistics: %d received, %d written, %d failed, last file %q.",
		stats.NReceived, stats.NWritten, stats.NFailed, stats.LastFile)
}

// waitForRetrieval sleeps out the remainder of the retrieval delay so
// the buffers have caught up with the last requested pulse.
func (w *Writer) waitForRetrieval(requestTimestamp float64) {
	if w.opts.RetrievalDelay <= 0 || requestTimestamp <= 0 {
		return
	}

	sec, frac := int64(requestTimestamp), requestTimestamp-float64(int64(requestTimestamp))
	created := time.Unix(sec, int64(frac*float64(time.Second)))

	age := w.clk.Now().Sub(created)
	if remaining := w.opts.RetrievalDelay - age; remaining > 0 {
		log.Infof("Waiting %s before retrieving.", remaining.Round(time.Millisecond))
		w.clk.Sleep(remaining)
	}
}

func (w *Writer) write(wr *request.WriteRequest, outputFile string) error {
	data, err := w.api.Retrieve(&wr.DataAPIRequest, wr.Timestamp)
	if err != nil {
		return fmt.Errorf("retrieving data: %w", err)
	}

	aligned, err := Build(w.opts.Layout, data, w.opts.ErrorIfNoData)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(outputFile), 0o755); err != nil {
		return fmt.Errorf("creating the output folder: %w", err)
	}

	start := w.clk.Now()
	if err := w.materialize(outputFile, wr.Parameters, aligned); err != nil {
		return err
	}

	size := "unknown size"
	if info, err := os.Stat(outputFile); err == nil {
		size = humanize.Bytes(uint64(info.Size()))
	}
	log.Infof("Wrote %s (%s, %d channels) in %s.",
		outputFile, size, len(aligned.Datasets), w.clk.Since(start).Round(time.Millisecond))
	return nil
}

// recordFailure persists the failed request next to its intended
// output so the acquisition can be replayed by hand.
func (w *Writer) recordFailure(wr *request.WriteRequest, outputFile string, cause error) {
	w.countFailure()

	record := map[string]any{
		"write_request": wr,
		"error":         cause.Error(),
	}
	content, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		log.Errorf("Cannot serialize the failure record: %s", err)
		return
	}

	errFile := outputFile + ".err"
	if err := os.MkdirAll(filepath.Dir(errFile), 0o755); err == nil {
		err = os.WriteFile(errFile, content, 0o644)
	}
	if err != nil {
		log.Errorf("Cannot write the failure record %s: %s", errFile, err)
		return
	}
	log.Infof("Recorded the failed request in %s.", errFile)
}

func (w *Writer) countFailure() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stats.NFailed++
}
