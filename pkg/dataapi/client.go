// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the SwissFEL data acquisition
// system (sf-daq).

// Package dataapi is the client of the dispatching layer, the remote
// HTTP service that returns per-channel event arrays for a pulse-id
// range. When the pulse-id query fails, the client retries once with a
// timestamp window derived from the request creation time.
package dataapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/sf-daq/databuffer-broker/pkg/request"
	"github.com/sf-daq/databuffer-broker/pkg/util/log"
)

// Client queries the dispatching layer.
type Client struct {
	url        string
	httpClient *http.Client
	// Facility-local zone used in the timestamp fallback dates.
	location *time.Location
}

// New returns a client for the dispatching layer at url. utcOffset is
// the facility offset, e.g. "+02:00".
func New(url string, timeout time.Duration, utcOffset string) (*Client, error) {
	loc, err := parseOffset(utcOffset)
	if err != nil {
		return nil, err
	}
	return &Client{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		location:   loc,
	}, nil
}

func parseOffset(offset string) (*time.Location, error) {
	t, err := time.Parse("-07:00", offset)
	if err != nil {
		return nil, fmt.Errorf("bad facility utc offset %q: %w", offset, err)
	}
	_, seconds := t.Zone()
	return time.FixedZone("facility", seconds), nil
}

// Query POSTs the request and decodes the per-channel response.
// Transport errors are retried with a short constant backoff before
// giving up.
func (c *Client) Query(apiRequest *request.DataAPIRequest) ([]request.ChannelData, error) {
	body, err := json.Marshal(apiRequest)
	if err != nil {
		return nil, err
	}

	var data []request.ChannelData

	operation := func() error {
		resp, err := c.httpClient.Post(c.url, "application/json", bytes.NewReader(body))
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return backoff.Permanent(fmt.Errorf("dispatching layer replied %s: %s", resp.Status, msg))
		}

		return json.NewDecoder(resp.Body).Decode(&data)
	}

	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Second), 2)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return data, nil
}

// Retrieve runs the pulse-id query and, on failure, the timestamp
// fallback. Fallback results are trimmed to the requested pulse-id
// window.
func (c *Client) Retrieve(apiRequest *request.DataAPIRequest, requestTimestamp float64) ([]request.ChannelData, error) {
	data, err := c.Query(apiRequest)
	if err == nil {
		return data, nil
	}

	rng := apiRequest.Range
	if rng.StartPulseID == nil || rng.EndPulseID == nil {
		return nil, err
	}
	startPulseID, stopPulseID := *rng.StartPulseID, *rng.EndPulseID

	log.Warnf("Pulse-id query failed (%s), retrying with a timestamp range.", err)

	fallback := *apiRequest
	startDate, endDate := c.TimestampRange(startPulseID, stopPulseID, requestTimestamp)
	fallback.Range = request.PulseRange{StartDate: startDate, EndDate: endDate}

	data, err = c.Query(&fallback)
	if err != nil {
		return nil, fmt.Errorf("timestamp fallback failed: %w", err)
	}

	FilterPulseIDs(data, startPulseID, stopPulseID)
	return data, nil
}

// TimestampRange derives the fallback date window from the write
// request creation time: the window ends one second past the request
// timestamp and reaches back over the acquisition length plus the
// buffering start delay.
func (c *Client) TimestampRange(startPulseID, stopPulseID int64, requestTimestamp float64) (string, string) {
	const dateFormat = "2006-01-02T15:04:05.000-07:00"

	// Milliseconds are thrown away, so round the end up a second.
	endSeconds := int64(requestTimestamp) + 1
	if float64(int64(requestTimestamp)) < requestTimestamp {
		endSeconds++
	}

	acquisitionSeconds := (stopPulseID - startPulseID) / 100
	startDelaySeconds := int64(10)

	end := time.Unix(endSeconds, 0).In(c.location)
	start := end.Add(-time.Duration(acquisitionSeconds+startDelaySeconds) * time.Second)

	return start.Format(dateFormat), end.Format(dateFormat)
}

// FilterPulseIDs trims every channel to the events inside
// [startPulseID, stopPulseID]. The timestamp fallback over-fetches, so
// each channel is scanned forward for the first pulse id >= start and
// backward for the last pulse id <= stop.
func FilterPulseIDs(data []request.ChannelData, startPulseID, stopPulseID int64) {
	for i := range data {
		events := data[i].Data

		first := len(events)
		for j, e := range events {
			if e.PulseID >= startPulseID {
				first = j
				break
			}
		}

		last := -1
		for j := len(events) - 1; j >= 0; j-- {
			if events[j].PulseID <= stopPulseID {
				last = j
				break
			}
		}

		if first > last {
			data[i].Data = events[:0]
			continue
		}
		data[i].Data = events[first : last+1]
	}
}
