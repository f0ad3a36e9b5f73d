// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the SwissFEL data acquisition
// system (sf-daq).

// Package audit keeps the append-only journal of dispatched write
// requests. The trail is best-effort: append failures are logged and
// never fail the enclosing operation.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sf-daq/databuffer-broker/pkg/util/log"
)

const timestampFormat = "2006-01-02 15:04:05.000000"

// Trail appends one line per write request to a configured file.
type Trail struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// NewTrail returns a trail writing to path.
func NewTrail(path string) *Trail {
	return &Trail{path: path, now: time.Now}
}

// Append records v as "[<timestamp>] <json>\n". Failures are logged
// and swallowed.
func (t *Trail) Append(v any) {
	if t == nil || t.path == "" {
		return
	}

	body, err := json.Marshal(v)
	if err != nil {
		log.Errorf("Cannot serialize write request for the audit trail: %s", err)
		return
	}

	line := fmt.Sprintf("[%s] %s\n", t.now().Format(timestampFormat), body)

	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.OpenFile(t.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log.Errorf("Cannot open audit trail %s: %s", t.path, err)
		return
	}
	defer f.Close()

	if _, err := f.WriteString(line); err != nil {
		log.Errorf("Cannot append to audit trail %s: %s", t.path, err)
	}
}
