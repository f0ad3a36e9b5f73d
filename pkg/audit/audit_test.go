// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the SwissFEL data acquisition
// system (sf-daq).

package audit

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit_trail.log")

	trail := NewTrail(path)
	trail.now = func() time.Time {
		return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	}

	trail.Append(map[string]any{"run": 1})
	trail.Append(map[string]any{"run": 2})

	content, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(string(content), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, `[2024-03-01 12:00:00.000000] {"run":1}`, lines[0])
	assert.Equal(t, `[2024-03-01 12:00:00.000000] {"run":2}`, lines[1])
}

func TestAppendBestEffort(t *testing.T) {
	// A trail pointing into a missing directory must not panic or fail.
	trail := NewTrail(filepath.Join(t.TempDir(), "missing", "audit.log"))
	trail.Append(map[string]any{"run": 1})

	// A nil trail and an unconfigured trail are no-ops.
	var nilTrail *Trail
	nilTrail.Append("ignored")
	NewTrail("").Append("ignored")
}
