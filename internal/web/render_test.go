package web

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matst80/oscarwire/internal/conn"
)

func TestRenderDashboard(t *testing.T) {
	var buf bytes.Buffer
	err := Render(&buf, "dashboard", map[string]any{
		"ID":       "3f2b",
		"Requests": 2,
		"Cookies":  1,
		"Families": []uint16{0x0001, 0x0010},
		"Connections": []conn.Info{
			{ID: 1, Kind: "bos", State: "established", Remote: "127.0.0.1:5190", Opened: time.Now().Add(-time.Minute), FramesIn: 4},
		},
	})
	require.NoError(t, err)
	out := buf.String()
	assert.Contains(t, out, "session 3f2b")
	assert.Contains(t, out, "0x0001, 0x0010")
	assert.Contains(t, out, "127.0.0.1:5190")
	assert.Contains(t, out, "rendered ")
}

func TestRenderNoConnections(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Render(&buf, "dashboard", map[string]any{"ID": "x"}))
	assert.Contains(t, buf.String(), "no connections")
}

func TestRenderUnknownTemplate(t *testing.T) {
	var buf bytes.Buffer
	assert.Error(t, Render(&buf, "missing", nil))
}
