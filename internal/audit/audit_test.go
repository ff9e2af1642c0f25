package audit

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestEvent_SkipsZeroFields(t *testing.T) {
	buf := captureLogs(t)

	Event{
		Actor:      "u1",
		Action:     "switchTeam",
		Status:     "granted",
		Team:       "team-a",
		HTTPStatus: 200,
		Extra:      []any{slog.Bool("token_issued", true)},
	}.Info("Audit Log: team switched")

	var entry struct {
		Level string         `json:"level"`
		Msg   string         `json:"msg"`
		Audit map[string]any `json:"audit"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "INFO", entry.Level)
	assert.Equal(t, "Audit Log: team switched", entry.Msg)
	assert.Equal(t, map[string]any{
		"actor":        "u1",
		"action":       "switchTeam",
		"status":       "granted",
		"team":         "team-a",
		"http_status":  float64(200),
		"token_issued": true,
	}, entry.Audit)
}

func TestEvent_Warn(t *testing.T) {
	buf := captureLogs(t)
	Event{Actor: "u1", Status: "denied", Reason: "not a member"}.Warn("Audit Log: team switch denied")
	assert.Contains(t, buf.String(), `"level":"WARN"`)
	assert.Contains(t, buf.String(), `"reason":"not a member"`)
}

func TestEvent_Disabled(t *testing.T) {
	buf := captureLogs(t)
	Enabled = false
	t.Cleanup(func() { Enabled = true })

	Event{Actor: "u1"}.Info("ignored")
	Event{Actor: "u1"}.Warn("ignored")
	assert.Empty(t, buf.String())
}
