package eventstream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velozfi/veloz/internal/config"
	"github.com/velozfi/veloz/internal/runtime"
	"github.com/velozfi/veloz/internal/types"
)

func testRuntime() *runtime.Runtime {
	return runtime.New(&config.Config{})
}

func TestEmitter_EventIDsAreMonotonic(t *testing.T) {
	var buf bytes.Buffer
	e := New(testRuntime(), &buf, 0)

	id1 := e.Emit(types.EventKindFill, 1, map[string]any{"x": 1})
	id2 := e.Emit(types.EventKindFill, 2, map[string]any{"x": 2})
	id3 := e.Emit(types.EventKindFill, 3, map[string]any{"x": 3})

	assert.Equal(t, uint64(1), id1)
	assert.Equal(t, uint64(2), id2)
	assert.Equal(t, uint64(3), id3)
	assert.Equal(t, id3, e.LastEventID())
}

func TestEmitter_ResumesFromPriorMax(t *testing.T) {
	var buf bytes.Buffer
	e := New(testRuntime(), &buf, 100)

	id := e.Emit(types.EventKindFill, 1, map[string]any{})

	assert.Equal(t, uint64(101), id)
}

func TestEmitter_WritesOneJSONLinePerEvent(t *testing.T) {
	var buf bytes.Buffer
	e := New(testRuntime(), &buf, 0)

	e.Emit(types.EventKindOrderUpdate, 1, map[string]any{"client_order_id": "c1"})
	e.Emit(types.EventKindAccount, 2, map[string]any{"balances": []any{}})

	scanner := bufio.NewScanner(&buf)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.Len(t, lines, 2)

	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "order_update", first["type"])
	assert.Equal(t, "c1", first["client_order_id"])
	assert.EqualValues(t, 1, first["event_id"])
}

func TestEmitter_EmitError_CarriesFormattedMessage(t *testing.T) {
	var buf bytes.Buffer
	e := New(testRuntime(), &buf, 0)

	e.EmitError(5, "%s: %s", types.ReasonNotFound, "c1")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "error", record["type"])
	assert.Equal(t, "not_found: c1", record["message"])
}
