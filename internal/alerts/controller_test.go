package alerts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"energy-monitor/internal/data"
)

func alert(id string) data.Alert {
	return data.Alert{
		ID:        id,
		DeviceID:  "dev-1",
		Metric:    "power_kw",
		Severity:  data.SeverityHigh,
		Message:   "power out of range",
		Timestamp: time.Now().UTC(),
	}
}

func ids(alerts []data.Alert) []string {
	out := make([]string, len(alerts))
	for i, a := range alerts {
		out[i] = a.ID
	}
	return out
}

func TestController_MergeSnapshot_DropsAcknowledged(t *testing.T) {
	c := NewController()

	acked := alert("a2")
	acked.Acknowledged = true
	c.MergeSnapshot([]data.Alert{alert("a1"), acked, alert("a3")})

	assert.Equal(t, []string{"a1", "a3"}, ids(c.Active()))
}

func TestController_MergeSnapshot_ReplacesActiveSet(t *testing.T) {
	c := NewController()
	c.MergeSnapshot([]data.Alert{alert("old1"), alert("old2")})
	c.MergeSnapshot([]data.Alert{alert("new1")})

	assert.Equal(t, []string{"new1"}, ids(c.Active()))
}

func TestController_MergePush_PrependsMostRecentFirst(t *testing.T) {
	c := NewController()
	c.MergeSnapshot([]data.Alert{alert("existing")})

	c.MergePush([]data.Alert{alert("a1"), alert("a2")})

	// a2 was raised after a1, so it lands first, both ahead of the
	// pre-existing entry.
	assert.Equal(t, []string{"a2", "a1", "existing"}, ids(c.Active()))
}

func TestController_MergePush_TwoDistinctBatchesGrowTheSet(t *testing.T) {
	c := NewController()

	c.MergePush([]data.Alert{alert("a1"), alert("a2")})
	require.Equal(t, 2, c.Len())

	c.MergePush([]data.Alert{alert("b1"), alert("b2")})
	assert.Equal(t, 4, c.Len())
	assert.Equal(t, []string{"b2", "b1", "a2", "a1"}, ids(c.Active()))
}

func TestController_MergePush_DuplicateIDKeepsLatestPayload(t *testing.T) {
	c := NewController()

	first := alert("a1")
	first.Message = "first delivery"
	c.MergePush([]data.Alert{first})

	second := alert("a1")
	second.Message = "second delivery"
	c.MergePush([]data.Alert{alert("a2"), second})

	active := c.Active()
	require.Len(t, active, 2, "duplicate delivery must not create a second entry")
	assert.Equal(t, []string{"a1", "a2"}, ids(active))
	assert.Equal(t, "second delivery", active[0].Message)
}

func TestController_ActiveNeverContainsAcknowledged(t *testing.T) {
	c := NewController()

	acked := alert("acked")
	acked.Acknowledged = true
	c.MergePush([]data.Alert{alert("open"), acked})

	for _, a := range c.Active() {
		assert.False(t, a.Acknowledged)
	}
	assert.Equal(t, 1, c.Len())
}

func TestController_Acknowledge_RemovesExactlyOne(t *testing.T) {
	c := NewController()
	c.MergeSnapshot([]data.Alert{alert("a1"), alert("a2"), alert("a3")})

	got, ok := c.Acknowledge("a2")
	require.True(t, ok)
	assert.Equal(t, "a2", got.ID)

	// Removal is observable immediately, before any confirmation runs.
	assert.Equal(t, []string{"a1", "a3"}, ids(c.Active()))
}

func TestController_Acknowledge_UnknownID(t *testing.T) {
	c := NewController()
	c.MergeSnapshot([]data.Alert{alert("a1")})

	_, ok := c.Acknowledge("missing")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len())
}

func TestController_Acknowledge_DedupesWhilePending(t *testing.T) {
	c := NewController()
	c.MergeSnapshot([]data.Alert{alert("a1")})

	_, ok := c.Acknowledge("a1")
	require.True(t, ok)

	// Second click before the confirmation resolves is a no-op.
	_, ok = c.Acknowledge("a1")
	assert.False(t, ok)
}

func TestController_Confirm_FinalizesRemoval(t *testing.T) {
	c := NewController()
	c.MergeSnapshot([]data.Alert{alert("a1")})

	_, ok := c.Acknowledge("a1")
	require.True(t, ok)
	c.Confirm("a1")

	assert.Equal(t, 0, c.Len())

	// After confirmation the id may be acknowledged again if it is
	// re-raised later.
	c.MergePush([]data.Alert{alert("a1")})
	_, ok = c.Acknowledge("a1")
	assert.True(t, ok)
}

func TestController_Fail_ReinsertsFlagged(t *testing.T) {
	c := NewController()
	c.MergeSnapshot([]data.Alert{alert("a1"), alert("a2")})

	_, ok := c.Acknowledge("a1")
	require.True(t, ok)
	c.Fail("a1")

	active := c.Active()
	require.Equal(t, []string{"a1", "a2"}, ids(active))
	assert.True(t, active[0].AckFailed, "failed acknowledgment must be marked for retry")

	// Retry path: the flag clears when the alert is acknowledged again.
	got, ok := c.Acknowledge("a1")
	require.True(t, ok)
	assert.False(t, got.AckFailed)
}

func TestController_PendingAckIgnoresReDelivery(t *testing.T) {
	c := NewController()
	c.MergeSnapshot([]data.Alert{alert("a1")})

	_, ok := c.Acknowledge("a1")
	require.True(t, ok)

	// A snapshot or push that still carries the optimistically removed
	// alert must not resurrect it while confirmation is in flight.
	c.MergeSnapshot([]data.Alert{alert("a1"), alert("a2")})
	assert.Equal(t, []string{"a2"}, ids(c.Active()))

	c.MergePush([]data.Alert{alert("a1")})
	assert.Equal(t, []string{"a2"}, ids(c.Active()))
}
