package execution

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rkapoor/goldarb/internal/broker"
	"github.com/rkapoor/goldarb/internal/ledger"
)

func testFill(clientOrderID string) broker.Fill {
	return broker.Fill{
		OrderID:       "broker-1",
		ClientOrderID: clientOrderID,
		Symbol:        "MCX:GOLD",
		Side:          ledger.SideBuy,
		Quantity:      10,
		Price:         1001.5,
		Timestamp:     time.Now().UTC(),
	}
}

func TestJournalFillDedupeWindow(t *testing.T) {
	j, err := NewJournal(filepath.Join(t.TempDir(), "orders.jsonl"), 90)
	require.NoError(t, err)

	require.NoError(t, j.WriteFill(testFill("20260203-MCX:GOLD-BUY-0")))

	dup, err := j.HasRecentFill("20260203-MCX:GOLD-BUY-0")
	require.NoError(t, err)
	assert.True(t, dup)

	dup, err = j.HasRecentFill("some-other-id")
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestJournalUnfilledOrderDoesNotBlockRetry(t *testing.T) {
	j, err := NewJournal(filepath.Join(t.TempDir(), "orders.jsonl"), 90)
	require.NoError(t, err)

	// The order was journaled but its submission failed: retrying the same
	// deterministic client order ID must not be treated as a duplicate.
	order := broker.Order{
		ClientOrderID: "20260203-MCX:GOLD-BUY-0",
		Symbol:        "MCX:GOLD",
		Side:          ledger.SideBuy,
		Quantity:      10,
		Price:         1000,
	}
	require.NoError(t, j.WriteOrder(order))

	dup, err := j.HasRecentFill(order.ClientOrderID)
	require.NoError(t, err)
	assert.False(t, dup)

	// Once the retry fills, the ID dedupes.
	require.NoError(t, j.WriteFill(testFill(order.ClientOrderID)))
	dup, err = j.HasRecentFill(order.ClientOrderID)
	require.NoError(t, err)
	assert.True(t, dup)
}

func TestJournalExpiredEntriesIgnored(t *testing.T) {
	j, err := NewJournal(filepath.Join(t.TempDir(), "orders.jsonl"), 1)
	require.NoError(t, err)

	require.NoError(t, j.WriteFill(testFill("o-1")))

	time.Sleep(1100 * time.Millisecond)

	dup, err := j.HasRecentFill("o-1")
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestJournalMissingFileIsNotAnError(t *testing.T) {
	j, err := NewJournal(filepath.Join(t.TempDir(), "orders.jsonl"), 90)
	require.NoError(t, err)

	dup, err := j.HasRecentFill("anything")
	require.NoError(t, err)
	assert.False(t, dup)
}
