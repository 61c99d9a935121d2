package market

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimSourceEmitsValidAdvancingQuotes(t *testing.T) {
	src := NewSimSource(time.Millisecond, 1,
		SimSymbol{Symbol: "MCX:GOLD", BasePrice: 62500, Volatility: 0.01, Volume: 100},
		SimSymbol{Symbol: "USDINR", BasePrice: 83.2, Volatility: 0.002, Volume: 100},
	)

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan Quote, 64)
	go src.Run(ctx, out)

	stream := NewStream(0)
	seen := map[string]int{}
	for len(seen) < 2 || seen["MCX:GOLD"] < 5 {
		select {
		case q := <-out:
			require.NoError(t, Validate(q))
			require.NoError(t, stream.Apply(q), "sim quotes must advance per symbol")
			seen[q.Symbol]++
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for sim quotes")
		}
	}
	cancel()

	assert.GreaterOrEqual(t, seen["MCX:GOLD"], 5)
	assert.GreaterOrEqual(t, seen["USDINR"], 1)
}

func TestSimSourceClosesOutputOnCancel(t *testing.T) {
	src := NewSimSource(time.Millisecond, 1, SimSymbol{Symbol: "X", BasePrice: 100, Volatility: 0.01})

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan Quote, 64)
	done := make(chan struct{})
	go func() {
		src.Run(ctx, out)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sim source did not stop")
	}
	_, open := <-out
	for open {
		_, open = <-out
	}
}
