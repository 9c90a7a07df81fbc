package progress

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusRoutesByRequest(t *testing.T) {
	bus := NewBus(4)
	a, cancelA := bus.Subscribe("req-a")
	defer cancelA()
	b, cancelB := bus.Subscribe("req-b")
	defer cancelB()

	Report(bus, "req-a", "segment", Processing, 50)

	select {
	case e := <-a:
		assert.Equal(t, Event{RequestID: "req-a", StageKey: "segment", Percent: 50, Stage: Processing}, e)
	default:
		t.Fatal("expected event for req-a")
	}
	assert.Len(t, b, 0)
}

func TestBusDropsWhenFull(t *testing.T) {
	bus := NewBus(1)
	ch, cancel := bus.Subscribe("r")
	defer cancel()

	for i := 0; i < 5; i++ {
		Report(bus, "r", "load", Loading, i*10)
	}
	require.Len(t, ch, 1)
	assert.Equal(t, 0, (<-ch).Percent)
}

func TestCancelClosesChannel(t *testing.T) {
	bus := NewBus(1)
	ch, cancel := bus.Subscribe("r")
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
	Report(bus, "r", "load", Loading, 10)
}

func TestReportClampsPercent(t *testing.T) {
	var got []Event
	sink := Func(func(e Event) { got = append(got, e) })

	Report(sink, "r", "k", Loading, -5)
	Report(sink, "r", "k", Loading, 150)
	Report(nil, "r", "k", Loading, 10)

	require.Len(t, got, 2)
	assert.Equal(t, 0, got[0].Percent)
	assert.Equal(t, 100, got[1].Percent)
}

func TestTee(t *testing.T) {
	var n int
	count := Func(func(Event) { n++ })
	Tee{count, nil, count}.Emit(Event{})
	assert.Equal(t, 2, n)
	OrNop(nil).Emit(Event{})
}
