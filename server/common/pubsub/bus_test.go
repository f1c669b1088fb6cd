package pubsub

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBus(t *testing.T) {
	t.Run("delivers to subscribers in order", func(t *testing.T) {
		bus := NewBus[string]()
		var got []string
		bus.Subscribe(func(s string) { got = append(got, "a:"+s) })
		bus.Subscribe(func(s string) { got = append(got, "b:"+s) })

		bus.Publish("x")

		assert.Equal(t, []string{"a:x", "b:x"}, got)
	})

	t.Run("unsubscribe stops delivery and is idempotent", func(t *testing.T) {
		bus := NewBus[int]()
		calls := 0
		unsubscribe := bus.Subscribe(func(int) { calls++ })

		bus.Publish(1)
		unsubscribe()
		unsubscribe()
		bus.Publish(2)

		assert.Equal(t, 1, calls)
		assert.Equal(t, 0, bus.Len())
	})

	t.Run("handler may unsubscribe itself while publishing", func(t *testing.T) {
		bus := NewBus[int]()
		var unsubscribe func()
		calls := 0
		unsubscribe = bus.Subscribe(func(int) {
			calls++
			unsubscribe()
		})

		bus.Publish(1)
		bus.Publish(2)

		assert.Equal(t, 1, calls)
	})
}
