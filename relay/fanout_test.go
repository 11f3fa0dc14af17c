package relay

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestFanoutDeliver(t *testing.T) {
	assert := assert.New(t)

	registry := NewRegistry()
	emitter := newFakeEmitter()
	metrics := newTestMetrics()
	uut := NewFanout(registry, emitter, metrics)

	event := StatusEvent{ID: "100", Author: "Alice"}

	// Case 0: nobody registered
	assert.Equal(0, uut.Deliver(event, "c1"))

	// Case 1: every client, originator included, gets exactly one copy
	registry.Add("c1")
	registry.Add("c2")
	registry.Add("c3")
	assert.Equal(3, uut.Deliver(event, "c1"))
	for _, clientID := range []string{"c1", "c2", "c3"} {
		assert.Equal([]interface{}{event}, emitter.eventsFor(clientID, EventNewStatus))
	}

	// Case 2: one failing client does not block the others
	emitter.failing["c2"] = true
	event2 := StatusEvent{ID: "101", Author: "Bob"}
	assert.Equal(2, uut.Deliver(event2, "c2"))
	assert.Equal([]interface{}{event, event2}, emitter.eventsFor("c1", EventNewStatus))
	assert.Equal([]interface{}{event}, emitter.eventsFor("c2", EventNewStatus))
	assert.Equal([]interface{}{event, event2}, emitter.eventsFor("c3", EventNewStatus))

	assert.Equal(float64(5), testutil.ToFloat64(metrics.deliveries.WithLabelValues(deliveryResultSent)))
	assert.Equal(float64(1), testutil.ToFloat64(metrics.deliveries.WithLabelValues(deliveryResultFailed)))
}
