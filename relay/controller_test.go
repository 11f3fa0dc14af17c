package relay

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

type controllerFixture struct {
	feed      *fakeFeed
	registry  *Registry
	deliverer *spyDeliverer
	loop      *testLoop
	metrics   *Metrics
	failures  []string
	wg        sync.WaitGroup
	uut       *StreamController
}

func newControllerFixture(t *testing.T) *controllerFixture {
	fixture := &controllerFixture{
		feed:      newFakeFeed(),
		registry:  NewRegistry(),
		deliverer: &spyDeliverer{},
		loop:      newTestLoop(),
		metrics:   newTestMetrics(),
	}
	uut, err := NewStreamController(context.Background(), StreamControllerParams{
		TrackingTerm: "kanye",
		OpenTimeout:  time.Second,
		Feed:         fixture.feed,
		Registry:     fixture.registry,
		Fanout:       fixture.deliverer,
		Schedule:     fixture.loop.schedule,
		OnOpenFailure: func(originator string, err error) {
			fixture.failures = append(fixture.failures, originator)
		},
		Clock:   func() time.Time { return time.Date(2021, time.May, 5, 0, 0, 0, 0, time.UTC) },
		Metrics: fixture.metrics,
	}, &fixture.wg)
	assert.Nil(t, err)
	fixture.uut = uut
	return fixture
}

// activate drive the controller from IDLE to ACTIVE
func (f *controllerFixture) activate(t *testing.T, originator string) *fakeSubscription {
	assert.True(t, f.uut.RequestStart(originator))
	assert.Equal(t, StreamOpening, f.uut.State())
	sub := f.feed.waitForOpen(t)
	f.loop.runNext(t)
	assert.Equal(t, StreamActive, f.uut.State())
	return sub
}

func TestStreamControllerParamValidation(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}

	// Case 0: missing feed
	_, err := NewStreamController(context.Background(), StreamControllerParams{
		TrackingTerm: "kanye",
		OpenTimeout:  time.Second,
		Registry:     NewRegistry(),
		Fanout:       &spyDeliverer{},
		Schedule:     newTestLoop().schedule,
		Metrics:      newTestMetrics(),
	}, &wg)
	assert.NotNil(err)

	// Case 1: no tracking term
	_, err = NewStreamController(context.Background(), StreamControllerParams{
		OpenTimeout: time.Second,
		Feed:        newFakeFeed(),
		Registry:    NewRegistry(),
		Fanout:      &spyDeliverer{},
		Schedule:    newTestLoop().schedule,
		Metrics:     newTestMetrics(),
	}, &wg)
	assert.NotNil(err)
}

func TestStreamControllerOpenOnDemand(t *testing.T) {
	assert := assert.New(t)

	fixture := newControllerFixture(t)
	uut := fixture.uut
	assert.Equal(StreamIdle, uut.State())

	// Case 0: registry empty, start request opens the subscription
	sub := fixture.activate(t, "c1")
	assert.Equal(1, fixture.feed.openCount())
	assert.Equal([]string{"kanye"}, fixture.feed.terms)
	assert.Equal(1, sub.starts)
	assert.Equal(float64(1), testutil.ToFloat64(fixture.metrics.subscriptionsOpened))

	// Case 1: start request while active is a no-op
	fixture.registry.Add("c1")
	assert.False(uut.RequestStart("c1"))
	assert.False(uut.RequestStart("c2"))
	fixture.loop.assertIdle(t)
	assert.Equal(1, fixture.feed.openCount())
	assert.Equal(StreamActive, uut.State())
	assert.Equal(0, sub.stopCount())

	fixture.wg.Wait()
}

func TestStreamControllerIdempotentStartWhileOpening(t *testing.T) {
	assert := assert.New(t)

	fixture := newControllerFixture(t)
	uut := fixture.uut

	assert.True(uut.RequestStart("c1"))
	assert.False(uut.RequestStart("c2"))
	assert.False(uut.RequestStart("c1"))
	assert.Equal(StreamOpening, uut.State())

	fixture.feed.waitForOpen(t)
	fixture.loop.runNext(t)
	fixture.loop.assertIdle(t)
	assert.Equal(StreamActive, uut.State())
	assert.Equal(1, fixture.feed.openCount())

	fixture.wg.Wait()
}

func TestStreamControllerDemandDrivenTeardown(t *testing.T) {
	assert := assert.New(t)

	fixture := newControllerFixture(t)
	uut := fixture.uut

	fixture.registry.Add("c1")
	sub := fixture.activate(t, "c1")

	// Case 0: clients present, items never close the subscription
	for itr := 0; itr < 3; itr++ {
		sub.push(testItem(fmt.Sprintf("%d", itr), "Alice"))
		fixture.loop.runNext(t)
		assert.Equal(0, sub.stopCount())
		assert.Equal(StreamActive, uut.State())
	}
	assert.Len(fixture.deliverer.events, 3)

	// Case 1: last client leaves, subscription stays open until the next item
	fixture.registry.Remove("c1")
	assert.Equal(0, fixture.registry.Count())
	assert.Equal(StreamActive, uut.State())
	assert.Equal(0, sub.stopCount())

	// Case 2: next item closes the subscription exactly once, nothing delivered
	sub.push(testItem("100", "Alice"))
	fixture.loop.runNext(t)
	assert.Equal(StreamIdle, uut.State())
	assert.Equal(1, sub.stopCount())
	assert.Len(fixture.deliverer.events, 3)
	assert.Equal(float64(1), testutil.ToFloat64(fixture.metrics.subscriptionsClosed))
	assert.Equal(
		float64(1),
		testutil.ToFloat64(fixture.metrics.itemsDropped.WithLabelValues(dropReasonNoClients)),
	)

	// Case 3: items still in flight from the closed subscription are ignored
	sub.push(testItem("101", "Alice"))
	sub.push(testItem("102", "Alice"))
	fixture.loop.runNext(t)
	fixture.loop.runNext(t)
	assert.Equal(1, sub.stopCount())
	assert.Len(fixture.deliverer.events, 3)
	assert.Equal(StreamIdle, uut.State())

	// Case 4: teardown while idle is a no-op
	uut.Teardown()
	uut.Teardown()
	assert.Equal(1, sub.stopCount())
	assert.Equal(float64(1), testutil.ToFloat64(fixture.metrics.subscriptionsClosed))

	// Case 5: a later start request opens a fresh subscription
	fixture.registry.Add("c2")
	sub2 := fixture.activate(t, "c2")
	assert.Equal(2, fixture.feed.openCount())
	sub2.push(testItem("200", "Bob"))
	fixture.loop.runNext(t)
	assert.Len(fixture.deliverer.events, 4)
	assert.Equal("c2", fixture.deliverer.originators[3])

	fixture.wg.Wait()
}

func TestStreamControllerDeliverNormalized(t *testing.T) {
	assert := assert.New(t)

	fixture := newControllerFixture(t)

	fixture.registry.Add("c1")
	fixture.registry.Add("c2")
	sub := fixture.activate(t, "c1")

	sub.push(testItem("100", "Alice"))
	fixture.loop.runNext(t)

	assert.Len(fixture.deliverer.events, 1)
	event := fixture.deliverer.events[0]
	assert.Equal("100", event.ID)
	assert.Equal("Alice", event.Author)
	assert.Equal("@Alice", event.ScreenName)
	assert.Equal("status 100", event.Body)
	assert.Equal("Aug 27", event.Date)
	assert.False(event.Active)
	assert.Equal([]string{"c1"}, fixture.deliverer.originators)
	assert.Equal(0, sub.stopCount())

	fixture.wg.Wait()
}

func TestStreamControllerMalformedItem(t *testing.T) {
	assert := assert.New(t)

	fixture := newControllerFixture(t)

	fixture.registry.Add("c1")
	sub := fixture.activate(t, "c1")

	// Case 0: no author
	item := testItem("100", "Alice")
	delete(item, "user")
	sub.push(item)
	fixture.loop.runNext(t)
	assert.Len(fixture.deliverer.events, 0)

	// Case 1: a following good item is not replaced by the dropped one
	sub.push(testItem("101", "Bob"))
	fixture.loop.runNext(t)
	assert.Len(fixture.deliverer.events, 1)
	assert.Equal("101", fixture.deliverer.events[0].ID)

	assert.Equal(StreamActive, fixture.uut.State())
	assert.Equal(0, sub.stopCount())
	assert.Equal(
		float64(1),
		testutil.ToFloat64(fixture.metrics.itemsDropped.WithLabelValues(dropReasonMalformed)),
	)

	fixture.wg.Wait()
}

func TestStreamControllerOpenFailure(t *testing.T) {
	assert := assert.New(t)

	fixture := newControllerFixture(t)
	uut := fixture.uut
	fixture.feed.failures = []error{fmt.Errorf("401 unauthorized")}

	// Case 0: failure returns the controller to idle
	assert.True(uut.RequestStart("c1"))
	fixture.loop.runNext(t)
	assert.Equal(StreamIdle, uut.State())
	assert.Equal([]string{"c1"}, fixture.failures)
	assert.Equal(float64(1), testutil.ToFloat64(fixture.metrics.openFailures))

	// Case 1: the next request retries
	sub := fixture.activate(t, "c2")
	assert.Equal(2, fixture.feed.openCount())
	assert.Equal(1, sub.starts)
	assert.Equal([]string{"c1"}, fixture.failures)

	fixture.wg.Wait()
}

func TestStreamControllerTeardownWhileOpening(t *testing.T) {
	assert := assert.New(t)

	fixture := newControllerFixture(t)
	uut := fixture.uut

	assert.True(uut.RequestStart("c1"))
	uut.Teardown()
	assert.Equal(StreamIdle, uut.State())

	// The late open result is closed and never started
	sub := fixture.feed.waitForOpen(t)
	fixture.loop.runNext(t)
	assert.Equal(StreamIdle, uut.State())
	assert.Equal(0, sub.starts)
	assert.Equal(1, sub.stopCount())
	assert.Equal(float64(0), testutil.ToFloat64(fixture.metrics.subscriptionsOpened))

	fixture.wg.Wait()
}

func TestStreamControllerUpstreamEnded(t *testing.T) {
	assert := assert.New(t)

	fixture := newControllerFixture(t)
	uut := fixture.uut

	fixture.registry.Add("c1")
	sub := fixture.activate(t, "c1")

	sub.end(fmt.Errorf("connection reset"))
	fixture.loop.runNext(t)
	assert.Equal(StreamIdle, uut.State())
	assert.Equal(1, sub.stopCount())

	// Stale items after the end are ignored
	sub.push(testItem("100", "Alice"))
	fixture.loop.runNext(t)
	assert.Len(fixture.deliverer.events, 0)

	// Clients can restart the stream
	fixture.activate(t, "c1")
	assert.Equal(2, fixture.feed.openCount())

	fixture.wg.Wait()
}
