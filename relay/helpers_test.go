package relay

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/streamrelay/upstream"
	"github.com/prometheus/client_golang/prometheus"
)

// fakeSubscription records lifecycle calls and lets the test push items
type fakeSubscription struct {
	lock     sync.Mutex
	onItem   upstream.ItemHandler
	onEnd    upstream.EndHandler
	starts   int
	stops    int
	startErr error
}

func (s *fakeSubscription) Start(onItem upstream.ItemHandler, onEnd upstream.EndHandler) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.starts++
	if s.startErr != nil {
		return s.startErr
	}
	s.onItem = onItem
	s.onEnd = onEnd
	return nil
}

func (s *fakeSubscription) Stop() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.stops++
	return nil
}

func (s *fakeSubscription) stopCount() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.stops
}

func (s *fakeSubscription) push(item upstream.RawItem) {
	s.lock.Lock()
	handler := s.onItem
	s.lock.Unlock()
	handler(item)
}

func (s *fakeSubscription) end(err error) {
	s.lock.Lock()
	handler := s.onEnd
	s.lock.Unlock()
	handler(err)
}

// fakeFeed hands out fakeSubscriptions, or the configured errors
type fakeFeed struct {
	lock     sync.Mutex
	opens    int
	terms    []string
	failures []error
	subs     []*fakeSubscription
	opened   chan *fakeSubscription
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{opened: make(chan *fakeSubscription, 16)}
}

func (f *fakeFeed) Open(_ context.Context, trackingTerm string) (upstream.Subscription, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.opens++
	f.terms = append(f.terms, trackingTerm)
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		return nil, err
	}
	sub := &fakeSubscription{}
	f.subs = append(f.subs, sub)
	f.opened <- sub
	return sub, nil
}

func (f *fakeFeed) openCount() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.opens
}

func (f *fakeFeed) waitForOpen(t *testing.T) *fakeSubscription {
	select {
	case sub := <-f.opened:
		return sub
	case <-time.After(time.Second):
		t.Fatal("upstream subscription not opened")
		return nil
	}
}

// emission one event sent through fakeEmitter
type emission struct {
	event   string
	payload interface{}
}

// fakeEmitter records the events sent to each client
type fakeEmitter struct {
	lock      sync.Mutex
	sent      map[string][]emission
	broadcast []emission
	failing   map[string]bool
}

func newFakeEmitter() *fakeEmitter {
	return &fakeEmitter{sent: map[string][]emission{}, failing: map[string]bool{}}
}

func (e *fakeEmitter) EmitToOne(clientID, event string, payload interface{}) error {
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.failing[clientID] {
		return fmt.Errorf("client %s gone", clientID)
	}
	e.sent[clientID] = append(e.sent[clientID], emission{event: event, payload: payload})
	return nil
}

func (e *fakeEmitter) EmitToAll(event string, payload interface{}) error {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.broadcast = append(e.broadcast, emission{event: event, payload: payload})
	return nil
}

func (e *fakeEmitter) eventsFor(clientID, event string) []interface{} {
	e.lock.Lock()
	defer e.lock.Unlock()
	result := []interface{}{}
	for _, one := range e.sent[clientID] {
		if one.event == event {
			result = append(result, one.payload)
		}
	}
	return result
}

// spyDeliverer records Deliver calls
type spyDeliverer struct {
	events      []StatusEvent
	originators []string
}

func (d *spyDeliverer) Deliver(event StatusEvent, originator string) int {
	d.events = append(d.events, event)
	d.originators = append(d.originators, originator)
	return 1
}

// testLoop stands in for the event loop: scheduled tasks run when the test asks
type testLoop struct {
	tasks chan func()
}

func newTestLoop() *testLoop {
	return &testLoop{tasks: make(chan func(), 64)}
}

func (l *testLoop) schedule(task func()) error {
	l.tasks <- task
	return nil
}

func (l *testLoop) runNext(t *testing.T) {
	select {
	case task := <-l.tasks:
		task()
	case <-time.After(time.Second):
		t.Fatal("no task scheduled")
	}
}

func (l *testLoop) assertIdle(t *testing.T) {
	select {
	case <-l.tasks:
		t.Fatal("unexpected task scheduled")
	case <-time.After(time.Millisecond * 50):
	}
}

func newTestMetrics() *Metrics {
	return MustNewMetrics(prometheus.NewRegistry())
}

func testItem(id, author string) upstream.RawItem {
	return upstream.RawItem{
		"id_str":     id,
		"text":       fmt.Sprintf("status %s", id),
		"created_at": "Wed Aug 27 13:08:45 +0000 2008",
		"user": map[string]interface{}{
			"name":              author,
			"profile_image_url": fmt.Sprintf("http://img.example.com/%s.png", author),
			"screen_name":       fmt.Sprintf("@%s", author),
		},
	}
}
