// Copyright 2021-2022 The streamrelay Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/streamrelay/common"
	"github.com/alwitt/streamrelay/upstream"
	"github.com/apex/log"
)

// StreamState state of the upstream subscription
type StreamState int

const (
	// StreamIdle no upstream subscription
	StreamIdle StreamState = iota
	// StreamOpening an upstream subscription is being opened
	StreamOpening
	// StreamActive the upstream subscription is delivering items
	StreamActive
)

// String toString function
func (s StreamState) String() string {
	switch s {
	case StreamIdle:
		return "idle"
	case StreamOpening:
		return "opening"
	case StreamActive:
		return "active"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler
func (s StreamState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Scheduler runs a task on the relay event loop
type Scheduler func(task func()) error

// OpenFailureHandler called on the event loop when the upstream subscription could not be opened
type OpenFailureHandler func(originator string, err error)

// StreamControllerParams parameters for defining a StreamController
type StreamControllerParams struct {
	// TrackingTerm is the upstream subscription filter
	TrackingTerm string `validate:"required"`
	// OpenTimeout is the max duration of one upstream open attempt
	OpenTimeout time.Duration `validate:"gt=0"`
	// Feed is the upstream feed
	Feed upstream.Feed `validate:"required"`
	// Registry is the client registry
	Registry *Registry `validate:"required"`
	// Fanout delivers normalized events
	Fanout Deliverer `validate:"required"`
	// Schedule runs tasks on the relay event loop
	Schedule Scheduler `validate:"required"`
	// OnOpenFailure optional notification of open failures
	OnOpenFailure OpenFailureHandler
	// Clock optional time source, for items without a creation time
	Clock func() time.Time
	// Metrics are the relay metrics
	Metrics *Metrics `validate:"required"`
}

// StreamController owns at most one upstream subscription. It opens the subscription on
// demand, and closes it once an item arrives while no clients are registered.
type StreamController struct {
	common.Component
	StreamControllerParams
	rootContext  context.Context
	wg           *sync.WaitGroup
	state        StreamState
	subscription upstream.Subscription
	// generation identifies the current subscription attempt; results and items from
	// older attempts are discarded
	generation uint64
	originator string
}

// NewStreamController define a new StreamController
func NewStreamController(
	rootCtxt context.Context, params StreamControllerParams, wg *sync.WaitGroup,
) (*StreamController, error) {
	if err := recordValidator.Struct(&params); err != nil {
		return nil, err
	}
	if params.Clock == nil {
		params.Clock = time.Now
	}
	return &StreamController{
		Component: common.Component{
			LogTags: log.Fields{
				"module":    "relay",
				"component": "stream-controller",
				"instance":  params.TrackingTerm,
			},
		},
		StreamControllerParams: params,
		rootContext:            rootCtxt,
		wg:                     wg,
		state:                  StreamIdle,
	}, nil
}

// State the current subscription state
func (c *StreamController) State() StreamState {
	return c.state
}

// RequestStart ensure the upstream subscription is active. Returns whether a new
// subscription is being opened.
func (c *StreamController) RequestStart(originator string) bool {
	if c.state != StreamIdle {
		log.WithFields(c.LogTags).Debugf(
			"Start request from %s ignored, stream is %s", originator, c.state,
		)
		return false
	}
	c.generation++
	attempt := c.generation
	c.state = StreamOpening
	c.originator = originator
	log.WithFields(c.LogTags).Infof("Opening upstream subscription for %s", originator)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctxt, cancel := context.WithTimeout(c.rootContext, c.OpenTimeout)
		defer cancel()
		sub, err := c.Feed.Open(ctxt, c.TrackingTerm)
		if schedErr := c.Schedule(func() { c.completeOpen(attempt, sub, err) }); schedErr != nil {
			log.WithError(schedErr).WithFields(c.LogTags).Error("Unable to report open result")
			if sub != nil {
				_ = sub.Stop()
			}
		}
	}()
	return true
}

// completeOpen process the result of an open attempt
func (c *StreamController) completeOpen(attempt uint64, sub upstream.Subscription, err error) {
	if attempt != c.generation || c.state != StreamOpening {
		log.WithFields(c.LogTags).Debug("Discarding result of abandoned open attempt")
		if sub != nil {
			_ = sub.Stop()
		}
		return
	}
	if err != nil {
		c.failOpen(err)
		return
	}

	c.subscription = sub
	c.state = StreamActive
	onItem := func(item upstream.RawItem) {
		if err := c.Schedule(func() { c.handleItem(attempt, item) }); err != nil {
			log.WithError(err).WithFields(c.LogTags).Debug("Item discarded, event loop stopped")
		}
	}
	onEnd := func(endErr error) {
		if err := c.Schedule(func() { c.handleEnd(attempt, endErr) }); err != nil {
			log.WithError(err).WithFields(c.LogTags).Debug("End discarded, event loop stopped")
		}
	}
	if err := sub.Start(onItem, onEnd); err != nil {
		c.subscription = nil
		_ = sub.Stop()
		c.failOpen(err)
		return
	}
	c.Metrics.subscriptionsOpened.Inc()
	log.WithFields(c.LogTags).Info("Upstream subscription active")
}

// failOpen return to idle after a failed open attempt
func (c *StreamController) failOpen(err error) {
	c.state = StreamIdle
	c.Metrics.openFailures.Inc()
	log.WithError(err).WithFields(c.LogTags).Error("Unable to open upstream subscription")
	if c.OnOpenFailure != nil {
		c.OnOpenFailure(c.originator, err)
	}
}

// handleItem process one item from the subscription opened by the given attempt
func (c *StreamController) handleItem(attempt uint64, item upstream.RawItem) {
	if attempt != c.generation || c.state != StreamActive {
		return
	}
	c.Metrics.itemsReceived.Inc()
	if c.Registry.Count() == 0 {
		log.WithFields(c.LogTags).Info("No clients connected, closing upstream subscription")
		c.Metrics.itemsDropped.WithLabelValues(dropReasonNoClients).Inc()
		c.Teardown()
		return
	}
	event, err := NormalizeItem(item, c.Clock())
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Warn("Dropping upstream item")
		c.Metrics.itemsDropped.WithLabelValues(dropReasonMalformed).Inc()
		return
	}
	c.Fanout.Deliver(event, c.originator)
}

// handleEnd process the subscription opened by the given attempt ending on its own
func (c *StreamController) handleEnd(attempt uint64, err error) {
	if attempt != c.generation || c.state != StreamActive {
		return
	}
	log.WithError(err).WithFields(c.LogTags).Warn("Upstream subscription ended")
	sub := c.subscription
	c.subscription = nil
	c.generation++
	c.state = StreamIdle
	c.Metrics.subscriptionsClosed.Inc()
	_ = sub.Stop()
}

// Teardown close the upstream subscription, if any
func (c *StreamController) Teardown() {
	switch c.state {
	case StreamIdle:
		return
	case StreamOpening:
		// The pending open result is stopped when it arrives
		c.generation++
		c.state = StreamIdle
		log.WithFields(c.LogTags).Info("Abandoned upstream open attempt")
	case StreamActive:
		sub := c.subscription
		c.subscription = nil
		c.generation++
		c.state = StreamIdle
		if err := sub.Stop(); err != nil {
			log.WithError(err).WithFields(c.LogTags).Error("Upstream subscription close failed")
		}
		c.Metrics.subscriptionsClosed.Inc()
		log.WithFields(c.LogTags).Info("Closed upstream subscription")
	}
}
