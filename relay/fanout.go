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
	"github.com/alwitt/streamrelay/common"
	"github.com/apex/log"
)

// Emitter sends named events to connected clients
type Emitter interface {
	// EmitToOne send an event to one client
	EmitToOne(clientID, event string, payload interface{}) error
	// EmitToAll send an event to every connected client
	EmitToAll(event string, payload interface{}) error
}

// Deliverer delivers a StatusEvent to the connected clients
type Deliverer interface {
	// Deliver send the event to every registered client, originator included. Returns the
	// number of clients the event was handed to.
	Deliver(event StatusEvent, originator string) int
}

// Fanout implements Deliverer over the Registry membership
type Fanout struct {
	common.Component
	registry *Registry
	emitter  Emitter
	metrics  *Metrics
}

// NewFanout define a new Fanout
func NewFanout(registry *Registry, emitter Emitter, metrics *Metrics) *Fanout {
	return &Fanout{
		Component: common.Component{
			LogTags: log.Fields{"module": "relay", "component": "fanout"},
		},
		registry: registry,
		emitter:  emitter,
		metrics:  metrics,
	}
}

// Deliver send the event to every registered client exactly once
func (f *Fanout) Deliver(event StatusEvent, originator string) int {
	delivered := 0
	for _, clientID := range f.registry.Members() {
		if err := f.emitter.EmitToOne(clientID, EventNewStatus, event); err != nil {
			log.WithError(err).WithFields(f.LogTags).Debugf(
				"Dropped %s for client %s", event.ID, clientID,
			)
			f.metrics.deliveries.WithLabelValues(deliveryResultFailed).Inc()
			continue
		}
		f.metrics.deliveries.WithLabelValues(deliveryResultSent).Inc()
		delivered++
	}
	log.WithFields(f.LogTags).Debugf(
		"Delivered %s to %d clients (originator %s)", event.ID, delivered, originator,
	)
	return delivered
}
