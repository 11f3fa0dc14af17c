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
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/alwitt/streamrelay/common"
	"github.com/alwitt/streamrelay/upstream"
	"github.com/apex/log"
)

// CoordinatorParams parameters for defining a Coordinator
type CoordinatorParams struct {
	// Instance names this relay instance in logs
	Instance string
	// TrackingTerm is the upstream subscription filter
	TrackingTerm string `validate:"required"`
	// EventLoopBuffer is the number of pending events the event loop will queue
	EventLoopBuffer int `validate:"gte=1"`
	// OpenTimeout is the max duration of one upstream open attempt
	OpenTimeout time.Duration `validate:"gt=0"`
	// Feed is the upstream feed
	Feed upstream.Feed `validate:"required"`
	// Emitter sends events to the clients
	Emitter Emitter `validate:"required"`
	// Metrics are the relay metrics
	Metrics *Metrics `validate:"required"`
	// Clock optional time source
	Clock func() time.Time
}

// CoordinatorStatus snapshot of the relay state
type CoordinatorStatus struct {
	// Clients is the number of registered clients
	Clients int `json:"clients"`
	// Stream is the upstream subscription state
	Stream StreamState `json:"stream"`
}

// Event loop task types

type clientConnectedTask struct {
	clientID string
}

type clientDisconnectedTask struct {
	clientID string
}

type clientRequestTask struct {
	clientID string
	name     string
	payload  json.RawMessage
}

type scheduledTask struct {
	run func()
}

// Coordinator wires client connection events to the Registry and the StreamController.
//
// All state changes happen on the coordinator event loop.
type Coordinator struct {
	common.Component
	trackingTerm string
	registry     *Registry
	controller   *StreamController
	emitter      Emitter
	metrics      *Metrics
	tp           common.TaskProcessor
	rootContext  context.Context
	wg           *sync.WaitGroup
}

// GetCoordinator define a new Coordinator
func GetCoordinator(
	rootCtxt context.Context, params CoordinatorParams, wg *sync.WaitGroup,
) (*Coordinator, error) {
	logTags := log.Fields{
		"module": "relay", "component": "coordinator", "instance": params.Instance,
	}
	if err := recordValidator.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid coordinator params")
		return nil, err
	}

	tp, err := common.GetNewTaskProcessorInstance(
		rootCtxt, fmt.Sprintf("relay/%s", params.Instance), params.EventLoopBuffer,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define event loop")
		return nil, err
	}

	registry := NewRegistry()
	instance := &Coordinator{
		Component:    common.Component{LogTags: logTags},
		trackingTerm: params.TrackingTerm,
		registry:     registry,
		emitter:      params.Emitter,
		metrics:      params.Metrics,
		tp:           tp,
		rootContext:  rootCtxt,
		wg:           wg,
	}

	controller, err := NewStreamController(rootCtxt, StreamControllerParams{
		TrackingTerm:  params.TrackingTerm,
		OpenTimeout:   params.OpenTimeout,
		Feed:          params.Feed,
		Registry:      registry,
		Fanout:        NewFanout(registry, params.Emitter, params.Metrics),
		Schedule:      instance.schedule,
		OnOpenFailure: instance.notifyOpenFailure,
		Clock:         params.Clock,
		Metrics:       params.Metrics,
	}, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define stream controller")
		return nil, err
	}
	instance.controller = controller

	if err := tp.SetTaskExecutionMap(map[reflect.Type]common.TaskHandler{
		reflect.TypeOf(clientConnectedTask{}):    instance.processClientConnected,
		reflect.TypeOf(clientDisconnectedTask{}): instance.processClientDisconnected,
		reflect.TypeOf(clientRequestTask{}):      instance.processClientRequest,
		reflect.TypeOf(scheduledTask{}):          instance.processScheduled,
	}); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to install task handlers")
		return nil, err
	}

	return instance, nil
}

// Start start the event loop
func (c *Coordinator) Start() error {
	return c.tp.StartEventLoop(c.wg)
}

// Stop close the upstream subscription, notify the clients, and stop the event loop
func (c *Coordinator) Stop(ctxt context.Context) error {
	done := make(chan struct{})
	err := c.tp.Submit(ctxt, scheduledTask{run: func() {
		defer close(done)
		c.controller.Teardown()
		if err := c.emitter.EmitToAll(EventServerShutdown, nil); err != nil {
			log.WithError(err).WithFields(c.LogTags).Debug("Shutdown notice failed")
		}
	}})
	if err == nil {
		select {
		case <-done:
		case <-ctxt.Done():
			err = ctxt.Err()
		}
	}
	if stopErr := c.tp.StopEventLoop(); stopErr != nil && err == nil {
		err = stopErr
	}
	return err
}

// IsRunning whether the event loop is running
func (c *Coordinator) IsRunning() bool {
	return c.tp.IsRunning()
}

// Status read a snapshot of the relay state from the event loop
func (c *Coordinator) Status(ctxt context.Context) (CoordinatorStatus, error) {
	result := make(chan CoordinatorStatus, 1)
	if err := c.tp.Submit(ctxt, scheduledTask{run: func() {
		result <- CoordinatorStatus{
			Clients: c.registry.Count(), Stream: c.controller.State(),
		}
	}}); err != nil {
		return CoordinatorStatus{}, err
	}
	select {
	case status := <-result:
		return status, nil
	case <-ctxt.Done():
		return CoordinatorStatus{}, ctxt.Err()
	}
}

// ClientConnected notify the coordinator of a new client
func (c *Coordinator) ClientConnected(clientID string) {
	c.submit(clientConnectedTask{clientID: clientID})
}

// ClientDisconnected notify the coordinator of a departed client
func (c *Coordinator) ClientDisconnected(clientID string) {
	c.submit(clientDisconnectedTask{clientID: clientID})
}

// ClientRequest notify the coordinator of a client request
func (c *Coordinator) ClientRequest(clientID, name string, payload json.RawMessage) {
	c.submit(clientRequestTask{clientID: clientID, name: name, payload: payload})
}

// submit hand a task to the event loop
func (c *Coordinator) submit(task interface{}) {
	if err := c.tp.Submit(c.rootContext, task); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Unable to submit %s", reflect.TypeOf(task))
	}
}

// schedule implements Scheduler
func (c *Coordinator) schedule(task func()) error {
	return c.tp.Submit(c.rootContext, scheduledTask{run: task})
}

// ------------------------------------------------------------------------------------
// Event loop handlers

func (c *Coordinator) processClientConnected(param interface{}) error {
	task := param.(clientConnectedTask)
	if !c.registry.Has(task.clientID) {
		c.registry.Add(task.clientID)
	}
	c.reportClientCount()
	if err := c.emitter.EmitToOne(
		task.clientID, EventConnected, ConnectedPayload{Tracking: c.trackingTerm},
	); err != nil {
		log.WithError(err).WithFields(c.LogTags).Debugf(
			"Unable to greet client %s", task.clientID,
		)
	}
	return nil
}

func (c *Coordinator) processClientDisconnected(param interface{}) error {
	task := param.(clientDisconnectedTask)
	c.registry.Remove(task.clientID)
	c.reportClientCount()
	return nil
}

func (c *Coordinator) processClientRequest(param interface{}) error {
	task := param.(clientRequestTask)
	switch task.name {
	case RequestStartStream:
		c.controller.RequestStart(task.clientID)
	default:
		log.WithFields(c.LogTags).Warnf(
			"Ignoring unknown request '%s' from %s", task.name, task.clientID,
		)
	}
	return nil
}

func (c *Coordinator) processScheduled(param interface{}) error {
	param.(scheduledTask).run()
	return nil
}

// reportClientCount log and record the number of registered clients
func (c *Coordinator) reportClientCount() {
	count := c.registry.Count()
	c.metrics.connectedClients.Set(float64(count))
	log.WithFields(c.LogTags).Infof("Connected clients: %d", count)
}

// notifyOpenFailure tell the client whose request triggered the open attempt
func (c *Coordinator) notifyOpenFailure(originator string, err error) {
	if !c.registry.Has(originator) {
		return
	}
	if emitErr := c.emitter.EmitToOne(
		originator, EventStreamError, StreamErrorPayload{Message: err.Error()},
	); emitErr != nil {
		log.WithError(emitErr).WithFields(c.LogTags).Debugf(
			"Unable to notify %s of open failure", originator,
		)
	}
}
