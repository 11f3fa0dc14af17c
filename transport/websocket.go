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


// Package transport connects browser clients to the relay over websockets.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/streamrelay/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ErrUnknownClient returned when emitting to a client which is not connected
var ErrUnknownClient = fmt.Errorf("unknown client")

// ErrClientBacklogged returned when a client's send queue is full and the message was dropped
var ErrClientBacklogged = fmt.Errorf("client send queue full")

// EventHandler receives client lifecycle and request notifications from the Hub
type EventHandler interface {
	// ClientConnected a new client connected
	ClientConnected(clientID string)
	// ClientDisconnected a client connection closed
	ClientDisconnected(clientID string)
	// ClientRequest a client sent a named request
	ClientRequest(clientID, name string, payload json.RawMessage)
}

// Envelope the JSON frame exchanged with the clients, in both directions
type Envelope struct {
	// Event is the event or request name
	Event string `json:"event"`
	// Data is the optional payload
	Data json.RawMessage `json:"data,omitempty"`
}

// encodeEnvelope build the wire form of one event
func encodeEnvelope(event string, payload interface{}) ([]byte, error) {
	msg := Envelope{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		msg.Data = data
	}
	return json.Marshal(&msg)
}

// HubParams parameters for defining a Hub
type HubParams struct {
	// SendBuffer is the number of outbound messages queued per client
	SendBuffer int `validate:"gte=1"`
	// PingInterval is the interval between keepalive pings. A client silent for two
	// intervals is disconnected.
	PingInterval time.Duration `validate:"gt=0"`
	// WriteTimeout bounds writing one message to a client
	WriteTimeout time.Duration `validate:"gt=0"`
	// MaxMessageBytes is the max size of a message a client may send
	MaxMessageBytes int64 `validate:"gte=64"`
	// CheckOrigin optional origin check; all origins are accepted when nil
	CheckOrigin func(r *http.Request) bool
}

// client one connected websocket
type client struct {
	common.Component
	id        string
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// close signal the writer to flush and close the connection
func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Hub tracks the connected websocket clients. It upgrades incoming HTTP requests,
// reports connection events to the EventHandler, and writes events to the clients.
type Hub struct {
	common.Component
	HubParams
	rootContext context.Context
	wg          *sync.WaitGroup
	upgrader    websocket.Upgrader
	lock        sync.RWMutex
	clients     map[string]*client
	handler     EventHandler
	closed      bool
}

var paramValidator = validator.New()

// GetHub define a new Hub
func GetHub(rootCtxt context.Context, params HubParams, wg *sync.WaitGroup) (*Hub, error) {
	logTags := log.Fields{"module": "transport", "component": "websocket-hub"}
	if err := paramValidator.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid hub params")
		return nil, err
	}
	checkOrigin := params.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &Hub{
		Component:   common.Component{LogTags: logTags},
		HubParams:   params,
		rootContext: rootCtxt,
		wg:          wg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		clients: make(map[string]*client),
	}, nil
}

// SetEventHandler install the receiver of client events. Must be called before serving.
func (h *Hub) SetEventHandler(handler EventHandler) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.handler = handler
}

// ClientCount number of connected clients
func (h *Hub) ClientCount() int {
	h.lock.RLock()
	defer h.lock.RUnlock()
	return len(h.clients)
}

// EmitToOne send an event to one client
func (h *Hub) EmitToOne(clientID, event string, payload interface{}) error {
	msg, err := encodeEnvelope(event, payload)
	if err != nil {
		return err
	}
	h.lock.RLock()
	defer h.lock.RUnlock()
	target, ok := h.clients[clientID]
	if !ok {
		return ErrUnknownClient
	}
	return target.enqueue(msg)
}

// EmitToAll send an event to every connected client
func (h *Hub) EmitToAll(event string, payload interface{}) error {
	msg, err := encodeEnvelope(event, payload)
	if err != nil {
		return err
	}
	h.lock.RLock()
	defer h.lock.RUnlock()
	backlogged := 0
	for _, target := range h.clients {
		if target.enqueue(msg) != nil {
			backlogged++
		}
	}
	if backlogged > 0 {
		return fmt.Errorf("%d clients dropped %s: %w", backlogged, event, ErrClientBacklogged)
	}
	return nil
}

// enqueue queue a message without blocking
func (c *client) enqueue(msg []byte) error {
	select {
	case <-c.done:
		return ErrUnknownClient
	default:
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return ErrClientBacklogged
	}
}

// Close disconnect all clients. Queued messages are flushed first.
func (h *Hub) Close() {
	h.lock.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for _, one := range h.clients {
		clients = append(clients, one)
	}
	h.lock.Unlock()
	for _, one := range clients {
		one.close()
	}
	log.WithFields(h.LogTags).Infof("Closing %d client connections", len(clients))
}

// ServeHTTP upgrade the request to a websocket and serve it until it closes
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.lock.RLock()
	closed := h.closed
	handler := h.handler
	h.lock.RUnlock()
	if closed || handler == nil {
		http.Error(w, "relay not accepting connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already replied to the client
		log.WithError(err).WithFields(h.LogTags).Warn("Websocket upgrade failed")
		return
	}

	connParams := common.ConnectionParam{
		ID: uuid.NewString(), RemoteAddr: r.RemoteAddr, URI: r.URL.String(),
	}
	logTags := h.CopyLogTags()
	connParams.UpdateLogTags(logTags)
	newClient := &client{
		Component: common.Component{LogTags: logTags},
		id:        connParams.ID,
		conn:      conn,
		send:      make(chan []byte, h.SendBuffer),
		done:      make(chan struct{}),
	}

	if !h.register(newClient) {
		_ = conn.Close()
		return
	}
	log.WithFields(logTags).Info("Client connected")
	handler.ClientConnected(newClient.id)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.writePump(newClient)
	}()

	pinger, err := common.GetIntervalTimerInstance(h.rootContext, h.wg, logTags)
	if err == nil {
		err = pinger.Start(h.PingInterval, func() error {
			return conn.WriteControl(
				websocket.PingMessage, nil, time.Now().Add(h.WriteTimeout),
			)
		}, false)
	}
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start keepalive")
	}

	h.readPump(newClient, handler)

	if pinger != nil {
		_ = pinger.Stop()
	}
	newClient.close()
	if h.unregister(newClient) {
		handler.ClientDisconnected(newClient.id)
	}
	log.WithFields(logTags).Info("Client disconnected")
}

// register add a client; fails once the hub is closed
func (h *Hub) register(c *client) bool {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.closed {
		return false
	}
	h.clients[c.id] = c
	return true
}

// unregister remove a client. Returns whether the departure should be reported.
func (h *Hub) unregister(c *client) bool {
	h.lock.Lock()
	defer h.lock.Unlock()
	delete(h.clients, c.id)
	return !h.closed
}

// readPump process client requests until the connection fails
func (h *Hub) readPump(c *client, handler EventHandler) {
	pongWait := h.PingInterval * 2
	c.conn.SetReadLimit(h.MaxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseGoingAway, websocket.CloseNormalClosure,
			) {
				log.WithError(err).WithFields(c.LogTags).Warn("Connection lost")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		var msg Envelope
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Event == "" {
			log.WithFields(c.LogTags).Warn("Ignoring malformed client message")
			continue
		}
		handler.ClientRequest(c.id, msg.Event, msg.Data)
	}
}

// writePump write queued messages to the client until it is closed
func (h *Hub) writePump(c *client) {
	defer func() {
		if err := c.conn.Close(); err != nil {
			log.WithError(err).WithFields(c.LogTags).Debug("Connection close failed")
		}
	}()
	write := func(msg []byte) error {
		_ = c.conn.SetWriteDeadline(time.Now().Add(h.WriteTimeout))
		return c.conn.WriteMessage(websocket.TextMessage, msg)
	}
	for {
		select {
		case msg := <-c.send:
			if err := write(msg); err != nil {
				log.WithError(err).WithFields(c.LogTags).Debug("Write failed")
				c.close()
				return
			}
		case <-c.done:
			for {
				select {
				case msg := <-c.send:
					if err := write(msg); err != nil {
						return
					}
				default:
					_ = c.conn.WriteControl(
						websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay closing"),
						time.Now().Add(h.WriteTimeout),
					)
					return
				}
			}
		}
	}
}
