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
	"fmt"
	"strings"
	"time"

	"github.com/alwitt/streamrelay/upstream"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
)

// Names of the events exchanged with the clients
const (
	// EventConnected sent to a client once it is registered
	EventConnected = "connected"
	// EventNewStatus carries one StatusEvent
	EventNewStatus = "new tweet"
	// EventStreamError sent to the client whose start request could not open the upstream
	EventStreamError = "stream error"
	// EventServerShutdown sent to all clients when the relay stops
	EventServerShutdown = "server shutdown"
	// RequestStartStream the client request to start the shared upstream stream
	RequestStartStream = "start stream"
)

// StatusDateFormat the display format of StatusEvent.Date
const StatusDateFormat = "Jan 2"

// ErrMalformedItem returned when an upstream item can not be normalized
var ErrMalformedItem = fmt.Errorf("malformed upstream item")

// ConnectedPayload the payload of EventConnected
type ConnectedPayload struct {
	// Tracking is the tracking term of the upstream subscription
	Tracking string `json:"tracking"`
}

// StreamErrorPayload the payload of EventStreamError
type StreamErrorPayload struct {
	// Message describes the failure
	Message string `json:"message"`
}

// StatusEvent display ready representation of one upstream item
type StatusEvent struct {
	// ID is the upstream item ID
	ID string `json:"twid"`
	// Active is client side UI state; always false when sent
	Active bool `json:"active"`
	// Author is the author display name
	Author string `json:"author"`
	// Avatar is the author avatar URL
	Avatar string `json:"avatar"`
	// Body is the item text
	Body string `json:"body"`
	// Date is the item creation date, formatted with StatusDateFormat
	Date string `json:"date"`
	// ScreenName is the author handle
	ScreenName string `json:"screenname"`
}

// statusAuthor the author record nested in an upstream item
type statusAuthor struct {
	Name            string `mapstructure:"name" validate:"required"`
	ProfileImageURL string `mapstructure:"profile_image_url"`
	ScreenName      string `mapstructure:"screen_name" validate:"required"`
}

// statusRecord the subset of an upstream item the relay uses
type statusRecord struct {
	IDStr     string        `mapstructure:"id_str"`
	ID        string        `mapstructure:"id"`
	Text      string        `mapstructure:"text"`
	CreatedAt string        `mapstructure:"created_at"`
	User      *statusAuthor `mapstructure:"user" validate:"required"`
}

var recordValidator = validator.New()

// NormalizeItem convert an upstream item into a StatusEvent.
//
// Items without author data return ErrMalformedItem. receivedAt stands in for the creation
// time when the item carries no parsable created_at.
func NormalizeItem(item upstream.RawItem, receivedAt time.Time) (StatusEvent, error) {
	var record statusRecord
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &record,
	})
	if err != nil {
		return StatusEvent{}, err
	}
	if err := decoder.Decode(map[string]interface{}(item)); err != nil {
		return StatusEvent{}, fmt.Errorf("%w: %s", ErrMalformedItem, err.Error())
	}
	if err := recordValidator.Struct(&record); err != nil {
		return StatusEvent{}, fmt.Errorf("%w: missing author", ErrMalformedItem)
	}

	id := record.IDStr
	if id == "" {
		id = record.ID
	}
	createdAt, err := time.Parse(time.RubyDate, strings.TrimSpace(record.CreatedAt))
	if err != nil {
		createdAt = receivedAt
	}

	return StatusEvent{
		ID:         id,
		Active:     false,
		Author:     record.User.Name,
		Avatar:     record.User.ProfileImageURL,
		Body:       record.Text,
		Date:       createdAt.UTC().Format(StatusDateFormat),
		ScreenName: record.User.ScreenName,
	}, nil
}
