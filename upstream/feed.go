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

// Package upstream defines the upstream feed abstraction and the concrete feeds the relay
// can subscribe to.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
)

// RawItem one untyped item as produced by the upstream provider
type RawItem map[string]interface{}

// ItemHandler callback invoked for each item a subscription receives
type ItemHandler func(item RawItem)

// EndHandler callback invoked when a subscription ends without Stop being called
type EndHandler func(err error)

// Subscription is a subscribe-once, deliver-many stream of upstream items
type Subscription interface {
	// Start begin delivering items. A subscription can only be started once.
	Start(onItem ItemHandler, onEnd EndHandler) error
	// Stop stop the subscription and release its resources. Stop is idempotent.
	Stop() error
}

// Feed opens subscriptions against an upstream provider
type Feed interface {
	// Open open a new subscription filtered by the tracking term
	Open(ctxt context.Context, trackingTerm string) (Subscription, error)
}

// ErrAlreadyStarted returned when starting a subscription a second time
var ErrAlreadyStarted = fmt.Errorf("subscription already started")

// ErrStopped returned when starting a subscription which was already stopped
var ErrStopped = fmt.Errorf("subscription already stopped")

// DecodeRawItem parse one JSON encoded upstream item.
//
// Numbers are kept as json.Number so large status IDs survive verbatim.
func DecodeRawItem(data []byte) (RawItem, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var item RawItem
	if err := decoder.Decode(&item); err != nil {
		return nil, err
	}
	if item == nil {
		return nil, fmt.Errorf("item is not a JSON object")
	}
	return item, nil
}
