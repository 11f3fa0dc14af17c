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

package upstream

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/alwitt/streamrelay/common"
	"github.com/alwitt/streamrelay/core"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// subjectTokenFilter matches characters not allowed in a NATS subject token
var subjectTokenFilter = regexp.MustCompile(`[^a-z0-9_-]+`)

// TrackingSubject the NATS subject carrying the items for one tracking term
func TrackingSubject(prefix, trackingTerm string) string {
	token := subjectTokenFilter.ReplaceAllString(strings.ToLower(trackingTerm), "_")
	if token == "" {
		token = "_"
	}
	return fmt.Sprintf("%s.%s", prefix, token)
}

// natsFeed implements Feed over items published to NATS subjects
type natsFeed struct {
	common.Component
	client        *core.NatsClient
	subjectPrefix string
}

// GetNATSFeed define a new Feed reading JSON encoded items from NATS
func GetNATSFeed(client *core.NatsClient, subjectPrefix string) (Feed, error) {
	if strings.TrimSpace(subjectPrefix) == "" {
		return nil, fmt.Errorf("NATS subject prefix is empty")
	}
	logTags := log.Fields{
		"module": "upstream", "component": "nats-feed", "instance": subjectPrefix,
	}
	return &natsFeed{
		Component:     common.Component{LogTags: logTags},
		client:        client,
		subjectPrefix: subjectPrefix,
	}, nil
}

// Open define a new subscription on the tracking term subject
func (f *natsFeed) Open(ctxt context.Context, trackingTerm string) (Subscription, error) {
	if err := ctxt.Err(); err != nil {
		return nil, err
	}
	subject := TrackingSubject(f.subjectPrefix, trackingTerm)
	logTags := f.CopyLogTags()
	logTags["tracking"] = trackingTerm
	logTags["subject"] = subject
	if !f.client.Connected() {
		err := fmt.Errorf("NATS client not connected")
		log.WithError(err).WithFields(logTags).Error("Unable to open subscription")
		return nil, err
	}
	return &natsSubscription{
		Component: common.Component{LogTags: logTags},
		client:    f.client,
		subject:   subject,
		lock:      &sync.Mutex{},
	}, nil
}

// natsSubscription implements Subscription over a NATS subject subscription
type natsSubscription struct {
	common.Component
	client  *core.NatsClient
	subject string
	sub     *nats.Subscription
	lock    *sync.Mutex
	started bool
	stopped bool
}

// Start subscribe to the subject.
//
// The NATS client reconnects on its own, so the subscription never ends by itself and
// onEnd is not called.
func (s *natsSubscription) Start(onItem ItemHandler, onEnd EndHandler) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return ErrAlreadyStarted
	}
	sub, err := s.client.NATs().Subscribe(s.subject, func(msg *nats.Msg) {
		item, err := DecodeRawItem(msg.Data)
		if err != nil {
			log.WithError(err).WithFields(s.LogTags).Warn("Skipping unparsable item")
			return
		}
		onItem(item)
	})
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Subscribe failed")
		return err
	}
	s.sub = sub
	s.started = true
	log.WithFields(s.LogTags).Info("Subscribed to subject")
	return nil
}

// Stop unsubscribe from the subject
func (s *natsSubscription) Stop() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	if s.sub == nil {
		return nil
	}
	if err := s.sub.Unsubscribe(); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unsubscribe failed")
		return err
	}
	log.WithFields(s.LogTags).Info("Unsubscribed from subject")
	return nil
}
