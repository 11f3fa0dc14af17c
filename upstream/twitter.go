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
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/alwitt/streamrelay/common"
	"github.com/apex/log"
	"github.com/dghubble/oauth1"
)

// maxStreamLineBytes the largest single item the status stream reader accepts
const maxStreamLineBytes = 1024 * 1024

// twitterFeed implements Feed against the Twitter filtered status stream
type twitterFeed struct {
	common.Component
	streamURL string
	client    *http.Client
	wg        *sync.WaitGroup
}

// GetTwitterFeed define a new Feed reading the Twitter filtered status stream, with
// requests signed using the configured OAuth1 credentials
func GetTwitterFeed(config common.TwitterConfig, wg *sync.WaitGroup) (Feed, error) {
	oauthConfig := oauth1.NewConfig(config.ConsumerKey, config.ConsumerSecret)
	token := oauth1.NewToken(config.AccessToken, config.AccessTokenSecret)
	return GetTwitterFeedWithClient(
		config.StreamURL, oauthConfig.Client(oauth1.NoContext, token), wg,
	)
}

// GetTwitterFeedWithClient define a new Feed reading the Twitter filtered status stream
// using a caller provided HTTP client
func GetTwitterFeedWithClient(
	streamURL string, client *http.Client, wg *sync.WaitGroup,
) (Feed, error) {
	parsed, err := url.Parse(streamURL)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("unsupported stream URL scheme '%s'", parsed.Scheme)
	}
	logTags := log.Fields{
		"module": "upstream", "component": "twitter-feed", "instance": parsed.Host,
	}
	return &twitterFeed{
		Component: common.Component{LogTags: logTags},
		streamURL: streamURL,
		client:    client,
		wg:        wg,
	}, nil
}

// Open open a new filtered status stream
func (f *twitterFeed) Open(ctxt context.Context, trackingTerm string) (Subscription, error) {
	logTags := f.CopyLogTags()
	logTags["tracking"] = trackingTerm

	// The stream outlives the open call, so it runs on its own context. The open context
	// only bounds the time until the response headers arrive.
	streamCtxt, streamCancel := context.WithCancel(context.Background())
	stopOpenWatch := context.AfterFunc(ctxt, streamCancel)

	form := url.Values{"track": []string{trackingTerm}}
	req, err := http.NewRequestWithContext(
		streamCtxt, http.MethodPost, f.streamURL, strings.NewReader(form.Encode()),
	)
	if err != nil {
		stopOpenWatch()
		streamCancel()
		log.WithError(err).WithFields(logTags).Error("Unable to define stream request")
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := f.client.Do(req)
	if err != nil {
		stopOpenWatch()
		streamCancel()
		if ctxt.Err() != nil {
			err = fmt.Errorf("stream open timed out: %w", ctxt.Err())
		}
		log.WithError(err).WithFields(logTags).Error("Stream request failed")
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()
		stopOpenWatch()
		streamCancel()
		err := fmt.Errorf(
			"stream open rejected with %s: %s", resp.Status, bytes.TrimSpace(detail),
		)
		log.WithError(err).WithFields(logTags).Error("Stream request failed")
		return nil, err
	}
	// Detach the stream from the open context. If the open context already ended, the
	// stream has been cancelled and cannot be handed out.
	if !stopOpenWatch() {
		_ = resp.Body.Close()
		streamCancel()
		err := fmt.Errorf("stream open timed out: %w", ctxt.Err())
		log.WithError(err).WithFields(logTags).Error("Stream request failed")
		return nil, err
	}
	log.WithFields(logTags).Info("Opened filtered status stream")

	return &twitterSubscription{
		Component: common.Component{LogTags: logTags},
		body:      resp.Body,
		cancel:    streamCancel,
		lock:      &sync.Mutex{},
		wg:        f.wg,
	}, nil
}

// twitterSubscription implements Subscription over one streaming HTTP response
type twitterSubscription struct {
	common.Component
	body    io.ReadCloser
	cancel  context.CancelFunc
	lock    *sync.Mutex
	started bool
	stopped bool
	wg      *sync.WaitGroup
}

// Start begin reading items from the stream
func (s *twitterSubscription) Start(onItem ItemHandler, onEnd EndHandler) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		log.WithFields(s.LogTags).Debug("Starting stream read loop")
		defer log.WithFields(s.LogTags).Debug("Stream read loop exiting")
		err := s.readLoop(onItem)
		s.lock.Lock()
		stopped := s.stopped
		s.lock.Unlock()
		if stopped {
			return
		}
		if err == nil {
			err = io.EOF
		}
		log.WithError(err).WithFields(s.LogTags).Error("Stream ended unexpectedly")
		if onEnd != nil {
			onEnd(err)
		}
	}()
	return nil
}

// readLoop process the newline delimited JSON items until the stream ends
func (s *twitterSubscription) readLoop(onItem ItemHandler) error {
	scanner := bufio.NewScanner(s.body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStreamLineBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		// Keep-alive
		if len(line) == 0 {
			continue
		}
		item, err := DecodeRawItem(line)
		if err != nil {
			log.WithError(err).WithFields(s.LogTags).Warn("Skipping unparsable stream item")
			continue
		}
		onItem(item)
	}
	return scanner.Err()
}

// Stop close the stream
func (s *twitterSubscription) Stop() error {
	s.lock.Lock()
	if s.stopped {
		s.lock.Unlock()
		return nil
	}
	s.stopped = true
	s.lock.Unlock()
	s.cancel()
	err := s.body.Close()
	log.WithFields(s.LogTags).Info("Closed filtered status stream")
	return err
}
