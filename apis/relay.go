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


package apis

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/streamrelay/common"
	"github.com/alwitt/streamrelay/relay"
	"github.com/apex/log"
)

// RelayCore the relay operations the REST handlers query
type RelayCore interface {
	// IsRunning whether the relay event loop is running
	IsRunning() bool
	// Status read a snapshot of the relay state
	Status(ctxt context.Context) (relay.CoordinatorStatus, error)
}

// UpstreamConnection an upstream connection whose state affects readiness
type UpstreamConnection interface {
	// Connected whether the connection is up
	Connected() bool
}

// APIRestRelayHandler REST handler for relay health and status
type APIRestRelayHandler struct {
	goutils.RestAPIHandler
	core          RelayCore
	upstream      UpstreamConnection
	statusTimeout time.Duration
}

// GetAPIRestRelayHandler define APIRestRelayHandler
//
// upstream is optional; when set, the relay is only ready while it is connected.
func GetAPIRestRelayHandler(
	core RelayCore, upstream UpstreamConnection, httpConfig *common.HTTPConfig,
) (APIRestRelayHandler, error) {
	if core == nil {
		return APIRestRelayHandler{}, fmt.Errorf("no relay core provided")
	}
	logTags := log.Fields{
		"module":    "rest",
		"component": "relay",
	}
	return APIRestRelayHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		core:           core,
		upstream:       upstream,
		statusTimeout:  time.Second * 5,
	}, nil
}

// -----------------------------------------------------------------------

// APIRestRespRelayStatus response for the relay status
type APIRestRespRelayStatus struct {
	goutils.RestAPIBaseResponse
	// Status is the relay state
	Status relay.CoordinatorStatus `json:"status"`
}

// GetStatus godoc
// @Summary Query the relay state
// @Description Report the number of connected clients and the upstream subscription state
// @tags Relay
// @Produce json
// @Success 200 {object} APIRestRespRelayStatus "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/status [get]
func (h APIRestRelayHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	ctxt, cancel := context.WithTimeout(r.Context(), h.statusTimeout)
	defer cancel()
	status, err := h.core.Status(ctxt)
	if err != nil {
		msg := "Unable to read relay status"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, msg, err.Error(),
		)
		return
	}
	respCode = http.StatusOK
	respBody = APIRestRespRelayStatus{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Status: status,
	}
}

// GetStatusHandler Wrapper around GetStatus
func (h APIRestRelayHandler) GetStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetStatus(w, r)
	}
}

// -----------------------------------------------------------------------

// Alive godoc
// @Summary Relay liveness check
// @Description Will return success to indicate the relay is live
// @tags Relay
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Router /alive [get]
func (h APIRestRelayHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestRelayHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary Relay readiness check
// @Description Will return success if the relay event loop runs and the upstream is connected
// @tags Relay
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 503 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestRelayHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if !h.core.IsRunning() {
		respCode = http.StatusServiceUnavailable
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusServiceUnavailable, msg, "relay event loop not running",
		)
		return
	}
	if h.upstream != nil && !h.upstream.Connected() {
		respCode = http.StatusServiceUnavailable
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusServiceUnavailable, msg, "upstream not connected",
		)
		return
	}
	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// ReadyHandler Wrapper around Ready
func (h APIRestRelayHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
