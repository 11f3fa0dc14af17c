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

package common

import (
	"fmt"

	"github.com/apex/log"
)

// ConnectionParam is a helper object for logging a client connection's parameters
type ConnectionParam struct {
	// ID is the client connection ID
	ID string `json:"id"`
	// RemoteAddr is the client's network address
	RemoteAddr string `json:"remote_addr"`
	// URI is the URI the client connected through
	URI string `json:"uri"`
}

// UpdateLogTags updates Apex log.Fields map with values the connection's parameters
func (i ConnectionParam) UpdateLogTags(tags log.Fields) {
	tags["client_id"] = i.ID
	tags["client_addr"] = i.RemoteAddr
	tags["client_uri"] = fmt.Sprintf("'%s'", i.URI)
}
