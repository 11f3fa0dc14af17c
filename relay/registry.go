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

// Package relay is the connection and stream lifecycle core: client registry, demand
// driven upstream subscription control, and broadcast fan-out.
//
// Everything in this package is confined to the relay event loop and is not safe for
// concurrent use.
package relay

import "sort"

// Registry tracks the set of currently connected client IDs
type Registry struct {
	members map[string]struct{}
}

// NewRegistry define an empty Registry
func NewRegistry() *Registry {
	return &Registry{members: make(map[string]struct{})}
}

// Add insert the client ID if absent
func (r *Registry) Add(id string) {
	r.members[id] = struct{}{}
}

// Remove remove the client ID if present
func (r *Registry) Remove(id string) {
	delete(r.members, id)
}

// Has whether the client ID is registered
func (r *Registry) Has(id string) bool {
	_, ok := r.members[id]
	return ok
}

// Count the number of registered clients
func (r *Registry) Count() int {
	return len(r.members)
}

// Members snapshot of the registered client IDs, sorted
func (r *Registry) Members() []string {
	result := make([]string, 0, len(r.members))
	for id := range r.members {
		result = append(result, id)
	}
	sort.Strings(result)
	return result
}
