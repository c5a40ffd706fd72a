/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package collab

// Conn is one delivery channel to a connected client. The hub never sees
// the transport; the HTTP layer adapts its event stream to this interface.
// Send must be safe for concurrent use and should return promptly; a slow
// client must buffer or drop on its own side of the Conn.
type Conn interface {
	Send(ev Event) error
	Close() error
}
