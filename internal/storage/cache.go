/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package storage

import (
	"sync"
	"time"

	"renscribe/internal/script"
)

// ScriptCache keeps recently parsed choice trees in memory so repeated
// structure requests for the same script skip the parse. Entries expire
// after a TTL and the cache evicts the oldest entry once full. Writers must
// invalidate on every content change.
type ScriptCache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	max     int
	ttl     time.Duration
	now     func() time.Time
}

type cacheEntry struct {
	tree    *script.ChoiceNode
	addedAt time.Time
}

// NewScriptCache creates a cache holding at most maxEntries trees for ttl
// each. Non-positive arguments select 50 entries and 10 minutes.
func NewScriptCache(maxEntries int, ttl time.Duration) *ScriptCache {
	if maxEntries <= 0 {
		maxEntries = 50
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &ScriptCache{
		entries: map[string]*cacheEntry{},
		max:     maxEntries,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the cached tree for scriptID, or nil when absent or expired.
func (c *ScriptCache) Get(scriptID string) *script.ChoiceNode {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[scriptID]
	if !ok {
		return nil
	}
	if c.now().Sub(e.addedAt) > c.ttl {
		delete(c.entries, scriptID)
		return nil
	}
	return e.tree
}

// Put stores a tree, evicting the oldest entry when the cache is full.
func (c *ScriptCache) Put(scriptID string, tree *script.ChoiceNode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[scriptID]; !ok && len(c.entries) >= c.max {
		oldestKey := ""
		var oldest time.Time
		for k, e := range c.entries {
			if oldestKey == "" || e.addedAt.Before(oldest) {
				oldestKey, oldest = k, e.addedAt
			}
		}
		delete(c.entries, oldestKey)
	}
	c.entries[scriptID] = &cacheEntry{tree: tree, addedAt: c.now()}
}

// Invalidate drops the entry for scriptID, if any.
func (c *ScriptCache) Invalidate(scriptID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, scriptID)
}

// Len reports the live entry count.
func (c *ScriptCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
