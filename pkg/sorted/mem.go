/*
Copyright 2025 The Sluice Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package sorted

import (
	"sort"
	"sync"
)

// NewMemoryKeyValue returns an in-memory KeyValue, for tests and
// single-process deployments that don't need durability.
func NewMemoryKeyValue() KeyValue {
	return &memKV{m: make(map[string]string)}
}

type memKV struct {
	mu sync.RWMutex
	m  map[string]string
}

func (kv *memKV) Get(key string) (string, error) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	v, ok := kv.m[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (kv *memKV) Set(key, value string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.m[key] = value
	return nil
}

func (kv *memKV) Delete(key string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	delete(kv.m, key)
	return nil
}

func (kv *memKV) Find(start, end string) Iterator {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	keys := make([]string, 0, len(kv.m))
	for k := range kv.m {
		if k < start {
			continue
		}
		if end != "" && k >= end {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	vals := make([]string, len(keys))
	for i, k := range keys {
		vals[i] = kv.m[k]
	}
	return &memIter{keys: keys, vals: vals, pos: -1}
}

func (kv *memKV) Close() error { return nil }

type memIter struct {
	keys []string
	vals []string
	pos  int
}

func (it *memIter) Next() bool {
	it.pos++
	return it.pos < len(it.keys)
}

func (it *memIter) Key() string   { return it.keys[it.pos] }
func (it *memIter) Value() string { return it.vals[it.pos] }
func (it *memIter) Close() error  { return nil }
