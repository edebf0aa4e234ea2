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

// Package sorted provides a sorted, enumerable key-value interface
// used for the durable state of the cleanup scheduler and the
// post-processing coalescer.
package sorted

import "errors"

// ErrNotFound is returned by KeyValue.Get when the key is absent.
var ErrNotFound = errors.New("sorted: key not found")

// KeyValue is a sorted, enumerable key-value interface.
//
// Implementations must be safe for concurrent use.
type KeyValue interface {
	// Get gets the value for the given key. It returns ErrNotFound if
	// the store does not contain the key.
	Get(key string) (string, error)

	Set(key, value string) error
	Delete(key string) error

	// Find returns an iterator positioned before the first key/value
	// pair whose key is greater than or equal to start. Iteration
	// stops before the first key greater than or equal to end, unless
	// end is empty, in which case iteration continues to the last pair.
	//
	// Any error encountered is returned via the iterator's Close.
	Find(start, end string) Iterator

	Close() error
}

// Iterator iterates over a KeyValue's pairs in key order.
//
// An iterator must be closed after use, but it is not necessary to
// read an iterator until exhaustion.
type Iterator interface {
	// Next moves the iterator to the next key/value pair.
	// It returns false when the iterator is exhausted.
	Next() bool

	// Key returns the key of the current pair.
	// Only valid after a call to Next returns true.
	Key() string

	// Value returns the value of the current pair.
	// Only valid after a call to Next returns true.
	Value() string

	// Close closes the iterator and returns any accumulated error.
	Close() error
}
