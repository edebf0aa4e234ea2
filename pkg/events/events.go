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

// Package events defines the domain event bus and job bus interfaces
// the ingestion engine consumes, plus in-process implementations.
//
// Listeners must tolerate at-least-once delivery: events are emitted
// after the metadata transaction commits, and a crash between commit
// and dispatch may cause a re-emit on recovery.
package events

import (
	"context"
	"time"
)

// Event is a serializable domain event.
type Event interface {
	EventName() string
}

// AvatarUpdated is emitted after an avatar upload commits.
type AvatarUpdated struct {
	UserID     string `json:"user_id"`
	NewMediaID int64  `json:"new_media_id"`
	OldMediaID int64  `json:"old_media_id,omitempty"`
	Version    string `json:"version,omitempty"`
	Collection string `json:"collection"`
	Replaced   bool   `json:"replaced"`
	URL        string `json:"url,omitempty"`
}

func (AvatarUpdated) EventName() string { return "avatar.updated" }

// AvatarDeleted is emitted after an avatar's media record is deleted.
type AvatarDeleted struct {
	UserID  string `json:"user_id"`
	MediaID int64  `json:"media_id"`
}

func (AvatarDeleted) EventName() string { return "avatar.deleted" }

// MediaStored is the generic equivalent of AvatarUpdated for non-avatar
// profiles.
type MediaStored struct {
	OwnerID    string `json:"owner_id"`
	NewMediaID int64  `json:"new_media_id"`
	OldMediaID int64  `json:"old_media_id,omitempty"`
	Version    string `json:"version,omitempty"`
	Collection string `json:"collection"`
	Replaced   bool   `json:"replaced"`
}

func (MediaStored) EventName() string { return "media.stored" }

// Bus dispatches domain events to registered listeners.
type Bus interface {
	Dispatch(ctx context.Context, ev Event)
}

// Job is a unit of deferred work executed on a queue worker.
type Job interface {
	JobName() string
	Run(ctx context.Context) error
}

// JobBus dispatches jobs for asynchronous execution.
type JobBus interface {
	Dispatch(ctx context.Context, job Job, delay time.Duration) error

	// Pending reports the number of dispatched jobs not yet finished.
	// Used by the health check's queue probe.
	Pending() (int, error)
}
