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

// Package upload holds the shared value types of the upload pipeline:
// the result record, the actor and tenant context, and the error
// taxonomy. It has no behavior and no I/O, so every pipeline stage can
// depend on it without cycles.
package upload

// Status is the terminal state of an upload.
type Status string

const (
	StatusStored      Status = "stored"
	StatusAttached    Status = "attached"
	StatusQuarantined Status = "quarantined"
	StatusFailed      Status = "failed"
	StatusSuperseded  Status = "superseded"
)

// TenantContext identifies the tenant owning a pipeline invocation.
// It is threaded explicitly; the engine never consults ambient state.
type TenantContext struct {
	TenantID string
}

// Actor is the authenticated principal performing an upload. Who may
// upload is the authorization collaborator's decision; the engine only
// records and rate-limits the actor.
type Actor struct {
	ID       string
	TenantID string
}

// Result describes an accepted (or terminally failed) upload.
type Result struct {
	ID            int64
	TenantID      string
	ProfileID     string
	Disk          string
	Path          string
	MIME          string
	Size          int64
	Checksum      string
	Status        Status
	CorrelationID string
}
