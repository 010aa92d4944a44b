// Package model defines the wire-level types shared by the batcher, the
// event and blob pipelines, and the ingest client.
package model

import "time"

// EventType is the discriminant of the Event tagged union.
type EventType string

const (
	EventTraceStart   EventType = "trace-start"
	EventTraceSuccess EventType = "trace-success"
	EventTraceFailure EventType = "trace-failure"
	EventStep         EventType = "step"

	// EventData identifies the metadata-only record of a completed blob
	// upload. The client never constructs or sends this variant — it is
	// assembled on the backend side from the presign+PUT interaction (fed
	// by a Kafka path outside this module's scope). The constant exists
	// so the Data Model's entity list is fully represented in code.
	EventData EventType = "data"
)

// Metadata is an arbitrary, recursively-nested key→value tree supplied by
// the host application. It is never reified into a concrete type — it is
// passed through to JSON as-is, matching the spec's "do not try to reify
// user types" guidance.
type Metadata map[string]any

// ArtifactType tags a step's reference to a data blob as input or output.
// A nil *ArtifactType marshals to JSON null, the minimal-mode sentinel for
// "no input/output distinction".
type ArtifactType string

const (
	ArtifactInput  ArtifactType = "input"
	ArtifactOutput ArtifactType = "output"
)

// Artifact is a step's reference to a previously allocated data blob.
type Artifact struct {
	DataID string        `json:"dataId"`
	Type   *ArtifactType `json:"type"`
}

// Event is the wire representation of every variant in §3 of the data
// model. Fields inapplicable to a given EventType are left zero and
// omitted from JSON via the omitempty tag; EventType plus the constructor
// used to build the value together determine which fields are populated.
type Event struct {
	EventType EventType  `json:"eventType"`
	TraceID   string     `json:"traceId"`
	ProjectID string     `json:"projectId"`
	CreatedAt *time.Time `json:"createdAt,omitempty"`
	Metadata  Metadata   `json:"metadata,omitempty"`

	// trace-success / trace-failure only.
	SuccessMetadata Metadata   `json:"successMetadata,omitempty"`
	Status          string     `json:"status,omitempty"`
	EndedAt         *time.Time `json:"endedAt,omitempty"`

	// step only.
	StepID     string     `json:"stepId,omitempty"`
	StepName   string     `json:"stepName,omitempty"`
	StepNumber int64      `json:"stepNumber,omitempty"`
	Artifacts  []Artifact `json:"artifacts,omitempty"`
	Timestamp  *time.Time `json:"timestamp,omitempty"`
}

// NewTraceStartEvent builds the event emitted synchronously by createTrace.
func NewTraceStartEvent(traceID, projectID string, metadata Metadata, now time.Time) Event {
	return Event{
		EventType: EventTraceStart,
		TraceID:   traceID,
		ProjectID: projectID,
		Metadata:  metadata,
		CreatedAt: &now,
	}
}

// NewTraceEndEvent builds a trace-success or trace-failure event depending
// on success. CreatedAt mirrors EndedAt: the end event has no separate
// "created" moment distinct from when the trace actually ended. metadata
// echoes the trace's original creation-time metadata (so a consumer of
// this single event need not join against the trace-start event);
// successMetadata is metadata specific to this particular end call.
func NewTraceEndEvent(traceID, projectID string, success bool, metadata, successMetadata Metadata, now time.Time) Event {
	status := "failure"
	eventType := EventTraceFailure
	if success {
		status = "success"
		eventType = EventTraceSuccess
	}
	return Event{
		EventType:       eventType,
		TraceID:         traceID,
		ProjectID:       projectID,
		Status:          status,
		Metadata:        metadata,
		SuccessMetadata: successMetadata,
		CreatedAt:       &now,
		EndedAt:         &now,
	}
}

// NewStepEvent builds a step event. artifacts may be nil. The step variant
// carries timestamp, not createdAt — CreatedAt is left nil so it's omitted
// from the wire payload rather than sending a field §3 doesn't define for
// this variant.
func NewStepEvent(stepID, traceID, projectID, stepName string, stepNumber int64, artifacts []Artifact, metadata Metadata, now time.Time) Event {
	return Event{
		EventType:  EventStep,
		StepID:     stepID,
		TraceID:    traceID,
		ProjectID:  projectID,
		StepName:   stepName,
		StepNumber: stepNumber,
		Artifacts:  artifacts,
		Metadata:   metadata,
		Timestamp:  &now,
	}
}
