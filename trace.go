package xray

import (
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mhetreayush/xray-sdk/internal/model"
)

// Trace is a handle to one pipeline run. Obtain one from Tracer.CreateTrace.
// A Trace does not own any resource — it only references its Tracer's
// uploaders — so it is cheap to create and safe to drop without closing.
//
// Every method recovers from any panic in its own body and routes the
// failure to the debug sink instead of letting it escape into caller code
// (§4.7, §7): a bad artifact value or a marshaling panic deep in the
// serializer must never crash the host.
type Trace struct {
	id        string
	projectID string
	metadata  Metadata
	tracer    *Tracer

	stepCounter atomic.Int64
	ended       atomic.Bool
	noop        bool
}

// ID returns the trace's traceId, or "" for a no-op Trace.
func (tr *Trace) ID() string {
	return tr.id
}

// DataID generates a dataId, submits the value for background upload, and
// returns the id synchronously. The returned id refers to a blob that
// *will* be visible at the backend iff the upload eventually succeeds
// (invariant 2) — callers may embed it in a step's artifacts before the
// upload completes.
func (tr *Trace) DataID(value any, key string, metadata Metadata) (id string) {
	if tr.noop {
		return ""
	}
	defer tr.recoverInto("dataId")

	id = uuid.NewString()
	tr.tracer.blobs.Submit(id, tr.id, key, value, model.Metadata(metadata))
	return id
}

// Step allocates a stepId, resolves stepNumber per invariant 3, and
// enqueues a step event.
func (tr *Trace) Step(opts StepOptions) {
	if tr.noop {
		return
	}
	defer tr.recoverInto("step")

	stepNumber := tr.resolveStepNumber(opts.StepNumber)
	evt := model.NewStepEvent(
		uuid.NewString(), tr.id, tr.projectID,
		opts.StepName, stepNumber,
		toModelArtifacts(opts.Artifacts),
		model.Metadata(opts.Metadata),
		time.Now(),
	)
	tr.tracer.events.Add(evt)
}

// Error normalizes err to {message, stack} and enqueues a step event named
// "error" whose metadata carries the normalized fields merged with the
// caller's own metadata.
func (tr *Trace) Error(opts ErrorOptions) {
	if tr.noop {
		return
	}
	defer tr.recoverInto("error")

	var payload errorPayload
	if opts.Err != nil {
		payload.Message = opts.Err.Error()
		payload.Stack = string(debug.Stack())
	}

	metadata := model.Metadata{}
	for k, v := range opts.Metadata {
		metadata[k] = v
	}
	metadata["error"] = map[string]any{"message": payload.Message, "stack": payload.Stack}

	evt := model.NewStepEvent(
		uuid.NewString(), tr.id, tr.projectID,
		"error", tr.stepCounter.Add(1),
		nil, metadata, time.Now(),
	)
	tr.tracer.events.Add(evt)
}

// Success marks the trace ended and enqueues a trace-success event. A
// second call (on this or a prior Success/Failure) is a no-op (invariant
// 4); Step/Error/DataID remain callable afterward.
func (tr *Trace) Success(opts EndOptions) {
	tr.end(true, opts.Metadata)
}

// Failure is symmetric to Success.
func (tr *Trace) Failure(opts EndOptions) {
	tr.end(false, opts.Metadata)
}

func (tr *Trace) end(success bool, metadata Metadata) {
	if tr.noop {
		return
	}
	defer tr.recoverInto("end")

	if !tr.ended.CompareAndSwap(false, true) {
		return
	}
	evt := model.NewTraceEndEvent(tr.id, tr.projectID, success, model.Metadata(tr.metadata), model.Metadata(metadata), time.Now())
	tr.tracer.events.Add(evt)
}

// Capture uploads each artifact value as a fresh data blob, synchronously
// allocating its dataId (§4.7), then enqueues a step event whose artifacts
// carry the minimal-mode sentinel (Type == nil — "no input/output
// distinction").
func (tr *Trace) Capture(opts CaptureOptions) {
	if tr.noop {
		return
	}
	defer tr.recoverInto("capture")

	artifacts := make([]model.Artifact, 0, len(opts.Artifacts))
	for _, a := range opts.Artifacts {
		id := tr.DataID(a.Value, a.Key, nil)
		artifacts = append(artifacts, model.Artifact{DataID: id})
	}

	evt := model.NewStepEvent(
		uuid.NewString(), tr.id, tr.projectID,
		opts.StepName, tr.stepCounter.Add(1),
		artifacts, model.Metadata(opts.Metadata),
		time.Now(),
	)
	tr.tracer.events.Add(evt)
}

// resolveStepNumber implements invariant 3: an explicit, positive supplied
// value wins for this event and raises the internal counter to at least
// that value via a CAS loop, so later auto-increments never reuse it. A
// supplied value of 0 means "not provided" — the counter's 0-initialized
// state makes 0 indistinguishable from absence, which matches every
// legitimate sequence number being >= 1.
func (tr *Trace) resolveStepNumber(supplied int64) int64 {
	if supplied <= 0 {
		return tr.stepCounter.Add(1)
	}
	for {
		cur := tr.stepCounter.Load()
		if supplied <= cur {
			break
		}
		if tr.stepCounter.CompareAndSwap(cur, supplied) {
			break
		}
	}
	return supplied
}

func toModelArtifacts(artifacts []Artifact) []model.Artifact {
	if artifacts == nil {
		return nil
	}
	out := make([]model.Artifact, len(artifacts))
	for i, a := range artifacts {
		out[i] = model.Artifact{DataID: a.DataID}
		if a.Type != "" {
			t := model.ArtifactType(a.Type)
			out[i].Type = &t
		}
	}
	return out
}

// recoverInto swallows any panic from the calling method and routes it to
// the debug sink, matching the never-break-the-host guarantee: nothing a
// Trace method does can escape into caller code.
func (tr *Trace) recoverInto(method string) {
	if r := recover(); r != nil {
		tr.tracer.logger.Error("xray: recovered panic in trace method", "method", method, "traceId", tr.id, "panic", r)
	}
}
