package query

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// CollectionResult is what came back from the devices a plan was
// dispatched to. Partial results are results, not errors: devices that
// missed the deadline are listed as unreachable and the rest of the
// responses stand.
type CollectionResult struct {
	QueryID     uuid.UUID        `json:"query_id"`
	Responses   []DeviceResponse `json:"responses"`
	Unreachable []uuid.UUID      `json:"unreachable,omitempty"`
	Partial     bool             `json:"partial"`
	Elapsed     time.Duration    `json:"elapsed"`
}

// collectDeviceResponses fans the plan out to every device and gathers
// answers until all devices reply or the timeout passes. Each device
// gets its own goroutine; the per-collection context bounds them all.
func collectDeviceResponses(ctx context.Context, querier DeviceQuerier, devices []DeviceRef, env PlanEnvelope, timeout time.Duration) *CollectionResult {
	start := time.Now()
	result := &CollectionResult{QueryID: env.PlanID}

	if len(devices) == 0 {
		result.Elapsed = time.Since(start)
		return result
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		ref  DeviceRef
		resp *DeviceResponse
		err  error
	}
	// buffered so late repliers never block after the deadline fires
	outcomes := make(chan outcome, len(devices))
	for _, ref := range devices {
		go func(ref DeviceRef) {
			resp, err := querier.Query(ctx, ref, env)
			outcomes <- outcome{ref: ref, resp: resp, err: err}
		}(ref)
	}

	answered := make(map[uuid.UUID]bool, len(devices))
	pending := len(devices)

collecting:
	for pending > 0 {
		select {
		case out := <-outcomes:
			pending--
			answered[out.ref.ID] = true
			if out.err != nil || out.resp == nil {
				result.Unreachable = append(result.Unreachable, out.ref.ID)
				result.Partial = true
				continue
			}
			result.Responses = append(result.Responses, *out.resp)
		case <-ctx.Done():
			break collecting
		}
	}

	for _, ref := range devices {
		if !answered[ref.ID] {
			result.Unreachable = append(result.Unreachable, ref.ID)
			result.Partial = true
		}
	}

	result.Elapsed = time.Since(start)
	return result
}
