package orchestrator

import (
	"context"
	"log"

	"github.com/pario-ai/cupid/pkg/apierr"
	"github.com/pario-ai/cupid/pkg/models"
)

// ReplayResult reports the outcome for one queued request.
type ReplayResult struct {
	ID          string
	RequestType models.RequestType
	Result      *Result
	Err         *apierr.Error
	// Evicted is set when the request was dropped after its last allowed attempt.
	Evicted bool
}

// Replay sends queued requests oldest first while the queue reports online.
// A delivered request is removed. The first failure bumps that request's
// retry count, evicts it once it reaches the replay limit, and ends the pass.
func (o *Orchestrator) Replay(ctx context.Context) []ReplayResult {
	var out []ReplayResult
	for o.queue.IsOnline() && ctx.Err() == nil {
		item, ok := o.queue.PeekNext()
		if !ok {
			break
		}

		policy, timeout := o.textPolicy, o.textTimeout
		if item.Params.HasImage() {
			policy, timeout = o.imagePolicy, o.imageTimeout
		}
		res, err := o.execute(ctx, item.ID, item.Params, policy, timeout, false)
		rr := ReplayResult{ID: item.ID, RequestType: item.RequestType, Result: res}
		if err == nil {
			o.queue.Remove(item.ID)
			out = append(out, rr)
			continue
		}

		rr.Err = apierr.Classify(err)
		if rr.Err.Code != apierr.Cancelled {
			n, _ := o.queue.IncrementRetry(item.ID)
			if n >= o.maxReplayAttempts || !rr.Err.Retryable {
				o.queue.Remove(item.ID)
				rr.Evicted = true
			}
		}
		log.Printf("replay %s failed (%s), evicted=%t", item.ID, rr.Err.Code, rr.Evicted)
		out = append(out, rr)
		break
	}
	return out
}
