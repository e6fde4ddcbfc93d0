package notify

import (
	"context"

	"github.com/codeready-toolchain/butlerfleet/internal/errtax"
	"github.com/codeready-toolchain/butlerfleet/internal/obsv"
	"github.com/codeready-toolchain/butlerfleet/internal/ratelimit"
)

// Limiter is the admission-control seam a RateLimitedDispatcher depends on;
// *ratelimit.Limiter satisfies it in production.
type Limiter interface {
	Admit(req ratelimit.AdmitRequest) ratelimit.Decision
	Release()
}

// RateLimitedDispatcher wraps a Dispatcher with the layered admission
// control of spec §4.2, applied per channel. A reply landing on an existing
// thread is treated as a reply (the priority-multiplier intent); a net-new
// send is not.
type RateLimitedDispatcher struct {
	next    Dispatcher
	limiter Limiter
	channel string
}

// NewRateLimitedDispatcher wraps next with admission control scoped to channel.
func NewRateLimitedDispatcher(next Dispatcher, limiter Limiter, channel string) *RateLimitedDispatcher {
	return &RateLimitedDispatcher{next: next, limiter: limiter, channel: channel}
}

// Dispatch admits the send before delegating to next, refusing delivery
// (without ever blocking) when a layer rejects it.
func (d *RateLimitedDispatcher) Dispatch(ctx context.Context, reply Reply) error {
	intent := ratelimit.IntentOther
	if reply.ThreadIdentity != "" {
		intent = ratelimit.IntentReply
	}

	decision := d.limiter.Admit(ratelimit.AdmitRequest{
		Channel:       d.channel,
		IdentityScope: d.channel,
		Recipient:     reply.ThreadIdentity,
		Intent:        intent,
	})
	obsv.RecordRateLimitDecision(decision)
	if !decision.Admitted {
		if decision.ErrorClass == ratelimit.ErrorTargetUnavailable {
			return errtax.TargetUnavailable("%s", decision.ErrorMessage)
		}
		return errtax.OverloadRejected("%s", decision.ErrorMessage)
	}
	defer d.limiter.Release()

	return d.next.Dispatch(ctx, reply)
}
