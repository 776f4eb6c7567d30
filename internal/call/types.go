// Package call implements the consultation agents: one state machine,
// parameterized by role, that drives the WebRTC handshake through a
// signal.Store. The doctor side creates the session and publishes the offer;
// the patient side observes the session and publishes the answer. Keeping
// both flows in one implementation is what guarantees the offer/answer
// ordering invariant in a single place.
package call

import (
	"time"

	"github.com/petervdpas/medcall/internal/media"
	"github.com/petervdpas/medcall/internal/signal"
	"github.com/petervdpas/medcall/internal/util"
)

// State is the protocol state of an agent. It is deliberately independent of
// transport connectivity, which is reported via the connectivity callback.
type State string

const (
	StateIdle          State = "idle"
	StateAwaitingOffer State = "awaiting_offer" // patient only
	StateMediaInit     State = "media_initializing"
	StateOfferSent     State = "offer_published"  // doctor only
	StateAwaitAnswer   State = "awaiting_answer"  // doctor only
	StateAnswerSent    State = "answer_published" // patient only
	StateConnected     State = "connected"
	StateEnded         State = "ended"
	StateTimedOut      State = "timed_out"
)

// Terminal reports whether the agent has finished for good.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateTimedOut
}

// Options configures an Agent.
type Options struct {
	Role        signal.Role
	DisplayName string

	// Constraints for local capture. Zero value means video+audio with no
	// resolution preference.
	Constraints media.Constraints

	// HandshakeTimeout bounds AwaitingOffer / AwaitingAnswer. The agent
	// cancels the session and lands in StateTimedOut when it fires.
	// 0 disables the timeout.
	HandshakeTimeout time.Duration

	// Retry bounds signaling writes during transient store outages.
	Retry util.Backoff

	// ChatHistory caps the locally kept chat messages.
	ChatHistory int
}

func (o *Options) ensureDefaults() {
	if !o.Constraints.Video && !o.Constraints.Audio {
		o.Constraints = media.Constraints{Video: true, Audio: true}
	}
	if o.Retry.Attempts == 0 {
		o.Retry = util.DefaultBackoff
	}
	if o.ChatHistory <= 0 {
		o.ChatHistory = 500
	}
}
