package call

import (
	"context"
	"fmt"
	"log"

	"github.com/petervdpas/medcall/internal/signal"
)

// Chat rides the same store as the handshake but is independent of it:
// messages flow before, during and after the call, regardless of which side
// is ahead in the handshake.

// StartChat subscribes to the chat relay. Idempotent; called automatically
// from Attach and Join. A resubscribe after cancel replays the full history
// (the ring buffer is reset so the history is reconstructed, not duplicated).
func (a *Agent) StartChat() error {
	a.mu.Lock()
	if a.ended {
		a.mu.Unlock()
		return fmt.Errorf("agent already ended")
	}
	if a.cancelChat != nil {
		a.mu.Unlock()
		return nil
	}
	if a.sessionID == "" {
		a.mu.Unlock()
		return fmt.Errorf("no session bound")
	}
	ch, cancel, err := a.store.ObserveChat(a.sessionID)
	if err != nil {
		a.mu.Unlock()
		return err
	}
	a.cancelChat = cancel
	a.history.Reset()
	a.lastSeq = 0
	a.mu.Unlock()

	go a.chatLoop(ch)
	return nil
}

// SendChat appends a message to the relay. The local echo arrives through
// the observer like any other message, so both sides render the same order.
func (a *Agent) SendChat(ctx context.Context, text string) error {
	a.mu.Lock()
	if a.ended {
		a.mu.Unlock()
		return fmt.Errorf("agent already ended")
	}
	id := a.sessionID
	a.mu.Unlock()
	if id == "" {
		return fmt.Errorf("no session bound")
	}

	msg := signal.ChatMessage{
		Sender:     a.opts.Role,
		SenderName: a.opts.DisplayName,
		Text:       text,
		SentAt:     signal.Now(),
	}
	return a.opts.Retry.Retry(ctx, func() error {
		_, err := a.store.AppendChat(ctx, id, msg)
		return err
	})
}

func (a *Agent) chatLoop(ch <-chan signal.ChatMessage) {
	for msg := range ch {
		a.mu.Lock()
		if a.ended {
			a.mu.Unlock()
			return
		}
		if msg.Seq <= a.lastSeq {
			// Replay of an already-seen message after an observer restart.
			a.mu.Unlock()
			continue
		}
		a.lastSeq = msg.Seq
		a.history.Push(msg)
		if msg.Sender != a.opts.Role && !a.chatOpen {
			a.unread++
		}
		fn := a.onChat
		a.mu.Unlock()

		if fn != nil {
			fn(msg)
		}
	}
}

// OpenChatPanel marks the chat panel visible and clears the unread counter.
func (a *Agent) OpenChatPanel() {
	a.mu.Lock()
	a.chatOpen = true
	n := a.unread
	a.unread = 0
	a.mu.Unlock()
	if n > 0 {
		log.Printf("CALL [%s]: chat opened, %d unread cleared", a.SessionID(), n)
	}
}

// CloseChatPanel marks the chat panel hidden; remote messages received from
// now on count as unread.
func (a *Agent) CloseChatPanel() {
	a.mu.Lock()
	a.chatOpen = false
	a.mu.Unlock()
}

// Unread returns the number of remote messages received while the panel was
// closed. Client-local scratch state, never persisted.
func (a *Agent) Unread() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.unread
}

// History returns the locally buffered conversation, oldest first.
func (a *Agent) History() []signal.ChatMessage {
	return a.history.Snapshot()
}
