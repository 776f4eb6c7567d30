package store

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/medcall/internal/gateway"
	"github.com/petervdpas/medcall/internal/signal"
	"github.com/petervdpas/medcall/internal/util"
)

const remoteCallTimeout = 10 * time.Second

// Remote is a signal.Store backed by a gateway server over websocket. It
// reconnects with bounded backoff and re-establishes every live subscription:
// session observers re-read the record, candidate observers resume from the
// last seq they saw, chat observers replay the full history (consumers dedup
// by seq).
type Remote struct {
	url     string
	backoff util.Backoff

	mu      sync.Mutex
	ws      *websocket.Conn
	writeMu sync.Mutex
	closed  bool

	nextID  int64
	pending map[int64]chan *gateway.Response

	subs map[int64]*remoteSub // server sub ID → local state

	// Events can race ahead of the subscribe reply: the server may push the
	// first delivery before subscribe() has registered the sub ID. While a
	// subscribe is in flight such events are buffered here and flushed, in
	// order, right after registration.
	subscribing int
	orphans     map[int64][]*gateway.Response
}

type remoteSub struct {
	op      string
	session string
	dir     signal.Direction
	lastSeq int64

	flushing bool // registration flush in progress; keep buffering

	deliver func(*gateway.Response) bool // false once the consumer is gone
	cancel  chan struct{}
}

// Dial connects to a gateway endpoint (ws://host:port/ws).
func Dial(url string, backoff util.Backoff) (*Remote, error) {
	r := &Remote{
		url:     url,
		backoff: backoff,
		pending: make(map[int64]chan *gateway.Response),
		subs:    make(map[int64]*remoteSub),
		orphans: make(map[int64][]*gateway.Response),
	}
	ws, err := r.dialOnce()
	if err != nil {
		return nil, fmt.Errorf("dial gateway %s: %w", url, err)
	}
	r.ws = ws
	go r.readLoop(ws)
	log.Printf("STORE [remote]: connected to %s", url)
	return r, nil
}

func (r *Remote) dialOnce() (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	ws, _, err := dialer.Dial(r.url, nil)
	return ws, err
}

// ── Request plumbing ─────────────────────────────────────────────────────────

func (r *Remote) roundTrip(ctx context.Context, req *gateway.Request) (*gateway.Response, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("remote store closed")
	}
	ws := r.ws
	if ws == nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("gateway disconnected")
	}
	r.nextID++
	req.ID = r.nextID
	ch := make(chan *gateway.Response, 1)
	r.pending[req.ID] = ch
	r.mu.Unlock()

	r.writeMu.Lock()
	err := ws.WriteJSON(req)
	r.writeMu.Unlock()
	if err != nil {
		r.mu.Lock()
		delete(r.pending, req.ID)
		r.mu.Unlock()
		return nil, fmt.Errorf("gateway write: %w", err)
	}

	timer := time.NewTimer(remoteCallTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if resp == nil {
			return nil, fmt.Errorf("gateway disconnected")
		}
		if !resp.OK {
			return nil, gateway.ErrorFromKind(resp.ErrorKind, req.Op, resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		r.mu.Lock()
		delete(r.pending, req.ID)
		r.mu.Unlock()
		return nil, ctx.Err()
	case <-timer.C:
		r.mu.Lock()
		delete(r.pending, req.ID)
		r.mu.Unlock()
		return nil, fmt.Errorf("gateway call %s: timeout", req.Op)
	}
}

func (r *Remote) readLoop(ws *websocket.Conn) {
	for {
		var resp gateway.Response
		if err := ws.ReadJSON(&resp); err != nil {
			r.onDisconnect(ws, err)
			return
		}
		if resp.Event != "" {
			r.dispatchEvent(&resp)
			continue
		}
		r.mu.Lock()
		ch := r.pending[resp.ID]
		delete(r.pending, resp.ID)
		r.mu.Unlock()
		if ch != nil {
			ch <- &resp
		}
	}
}

func (r *Remote) dispatchEvent(resp *gateway.Response) {
	r.mu.Lock()
	sub := r.subs[resp.Sub]
	if sub == nil || sub.flushing {
		if r.subscribing > 0 || (sub != nil && sub.flushing) {
			r.orphans[resp.Sub] = append(r.orphans[resp.Sub], resp)
		}
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	if !sub.deliver(resp) {
		// Consumer cancelled; tell the server to stop pushing.
		go r.sendUnsubscribe(resp.Sub)
		r.mu.Lock()
		delete(r.subs, resp.Sub)
		r.mu.Unlock()
	}
}

func (r *Remote) sendUnsubscribe(sub int64) {
	ctx, cancel := context.WithTimeout(context.Background(), remoteCallTimeout)
	defer cancel()
	_, _ = r.roundTrip(ctx, &gateway.Request{Op: gateway.OpUnsubscribe, Sub: sub})
}

// ── Reconnect ────────────────────────────────────────────────────────────────

func (r *Remote) onDisconnect(old *websocket.Conn, cause error) {
	r.mu.Lock()
	if r.closed || r.ws != old {
		r.mu.Unlock()
		return
	}
	r.ws = nil
	// Fail everything in flight; callers retry through util.Backoff.
	for id, ch := range r.pending {
		close(ch)
		delete(r.pending, id)
	}
	// Server-side sub IDs died with the connection, and so did any buffered
	// events for them.
	r.orphans = make(map[int64][]*gateway.Response)
	r.mu.Unlock()

	log.Printf("STORE [remote]: connection lost (%v), reconnecting", cause)
	for i := 0; i < r.backoff.Attempts; i++ {
		time.Sleep(r.backoff.Delay(i))
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()

		ws, err := r.dialOnce()
		if err != nil {
			log.Printf("STORE [remote]: redial attempt %d: %v", i+1, err)
			continue
		}
		r.mu.Lock()
		r.ws = ws
		r.mu.Unlock()
		go r.readLoop(ws)
		log.Printf("STORE [remote]: reconnected to %s", r.url)
		r.resubscribeAll()
		return
	}

	log.Printf("STORE [remote]: gave up reconnecting after %d attempts", r.backoff.Attempts)
	r.Close()
}

// resubscribeAll re-registers every live subscription under fresh server IDs.
func (r *Remote) resubscribeAll() {
	r.mu.Lock()
	old := r.subs
	r.subs = make(map[int64]*remoteSub)
	r.mu.Unlock()

	for _, sub := range old {
		select {
		case <-sub.cancel:
			continue // consumer gone while we were down
		default:
		}
		req := &gateway.Request{Op: sub.op, Session: sub.session, Direction: sub.dir}
		if sub.op == gateway.OpSubscribeCandidates {
			req.Resume = true
			req.After = sub.lastSeq
		}
		if _, err := r.subscribe(req, sub); err != nil {
			log.Printf("STORE [remote]: resubscribe %s on %s failed: %v", sub.op, sub.session, err)
		}
	}
}

// ── signal.Store: record operations ──────────────────────────────────────────

func (r *Remote) CreateSession(ctx context.Context, meta signal.Metadata) (string, error) {
	resp, err := r.roundTrip(ctx, &gateway.Request{Op: gateway.OpCreateSession, Meta: &meta})
	if err != nil {
		return "", err
	}
	return resp.Session, nil
}

func (r *Remote) GetSession(ctx context.Context, id string) (*signal.SessionRecord, error) {
	resp, err := r.roundTrip(ctx, &gateway.Request{Op: gateway.OpGetSession, Session: id})
	if err != nil {
		return nil, err
	}
	return resp.Record, nil
}

func (r *Remote) PublishOffer(ctx context.Context, id string, offer signal.SDP) error {
	_, err := r.roundTrip(ctx, &gateway.Request{Op: gateway.OpPublishOffer, Session: id, SDP: &offer})
	return err
}

func (r *Remote) PublishAnswer(ctx context.Context, id string, answer signal.SDP) error {
	_, err := r.roundTrip(ctx, &gateway.Request{Op: gateway.OpPublishAnswer, Session: id, SDP: &answer})
	return err
}

func (r *Remote) MarkJoined(ctx context.Context, id string, role signal.Role) error {
	_, err := r.roundTrip(ctx, &gateway.Request{Op: gateway.OpMarkJoined, Session: id, Role: role})
	return err
}

func (r *Remote) SetStatus(ctx context.Context, id string, status signal.Status) error {
	_, err := r.roundTrip(ctx, &gateway.Request{Op: gateway.OpSetStatus, Session: id, Status: status})
	return err
}

func (r *Remote) AppendCandidate(ctx context.Context, id string, dir signal.Direction, c signal.Candidate) error {
	_, err := r.roundTrip(ctx, &gateway.Request{
		Op: gateway.OpAppendCandidate, Session: id, Direction: dir, Candidate: &c,
	})
	return err
}

func (r *Remote) AppendChat(ctx context.Context, id string, msg signal.ChatMessage) (int64, error) {
	resp, err := r.roundTrip(ctx, &gateway.Request{Op: gateway.OpAppendChat, Session: id, Chat: &msg})
	if err != nil {
		return 0, err
	}
	return resp.Seq, nil
}

// ── signal.Store: observation ────────────────────────────────────────────────

func (r *Remote) subscribe(req *gateway.Request, sub *remoteSub) (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), remoteCallTimeout)
	defer cancel()

	r.mu.Lock()
	r.subscribing++
	r.mu.Unlock()
	resp, err := r.roundTrip(ctx, req)
	if err != nil {
		r.mu.Lock()
		r.subscribing--
		r.mu.Unlock()
		return 0, err
	}

	r.mu.Lock()
	r.subs[resp.Sub] = sub
	sub.flushing = true
	queue := r.orphans[resp.Sub]
	delete(r.orphans, resp.Sub)
	r.subscribing--
	r.mu.Unlock()

	// Flush events that raced ahead of the reply, then drain anything that
	// arrived during the flush itself before going live.
	for {
		for _, e := range queue {
			sub.deliver(e)
		}
		r.mu.Lock()
		queue = r.orphans[resp.Sub]
		delete(r.orphans, resp.Sub)
		if len(queue) == 0 {
			sub.flushing = false
			r.mu.Unlock()
			return resp.Sub, nil
		}
		r.mu.Unlock()
	}
}

// forward decouples the read loop from the consumer: the read loop feeds in,
// a dedicated goroutine owns out and is the only closer, so cancel can never
// race a delivery into a closed channel.
func forward[T any](buf int) (in chan T, out chan T, done chan struct{}, cancel func()) {
	in = make(chan T, buf)
	out = make(chan T, buf)
	done = make(chan struct{})
	go func() {
		defer close(out)
		for {
			select {
			case v := <-in:
				select {
				case out <- v:
				case <-done:
					return
				}
			case <-done:
				return
			}
		}
	}()
	var once sync.Once
	cancel = func() { once.Do(func() { close(done) }) }
	return in, out, done, cancel
}

func (r *Remote) ObserveSession(id string) (<-chan *signal.SessionRecord, func(), error) {
	in, out, done, cancel := forward[*signal.SessionRecord](16)
	sub := &remoteSub{
		op:      gateway.OpSubscribeSession,
		session: id,
		cancel:  done,
		deliver: func(resp *gateway.Response) bool {
			if resp.Record == nil {
				return true
			}
			select {
			case in <- resp.Record:
				return true
			case <-done:
				return false
			}
		},
	}
	if _, err := r.subscribe(&gateway.Request{Op: sub.op, Session: id}, sub); err != nil {
		cancel()
		return nil, nil, err
	}
	return out, cancel, nil
}

func (r *Remote) ObserveCandidates(id string, dir signal.Direction) (<-chan signal.CandidateEntry, func(), error) {
	in, out, done, cancel := forward[signal.CandidateEntry](32)
	sub := &remoteSub{
		op:      gateway.OpSubscribeCandidates,
		session: id,
		dir:     dir,
		cancel:  done,
	}
	sub.deliver = func(resp *gateway.Response) bool {
		if resp.Entry == nil {
			return true
		}
		select {
		case in <- *resp.Entry:
			sub.lastSeq = resp.Entry.Seq
			return true
		case <-done:
			return false
		}
	}
	if _, err := r.subscribe(&gateway.Request{Op: sub.op, Session: id, Direction: dir}, sub); err != nil {
		cancel()
		return nil, nil, err
	}
	return out, cancel, nil
}

func (r *Remote) ObserveChat(id string) (<-chan signal.ChatMessage, func(), error) {
	in, out, done, cancel := forward[signal.ChatMessage](32)
	sub := &remoteSub{
		op:      gateway.OpSubscribeChat,
		session: id,
		cancel:  done,
		deliver: func(resp *gateway.Response) bool {
			if resp.Chat == nil {
				return true
			}
			select {
			case in <- *resp.Chat:
				return true
			case <-done:
				return false
			}
		},
	}
	if _, err := r.subscribe(&gateway.Request{Op: sub.op, Session: id}, sub); err != nil {
		cancel()
		return nil, nil, err
	}
	return out, cancel, nil
}

// Close tears down the connection. All observer channels stay open but go
// quiet; callers should End their sessions first.
func (r *Remote) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	ws := r.ws
	r.ws = nil
	for id, ch := range r.pending {
		close(ch)
		delete(r.pending, id)
	}
	r.mu.Unlock()

	if ws != nil {
		return ws.Close()
	}
	return nil
}
