package gateway

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/medcall/internal/signal"
)

// Server serves a signaling Backend over websocket at /ws.
type Server struct {
	bind    string
	backend Backend

	upgrader websocket.Upgrader

	mu      sync.Mutex
	ln      net.Listener
	httpSrv *http.Server
}

// New creates a gateway server bound to addr.
func New(addr string, backend Backend) *Server {
	return &Server{
		bind:    addr,
		backend: backend,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Session IDs are unguessable; access control beyond holding the
			// link is an external auth concern.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Start begins serving. It returns once the listener is bound; the server
// shuts down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)

	srv := &http.Server{Handler: mux}

	s.mu.Lock()
	s.ln = ln
	s.httpSrv = srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("GATEWAY: serve: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		s.Close()
	}()

	log.Printf("GATEWAY: listening on %s", ln.Addr())
	return nil
}

// URL returns the websocket endpoint clients dial.
func (s *Server) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return "ws://" + s.ln.Addr().String() + "/ws"
}

// Close stops the server.
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.httpSrv
	s.httpSrv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// ── Per-connection handling ──────────────────────────────────────────────────

type wsClient struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	subMu   sync.Mutex
	subs    map[int64]func()
	nextSub int64
}

func (c *wsClient) send(resp *Response) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(resp)
}

func (c *wsClient) addSub(cancel func()) int64 {
	c.subMu.Lock()
	c.nextSub++
	id := c.nextSub
	c.subs[id] = cancel
	c.subMu.Unlock()
	return id
}

func (c *wsClient) dropSub(id int64) {
	c.subMu.Lock()
	cancel := c.subs[id]
	delete(c.subs, id)
	c.subMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *wsClient) dropAll() {
	c.subMu.Lock()
	subs := c.subs
	c.subs = map[int64]func(){}
	c.subMu.Unlock()
	for _, cancel := range subs {
		cancel()
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("GATEWAY: upgrade: %v", err)
		return
	}
	c := &wsClient{ws: ws, subs: make(map[int64]func())}
	defer func() {
		c.dropAll()
		ws.Close()
	}()

	log.Printf("GATEWAY: client connected from %s", ws.RemoteAddr())
	for {
		var req Request
		if err := ws.ReadJSON(&req); err != nil {
			log.Printf("GATEWAY: client %s gone: %v", ws.RemoteAddr(), err)
			return
		}
		resp := s.dispatch(c, &req)
		resp.ID = req.ID
		if err := c.send(resp); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(c *wsClient, req *Request) *Response {
	ctx := context.Background()

	fail := func(err error) *Response {
		return &Response{Error: err.Error(), ErrorKind: ErrorKindOf(err)}
	}

	switch req.Op {
	case OpCreateSession:
		var meta signal.Metadata
		if req.Meta != nil {
			meta = *req.Meta
		}
		id, err := s.backend.CreateSession(ctx, meta)
		if err != nil {
			return fail(err)
		}
		return &Response{OK: true, Session: id}

	case OpGetSession:
		rec, err := s.backend.GetSession(ctx, req.Session)
		if err != nil {
			return fail(err)
		}
		return &Response{OK: true, Record: rec}

	case OpPublishOffer:
		if req.SDP == nil {
			return fail(fmt.Errorf("missing sdp"))
		}
		if err := s.backend.PublishOffer(ctx, req.Session, *req.SDP); err != nil {
			return fail(err)
		}
		return &Response{OK: true}

	case OpPublishAnswer:
		if req.SDP == nil {
			return fail(fmt.Errorf("missing sdp"))
		}
		if err := s.backend.PublishAnswer(ctx, req.Session, *req.SDP); err != nil {
			return fail(err)
		}
		return &Response{OK: true}

	case OpMarkJoined:
		if err := s.backend.MarkJoined(ctx, req.Session, req.Role); err != nil {
			return fail(err)
		}
		return &Response{OK: true}

	case OpSetStatus:
		if err := s.backend.SetStatus(ctx, req.Session, req.Status); err != nil {
			return fail(err)
		}
		return &Response{OK: true}

	case OpAppendCandidate:
		if req.Candidate == nil {
			return fail(fmt.Errorf("missing candidate"))
		}
		if err := s.backend.AppendCandidate(ctx, req.Session, req.Direction, *req.Candidate); err != nil {
			return fail(err)
		}
		return &Response{OK: true}

	case OpAppendChat:
		if req.Chat == nil {
			return fail(fmt.Errorf("missing chat message"))
		}
		seq, err := s.backend.AppendChat(ctx, req.Session, *req.Chat)
		if err != nil {
			return fail(err)
		}
		return &Response{OK: true, Seq: seq}

	case OpSubscribeSession:
		ch, cancel, err := s.backend.ObserveSession(req.Session)
		if err != nil {
			return fail(err)
		}
		sub := c.addSub(cancel)
		go func() {
			for rec := range ch {
				if c.send(&Response{Event: EventSession, Sub: sub, Record: rec}) != nil {
					c.dropSub(sub)
					return
				}
			}
		}()
		return &Response{OK: true, Sub: sub}

	case OpSubscribeCandidates:
		var (
			ch     <-chan signal.CandidateEntry
			cancel func()
			err    error
		)
		if req.Resume {
			ch, cancel, err = s.backend.ObserveCandidatesAfter(req.Session, req.Direction, req.After)
		} else {
			ch, cancel, err = s.backend.ObserveCandidates(req.Session, req.Direction)
		}
		if err != nil {
			return fail(err)
		}
		sub := c.addSub(cancel)
		go func() {
			for e := range ch {
				e := e
				if c.send(&Response{Event: EventCandidate, Sub: sub, Entry: &e}) != nil {
					c.dropSub(sub)
					return
				}
			}
		}()
		return &Response{OK: true, Sub: sub}

	case OpSubscribeChat:
		ch, cancel, err := s.backend.ObserveChat(req.Session)
		if err != nil {
			return fail(err)
		}
		sub := c.addSub(cancel)
		go func() {
			for m := range ch {
				m := m
				if c.send(&Response{Event: EventChat, Sub: sub, Chat: &m}) != nil {
					c.dropSub(sub)
					return
				}
			}
		}()
		return &Response{OK: true, Sub: sub}

	case OpUnsubscribe:
		c.dropSub(req.Sub)
		return &Response{OK: true}

	default:
		return fail(fmt.Errorf("unknown op %q", req.Op))
	}
}
