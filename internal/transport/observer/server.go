package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"

	"handover.ai/internal/sim/handover"
)

const ProtocolVersion = "1.0"

// SubscribeMsg is the first frame a client sends. An empty Phases list
// subscribes to every phase.
type SubscribeMsg struct {
	Type            string           `json:"type"`
	ProtocolVersion string           `json:"protocol_version"`
	Phases          []handover.Phase `json:"phases,omitempty"`
}

// EventMsg wraps one migration event on the wire.
type EventMsg struct {
	Type            string         `json:"type"`
	ProtocolVersion string         `json:"protocol_version"`
	Seq             uint64         `json:"seq"`
	Event           handover.Event `json:"event"`
}

// Server fans migration events out to loopback websocket observers. It is a
// handover.Sink; slow clients lose events rather than stalling the caller.
type Server struct {
	log hclog.Logger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64
	seq      atomic.Uint64
	dropped  atomic.Uint64

	mu   sync.Mutex
	subs map[string]*subscriber
}

type subscriber struct {
	out    chan []byte
	phases map[handover.Phase]bool
}

func (s *subscriber) wants(p handover.Phase) bool {
	return len(s.phases) == 0 || s.phases[p]
}

func NewServer(logger hclog.Logger) *Server {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Server{
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // loopback only
		},
		subs: map[string]*subscriber{},
	}
}

// Subscribers reports the number of connected observers.
func (s *Server) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *Server) Dropped() uint64 { return s.dropped.Load() }

func (s *Server) Publish(e handover.Event) error {
	b, err := json.Marshal(EventMsg{
		Type:            "MIGRATION_EVENT",
		ProtocolVersion: ProtocolVersion,
		Seq:             s.seq.Add(1),
		Event:           e,
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for sid, sub := range s.subs {
		if !sub.wants(e.Phase) {
			continue
		}
		select {
		case sub.out <- b:
		default:
			s.dropped.Add(1)
			s.log.Debug("observer queue full", "session", sid, "migration", e.MigrationID)
		}
	}
	return nil
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var sub SubscribeMsg
		if err := json.Unmarshal(msg, &sub); err != nil {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad subscribe"), time.Now().Add(time.Second))
			return
		}
		if sub.Type != "SUBSCRIBE" || sub.ProtocolVersion != ProtocolVersion {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}

		sid := fmt.Sprintf("O%d", s.nextID.Add(1))
		out := make(chan []byte, 256)
		s.join(sid, out, sub.Phases)
		defer s.leave(sid)
		s.log.Info("observer joined", "session", sid, "remote", r.RemoteAddr)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b := <-out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						return
					}
				}
			}
		}()

		// Reader loop: SUBSCRIBE frames replace the phase filter.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			var sub SubscribeMsg
			if err := json.Unmarshal(msg, &sub); err != nil {
				continue
			}
			if sub.Type != "SUBSCRIBE" || sub.ProtocolVersion != ProtocolVersion {
				continue
			}
			s.join(sid, out, sub.Phases)
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
		s.log.Info("observer left", "session", sid)
	}
}

func (s *Server) join(sid string, out chan []byte, phases []handover.Phase) {
	set := map[handover.Phase]bool{}
	for _, p := range phases {
		set[p] = true
	}
	s.mu.Lock()
	s.subs[sid] = &subscriber{out: out, phases: set}
	s.mu.Unlock()
}

func (s *Server) leave(sid string) {
	s.mu.Lock()
	delete(s.subs, sid)
	s.mu.Unlock()
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
