package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/aura-net/aura/pkg/antientropy"
	"github.com/aura-net/aura/pkg/aura"
	"github.com/aura-net/aura/pkg/event"
	"github.com/aura-net/aura/pkg/schema"
)

// Handler serves the synchronizer's side of the protocol.
// *antientropy.Synchronizer satisfies it.
type Handler interface {
	HelloInfo(self aura.PeerID) antientropy.Hello
	LocalDigest() antientropy.Digest
	EventsByID(ids []aura.Hash32) []*event.Event
	AcceptEvents(from aura.PeerID, events []*event.Event) int
	HandleAnnounce(ctx context.Context, from aura.PeerID, id aura.Hash32) error
}

// Server answers peer requests on behalf of the local replica. Every
// inbound frame is schema-validated, guarded kinds must carry a fresh
// receipt, and anything that fails a check is dropped without a reply.
type Server struct {
	self    aura.PeerID
	account aura.AccountID
	handler Handler
	schemas *schema.Registry
	replay  ReplayWindow
	logger  *slog.Logger
}

func NewServer(self aura.PeerID, account aura.AccountID, h Handler, schemas *schema.Registry, replay ReplayWindow) *Server {
	return &Server{
		self:    self,
		account: account,
		handler: h,
		schemas: schemas,
		replay:  replay,
		logger:  slog.Default(),
	}
}

func (s *Server) WithLogger(l *slog.Logger) *Server {
	s.logger = l
	return s
}

// Serve accepts connections until the listener closes.
func (s *Server) Serve(ctx context.Context, l *TCPListener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go s.ServeConn(ctx, conn)
	}
}

// ServeConn processes frames on one connection until it fails or closes.
// A malformed or unauthorized frame is logged and skipped; the stream
// itself stays up so a single bad message cannot sever the peer.
func (s *Server) ServeConn(ctx context.Context, conn Conn) {
	defer conn.Close()
	for {
		env, raw, err := conn.Receive(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.logger.Debug("connection closed", "err", err)
			}
			return
		}
		reply, err := s.dispatch(ctx, env, raw)
		if err != nil {
			s.logger.Warn("dropping peer message",
				"kind", env.Kind, "from", env.From, "err", err)
			continue
		}
		if reply == nil {
			continue
		}
		if err := conn.Send(reply); err != nil {
			s.logger.Debug("reply failed", "kind", reply.Kind, "err", err)
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, env *Envelope, raw []byte) (*Envelope, error) {
	if err := s.schemas.ValidateEnvelope(raw); err != nil {
		return nil, err
	}
	if env.Account != s.account {
		return nil, fmt.Errorf("envelope for account %s, serving %s", env.Account, s.account)
	}
	if env.Kind.Guarded() {
		if env.Receipt == nil {
			return nil, fmt.Errorf("%s requires a receipt", env.Kind)
		}
		fresh, err := s.replay.Remember(ctx, env.Receipt.Nonce)
		if err != nil {
			return nil, fmt.Errorf("replay window: %w", err)
		}
		if !fresh {
			return nil, fmt.Errorf("%s replays receipt nonce", env.Kind)
		}
	}
	if err := s.schemas.ValidateBody(string(env.Kind), env.Body); err != nil {
		return nil, err
	}

	switch env.Kind {
	case KindHello:
		hello := s.handler.HelloInfo(s.self)
		return NewEnvelope(KindHello, s.account, s.self, nil, HelloBody{
			Peer:  hello.Peer,
			Agent: hello.Agent,
		})

	case KindRequestDigest:
		return NewEnvelope(KindDigest, s.account, s.self, nil, DigestBody{
			IDs: s.handler.LocalDigest().IDs(),
		})

	case KindRequestOps:
		var body RequestOpsBody
		if err := env.DecodeBody(&body); err != nil {
			return nil, err
		}
		return NewEnvelope(KindOps, s.account, s.self, nil, OpsBody{
			Events: s.handler.EventsByID(body.IDs),
		})

	case KindPushOps:
		var body PushOpsBody
		if err := env.DecodeBody(&body); err != nil {
			return nil, err
		}
		accepted := s.handler.AcceptEvents(env.From, body.Events)
		return NewEnvelope(KindAck, s.account, s.self, nil, AckBody{
			Accepted: accepted,
		})

	case KindAnnounce:
		var body AnnounceBody
		if err := env.DecodeBody(&body); err != nil {
			return nil, err
		}
		if err := s.handler.HandleAnnounce(ctx, env.From, body.ID); err != nil {
			return nil, err
		}
		return nil, nil

	default:
		return nil, fmt.Errorf("kind %s is reply-only", env.Kind)
	}
}
