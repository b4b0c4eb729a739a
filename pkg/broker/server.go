package broker

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/corralhq/corral/pkg/reactor"
)

func init() {
	// Message payloads cross the socket as gob-encoded dynamic values.
	gob.Register(map[string]any{})
	gob.Register([]any{})
	gob.Register([]byte(nil))
}

// ErrUnknownSession reports an RPC call with a session id the broker
// never issued, or one whose client already disconnected.
var ErrUnknownSession = errors.New("unknown session")

// Server is the unix-socket RPC surface plugins talk to.
type Server struct {
	broker   *Broker
	listener net.Listener

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

// session is one connected plugin: its callback client plus every
// reactor subscription made on its behalf.
type session struct {
	id            string
	name          string
	client        *rpc.Client
	subscriptions []reactor.ID
}

func newServer(b *Broker) *Server {
	return &Server{broker: b, sessions: make(map[string]*session)}
}

func (s *Server) start(socketPath string) error {
	// A crashed broker leaves the socket behind.
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("broker: stale socket: %w", err)
	}
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("broker: listen: %w", err)
	}
	s.listener = listener

	service := rpc.NewServer()
	if err := service.RegisterName("Broker", &BrokerService{server: s}); err != nil {
		listener.Close()
		return fmt.Errorf("broker: register service: %w", err)
	}
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				s.mu.Lock()
				closed := s.closed
				s.mu.Unlock()
				if !closed {
					s.broker.logger.Error().Err(err).Msg("accept failed")
				}
				return
			}
			go service.ServeConn(conn)
		}
	}()
	return nil
}

func (s *Server) stop() {
	s.mu.Lock()
	s.closed = true
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessions = make(map[string]*session)
	s.mu.Unlock()

	for _, sess := range sessions {
		s.broker.onReactor(func() {
			for _, sub := range sess.subscriptions {
				s.broker.reactor.Cancel(sub)
			}
		})
		if sess.client != nil {
			var ignored bool
			_ = sess.client.Call("Plugin.Exit", &ignored, &ignored)
			sess.client.Close()
		}
	}
	if s.listener != nil {
		s.listener.Close()
	}
}

func (s *Server) session(id string) (*session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// BrokerService is the set of methods exported over the socket.
type BrokerService struct {
	server *Server
}

// RegisterClientArgs identifies a connecting plugin. SocketPath names
// the plugin's own callback socket; empty means the plugin takes no
// callbacks.
type RegisterClientArgs struct {
	Name       string
	SocketPath string
}

// RegisterClient opens a session for a plugin and subscribes it to
// server messages.
func (bs *BrokerService) RegisterClient(args *RegisterClientArgs, sessionID *string) error {
	s := bs.server
	var client *rpc.Client
	if args.SocketPath != "" {
		var err error
		client, err = rpc.Dial("unix", args.SocketPath)
		if err != nil {
			return fmt.Errorf("broker: dial plugin callback socket: %w", err)
		}
	}
	sess := &session{id: uuid.NewString(), name: args.Name, client: client}

	if client != nil {
		s.broker.onReactor(func() {
			sub := s.broker.reactor.CallOn("message", func(eventArgs ...any) any {
				if len(eventArgs) == 0 {
					return nil
				}
				msg, ok := eventArgs[0].(map[string]any)
				if !ok {
					return nil
				}
				var handled bool
				if err := sess.client.Call("Plugin.Message", &msg, &handled); err != nil {
					s.broker.logger.Warn().Err(err).Str("plugin", sess.name).
						Msg("plugin message dispatch failed")
					return nil
				}
				return handled
			}, 10)
			sess.subscriptions = append(sess.subscriptions, sub)
		})
	}

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	s.broker.logger.Info().Str("plugin", args.Name).Msg("plugin registered")
	*sessionID = sess.id
	return nil
}

// SendMessageArgs carries one outbound message from a plugin.
type SendMessageArgs struct {
	Message   map[string]any
	SessionID string
	Urgent    bool
}

// SendMessage queues a message for the server and returns its id.
func (bs *BrokerService) SendMessage(args *SendMessageArgs, id *int) error {
	s := bs.server
	if _, ok := s.session(args.SessionID); !ok {
		return ErrUnknownSession
	}
	var sendErr error
	s.broker.onReactor(func() {
		*id, sendErr = s.broker.sendMessage(args.Message, args.Urgent)
	})
	return sendErr
}

// RegisterClientAcceptedMessageType records that some plugin handles
// server messages of the given type.
func (bs *BrokerService) RegisterClientAcceptedMessageType(msgType *string, ok *bool) error {
	s := bs.server
	s.broker.onReactor(func() {
		s.broker.exchanger.RegisterClientAcceptedMessageType(*msgType)
	})
	*ok = true
	return nil
}

// Ping answers true while the broker is alive.
func (bs *BrokerService) Ping(args *bool, ok *bool) error {
	*ok = true
	return nil
}

// StopExchanger cancels the exchange timers.
func (bs *BrokerService) StopExchanger(args *bool, ok *bool) error {
	s := bs.server
	s.broker.onReactor(func() {
		s.broker.exchanger.Stop()
	})
	*ok = true
	return nil
}

// FireEventArgs names a reactor event and its arguments.
type FireEventArgs struct {
	Name string
	Args []any
}

// FireEvent fires a reactor event on behalf of a plugin and returns
// the non-nil handler results.
func (bs *BrokerService) FireEvent(args *FireEventArgs, results *[]any) error {
	s := bs.server
	s.broker.onReactor(func() {
		for _, result := range s.broker.reactor.Fire(args.Name, args.Args...) {
			if result != nil {
				*results = append(*results, result)
			}
		}
	})
	return nil
}

// RegisterComputer runs one interactive registration attempt on behalf
// of the command line and blocks until it resolves.
func (bs *BrokerService) RegisterComputer(args *bool, ok *bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := bs.server.broker.registration.Register(ctx); err != nil {
		return err
	}
	*ok = true
	return nil
}

// CallOnEventArgs subscribes a session to a named reactor event.
type CallOnEventArgs struct {
	SessionID string
	Event     string
}

// CallOnEvent forwards future firings of the named event to the
// plugin's callback socket.
func (bs *BrokerService) CallOnEvent(args *CallOnEventArgs, ok *bool) error {
	s := bs.server
	sess, found := s.session(args.SessionID)
	if !found || sess.client == nil {
		return ErrUnknownSession
	}
	event := args.Event
	s.broker.onReactor(func() {
		sub := s.broker.reactor.CallOn(event, func(eventArgs ...any) any {
			notification := &PluginEvent{Name: event, Args: eventArgs}
			var ignored bool
			if err := sess.client.Call("Plugin.FireEvent", notification, &ignored); err != nil {
				s.broker.logger.Warn().Err(err).Str("plugin", sess.name).
					Str("event", event).Msg("plugin event dispatch failed")
			}
			return nil
		}, 10)
		sess.subscriptions = append(sess.subscriptions, sub)
	})
	*ok = true
	return nil
}
