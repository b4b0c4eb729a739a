package broker

import (
	"fmt"
	"net"
	"net/rpc"
	"os"
)

// MessageHandler is what a plugin implements to receive callbacks from
// the broker.
type MessageHandler interface {
	// Message handles one server message; it reports whether the
	// plugin recognized the type.
	Message(message map[string]any) bool
	// HandleEvent receives reactor events the plugin subscribed to.
	HandleEvent(name string, args []any)
	// Exiting tells the plugin the broker is shutting down.
	Exiting()
}

// PluginEvent is one reactor event crossing the socket.
type PluginEvent struct {
	Name string
	Args []any
}

// PluginService is the callback surface a plugin exports back to the
// broker.
type PluginService struct {
	handler MessageHandler
}

// Message dispatches a server message to the plugin.
func (p *PluginService) Message(message *map[string]any, handled *bool) error {
	*handled = p.handler.Message(*message)
	return nil
}

// FireEvent dispatches a subscribed reactor event to the plugin.
func (p *PluginService) FireEvent(event *PluginEvent, ok *bool) error {
	p.handler.HandleEvent(event.Name, event.Args)
	*ok = true
	return nil
}

// Exit announces an orderly broker shutdown.
func (p *PluginService) Exit(args *bool, ok *bool) error {
	p.handler.Exiting()
	*ok = true
	return nil
}

// Client is the plugin side of the broker socket.
type Client struct {
	conn      *rpc.Client
	sessionID string
	listener  net.Listener
}

// Dial connects to the broker socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := rpc.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("broker client: dial: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Register opens a session. With a non-nil handler the client serves
// callbacks on its own socket at callbackPath; with a nil handler the
// session is send-only.
func (c *Client) Register(name, callbackPath string, handler MessageHandler) error {
	socketPath := ""
	if handler != nil {
		if err := os.Remove(callbackPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("broker client: stale callback socket: %w", err)
		}
		listener, err := net.Listen("unix", callbackPath)
		if err != nil {
			return fmt.Errorf("broker client: callback listen: %w", err)
		}
		service := rpc.NewServer()
		if err := service.RegisterName("Plugin", &PluginService{handler: handler}); err != nil {
			listener.Close()
			return fmt.Errorf("broker client: register service: %w", err)
		}
		go func() {
			for {
				conn, err := listener.Accept()
				if err != nil {
					return
				}
				go service.ServeConn(conn)
			}
		}()
		c.listener = listener
		socketPath = callbackPath
	}

	args := &RegisterClientArgs{Name: name, SocketPath: socketPath}
	if err := c.conn.Call("Broker.RegisterClient", args, &c.sessionID); err != nil {
		if c.listener != nil {
			c.listener.Close()
			c.listener = nil
		}
		return err
	}
	return nil
}

// SendMessage queues a message with the broker and returns its id.
func (c *Client) SendMessage(message map[string]any, urgent bool) (int, error) {
	args := &SendMessageArgs{Message: message, SessionID: c.sessionID, Urgent: urgent}
	var id int
	if err := c.conn.Call("Broker.SendMessage", args, &id); err != nil {
		return 0, err
	}
	return id, nil
}

// RegisterAcceptedMessageType tells the broker this plugin handles the
// given server message type.
func (c *Client) RegisterAcceptedMessageType(msgType string) error {
	var ok bool
	return c.conn.Call("Broker.RegisterClientAcceptedMessageType", &msgType, &ok)
}

// Ping checks the broker is alive.
func (c *Client) Ping() error {
	var alive, ok bool
	if err := c.conn.Call("Broker.Ping", &alive, &ok); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("broker client: ping refused")
	}
	return nil
}

// StopExchanger cancels the broker's exchange timers.
func (c *Client) StopExchanger() error {
	var alive, ok bool
	return c.conn.Call("Broker.StopExchanger", &alive, &ok)
}

// FireEvent fires a reactor event in the broker and returns the
// non-nil handler results.
func (c *Client) FireEvent(name string, eventArgs ...any) ([]any, error) {
	args := &FireEventArgs{Name: name, Args: eventArgs}
	var results []any
	if err := c.conn.Call("Broker.FireEvent", args, &results); err != nil {
		return nil, err
	}
	return results, nil
}

// RegisterComputer asks the broker to run one interactive registration
// attempt and blocks until it resolves.
func (c *Client) RegisterComputer() error {
	var alive, ok bool
	return c.conn.Call("Broker.RegisterComputer", &alive, &ok)
}

// CallOnEvent subscribes this plugin to a named reactor event; future
// firings arrive through HandleEvent.
func (c *Client) CallOnEvent(event string) error {
	args := &CallOnEventArgs{SessionID: c.sessionID, Event: event}
	var ok bool
	return c.conn.Call("Broker.CallOnEvent", args, &ok)
}

// Close drops the connection and the callback listener.
func (c *Client) Close() error {
	if c.listener != nil {
		c.listener.Close()
	}
	return c.conn.Close()
}
