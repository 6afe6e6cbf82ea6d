package hostapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/earshot/internal/notify"
	"github.com/MrWong99/earshot/internal/recognition"
)

const (
	// outboxSize is the number of frames buffered per client. A client that
	// falls this far behind is disconnected.
	outboxSize = 256

	writeTimeout = 5 * time.Second
)

// request is a client call on the events socket.
type request struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// reply answers a request. Exactly one of Result and Error is set.
type reply struct {
	ID     json.RawMessage `json:"id"`
	Result any             `json:"result,omitempty"`
	Error  *errorResponse  `json:"error,omitempty"`
}

// listenerParams selects a channel for addListener and removeListener.
type listenerParams struct {
	EventName notify.EventName `json:"eventName"`
}

// errUnknownMethod is returned for unrecognised request methods.
var errUnknownMethod = errors.New("hostapi: unknown method")

// client is one events socket. Its gateway listeners are removed when the
// socket closes.
type client struct {
	s      *Server
	conn   *websocket.Conn
	outbox chan any
	cancel context.CancelFunc

	mu   sync.Mutex
	subs map[notify.EventName]*notify.Subscription
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Debug("host api: websocket accept", "err", err)
		return
	}
	conn.SetReadLimit(maxBodyBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &client{
		s:      s,
		conn:   conn,
		outbox: make(chan any, outboxSize),
		cancel: cancel,
		subs:   make(map[notify.EventName]*notify.Subscription),
	}
	defer c.unsubscribeAll()

	for _, name := range initialEvents(r.URL.Query().Get("events")) {
		c.subscribe(name)
	}

	go c.writeLoop(ctx)
	err = c.readLoop(ctx)

	switch {
	case err == nil, errors.Is(err, context.Canceled):
		conn.Close(websocket.StatusNormalClosure, "")
	case websocket.CloseStatus(err) != -1:
		// Client closed.
	default:
		slog.Debug("host api: events socket closed", "err", err)
		conn.Close(websocket.StatusInternalError, "")
	}
}

// initialEvents parses the comma-separated events query. Empty selects every
// channel.
func initialEvents(q string) []notify.EventName {
	if q == "" {
		return []notify.EventName{notify.EventListeningState, notify.EventPartialResults, notify.EventError}
	}
	var out []notify.EventName
	for _, part := range strings.Split(q, ",") {
		if n := notify.EventName(strings.TrimSpace(part)); n.IsValid() {
			out = append(out, n)
		}
	}
	return out
}

func (c *client) readLoop(ctx context.Context) error {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return err
		}
		var req request
		if err := json.Unmarshal(data, &req); err != nil {
			c.send(reply{Error: &errorResponse{
				Error: fmt.Sprintf("malformed request: %v", err),
				Code:  recognition.KindInvalidOptions,
			}})
			continue
		}
		// Calls may block (start waits for a result), so each runs on its
		// own goroutine and replies out of order, matched by id.
		go c.serve(ctx, req)
	}
}

func (c *client) serve(ctx context.Context, req request) {
	res, err := c.call(ctx, req)
	rep := reply{ID: req.ID}
	if err != nil {
		code := recognition.Kind(err)
		if errors.Is(err, errUnknownMethod) {
			code = "UnknownMethod"
		}
		rep.Error = &errorResponse{Error: err.Error(), Code: code}
	} else {
		if res == nil {
			res = struct{}{}
		}
		rep.Result = res
	}
	c.send(rep)
}

func (c *client) call(ctx context.Context, req request) (any, error) {
	s := c.s
	switch req.Method {
	case "available":
		return s.available(ctx), nil
	case "start":
		opts, err := decodeOptions(strings.NewReader(string(req.Params)))
		if err != nil {
			return nil, err
		}
		return s.start(ctx, opts)
	case "stop":
		return nil, s.rec.Stop(ctx)
	case "isListening":
		return listeningResponse{Listening: s.rec.IsListening()}, nil
	case "getSupportedLanguages":
		return s.languages(ctx)
	case "checkPermissions":
		return s.checkPermissions(ctx)
	case "requestPermissions":
		return s.requestPermissions(ctx)
	case "addListener", "removeListener":
		var p listenerParams
		if err := json.Unmarshal(req.Params, &p); err != nil || !p.EventName.IsValid() {
			return nil, fmt.Errorf("%w: eventName must be one of listeningState, partialResults, onError", recognition.ErrInvalidOptions)
		}
		if req.Method == "addListener" {
			c.subscribe(p.EventName)
		} else {
			c.unsubscribe(p.EventName)
		}
		return nil, nil
	case "removeAllListeners":
		s.gw.RemoveAllListeners()
		c.mu.Lock()
		clear(c.subs)
		c.mu.Unlock()
		return nil, nil
	default:
		return nil, fmt.Errorf("%w %q", errUnknownMethod, req.Method)
	}
}

// subscribe attaches one gateway listener for name unless one exists.
func (c *client) subscribe(name notify.EventName) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[name]; ok {
		return
	}
	c.subs[name] = c.s.gw.AddListener(name, func(ev notify.Event) { c.send(ev) })
}

func (c *client) unsubscribe(name notify.EventName) {
	c.mu.Lock()
	sub := c.subs[name]
	delete(c.subs, name)
	c.mu.Unlock()
	sub.Remove()
}

func (c *client) unsubscribeAll() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[notify.EventName]*notify.Subscription)
	c.mu.Unlock()
	for _, sub := range subs {
		sub.Remove()
	}
}

// send queues v for the writer. A full outbox drops the client.
func (c *client) send(v any) {
	select {
	case c.outbox <- v:
	default:
		slog.Warn("host api: events client too slow, disconnecting")
		c.cancel()
	}
}

func (c *client) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case v := <-c.outbox:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, c.conn, v)
			cancel()
			if err != nil {
				slog.Debug("host api: events write", "err", err)
				c.cancel()
				return
			}
		}
	}
}
