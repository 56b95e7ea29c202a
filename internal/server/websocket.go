package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/livetemplate/bioblocks"
	"github.com/livetemplate/bioblocks/internal/editor"
	"github.com/livetemplate/bioblocks/internal/preview"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendQueueSize  = 32
	reloadTimeout  = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: sameOrigin,
}

// sameOrigin accepts requests without an Origin header (non-browser clients)
// and browser requests from the host serving the editor.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}

// MessageEnvelope is one gesture sent by the browser.
type MessageEnvelope struct {
	Action   string          `json:"action"`
	BlockID  string          `json:"blockId,omitempty"`
	TargetID string          `json:"targetId,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Browser actions.
const (
	actionToggleActive   = "toggle-active"
	actionToggleFeatured = "toggle-featured"
	actionToggleArchived = "toggle-archived"
	actionDuplicate      = "duplicate"
	actionDelete         = "delete"
	actionEdit           = "edit"
	actionAdd            = "add"
	actionSave           = "save"
	actionCancel         = "cancel"
	actionDragStart      = "drag-start"
	actionDragOver       = "drag-over"
	actionDragEnd        = "drag-end"
	actionDrop           = "drop"
	actionSearch         = "search"
	actionExpand         = "expand"
	actionScroll         = "scroll"
	actionReload         = "reload"
)

// RenderMessage is pushed whenever the editor list or the preview changes.
type RenderMessage struct {
	Action  string         `json:"action"` // "render"
	Version uint64         `json:"version"`
	Editor  []editor.Item  `json:"editor"`
	Dialog  *editor.Dialog `json:"dialog,omitempty"`
	Preview string         `json:"preview,omitempty"` // omitted when unchanged for this tab

	// LoadError is set while the blocks could not be loaded. The browser
	// offers a retry that sends the reload action.
	LoadError string `json:"loadError,omitempty"`
}

// NoticeMessage is pushed once per acknowledged gesture.
type NoticeMessage struct {
	Action string        `json:"action"` // "notice"
	Notice editor.Notice `json:"notice"`
}

// ErrorMessage reports a malformed envelope.
type ErrorMessage struct {
	Action string `json:"action"` // "error"
	Error  string `json:"error"`
}

// conn is one browser tab. Each conn has its own preview presentation
// state; the block list and the editor dialog are shared.
type conn struct {
	ws     *websocket.Conn
	server *Server
	logger *zap.Logger

	send  chan []byte   // queued notices and errors
	dirty chan struct{} // coalesced render request
	done  chan struct{}
	once  sync.Once

	stopped  chan struct{} // closed when writeLoop returns
	closeErr error         // close frame write result, set before stopped

	live *livePreview // used only by writeLoop

	mu   sync.Mutex
	pres preview.Presentation
}

func newConn(ws *websocket.Conn, s *Server) *conn {
	c := &conn{
		ws:      ws,
		server:  s,
		logger:  s.logger.With(zap.String("remote", ws.RemoteAddr().String())),
		send:    make(chan []byte, sendQueueSize),
		dirty:   make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	live, err := newLivePreview(s.fragmentPath, c.logger)
	if err != nil {
		c.logger.Debug("live preview unavailable", zap.Error(err))
	}
	c.live = live
	return c
}

// invalidate requests a render. Requests made while one is pending collapse
// into it.
func (c *conn) invalidate() {
	select {
	case c.dirty <- struct{}{}:
	default:
	}
}

// queue sends v unless the connection is closed or its queue is full.
func (c *conn) queue(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("encode message", zap.Error(err))
		return
	}
	select {
	case <-c.done:
	case c.send <- data:
	default:
		c.logger.Warn("send queue full, dropping message")
	}
}

func (c *conn) presentation() preview.Presentation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pres
}

func (c *conn) updatePresentation(fn func(*preview.Presentation)) {
	c.mu.Lock()
	fn(&c.pres)
	c.mu.Unlock()
	c.invalidate()
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
	})
}

// writeLoop owns all writes to the socket.
func (c *conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
		close(c.stopped)
	}()

	write := func(data []byte) bool {
		c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
			c.logger.Debug("write failed", zap.Error(err))
			return false
		}
		return true
	}

	for {
		select {
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			if err != nil && !errors.Is(err, websocket.ErrCloseSent) && !errors.Is(err, net.ErrClosed) {
				c.closeErr = err
			}
			return
		case data := <-c.send:
			if !write(data) {
				return
			}
		case <-c.dirty:
			data, err := json.Marshal(c.server.renderFor(c.presentation(), c.live))
			if err != nil {
				c.logger.Error("encode render", zap.Error(err))
				continue
			}
			if !write(data) {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop dispatches gestures until the socket closes.
func (c *conn) readLoop() {
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var env MessageEnvelope
		if err := c.ws.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("read failed", zap.Error(err))
			}
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				c.queue(ErrorMessage{Action: "error", Error: "invalid message"})
				continue
			}
			return
		}
		c.dispatch(env)
	}
}

// dispatch applies one gesture. Editor failures surface as notices, so
// their returned errors are only logged.
func (c *conn) dispatch(env MessageEnvelope) {
	ed := c.server.editor
	c.logger.Debug("gesture", zap.String("action", env.Action), zap.String("block", env.BlockID))

	var err error
	switch env.Action {
	case actionToggleActive:
		_, err = ed.ToggleActive(env.BlockID)
	case actionToggleFeatured:
		_, err = ed.ToggleFeatured(env.BlockID)
	case actionToggleArchived:
		_, err = ed.ToggleArchived(env.BlockID)
	case actionDuplicate:
		_, err = ed.Duplicate(env.BlockID)
	case actionDelete:
		var data struct {
			Confirm bool `json:"confirm"`
		}
		if !c.decode(env, &data) {
			return
		}
		_, err = ed.Delete(env.BlockID, func(bioblocks.Block) bool { return data.Confirm })
	case actionEdit:
		_, err = ed.OpenEdit(env.BlockID)
		c.server.renderAll()
	case actionAdd:
		var data struct {
			Kind bioblocks.Kind `json:"kind"`
		}
		if !c.decode(env, &data) {
			return
		}
		ed.OpenNew(data.Kind)
		c.server.renderAll()
	case actionSave:
		var form editor.Form
		if !c.decode(env, &form) {
			return
		}
		_, err = ed.ConfirmEdit(form)
		c.server.renderAll()
	case actionCancel:
		ed.Cancel()
		c.server.renderAll()
	case actionDragStart:
		ed.DragStart(env.BlockID)
		c.server.renderAll()
	case actionDragOver:
		ed.DragOver(env.BlockID)
		c.server.renderAll()
	case actionDragEnd:
		ed.DragEnd()
		c.server.renderAll()
	case actionDrop:
		_, err = ed.Drop(env.TargetID)
		c.server.renderAll()
	case actionSearch:
		var data struct {
			Query string `json:"query"`
		}
		if !c.decode(env, &data) {
			return
		}
		c.updatePresentation(func(p *preview.Presentation) { p.Search = data.Query })
	case actionExpand:
		c.updatePresentation(func(p *preview.Presentation) {
			if p.Expanded == env.BlockID {
				p.Expanded = ""
			} else {
				p.Expanded = env.BlockID
			}
		})
	case actionScroll:
		var data struct {
			Offset int `json:"offset"`
		}
		if !c.decode(env, &data) {
			return
		}
		// Scroll is remembered for reconnects but does not change the markup.
		c.mu.Lock()
		c.pres.Scroll = data.Offset
		c.mu.Unlock()
	case actionReload:
		ctx, cancel := context.WithTimeout(context.Background(), reloadTimeout)
		err = c.server.Reload(ctx)
		cancel()
	default:
		c.queue(ErrorMessage{Action: "error", Error: "unknown action " + env.Action})
		return
	}
	if err != nil {
		c.logger.Debug("gesture failed", zap.String("action", env.Action), zap.String("block", env.BlockID), zap.Error(err))
	}
}

func (c *conn) decode(env MessageEnvelope, v any) bool {
	if len(env.Data) == 0 {
		return true
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		c.queue(ErrorMessage{Action: "error", Error: "invalid data for " + env.Action})
		return false
	}
	return true
}
