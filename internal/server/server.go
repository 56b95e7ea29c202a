// Package server serves the block editor and its live preview to the browser.
//
// The browser page is a thin shell. Gestures arrive over a websocket, are
// applied through the editor, and every resulting collection snapshot is
// pushed back as freshly rendered editor rows and preview markup.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"slices"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/livetemplate/bioblocks"
	"github.com/livetemplate/bioblocks/internal/assets"
	"github.com/livetemplate/bioblocks/internal/collection"
	"github.com/livetemplate/bioblocks/internal/editor"
	"github.com/livetemplate/bioblocks/internal/preview"
)

// Options configures a Server.
type Options struct {
	Theme    bioblocks.Theme
	Products []bioblocks.Product
	Logger   *zap.Logger

	// Owner is the profile reloaded by the browser's retry. It defaults to
	// the collection's owner.
	Owner string
	// LoadError is the failure of the initial block load, if any. The editor
	// starts in the retry state until a reload succeeds.
	LoadError error
	// RefreshProducts, when set, runs after every successful reload so a
	// retry also brings the shop up to date.
	RefreshProducts func(context.Context) ([]bioblocks.Product, error)
}

// Server is the editor HTTP server for one profile.
type Server struct {
	coll   *collection.Collection
	editor *editor.Editor
	logger *zap.Logger

	unsubscribe func()

	owner           string
	refreshProducts func(context.Context) ([]bioblocks.Product, error)
	fragmentDir     string
	fragmentPath string

	mu       sync.RWMutex
	theme    bioblocks.Theme
	products []bioblocks.Product
	loadErr  error

	connMu      sync.RWMutex // Separate mutex for connections
	connections map[*conn]struct{}

	watchMu sync.Mutex
	watcher *Watcher
}

// New creates a server editing coll. The collection should already be
// loaded; the server subscribes to it and re-renders every connected tab on
// each snapshot.
func New(coll *collection.Collection, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	owner := opts.Owner
	if owner == "" {
		owner = coll.Owner()
	}
	s := &Server{
		coll:        coll,
		logger:      logger,
		owner:       owner,
		theme:       opts.Theme.Clone(),
		products:    opts.Products,
		loadErr:     opts.LoadError,
		connections: make(map[*conn]struct{}),

		refreshProducts: opts.RefreshProducts,
	}
	dir, path, err := writeFragment()
	if err != nil {
		logger.Warn("live preview disabled, every render resends the preview", zap.Error(err))
	}
	s.fragmentDir, s.fragmentPath = dir, path

	s.editor = editor.New(coll, s.broadcastNotice, logger.Named("editor"))
	s.unsubscribe = coll.Subscribe(func(collection.Snapshot) { s.renderAll() })
	return s
}

// Editor returns the editor used for browser gestures.
func (s *Server) Editor() *editor.Editor {
	return s.editor
}

// SetTheme replaces the profile design and re-renders.
func (s *Server) SetTheme(theme bioblocks.Theme) {
	s.mu.Lock()
	s.theme = theme.Clone()
	s.mu.Unlock()
	s.renderAll()
}

// SetProducts replaces the storefront products and re-renders.
func (s *Server) SetProducts(products []bioblocks.Product) {
	s.mu.Lock()
	s.products = products
	s.mu.Unlock()
	s.renderAll()
}

// Reload fetches the owner's blocks again, replacing local state. A failure
// keeps the current blocks and puts every tab in the retry state; success
// clears it.
func (s *Server) Reload(ctx context.Context) error {
	err := s.editor.Reload(ctx, s.owner)
	s.mu.Lock()
	s.loadErr = err
	s.mu.Unlock()
	s.renderAll()
	if err != nil || s.refreshProducts == nil {
		return err
	}

	products, perr := s.refreshProducts(ctx)
	if perr != nil {
		s.logger.Warn("products not refreshed", zap.Error(perr))
		return nil
	}
	s.SetProducts(products)
	return nil
}

// LoadError returns the failure of the last block load, or nil.
func (s *Server) LoadError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadErr
}

// View builds the preview for the current collection snapshot.
func (s *Server) View(p preview.Presentation) preview.View {
	snap := s.coll.Snapshot()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return preview.Build(snap.Blocks, s.theme, s.products, p)
}

// Handler returns the HTTP handler with security headers and compression
// applied. Additional middleware, such as the rate limiter, runs first.
func (s *Server) Handler(extra ...func(http.Handler) http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.serveShell)
	mux.HandleFunc("GET /preview", s.servePreview)
	mux.HandleFunc("GET /ws", s.serveWebSocket)
	mux.HandleFunc("GET /healthz", s.serveHealth)
	mux.Handle("GET /assets/", http.StripPrefix("/assets/", http.FileServerFS(assets.ClientFS())))

	return Chain(mux, slices.Concat(extra, []func(http.Handler) http.Handler{SecurityHeadersMiddleware(), CompressionMiddleware})...)
}

func (s *Server) serveShell(w http.ResponseWriter, r *http.Request) {
	data, err := assets.GetShellHTML()
	if err != nil {
		s.logger.Error("read editor shell", zap.Error(err))
		http.Error(w, "editor shell missing", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(data)
}

// servePreview renders the standalone profile page. ?q= filters products
// and ?expand= opens one product.
func (s *Server) servePreview(w http.ResponseWriter, r *http.Request) {
	v := s.View(preview.Presentation{
		Search:   r.URL.Query().Get("q"),
		Expanded: r.URL.Query().Get("expand"),
	})
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := preview.RenderPage(w, v); err != nil {
		s.logger.Error("render preview page", zap.Error(err))
	}
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status":  "ok",
		"owner":   s.owner,
		"blocks":  s.coll.Len(),
		"pending": s.coll.Pending(),
		"clients": s.connectionCount(),
	}
	if err := s.LoadError(); err != nil {
		status["status"] = "degraded"
		status["loadError"] = bioblocks.UserMessage(err)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}

// serveWebSocket upgrades the request and runs the connection until the
// browser goes away.
func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	c := newConn(ws, s)
	s.registerConnection(c)
	defer s.unregisterConnection(c)

	go c.writeLoop()
	c.invalidate()
	c.readLoop()
}

// renderFor builds the render push for one presentation. The preview markup
// is left out when live reports it unchanged since the tab's last push.
func (s *Server) renderFor(p preview.Presentation, live *livePreview) RenderMessage {
	snap := s.coll.Snapshot()
	msg := RenderMessage{
		Action:  "render",
		Version: snap.Version,
		Editor:  s.editor.Items(),
	}
	if d, ok := s.editor.Dialog(); ok {
		msg.Dialog = &d
	}

	s.mu.RLock()
	v := preview.Build(snap.Blocks, s.theme, s.products, p)
	loadErr := s.loadErr
	s.mu.RUnlock()
	msg.LoadError = bioblocks.UserMessage(loadErr)

	if !live.changed(v) {
		return msg
	}
	html, err := preview.HTML(v)
	if err != nil {
		s.logger.Error("render preview", zap.Error(err))
	}
	msg.Preview = html
	return msg
}

// renderAll schedules a render on every connection. It never blocks, so it
// is safe to call from a collection listener.
func (s *Server) renderAll() {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	for c := range s.connections {
		c.invalidate()
	}
}

func (s *Server) broadcastNotice(n editor.Notice) {
	msg := NoticeMessage{Action: "notice", Notice: n}
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	for c := range s.connections {
		c.queue(msg)
	}
}

func (s *Server) registerConnection(c *conn) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.connections[c] = struct{}{}
	s.logger.Debug("websocket connection registered", zap.Int("active", len(s.connections)))
}

func (s *Server) unregisterConnection(c *conn) {
	s.connMu.Lock()
	delete(s.connections, c)
	n := len(s.connections)
	s.connMu.Unlock()
	c.close()
	s.logger.Debug("websocket connection unregistered", zap.Int("active", n))
}

func (s *Server) connectionCount() int {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	return len(s.connections)
}

// WatchTheme reloads the theme with load whenever path changes.
func (s *Server) WatchTheme(path string, load func(string) (bioblocks.Theme, error)) error {
	w, err := NewWatcher(path, func(p string) error {
		theme, err := load(p)
		if err != nil {
			return err
		}
		s.logger.Info("theme reloaded", zap.String("path", p))
		s.SetTheme(theme)
		return nil
	}, s.logger.Named("watch"))
	if err != nil {
		return err
	}

	s.watchMu.Lock()
	old := s.watcher
	s.watcher = w
	s.watchMu.Unlock()
	if old != nil {
		_ = old.Stop()
	}
	w.Start()
	return nil
}

// Close stops theme watching, detaches from the collection and disconnects
// every browser.
func (s *Server) Close() error {
	var err error

	s.watchMu.Lock()
	if s.watcher != nil {
		err = multierr.Append(err, s.watcher.Stop())
		s.watcher = nil
	}
	s.watchMu.Unlock()

	s.unsubscribe()
	s.editor.Close()

	s.connMu.Lock()
	conns := make([]*conn, 0, len(s.connections))
	for c := range s.connections {
		conns = append(conns, c)
	}
	s.connMu.Unlock()
	for _, c := range conns {
		c.close()
	}
	for _, c := range conns {
		select {
		case <-c.stopped:
			err = multierr.Append(err, c.closeErr)
		case <-time.After(writeWait):
		}
	}
	if s.fragmentDir != "" {
		err = multierr.Append(err, os.RemoveAll(s.fragmentDir))
	}
	return err
}
