package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/livetemplate/livetemplate"
	"go.uber.org/zap"

	"github.com/livetemplate/bioblocks/internal/preview"
)

// writeFragment stores the preview fragment where livetemplate can parse it.
// livetemplate.New only parses files, so the embedded source is written to a
// private temp dir that the server removes on Close.
func writeFragment() (dir, path string, err error) {
	src, err := preview.FragmentSource()
	if err != nil {
		return "", "", err
	}
	dir, err = os.MkdirTemp("", "bioblocks-preview-")
	if err != nil {
		return "", "", err
	}
	path = filepath.Join(dir, "preview.tmpl")
	if err := os.WriteFile(path, src, 0o600); err != nil {
		_ = os.RemoveAll(dir)
		return "", "", err
	}
	return dir, path, nil
}

// livePreview follows one tab's preview through livetemplate. It is owned by
// the connection's write loop.
type livePreview struct {
	tmpl   *livetemplate.Template
	logger *zap.Logger
}

func newLivePreview(path string, logger *zap.Logger) (*livePreview, error) {
	if path == "" {
		return nil, fmt.Errorf("no preview fragment")
	}
	tmpl, err := livetemplate.New("preview", livetemplate.WithParseFiles(path))
	if err != nil {
		return nil, fmt.Errorf("parse preview fragment: %w", err)
	}
	return &livePreview{tmpl: tmpl, logger: logger}, nil
}

// changed reports whether v differs from the view last given to this tab.
// The first call always reports a change. A tree update that cannot be
// produced or decoded counts as a change so the markup is resent.
func (l *livePreview) changed(v preview.View) bool {
	if l == nil {
		return true
	}
	var buf bytes.Buffer
	if err := l.tmpl.ExecuteUpdates(&buf, v); err != nil {
		l.logger.Warn("preview tree update failed", zap.Error(err))
		return true
	}
	var update map[string]json.RawMessage
	if err := json.Unmarshal(buf.Bytes(), &update); err != nil {
		l.logger.Debug("preview tree update not an object", zap.Error(err))
		return true
	}
	return len(update) > 0
}
