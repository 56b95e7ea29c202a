package server

import (
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzhttp"
)

// compressibleTypes are the responses worth gzipping: the editor shell and
// its assets, the preview page and the store's JSON.
var compressibleTypes = []string{
	"text/html",
	"text/css",
	"text/javascript",
	"application/javascript",
	"application/json",
}

// minCompressSize leaves health checks, errors and empty replies alone.
const minCompressSize = 512

var gzipWrapper = newGzipWrapper()

func newGzipWrapper() func(http.Handler) http.HandlerFunc {
	wrap, err := gzhttp.NewWrapper(
		gzhttp.MinSize(minCompressSize),
		gzhttp.ContentTypes(compressibleTypes),
	)
	if err != nil {
		panic("gzip wrapper: " + err.Error())
	}
	return wrap
}

// CompressionMiddleware gzips text responses for clients that accept it.
// Websocket upgrades bypass it: render pushes travel as frames on the
// hijacked connection.
func CompressionMiddleware(next http.Handler) http.Handler {
	gz := gzipWrapper(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isWebSocketUpgrade(r) {
			next.ServeHTTP(w, r)
			return
		}
		gz.ServeHTTP(w, r)
	})
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
