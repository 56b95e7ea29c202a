// Package assets embeds the editor shell page, its JavaScript and its CSS
package assets

import (
	"embed"
	"io/fs"
)

//go:embed client/*
var clientFS embed.FS

// ClientFS returns the embedded client files
func ClientFS() fs.FS {
	sub, err := fs.Sub(clientFS, "client")
	if err != nil {
		panic(err)
	}
	return sub
}

// GetShellHTML returns the editor shell page
func GetShellHTML() ([]byte, error) {
	return clientFS.ReadFile("client/index.html")
}

// GetClientJS returns the browser JavaScript
func GetClientJS() ([]byte, error) {
	return clientFS.ReadFile("client/bioblocks.js")
}

// GetClientCSS returns the browser CSS
func GetClientCSS() ([]byte, error) {
	return clientFS.ReadFile("client/bioblocks.css")
}
