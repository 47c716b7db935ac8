// Package web serves the browser console: position and switch readouts, jog
// and move forms, background homing and a live status stream.
package web

import (
	"embed"
)

// staticFiles holds the console page.
//
//go:embed static/*
var staticFiles embed.FS
