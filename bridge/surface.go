package bridge

import (
	"encoding/json"
	"fmt"
)

// Injector consumes JavaScript snippets bound for the embedded surface.
// The surface host (out of scope here) executes them in the surface's
// context; execution is fire-and-forget, nothing is returned.
type Injector func(script string) error

// ScriptSurface implements Surface by rendering each operation as the
// JavaScript snippet the surface host injects into the embedded page.
// Values are JSON-encoded before interpolation so surface-bound data
// cannot break out of the script literal.
type ScriptSurface struct {
	inject Injector
}

// NewScriptSurface creates a ScriptSurface over the given injector.
func NewScriptSurface(inject Injector) *ScriptSurface {
	return &ScriptSurface{inject: inject}
}

// Write implements Surface via window.localStorage.
func (s *ScriptSurface) Write(key, value string) error {
	script := fmt.Sprintf("window.localStorage.setItem(%s, %s);", jsString(key), jsString(value))
	return s.inject(script)
}

// DispatchEvent implements Surface via a CustomEvent on window.
func (s *ScriptSurface) DispatchEvent(name, payload string) error {
	script := fmt.Sprintf("window.dispatchEvent(new CustomEvent(%s, { detail: %s }));",
		jsString(name), jsString(payload))
	return s.inject(script)
}

// Reload implements Surface.
func (s *ScriptSurface) Reload() error {
	return s.inject("window.location.reload();")
}

func jsString(value string) string {
	encoded, _ := json.Marshal(value)
	return string(encoded)
}
