package httpserver

import (
	"log/slog"
)

const scriptBuffer = 64

// ScriptFeed buffers surface-bound scripts between the bridge and the
// surface host's stream connection. When no host is draining the feed
// and the buffer fills, the oldest script is dropped; the bridge
// re-injects identity on every renewal cycle, so a dropped write heals
// within a cycle.
type ScriptFeed struct {
	scripts chan string
	log     *slog.Logger
}

// NewScriptFeed creates a feed.
func NewScriptFeed(log *slog.Logger) *ScriptFeed {
	return &ScriptFeed{
		scripts: make(chan string, scriptBuffer),
		log:     log,
	}
}

// Inject queues a script for the surface host. Implements
// bridge.Injector; never blocks.
func (f *ScriptFeed) Inject(script string) error {
	for {
		select {
		case f.scripts <- script:
			return nil
		default:
		}
		select {
		case dropped := <-f.scripts:
			f.log.Warn("script feed full, dropping oldest script",
				slog.Int("dropped_len", len(dropped)))
		default:
		}
	}
}

func (f *ScriptFeed) stream() <-chan string {
	return f.scripts
}
