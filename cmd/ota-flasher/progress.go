package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/schollz/progressbar/v3"

	"ble-ota-flasher/internal/events"
)

// attachProgress renders chunk progress as a bar on w. The returned function
// unsubscribes and ends the bar.
func attachProgress(bus *events.Bus, w io.Writer) func() {
	var (
		mu      sync.Mutex
		bar     *progressbar.ProgressBar
		session string
		done    bool
	)

	unsub := bus.On(events.EventChunkProgress, func(e events.Event) {
		p, ok := e.Data.(events.Progress)
		if !ok {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if bar == nil || p.SessionID != session {
			session = p.SessionID
			done = false
			bar = progressbar.NewOptions(p.TotalBytes,
				progressbar.OptionSetWriter(w),
				progressbar.OptionSetWidth(40),
				progressbar.OptionSetDescription("Uploading"),
				progressbar.OptionShowBytes(true),
				progressbar.OptionOnCompletion(func() { fmt.Fprintln(w) }),
			)
		}
		_ = bar.Set(p.BytesSent)
		if p.BytesSent >= p.TotalBytes {
			done = true
		}
	})

	return func() {
		unsub()
		mu.Lock()
		defer mu.Unlock()
		if bar != nil && !done {
			// Leave the partial bar on screen.
			fmt.Fprintln(w)
		}
	}
}
