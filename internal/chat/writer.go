package chat

import (
	"bufio"
	"net"
)

// StartOutboundWriter drains out onto conn until out is closed, then flushes
// and closes done. Frames queued together are flushed together.
func StartOutboundWriter(conn net.Conn, out <-chan []byte, done chan<- struct{}) {
	go func() {
		defer close(done)
		w := bufio.NewWriter(conn)
		for frame := range out {
			// Best-effort. If the connection breaks, just stop the writer.
			if _, err := w.Write(frame); err != nil {
				return
			}
			if len(out) > 0 {
				continue
			}
			if err := w.Flush(); err != nil {
				return
			}
		}
		_ = w.Flush()
	}()
}
