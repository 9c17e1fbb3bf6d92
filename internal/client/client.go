// Package client is the console side of the relay: it turns typed lines
// into events and prints what the server relays back.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/andy6609/chatrelay/internal/chat"
	"github.com/andy6609/chatrelay/internal/wire"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	directPrefix  = "direct:"
	timeoutPrefix = "timeout:"
	timeoutKill   = "timeout:kill"
)

var (
	ErrServerClosed = errors.New("server closed the connection")
	ErrInputClosed  = errors.New("input closed")
	ErrBadTimeout   = errors.New("timeout must be a whole number of seconds")
)

type Client struct {
	user   string
	conn   net.Conn
	logger *slog.Logger
	render Renderer

	// Delayed sends are keyed by this connection.
	timers *chat.TimerSet
	key    string

	writeMu sync.Mutex
	outMu   sync.Mutex
	out     io.Writer
}

func New(conn net.Conn, user string, out io.Writer, colours bool, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		user:   user,
		conn:   conn,
		logger: logger,
		render: Renderer{Me: user, Colours: colours},
		timers: chat.NewTimerSet(),
		key:    uuid.NewString(),
		out:    out,
	}
}

func Dial(ctx context.Context, addr, user string, out io.Writer, colours bool, logger *slog.Logger) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return New(conn, user, out, colours, logger), nil
}

// Hello introduces the connection to the server under the client's name.
func (c *Client) Hello() error {
	return c.write(wire.ChatEvent{Author: c.user, Kind: wire.KindInit, Content: "back to the server"})
}

// Send turns one console line into an event. "direct:<user> text" sends a
// direct message, a "timeout:<seconds>" token delays the send and
// "timeout:kill" cancels every delayed send still pending.
func (c *Client) Send(line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	e := wire.ChatEvent{Author: c.user, Kind: wire.KindBroadcast, Content: line}
	if rest, ok := strings.CutPrefix(line, directPrefix); ok {
		e.Kind = wire.KindDirect
		e.Content = rest
	}

	var (
		words []string
		delay time.Duration
		timed bool
	)
	for _, w := range strings.Fields(e.Content) {
		if !strings.HasPrefix(w, timeoutPrefix) {
			words = append(words, w)
			continue
		}
		if w == timeoutKill {
			n := c.timers.CancelAll(c.key)
			c.logger.Debug("delayed sends cancelled", "count", n)
			c.println("All timeouts have been cancelled.")
			return nil
		}
		secs, err := strconv.Atoi(strings.TrimPrefix(w, timeoutPrefix))
		if err != nil || secs < 0 {
			return fmt.Errorf("%w: %q", ErrBadTimeout, w)
		}
		if !timed {
			timed = true
			delay = time.Duration(secs) * time.Second
		}
	}
	if !timed {
		return c.write(e)
	}

	e.Content = strings.Join(words, " ")
	c.timers.Schedule(c.key, delay, func() {
		if err := c.write(e); err != nil {
			c.logger.Warn("delayed send failed", "error", err)
		}
	})
	return nil
}

// Pending is the number of delayed sends not yet fired or cancelled.
func (c *Client) Pending() int {
	return c.timers.Pending(c.key)
}

// Run prints relayed events and sends every line received on lines until
// ctx ends, the server hangs up or lines is closed.
func (c *Client) Run(ctx context.Context, lines <-chan string) error {
	g, ctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(ctx, func() { _ = c.conn.Close() })
	defer stop()

	g.Go(func() error {
		return c.readLoop(ctx)
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return ErrInputClosed
				}
				if err := c.Send(line); err != nil {
					if errors.Is(err, ErrBadTimeout) {
						c.println(err.Error())
						continue
					}
					return err
				}
			}
		}
	})

	err := g.Wait()
	if errors.Is(err, ErrServerClosed) {
		c.println("The server closed the connection")
		return nil
	}
	if errors.Is(err, ErrInputClosed) {
		return nil
	}
	return err
}

func (c *Client) readLoop(ctx context.Context) error {
	// The server enforces its own configured limit on what it relays.
	reader := wire.NewReader(c.conn, wire.MaxFrameLimit)
	for {
		e, err := reader.Next()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if !wire.IsFatal(err) {
				c.logger.Warn("skipping malformed event", "error", err)
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return ErrServerClosed
			}
			return err
		}
		c.println(c.render.Render(e))
	}
}

// Close cancels pending delayed sends and closes the connection.
func (c *Client) Close() error {
	c.timers.CancelAll(c.key)
	return c.conn.Close()
}

func (c *Client) write(e wire.ChatEvent) error {
	frame, err := wire.Encode(e)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.conn.Write(frame)
	return err
}

func (c *Client) println(s string) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintln(c.out, s)
}
