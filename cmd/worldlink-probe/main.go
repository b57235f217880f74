// Command worldlink-probe connects to a worldlink server, sends echo
// messages and reports round-trip times.
package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"time"

	"github.com/localrivet/worldlink/client"
	"github.com/localrivet/worldlink/logx"
	"github.com/localrivet/worldlink/protocol"
	"github.com/localrivet/worldlink/session"
)

const (
	opEcho      protocol.Opcode = 0x0042
	opEchoReply protocol.Opcode = 0x0043
)

type options struct {
	server   string
	wsURL    string
	token    string
	count    int
	size     int
	interval time.Duration
	timeout  time.Duration
	reliable bool
	logLevel string
}

func main() {
	var o options
	flag.StringVar(&o.server, "server", "127.0.0.1:7777", "UDP address of the server")
	flag.StringVar(&o.wsURL, "ws", "", "connect through the WebSocket bridge at this URL instead of UDP")
	flag.StringVar(&o.token, "token", "", "handshake token")
	flag.IntVar(&o.count, "count", 10, "number of echo messages")
	flag.IntVar(&o.size, "size", 64, "payload size in bytes (minimum 8)")
	flag.DurationVar(&o.interval, "interval", 100*time.Millisecond, "delay between messages")
	flag.DurationVar(&o.timeout, "timeout", 5*time.Second, "time to wait for outstanding replies")
	flag.BoolVar(&o.reliable, "reliable", true, "send reliably")
	flag.StringVar(&o.logLevel, "log-level", "info", "log level")
	flag.Parse()

	if err := run(o); err != nil {
		fmt.Fprintln(os.Stderr, "worldlink-probe:", err)
		os.Exit(1)
	}
}

func run(o options) error {
	if o.size < 8 {
		o.size = 8
	}
	logger, err := logx.NewLogger(o.logLevel, "console")
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	opts := []client.Option{client.WithLogger(logger)}
	if o.token != "" {
		opts = append(opts, client.WithToken([]byte(o.token)))
	}

	start := time.Now()
	var c *client.Client
	if o.wsURL != "" {
		c, err = client.DialWebSocket(ctx, o.wsURL, opts...)
	} else {
		c, err = client.DialUDP(ctx, o.server, opts...)
	}
	if err != nil {
		return err
	}
	defer c.Close()
	logger.Info("connected", "session", c.Session().ID(), "server_session", c.Session().PeerID(), "handshake", time.Since(start))

	p := newProbe(o.count)
	c.HandleFunc(opEchoReply, func(_ context.Context, _ *session.Session, payload []byte) error {
		return p.reply(payload)
	})

	for i := 0; i < o.count; i++ {
		payload := make([]byte, o.size)
		binary.BigEndian.PutUint64(payload, uint64(i))
		p.sent(i)
		if err := c.Send(opEcho, payload, o.reliable); err != nil {
			return fmt.Errorf("send %d: %w", i, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.Done():
			return fmt.Errorf("session closed: %w", c.Err())
		case <-time.After(o.interval):
		}
	}

	select {
	case <-p.done:
	case <-time.After(o.timeout):
	case <-ctx.Done():
	}
	p.report(logger)
	return nil
}

type probe struct {
	mu    sync.Mutex
	start map[int]time.Time
	rtts  []time.Duration
	want  int
	done  chan struct{}
}

func newProbe(n int) *probe {
	return &probe{start: make(map[int]time.Time, n), want: n, done: make(chan struct{})}
}

func (p *probe) sent(i int) {
	p.mu.Lock()
	p.start[i] = time.Now()
	p.mu.Unlock()
}

func (p *probe) reply(payload []byte) error {
	if len(payload) < 8 {
		return errors.New("short echo reply")
	}
	i := int(binary.BigEndian.Uint64(payload))
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.start[i]
	if !ok {
		return fmt.Errorf("unexpected echo %d", i)
	}
	delete(p.start, i)
	p.rtts = append(p.rtts, time.Since(t))
	if len(p.rtts) == p.want {
		close(p.done)
	}
	return nil
}

func (p *probe) report(logger logx.Logger) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.rtts) == 0 {
		logger.Warn("no replies received", "sent", p.want)
		return
	}
	sorted := append([]time.Duration(nil), p.rtts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	var total time.Duration
	for _, d := range sorted {
		total += d
	}
	logger.Info("probe finished",
		"sent", p.want,
		"received", len(sorted),
		"lost", p.want-len(sorted),
		"min", sorted[0],
		"avg", total/time.Duration(len(sorted)),
		"p50", sorted[len(sorted)/2],
		"max", sorted[len(sorted)-1],
	)
}
