package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localrivet/worldlink/auth"
	"github.com/localrivet/worldlink/client"
	"github.com/localrivet/worldlink/config"
	"github.com/localrivet/worldlink/logx"
	"github.com/localrivet/worldlink/server"
	"github.com/localrivet/worldlink/session"
	"github.com/localrivet/worldlink/transport/memory"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worldlinkd.toml")
	require.NoError(t, os.WriteFile(path, []byte("workers = 3\n[auth]\nmode = \"hmac\"\nhmac_secret = \"x\"\n"), 0o600))
	t.Setenv("WORLDLINK_WORKERS", "5")

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Workers, "environment wins over the file")
	assert.Equal(t, config.AuthHMAC, cfg.Auth.Mode)

	h, err := newHandshaker(context.Background(), cfg.Auth)
	require.NoError(t, err)
	assert.IsType(t, &auth.TokenHandshaker{}, h)

	h, err = newHandshaker(context.Background(), config.Auth{Mode: config.AuthNone})
	require.NoError(t, err)
	assert.Equal(t, auth.AcceptAll{}, h)
}

func TestDemoHandlers(t *testing.T) {
	cfg := config.Default()
	cfg.SweepInterval = 5 * time.Millisecond
	cfg.ReadPollInterval = 10 * time.Millisecond
	cfg.RetransmitBackoff = "fixed"
	cfg.RetransmitTimeout = 20 * time.Millisecond
	cfg.RetransmitMaxTimeout = 20 * time.Millisecond

	network := memory.NewNetwork(9)
	sconn, err := network.Listen("server")
	require.NoError(t, err)

	logger := logx.NewTest(t)
	srv := server.New(server.WithConfig(cfg), server.WithLogger(logger))
	registerDemoHandlers(srv, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, sconn) }()
	defer func() {
		cancel()
		<-done
	}()

	dial := func(name string) *client.Client {
		conn, err := network.Listen(name)
		require.NoError(t, err)
		c, err := client.Dial(context.Background(), conn, memory.Addr("server"),
			client.WithSessionConfig(cfg.Session()),
			client.WithConnectRetry(20*time.Millisecond),
			client.WithSweepInterval(5*time.Millisecond),
		)
		require.NoError(t, err)
		return c
	}
	alice, bob := dial("alice"), dial("bob")
	defer alice.Close()
	defer bob.Close()

	events := make(chan ChatMessage, 2)
	bob.HandleFunc(OpChatEvent, func(_ context.Context, _ *session.Session, payload []byte) error {
		var m ChatMessage
		if err := json.Unmarshal(payload, &m); err != nil {
			return err
		}
		events <- m
		return nil
	})
	times := make(chan int, 1)
	alice.HandleFunc(OpTimeReply, func(_ context.Context, _ *session.Session, payload []byte) error {
		times <- len(payload)
		return nil
	})

	body, err := json.Marshal(ChatMessage{Text: "  hello world  "})
	require.NoError(t, err)
	require.NoError(t, alice.Send(OpChat, body, true))
	select {
	case m := <-events:
		assert.Equal(t, "hello world", m.Text)
		assert.NotEmpty(t, m.From)
	case <-time.After(2 * time.Second):
		t.Fatal("chat not relayed")
	}

	require.NoError(t, alice.Send(OpTime, nil, true))
	select {
	case n := <-times:
		assert.Equal(t, 8, n)
	case <-time.After(2 * time.Second):
		t.Fatal("no time reply")
	}
}

func TestTruncateKeepsRunes(t *testing.T) {
	assert.Equal(t, "short", truncate("short", maxChatLength))

	// "é" is two bytes; a cut at an odd length would split one.
	text := strings.Repeat("é", maxChatLength)
	got := truncate(text, maxChatLength-1)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, maxChatLength-2, len(got))

	assert.Equal(t, "ab", truncate("ab€", 4), "a three-byte rune is dropped whole")
}
