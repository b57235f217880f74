package main

import (
	"context"
	"encoding/binary"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/localrivet/worldlink/dispatch"
	"github.com/localrivet/worldlink/logx"
	"github.com/localrivet/worldlink/protocol"
	"github.com/localrivet/worldlink/server"
	"github.com/localrivet/worldlink/session"
)

// Demonstration opcodes. Requests use even values, replies the next odd one.
const (
	OpEcho      protocol.Opcode = 0x0042
	OpEchoReply protocol.Opcode = 0x0043
	OpChat      protocol.Opcode = 0x0100
	OpChatEvent protocol.Opcode = 0x0101
	OpTime      protocol.Opcode = 0x0200
	OpTimeReply protocol.Opcode = 0x0201
)

// ChatMessage is the JSON payload of OpChat and OpChatEvent.
type ChatMessage struct {
	From string `json:"from,omitempty"`
	Text string `json:"text"`
}

const maxChatLength = 512

func registerDemoHandlers(srv *server.Server, logger logx.Logger) {
	srv.RegisterHandlerFunc(OpEcho, func(_ context.Context, sess *session.Session, payload []byte) error {
		return srv.Send(sess, OpEchoReply, payload, true)
	})

	srv.RegisterHandler(OpChat, dispatch.Typed(dispatch.JSONCodec{}, func(_ context.Context, sess *session.Session, msg *ChatMessage) error {
		text := strings.TrimSpace(msg.Text)
		if text == "" {
			return errors.New("empty chat message")
		}
		text = truncate(text, maxChatLength)
		from := sess.PeerID()
		if from == "" {
			from = sess.ID().String()
		}
		event, err := dispatch.JSONCodec{}.Marshal(ChatMessage{From: from, Text: text})
		if err != nil {
			return err
		}
		n := srv.Broadcast(OpChatEvent, event, true)
		logger.Debug("chat relayed", "from", from, "recipients", n)
		return nil
	}))

	srv.RegisterHandlerFunc(OpTime, func(_ context.Context, sess *session.Session, _ []byte) error {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(time.Now().UnixNano()))
		return srv.SendOn(sess, 1, OpTimeReply, b[:], false)
	})
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
