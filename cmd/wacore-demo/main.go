// Command wacore-demo wires every package of the messaging core together
// against a websocket endpoint: sqlite-backed device store, session/group
// managers, the IQ/stanza client, and the Message Handler, logging every
// callback with zerolog. It's a wiring demo, not a full client: pairing,
// auth handshake, and the real wire tokenization are non-goals this repo
// doesn't implement (see SPEC_FULL.md).
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"

	"wacore/binary"
	"wacore/client"
	"wacore/group"
	"wacore/handler"
	"wacore/session"
	"wacore/store"
	"wacore/store/sqlstore"
	"wacore/transport"
	"wacore/types"
	"wacore/types/events"
)

func main() {
	var (
		dbPath = flag.String("db", "file:wacore-demo.db?_pragma=foreign_keys(1)", "sqlite DSN for the device store")
		wsURL  = flag.String("ws", "", "websocket URL to dial; empty opens the -db store, wires the managers and exits without a connection")
		jidArg = flag.String("jid", "", "this device's own JID (user:device@s.whatsapp.net); required with -ws")
		debug  = flag.Bool("debug", false, "enable debug-level logging")
	)
	flag.Parse()

	log := newLogger(*debug)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		log.Info().Msg("shutting down")
		cancel()
	}()

	st, err := openStore(ctx, *dbPath, *jidArg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open device store")
	}

	signalStore := store.NewSignalStore(st)
	sessions := session.NewManager(signalStore)
	groups := group.NewManager(signalStore)

	cb := handler.Callbacks{
		OnNewMessage: func(evt *events.Message) {
			log.Info().Str("from", evt.Info.Sender.String()).Str("chat", evt.Info.Chat.String()).Msg("new message")
		},
		OnChatRecentMessages: func(chat types.JID, final bool) {
			log.Info().Str("chat", chat.String()).Bool("final", final).Msg("recent-message batch")
		},
		OnMessageDeleted: func(evt *events.MessageRevoke) {
			log.Info().Str("id", evt.RevokedID).Msg("message revoked")
		},
		OnIdentityChange: func(evt *events.IdentityChange) {
			log.Warn().Str("jid", evt.JID.String()).Bool("implicit", evt.Implicit).Msg("identity changed")
		},
		OnUndecryptable: func(evt *events.UndecryptableMessage) {
			log.Warn().Str("from", evt.Info.Sender.String()).Bool("unavailable", evt.IsUnavailable).Msg("undecryptable message")
		},
		OnChats: func(evt *events.HistorySyncChats) {
			log.Info().Int("count", len(evt.Conversations)).Bool("snapshot", evt.HasSnapshot).Msg("history sync: chats")
		},
		OnStatus: func(evt *events.HistorySyncStatuses) {
			log.Info().Int("count", len(evt.Statuses)).Msg("history sync: statuses")
		},
		OnContacts: func(evt *events.HistorySyncContacts) {
			log.Info().Int("count", len(evt.Contacts)).Msg("history sync: contacts")
		},
		OnError: func(op string, err error) {
			log.Error().Err(err).Str("op", op).Msg("handler error")
		},
	}

	if *wsURL == "" {
		log.Info().Msg("no -ws given; store and crypto managers are wired, exiting without a connection")
		return
	}

	socket, err := transport.Dial(ctx, *wsURL, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to dial transport")
	}
	defer socket.Close()

	cl := client.New(socket, log)

	cfg := handler.Config{OwnJID: st.ID, SendReceipts: true, InitializationTimestamp: time.Now(), UnarchiveChats: true}
	h := handler.New(cfg, st, sessions, groups, cl, cl, cl, cl, cl, cb, log)
	cl.OnUnsolicited = func(node binary.Node) {
		if node.Tag == "message" {
			h.Decode(ctx, node)
		}
	}

	log.Info().Str("jid", st.ID.String()).Msg("wacore-demo running")
	<-ctx.Done()
}

func newLogger(debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	var writer = os.Stderr
	if !isatty.IsTerminal(writer.Fd()) {
		return zerolog.New(writer).Level(level).With().Timestamp().Logger()
	}
	out := zerolog.ConsoleWriter{Out: colorable.NewColorable(writer), TimeFormat: time.Kitchen}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

func openStore(ctx context.Context, dsn, jidArg string, log zerolog.Logger) (*store.Store, error) {
	container, err := sqlstore.New(ctx, "sqlite", dsn, log)
	if err != nil {
		return nil, err
	}

	if jidArg != "" {
		jid, err := types.ParseJID(jidArg)
		if err != nil {
			return nil, err
		}
		if existing, err := container.GetDevice(ctx, jid); err == nil {
			return existing, nil
		}
		return container.NewDevice(ctx, jid)
	}

	jid := types.NewJID("000000000000000", types.DefaultUserServer)
	return container.NewDevice(ctx, jid)
}
