package main

import (
	"github.com/rs/zerolog"

	"github.com/flitsinc/go-relay/internal/api"
	"github.com/flitsinc/go-relay/internal/chat"
	"github.com/flitsinc/go-relay/internal/config"
	"github.com/flitsinc/go-relay/internal/logging"
	"github.com/flitsinc/go-relay/internal/relay"
	"github.com/flitsinc/go-relay/internal/state"
	"github.com/flitsinc/go-relay/internal/upstream"
)

// openPersister returns the configured history backend and its closer.
func openPersister(cfg config.Config) (chat.Persister, func(), error) {
	if cfg.Store == "sqlite" {
		db, err := state.Open(cfg.DBPath)
		if err != nil {
			return nil, nil, err
		}
		return state.NewHistoryDB(db), func() { _ = db.Close() }, nil
	}
	return chat.NewFileSnapshot(cfg.HistoryPath), func() {}, nil
}

func newLink(g config.Gateway, onStatus func(bool)) (*upstream.Link, error) {
	var proto upstream.Protocol
	switch g.Protocol {
	case "bare":
		proto = &upstream.Bare{ClientID: g.ClientID}
	default:
		proto = &upstream.RPC{ClientID: g.ClientID, Version: "relayd/" + version, SessionKey: g.SessionKey}
	}
	creds := upstream.Credentials{Token: g.Token}
	if g.Secret != "" {
		signer, err := upstream.NewSigner(g.Hash, g.Secret)
		if err != nil {
			return nil, err
		}
		creds.Signer = signer
	}
	return upstream.NewLink(upstream.LinkConfig{
		Dialer:            &upstream.WebSocketDialer{URL: g.URL},
		Protocol:          proto,
		Credentials:       creds,
		HeartbeatInterval: g.HeartbeatInterval,
		HeartbeatTimeout:  g.HeartbeatTimeout,
		HandshakeTimeout:  g.HandshakeTimeout,
		SendTimeout:       g.SendTimeout,
		Backoff:           upstream.Backoff{Initial: g.BackoffInitial, Max: g.BackoffMax},
		Logger:            logging.Component("upstream"),
		OnStatus:          onStatus,
	}), nil
}

// upstreamParts is what the coordinator gets from the configuration: an
// optional live link, an optional inbound source and an optional fallback.
type upstreamParts struct {
	upstream relay.Upstream
	source   relay.Source
	fallback relay.Deliverer
	info     api.DiagnosticsInfo
}

func buildUpstream(cfg config.Config, onStatus func(bool)) (upstreamParts, error) {
	parts := upstreamParts{info: api.DiagnosticsInfo{
		HTTPAddr: cfg.HTTPAddr,
		DataDir:  cfg.DataDir,
		Store:    cfg.Store,
		WebDir:   cfg.WebDir,
		Source:   "none",
	}}
	if cfg.Store == "sqlite" {
		parts.info.DBPath = cfg.DBPath
	} else {
		parts.info.HistoryPath = cfg.HistoryPath
	}

	g := cfg.Gateway
	switch {
	case g.URL != "":
		link, err := newLink(g, onStatus)
		if err != nil {
			return parts, err
		}
		parts.upstream = link
		parts.source = link
		parts.info.Source = "gateway"
		parts.info.GatewayURL = g.URL
		parts.info.Protocol = g.Protocol
		if g.Secret != "" {
			parts.info.Challenge = g.Hash
		}
	case g.InboxPath != "":
		parts.source = &upstream.Inbox{
			Path:     g.InboxPath,
			Interval: g.InboxInterval,
			Logger:   logging.Component("inbox"),
		}
		parts.info.Source = "inbox"
		parts.info.InboxPath = g.InboxPath
	}

	if cfg.Fallback.Command != "" {
		parts.fallback = &upstream.CommandSender{
			Path:    cfg.Fallback.Command,
			Args:    cfg.Fallback.Args,
			Timeout: cfg.Fallback.Timeout,
			Logger:  logging.Component("fallback"),
		}
		parts.info.Fallback = cfg.Fallback.Command
	}
	return parts, nil
}

func logStartup(log zerolog.Logger, cfg config.Config, info api.DiagnosticsInfo) {
	log.Info().
		Str("version", version).
		Str("commit", commit).
		Str("store", cfg.Store).
		Str("source", info.Source).
		Str("protocol", info.Protocol).
		Bool("fallback", info.Fallback != "").
		Int("history_limit", cfg.HistoryLimit).
		Msg("relayd starting")
}
