package alerts

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"lecca.io/scout-watchtower/internal/config"
	"lecca.io/scout-watchtower/internal/logger"
)

const (
	defaultMatrixServer = "https://matrix.org"
	matrixMaxAttempts   = 5
)

// MatrixNotifier delivers messages to a private room shared between a bot
// account and the configured user. The room is resolved by alias and
// created on first use.
type MatrixNotifier struct {
	cfg    config.MatrixConfig
	server string
	http   *http.Client

	mu     sync.Mutex
	client *mautrix.Client
	roomID id.RoomID
}

func NewMatrixNotifier(cfg config.MatrixConfig, client *http.Client) *MatrixNotifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	server := strings.TrimRight(cfg.Server, "/")
	if server == "" {
		server = defaultMatrixServer
	}
	return &MatrixNotifier{cfg: cfg, server: server, http: client}
}

// RoomAliasName is base64("<app>/<chain>/<user>/<bot user>").
func RoomAliasName(app, chain, user, botUser string) string {
	return base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("%s/%s/%s/%s", app, chain, user, botUser)))
}

func (m *MatrixNotifier) roomAlias(chain string) (name string, alias id.RoomAlias) {
	name = RoomAliasName("scout-watchtower", chain, m.cfg.User, m.cfg.BotUser)
	server := m.cfg.BotUser[strings.LastIndex(m.cfg.BotUser, ":")+1:]
	return name, id.RoomAlias(fmt.Sprintf("#%s:%s", name, server))
}

func (m *MatrixNotifier) Notify(ctx context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	body := msg.Text
	if body == "" {
		body = msg.Title
	}
	formatted := msg.HTML
	if formatted == "" {
		formatted = strings.ReplaceAll(body, "\n", "<br/>")
	}
	content := &event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          plainText(body),
		Format:        event.FormatHTML,
		FormattedBody: formatted,
	}

	err := m.send(ctx, msg.ChainName, content)
	if errors.Is(err, mautrix.MUnknownToken) {
		logger.Warn("MATRIX", "Access token rejected, logging in again")
		m.client, m.roomID = nil, ""
		err = m.send(ctx, msg.ChainName, content)
	}
	return err
}

func (m *MatrixNotifier) send(ctx context.Context, chain string, content *event.MessageEventContent) error {
	if m.roomID == "" {
		if err := m.authenticate(ctx, chain); err != nil {
			return fmt.Errorf("matrix authenticate: %w", err)
		}
	}
	if _, err := m.client.SendMessageEvent(ctx, m.roomID, event.EventMessage, content); err != nil {
		return fmt.Errorf("matrix send to %s: %w", m.roomID, err)
	}
	return nil
}

func (m *MatrixNotifier) authenticate(ctx context.Context, chain string) error {
	if !strings.Contains(m.cfg.BotUser, ":") {
		return fmt.Errorf("bot user %q does not specify the server, e.g. @scout-bot:matrix.org", m.cfg.BotUser)
	}

	client, err := mautrix.NewClient(m.server, "", "")
	if err != nil {
		return err
	}
	client.Client = m.http
	client.DefaultHTTPRetries = matrixMaxAttempts - 1

	login, err := client.Login(ctx, &mautrix.ReqLogin{
		Type:             mautrix.AuthTypePassword,
		Identifier:       mautrix.UserIdentifier{Type: mautrix.IdentifierTypeUser, User: m.cfg.BotUser},
		Password:         m.cfg.BotPassword,
		StoreCredentials: true,
	})
	if err != nil {
		return err
	}
	m.client = client
	logger.Info("MATRIX", "Bot user %s authenticated at %s", login.UserID, m.server)

	aliasName, alias := m.roomAlias(chain)
	resolved, err := client.ResolveAlias(ctx, alias)
	switch {
	case errors.Is(err, mautrix.MNotFound):
		created, err := client.CreateRoom(ctx, &mautrix.ReqCreateRoom{
			Name:          fmt.Sprintf("%s Watchtower Bot (Private)", chain),
			RoomAliasName: aliasName,
			Topic:         "Watchtower Bot <> validator lifecycle every session",
			Preset:        "trusted_private_chat",
			Invite:        []id.UserID{id.UserID(m.cfg.User)},
			IsDirect:      true,
		})
		if err != nil {
			return fmt.Errorf("create room %s: %w", alias, err)
		}
		m.roomID = created.RoomID
		logger.Info("MATRIX", "%s private room created", alias)
	case err != nil:
		return fmt.Errorf("resolve room %s: %w", alias, err)
	default:
		m.roomID = resolved.RoomID
	}
	logger.Info("MATRIX", "Messages will be sent to room %s (Private)", alias)

	if !m.cfg.DisplayNameDisabled {
		m.setDisplayName(ctx)
	}
	return nil
}

func (m *MatrixNotifier) setDisplayName(ctx context.Context) {
	username := strings.TrimPrefix(strings.SplitN(m.cfg.User, ":", 2)[0], "@")
	name := fmt.Sprintf("Watchtower Bot (%s)", username)
	if err := m.client.SetDisplayName(ctx, name); err != nil {
		logger.Warn("MATRIX", "Failed to change bot display name: %v", err)
	}
}
