// Package discord implements the Discord channel using discordgo.
//
// The adapter forwards human messages from guild channels and DMs, drops
// anything authored by a bot (including ourselves) so replies can never feed
// back into the pipeline, and sends text segments that already fit the
// 2000 character limit.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"github.com/jholhewres/discordcopilot/pkg/discordcopilot/channels"
)

// Config holds Discord channel configuration.
type Config struct {
	// Token is the Discord bot token.
	Token string `yaml:"token"`

	// SendTyping sends "typing..." indicators while a reply is generated.
	SendTyping bool `yaml:"send_typing"`

	// ReplyToMessage threads the first segment of a reply onto the user's message.
	ReplyToMessage bool `yaml:"reply_to_message"`

	// BufferSize bounds the inbound queue (default: 256).
	BufferSize int `yaml:"buffer_size"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		SendTyping: true,
		BufferSize: 256,
	}
}

// session is the subset of *discordgo.Session the adapter uses.
type session interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
	Close() error
}

// Discord implements channels.Channel and channels.PresenceChannel.
type Discord struct {
	cfg     Config
	logger  *slog.Logger
	session session

	messages chan *channels.IncomingMessage

	connected  atomic.Bool
	lastMsg    atomic.Value // time.Time
	errorCount atomic.Int64
}

// New creates a new Discord channel instance.
func New(cfg Config, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	return &Discord{
		cfg:      cfg,
		logger:   logger.With("component", "discord"),
		messages: make(chan *channels.IncomingMessage, cfg.BufferSize),
	}
}

// Name returns "discord".
func (d *Discord) Name() string { return "discord" }

// Connect opens the Discord gateway WebSocket connection.
func (d *Discord) Connect(ctx context.Context) error {
	if d.cfg.Token == "" {
		return fmt.Errorf("discord: bot token is required")
	}

	s, err := discordgo.New("Bot " + d.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: creating session: %w", err)
	}

	s.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	s.AddHandler(d.onMessageCreate)
	s.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		d.logger.Info("discord: ready", "bot", r.User.Username, "id", r.User.ID, "guilds", len(r.Guilds))
	})

	if err := s.Open(); err != nil {
		return fmt.Errorf("discord: opening gateway: %w", err)
	}

	d.session = s
	d.connected.Store(true)
	return nil
}

// Disconnect closes the Discord gateway connection.
func (d *Discord) Disconnect() error {
	if d.session != nil {
		if err := d.session.Close(); err != nil {
			d.logger.Warn("discord: close failed", "error", err)
		}
	}
	d.connected.Store(false)
	d.logger.Info("discord: disconnected")
	return nil
}

// Send sends exactly one Discord message.
func (d *Discord) Send(ctx context.Context, to string, message *channels.OutgoingMessage) error {
	if d.session == nil {
		return channels.ErrChannelDisconnected
	}
	if n := utf8.RuneCountInString(message.Content); n > channels.MaxMessageLength {
		return fmt.Errorf("discord: %w (%d > %d)", channels.ErrMessageTooLong, n, channels.MaxMessageLength)
	}

	msgSend := &discordgo.MessageSend{Content: message.Content}
	if message.ReplyTo != "" {
		msgSend.Reference = &discordgo.MessageReference{
			MessageID:       message.ReplyTo,
			ChannelID:       to,
			FailIfNotExists: new(bool),
		}
	}

	if _, err := d.session.ChannelMessageSendComplex(to, msgSend, discordgo.WithContext(ctx)); err != nil {
		d.errorCount.Add(1)
		return fmt.Errorf("discord: send message: %w", err)
	}
	return nil
}

// SendTyping sends a typing indicator to the channel.
func (d *Discord) SendTyping(ctx context.Context, to string) error {
	if d.session == nil || !d.cfg.SendTyping {
		return nil
	}
	return d.session.ChannelTyping(to, discordgo.WithContext(ctx))
}

// Receive returns the incoming messages channel.
func (d *Discord) Receive() <-chan *channels.IncomingMessage {
	return d.messages
}

// IsConnected returns true if the bot is connected.
func (d *Discord) IsConnected() bool { return d.connected.Load() }

// Health returns the channel health status.
func (d *Discord) Health() channels.HealthStatus {
	var lastAt time.Time
	if v := d.lastMsg.Load(); v != nil {
		lastAt = v.(time.Time)
	}
	return channels.HealthStatus{
		Connected:     d.connected.Load(),
		LastMessageAt: lastAt,
		ErrorCount:    int(d.errorCount.Load()),
	}
}

// onMessageCreate handles incoming Discord messages.
func (d *Discord) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	selfID := ""
	if s.State != nil && s.State.User != nil {
		selfID = s.State.User.ID
	}
	d.dispatch(selfID, m)
}

// dispatch converts and enqueues a message unless it came from a bot.
func (d *Discord) dispatch(selfID string, m *discordgo.MessageCreate) {
	incoming := toIncoming(selfID, m)
	if incoming == nil || incoming.FromBot {
		return
	}

	d.lastMsg.Store(time.Now())

	select {
	case d.messages <- incoming:
	default:
		d.logger.Warn("discord: message buffer full, dropping message", "msg_id", incoming.ID, "channel", incoming.ChatID)
	}
}

// toIncoming maps a discordgo event to the platform-neutral message.
func toIncoming(selfID string, m *discordgo.MessageCreate) *channels.IncomingMessage {
	if m == nil || m.Message == nil || m.Author == nil {
		return nil
	}
	return &channels.IncomingMessage{
		ID:        m.ID,
		Channel:   "discord",
		From:      m.Author.ID,
		FromName:  m.Author.Username,
		FromBot:   m.Author.Bot || (selfID != "" && m.Author.ID == selfID),
		ChatID:    m.ChannelID,
		GuildID:   m.GuildID,
		Content:   m.Content,
		Timestamp: m.Timestamp,
	}
}

// Compile-time interface verification.
var (
	_ channels.Channel         = (*Discord)(nil)
	_ channels.PresenceChannel = (*Discord)(nil)
)
