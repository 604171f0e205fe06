package tacobot

import (
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	// discordMaxBulkDeleteMessages is the most messages the bulk delete
	// endpoint accepts per call.
	discordMaxBulkDeleteMessages = 100

	// discordMaxMessagesPerFetch is the most messages the channel history
	// endpoint returns per call.
	discordMaxMessagesPerFetch = 100

	// discordMaxEmbedFields is the most fields a single embed can carry.
	discordMaxEmbedFields = 25
)

// Discord owns the bot's gateway session, the handlers attached to it,
// and the connection counters surfaced by the status endpoint.
type Discord struct {
	session         DiscordSession
	config          *DiscordConfig
	logger          *slog.Logger
	connectCount    atomic.Int64
	disconnectCount atomic.Int64
	messagesHandled atomic.Int64
	connected       atomic.Bool
	removeHandlers  []func()
	tb              *TacoBot
}

func newDiscord(config *DiscordConfig) *Discord {
	return &Discord{
		config:         config,
		removeHandlers: []func(){},
	}
}

// newSession builds the discordgo-backed session from the bot token.
func (d *Discord) newSession() (DiscordSession, error) {
	session := discordgoSession{
		logger: d.logger.With(loggerNameKey, "discordgo_session"),
	}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	// State tracking is required for voice states and member lookups
	disc.StateEnabled = true
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}

	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}
	return session, nil
}

// channelMessageSend posts a plain text message to the given channel.
func (d *Discord) channelMessageSend(
	channelID string,
	message string,
	options ...discordgo.RequestOption,
) error {
	_, err := d.session.ChannelMessageSend(channelID, message, options...)
	return err
}

// identityAttrs builds the log attributes describing a gateway
// session's identity, tolerating nil sessions and partially populated
// state.
func identityAttrs(s *discordgo.Session) []any {
	var sessionID, userID, username string
	if s != nil && s.State != nil {
		sessionID = s.State.SessionID
		if s.State.User != nil {
			userID = s.State.User.ID
			username = s.State.User.Username
		}
	}
	return []any{
		"session_id", sessionID,
		slog.Group("user", "id", userID, "username", username),
	}
}

func (d *Discord) onReady() func(s *discordgo.Session, r *discordgo.Ready) {
	return func(s *discordgo.Session, _ *discordgo.Ready) {
		d.logger.Info("gateway ready", identityAttrs(s)...)
	}
}

func (d *Discord) onConnect() func(s *discordgo.Session, e *discordgo.Connect) {
	return func(s *discordgo.Session, _ *discordgo.Connect) {
		d.connectCount.Add(1)
		d.connected.Store(true)
		d.logger.Info("gateway connected", identityAttrs(s)...)
	}
}

func (d *Discord) onDisconnect() func(s *discordgo.Session, e *discordgo.Disconnect) {
	return func(s *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.disconnectCount.Add(1)
		d.logger.Info("gateway disconnected", identityAttrs(s)...)
	}
}

func (d *Discord) updateStatusComplex(data discordgo.UpdateStatusData) error {
	return d.session.UpdateStatusComplex(data)
}

func (d *Discord) updateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

// DiscordSession covers the discordgo.Session methods the bot actually
// calls. Tests swap in stubs.
type DiscordSession interface {
	Open() error

	Close() error

	// AddHandler registers a gateway event handler. The returned func
	// removes it again.
	AddHandler(handler any) func()

	// BotUser returns the bot's own user from gateway state, nil before
	// the session is ready.
	BotUser() *discordgo.User

	ChannelMessageSend(
		channelID string,
		message string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessageSendReply(
		channelID string,
		content string,
		reference *discordgo.MessageReference,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessageSendEmbed(
		channelID string,
		embed *discordgo.MessageEmbed,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessageEdit(
		channelID string,
		messageID string,
		content string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessageEditEmbed(
		channelID string,
		messageID string,
		embed *discordgo.MessageEmbed,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessageDelete(
		channelID string,
		messageID string,
		options ...discordgo.RequestOption,
	) error

	// ChannelMessages pages channel history around the given anchor
	// message IDs.
	ChannelMessages(
		channelID string,
		limit int,
		beforeID string,
		afterID string,
		aroundID string,
		options ...discordgo.RequestOption,
	) ([]*discordgo.Message, error)

	// ChannelMessagesBulkDelete removes up to 100 messages in one call.
	ChannelMessagesBulkDelete(
		channelID string,
		messages []string,
		options ...discordgo.RequestOption,
	) error

	ChannelTyping(channelID string, options ...discordgo.RequestOption) error

	// MessageReactionAdd reacts to a message as the bot.
	MessageReactionAdd(
		channelID string,
		messageID string,
		emojiID string,
		options ...discordgo.RequestOption,
	) error

	MessageReactionRemove(
		channelID string,
		messageID string,
		emojiID string,
		userID string,
		options ...discordgo.RequestOption,
	) error

	MessageReactionsRemoveAll(
		channelID string,
		messageID string,
		options ...discordgo.RequestOption,
	) error

	// UserChannelCreate opens the DM channel with a user, reusing an
	// already open one.
	UserChannelCreate(
		recipientID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	// Channel resolves a channel from gateway state, falling back to
	// the REST API.
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)

	Guild(guildID string, options ...discordgo.RequestOption) (*discordgo.Guild, error)

	// GuildVoiceStates lists the guild's voice states as tracked by
	// gateway state.
	GuildVoiceStates(guildID string) ([]*discordgo.VoiceState, error)

	GuildMember(
		guildID string,
		userID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Member, error)

	ChannelVoiceJoin(
		guildID string,
		channelID string,
		mute bool,
		deaf bool,
	) (*discordgo.VoiceConnection, error)

	// VoiceConnection returns the live voice connection for a guild,
	// nil when there is none.
	VoiceConnection(guildID string) *discordgo.VoiceConnection

	HeartbeatLatency() time.Duration

	// UpdateCustomStatus sets the bot's custom status. Empty clears it.
	UpdateCustomStatus(status string) error

	UpdateGameStatus(idle int, name string) error

	UpdateStatusComplex(data discordgo.UpdateStatusData) error

	SetHTTPClient(client *http.Client)

	// SetIdentify replaces the identify payload sent on the gateway
	// handshake.
	SetIdentify(discordgo.Identify)

	SetLogLevel(lvl slog.Level) error

	GatewayBot(options ...discordgo.RequestOption) (*discordgo.GatewayBotResponse, error)
}

// discordgoSession is the production DiscordSession, backed by a real
// [discordgo.Session].
type discordgoSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d discordgoSession) Open() error {
	return d.session.Open()
}

func (d discordgoSession) Close() error {
	return d.session.Close()
}

func (d discordgoSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d discordgoSession) BotUser() *discordgo.User {
	if d.session.State == nil {
		return nil
	}
	return d.session.State.User
}

func (d discordgoSession) ChannelMessageSend(
	channelID string,
	message string,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, message, options...)
}

func (d discordgoSession) ChannelMessageSendReply(
	channelID, content string,
	reference *discordgo.MessageReference,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendReply(channelID, content, reference, options...)
	if err != nil {
		d.logger.Error("reply send failed",
			"channel_id", channelID,
			"reference", reference,
			"content", content,
			tint.Err(err),
		)
	}
	return msg, err
}

func (d discordgoSession) ChannelMessageSendEmbed(
	channelID string,
	embed *discordgo.MessageEmbed,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSendEmbed(channelID, embed, options...)
}

func (d discordgoSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSendComplex(channelID, data, options...)
}

func (d discordgoSession) ChannelMessageEdit(
	channelID string,
	messageID string,
	content string,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageEdit(channelID, messageID, content, options...)
}

func (d discordgoSession) ChannelMessageEditEmbed(
	channelID string,
	messageID string,
	embed *discordgo.MessageEmbed,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageEditEmbed(channelID, messageID, embed, options...)
}

func (d discordgoSession) ChannelMessageDelete(
	channelID string,
	messageID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.ChannelMessageDelete(channelID, messageID, options...)
}

func (d discordgoSession) ChannelMessages(
	channelID string,
	limit int,
	beforeID string,
	afterID string,
	aroundID string,
	options ...discordgo.RequestOption,
) ([]*discordgo.Message, error) {
	return d.session.ChannelMessages(
		channelID, limit, beforeID, afterID, aroundID, options...,
	)
}

func (d discordgoSession) ChannelMessagesBulkDelete(
	channelID string,
	messages []string,
	options ...discordgo.RequestOption,
) error {
	return d.session.ChannelMessagesBulkDelete(channelID, messages, options...)
}

func (d discordgoSession) ChannelTyping(
	channelID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.ChannelTyping(channelID, options...)
}

func (d discordgoSession) MessageReactionAdd(
	channelID string,
	messageID string,
	emojiID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.MessageReactionAdd(channelID, messageID, emojiID, options...)
}

func (d discordgoSession) MessageReactionRemove(
	channelID string,
	messageID string,
	emojiID string,
	userID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.MessageReactionRemove(
		channelID, messageID, emojiID, userID, options...,
	)
}

func (d discordgoSession) MessageReactionsRemoveAll(
	channelID string,
	messageID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.MessageReactionsRemoveAll(channelID, messageID, options...)
}

func (d discordgoSession) UserChannelCreate(
	recipientID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.UserChannelCreate(recipientID, options...)
}

func (d discordgoSession) Channel(
	channelID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	if ch, err := d.session.State.Channel(channelID); err == nil {
		return ch, nil
	}
	return d.session.Channel(channelID, options...)
}

func (d discordgoSession) Guild(
	guildID string,
	options ...discordgo.RequestOption,
) (*discordgo.Guild, error) {
	if g, err := d.session.State.Guild(guildID); err == nil {
		return g, nil
	}
	return d.session.Guild(guildID, options...)
}

func (d discordgoSession) GuildVoiceStates(guildID string) ([]*discordgo.VoiceState, error) {
	g, err := d.session.State.Guild(guildID)
	if err != nil {
		return nil, err
	}
	return g.VoiceStates, nil
}

func (d discordgoSession) GuildMember(
	guildID string,
	userID string,
	options ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	if m, err := d.session.State.Member(guildID, userID); err == nil {
		return m, nil
	}
	return d.session.GuildMember(guildID, userID, options...)
}

func (d discordgoSession) ChannelVoiceJoin(
	guildID string,
	channelID string,
	mute bool,
	deaf bool,
) (*discordgo.VoiceConnection, error) {
	vc, err := d.session.ChannelVoiceJoin(guildID, channelID, mute, deaf)
	if err != nil {
		d.logger.Error(
			"voice join failed",
			"guild_id", guildID,
			"channel_id", channelID,
			tint.Err(err),
		)
		return nil, err
	}
	d.logger.Info("joined voice channel", "guild_id", guildID, "channel_id", channelID)
	return vc, nil
}

func (d discordgoSession) VoiceConnection(guildID string) *discordgo.VoiceConnection {
	d.session.RLock()
	defer d.session.RUnlock()
	return d.session.VoiceConnections[guildID]
}

func (d discordgoSession) HeartbeatLatency() time.Duration {
	return d.session.HeartbeatLatency()
}

func (d discordgoSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

func (d discordgoSession) UpdateGameStatus(idle int, name string) error {
	return d.session.UpdateGameStatus(idle, name)
}

func (d discordgoSession) UpdateStatusComplex(data discordgo.UpdateStatusData) error {
	return d.session.UpdateStatusComplex(data)
}

func (d discordgoSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d discordgoSession) SetIdentify(i discordgo.Identify) {
	d.session.Identify = i
}

// discordgoLogLevels maps slog levels onto discordgo logger levels.
var discordgoLogLevels = map[slog.Level]int{
	slog.LevelDebug: discordgo.LogDebug,
	slog.LevelInfo:  discordgo.LogInformational,
	slog.LevelWarn:  discordgo.LogWarning,
	slog.LevelError: discordgo.LogError,
}

func (d discordgoSession) SetLogLevel(lvl slog.Level) error {
	dgLevel, ok := discordgoLogLevels[lvl.Level()]
	if !ok {
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	d.session.LogLevel = dgLevel
	return nil
}

func (d discordgoSession) GatewayBot(
	options ...discordgo.RequestOption,
) (*discordgo.GatewayBotResponse, error) {
	gb, err := d.session.GatewayBot(options...)
	if err != nil {
		d.logger.Error("gateway bot lookup failed", tint.Err(err))
		return gb, err
	}
	d.logger.Info("gateway bot", "gateway_bot", structToSlogValue(gb))
	return gb, nil
}

// messageMentionsUser reports whether m @-mentions userID.
func messageMentionsUser(m *discordgo.Message, userID string) bool {
	if m == nil {
		return false
	}
	return slices.ContainsFunc(
		m.Mentions,
		func(u *discordgo.User) bool { return u.ID == userID },
	)
}

// messageAuthor returns the [discordgo.User] that authored the message.
// The author doesn't always appear in the same place in the message
// object, so this checks known areas.
func messageAuthor(m *discordgo.Message) *discordgo.User {
	if m == nil {
		return nil
	}
	u := m.Author
	if u == nil && m.Member != nil {
		u = m.Member.User
	}
	return u
}

// channelHasHumans reports whether any non-bot user occupies the given
// voice channel.
func channelHasHumans(
	session DiscordSession,
	guildID string,
	channelID string,
) bool {
	states, err := session.GuildVoiceStates(guildID)
	if err != nil {
		return false
	}
	for _, vs := range states {
		if vs.ChannelID != channelID {
			continue
		}
		member, err := session.GuildMember(guildID, vs.UserID)
		if err != nil || member == nil || member.User == nil {
			continue
		}
		if !member.User.Bot {
			return true
		}
	}
	return false
}

// voiceChannelOf returns the ID of the voice channel the given user
// currently occupies in the guild, or an empty string.
func voiceChannelOf(
	session DiscordSession,
	guildID string,
	userID string,
) string {
	states, err := session.GuildVoiceStates(guildID)
	if err != nil {
		return ""
	}
	for _, vs := range states {
		if vs.UserID == userID {
			return vs.ChannelID
		}
	}
	return ""
}
