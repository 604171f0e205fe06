package tacobot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/jonas747/dca"
	"github.com/lmittmann/tint"
	"github.com/rs/xid"
)

var (
	// playerTickInterval paces the player worker's wait loop.
	playerTickInterval = 500 * time.Millisecond

	// confirmTimeout is how long destructive-action prompts wait for a
	// y/n reply. Saved-queue replacement prompts wait longer since the
	// user may want to read the preview first.
	confirmTimeout        = 10 * time.Second
	confirmReplaceTimeout = 20 * time.Second
)

// downloadFailedMessage is sent when yt-dlp can't produce a playable
// track for a query. Formatted with the caller's name, the query, and
// the owner's mention.
const downloadFailedMessage = "⚠ **%s**, I could not download the result of query: `%s`\n" +
	"This could be due to one or more of the following reasons:\n" +
	"> **1)** The video is a livestream, which I do not yet support.\n" +
	"> **2)** Your query pulled no results when searched in YouTube.\n" +
	"> **3)** HTTP Error 429: YouTube banned my IP! Notify %s."

var (
	columnTrackPlayFinishedAt = "finished_at"
	columnTrackPlaySkipped    = "skipped"
)

// TrackPlay is a DB record of one started track.
type TrackPlay struct {
	ModelStringID
	ModelUnixTime

	UserID    string `json:"user_id" gorm:"index"`
	GuildID   string `json:"guild_id" gorm:"index"`
	VideoID   string `json:"video_id"`
	Title     string `json:"title"`
	Duration  int    `json:"duration"`
	Position  int    `json:"position"`
	StartedAt int64  `json:"started_at"`

	// FinishedAt is zero while the track is still streaming
	FinishedAt int64 `json:"finished_at"`

	// Skipped is true when the stream was cut short by a user rather
	// than running out
	Skipped bool `json:"skipped"`

	// Error is set when the stream could not be started at all
	Error string `json:"error"`
}

func (t TrackPlay) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", t.ID),
		slog.String("user_id", t.UserID),
		slog.String("guild_id", t.GuildID),
		slog.String("video_id", t.VideoID),
		slog.String("title", t.Title),
		slog.Int("position", t.Position),
	)
}

// streamSession is an in-flight audio stream to a voice connection.
type streamSession interface {
	SetPaused(paused bool)
	Paused() bool
	PlaybackPosition() time.Duration

	// Done receives exactly one error when the stream terminates.
	// io.EOF indicates the track ran out normally.
	Done() <-chan error

	// Stop tears the stream down. Done still fires.
	Stop()
}

// trackStreamer starts audio playback on a voice connection.
type trackStreamer interface {
	Stream(vc *discordgo.VoiceConnection, streamURL string) (streamSession, error)
}

// dcaStreamer plays a stream URL on a voice connection by piping it
// through an ffmpeg encode session.
type dcaStreamer struct {
	config *PlayerConfig
	logger *slog.Logger
}

func newDCAStreamer(config *PlayerConfig, logger *slog.Logger) *dcaStreamer {
	return &dcaStreamer{
		config: config,
		logger: logger.With(loggerNameKey, "streamer"),
	}
}

func (d *dcaStreamer) Stream(
	vc *discordgo.VoiceConnection,
	streamURL string,
) (streamSession, error) {
	options := &dca.EncodeOptions{
		Volume:           d.config.Volume,
		Channels:         2,
		FrameRate:        48000,
		FrameDuration:    20,
		Bitrate:          d.config.Bitrate,
		PacketLoss:       1,
		RawOutput:        true,
		Application:      dca.AudioApplicationAudio,
		CompressionLevel: 10,
		BufferedFrames:   DefaultPlaybackFrames,
		VBR:              true,
	}
	encode, err := dca.EncodeFile(streamURL, options)
	if err != nil {
		return nil, fmt.Errorf("error starting encode session: %w", err)
	}
	if speakErr := vc.Speaking(true); speakErr != nil {
		encode.Cleanup()
		return nil, fmt.Errorf("error setting speaking state: %w", speakErr)
	}
	done := make(chan error, 1)
	stream := dca.NewStream(encode, vc, done)
	d.logger.Debug("started encode session", "url_length", len(streamURL))
	return &dcaSession{encode: encode, stream: stream, done: done}, nil
}

type dcaSession struct {
	encode *dca.EncodeSession
	stream *dca.StreamingSession
	done   chan error
}

func (s *dcaSession) SetPaused(paused bool) {
	s.stream.SetPaused(paused)
}

func (s *dcaSession) Paused() bool {
	return s.stream.Paused()
}

func (s *dcaSession) PlaybackPosition() time.Duration {
	return s.stream.PlaybackPosition()
}

func (s *dcaSession) Done() <-chan error {
	return s.done
}

func (s *dcaSession) Stop() {
	_ = s.encode.Stop()
	s.encode.Cleanup()
}

// guildPlayer owns one guild's queue, voice connection, and playback
// worker. Unlike the voice connection, the player itself is never torn
// down, so the queue survives a disconnect and playing resumes where it
// left off when the bot is summoned back.
type guildPlayer struct {
	tb      *TacoBot
	guildID string
	logger  *slog.Logger

	mu    sync.Mutex
	queue *TrackQueue

	// pos is the 1-based queue position the player is at. It can sit
	// at 0 (after `back` from position 1) or past the end of the
	// queue, where the worker idles until a new track arrives.
	pos int

	looped        bool
	queueLooped   bool
	shuffleOnLoop bool

	// skipped lets skip/jump/back advance pos even while looped
	skipped bool

	// shouldBePaused preserves the paused state across stream
	// restarts, since stopping a stream would otherwise unpause
	shouldBePaused bool

	// loadedBy is the user ID that loaded the current saved queue.
	// Empty for the default guild queue.
	loadedBy string

	vc          *discordgo.VoiceConnection
	session     streamSession
	current     *Track
	currentAt   time.Time
	currentPlay *TrackPlay

	// textChannelID is where worker messages (now playing, reload
	// notices) go. Rebound by join, play, skip, back and jump.
	textChannelID string

	// npChannelID/npMessageID locate the current "Now playing" message
	// so it can be replaced
	npChannelID string
	npMessageID string

	// load is the in-progress saved-queue load, nil when none
	load *queueLoad

	// confirmation prompts in flight, so the same user can't stack them
	clearConfirming bool
	saveConfirming  map[string]bool
	loadConfirming  map[string]bool
	addConfirming   map[string]bool

	wake       chan struct{}
	signalStop chan struct{}
	stopped    chan time.Time
	running    atomic.Bool
	refreshing atomic.Bool
}

func newGuildPlayer(tb *TacoBot, guildID string) *guildPlayer {
	p := &guildPlayer{
		tb:      tb,
		guildID: guildID,
		logger: tb.logger.With(
			loggerNameKey, "player",
			"guild_id", guildID,
		),
		pos:            1,
		wake:           make(chan struct{}, 1),
		signalStop:     make(chan struct{}, 1),
		stopped:        make(chan time.Time, 1),
		saveConfirming: map[string]bool{},
		loadConfirming: map[string]bool{},
		addConfirming:  map[string]bool{},
	}
	p.queue = NewTrackQueue(p.defaultQueueName())
	return p
}

// player returns the guild's player, creating it on first use.
func (tb *TacoBot) player(guildID string) *guildPlayer {
	tb.playersMu.Lock()
	defer tb.playersMu.Unlock()
	p := tb.players[guildID]
	if p == nil {
		p = newGuildPlayer(tb, guildID)
		tb.players[guildID] = p
	}
	return p
}

// playerIfExists returns the guild's player without creating one.
func (tb *TacoBot) playerIfExists(guildID string) *guildPlayer {
	tb.playersMu.Lock()
	defer tb.playersMu.Unlock()
	return tb.players[guildID]
}

// guildPlayers returns a snapshot of all existing players.
func (tb *TacoBot) guildPlayers() []*guildPlayer {
	tb.playersMu.Lock()
	defer tb.playersMu.Unlock()
	players := make([]*guildPlayer, 0, len(tb.players))
	for _, p := range tb.players {
		players = append(players, p)
	}
	return players
}

func userMention(userID string) string {
	return "<@" + userID + ">"
}

func channelMention(channelID string) string {
	return "<#" + channelID + ">"
}

// defaultQueueName names the queue after the guild, like a session
// would start with.
func (p *guildPlayer) defaultQueueName() string {
	if guild, err := p.tb.discord.session.Guild(p.guildID); err == nil &&
		guild != nil && guild.Name != "" {
		return guild.Name + " Queue"
	}
	return p.guildID + " Queue"
}

func (p *guildPlayer) idleTimeout() time.Duration {
	if d := p.tb.RuntimeConfig().PlayerIdleTimeout.Duration; d > 0 {
		return d
	}
	return p.tb.config.Player.IdleTimeout
}

func (p *guildPlayer) streamURLTTL() time.Duration {
	if d := p.tb.RuntimeConfig().StreamURLTTL.Duration; d > 0 {
		return d
	}
	return p.tb.config.Player.StreamURLTTL
}

func (p *guildPlayer) viewTimeout() time.Duration {
	if d := p.tb.RuntimeConfig().QueueViewTimeout.Duration; d > 0 {
		return d
	}
	return p.tb.config.Player.QueueViewTimeout
}

// poke nudges the worker to re-evaluate immediately instead of on the
// next tick.
func (p *guildPlayer) poke() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *guildPlayer) textChannel() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.textChannelID
}

func (p *guildPlayer) connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.vc != nil
}

// ensureRunning starts the playback worker if it isn't running, and
// blocks until it is.
func (p *guildPlayer) ensureRunning(ctx context.Context) {
	if !p.running.CompareAndSwap(false, true) {
		p.poke()
		return
	}
	startCh := make(chan struct{}, 1)
	go func() {
		defer p.running.Store(false)
		p.Run(ctx, startCh)
	}()
	<-startCh
}

// Run is the playback worker loop. It waits for a playable track at
// the current position, streams it, and advances when the stream
// terminates. The worker exits when the voice connection goes away or
// nothing has been playable for the idle timeout.
//
// To stop the run, cancel the provided context or send a signal on
// guildPlayer.signalStop.
func (p *guildPlayer) Run(ctx context.Context, startCh chan struct{}) {
	log := p.logger
	startedAt := time.Now()
	log.InfoContext(ctx, "starting player worker")

	defer func() {
		stopCtx, stopCancel := context.WithTimeout(
			context.Background(),
			5*time.Second,
		)
		select {
		case p.stopped <- time.Now():
		case <-stopCtx.Done():
			log.Warn("timed out sending stop notification")
		}
		stopCancel()
		log.Info(
			"stopped player worker",
			"started_at", startedAt,
			"runtime", time.Since(startedAt),
		)
	}()

	startCh <- struct{}{}
	close(startCh)

	ticker := time.NewTicker(playerTickInterval)
	defer ticker.Stop()

	idleDeadline := time.Now().Add(p.idleTimeout())
	var done <-chan error

	for {
		select {
		case <-ctx.Done():
			log.WarnContext(ctx, "context canceled")
			p.teardown()
			return
		case <-p.signalStop:
			log.WarnContext(ctx, "got stop signal")
			p.teardown()
			return
		case err := <-done:
			done = nil
			p.finishTrack(ctx, err)
		case <-p.wake:
		case <-ticker.C:
		}

		if !p.connected() {
			return
		}

		if p.startable() {
			idleDeadline = time.Now().Add(p.idleTimeout())
		} else if time.Now().After(idleDeadline) {
			log.InfoContext(
				ctx,
				"player timed out",
				"idle_timeout", p.idleTimeout(),
			)
			p.leave(nil, true)
			return
		}

		if d := p.maybeStart(ctx); d != nil {
			done = d
		}
	}
}

// teardown stops playback and disconnects without any of the
// user-facing ceremony. Used on shutdown.
func (p *guildPlayer) teardown() {
	p.mu.Lock()
	sess := p.session
	p.session = nil
	p.currentPlay = nil
	vc := p.vc
	p.vc = nil
	p.mu.Unlock()

	if sess != nil {
		sess.Stop()
	}
	if vc != nil {
		_ = vc.Speaking(false)
		_ = vc.Disconnect()
	}
}

// startable reports whether the worker could make progress right now:
// connected, a track at the current position, not paused, and at least
// one human listening. While this holds, the idle timeout keeps being
// pushed back.
func (p *guildPlayer) startable() bool {
	p.mu.Lock()
	vc := p.vc
	sess := p.session
	track := p.queue.At(p.pos)
	p.mu.Unlock()

	if vc == nil || track == nil {
		return false
	}
	if sess != nil && sess.Paused() {
		return false
	}
	return channelHasHumans(p.tb.discord.session, p.guildID, vc.ChannelID)
}

// maybeStart starts streaming the track at the current position if the
// player is idle and the track is playable. Returns the new stream's
// done channel, or nil if nothing was started.
func (p *guildPlayer) maybeStart(ctx context.Context) <-chan error {
	p.mu.Lock()
	if p.vc == nil || p.session != nil {
		p.mu.Unlock()
		return nil
	}
	track := p.queue.At(p.pos)
	if track == nil {
		// Hanging outside the queue: drop any lingering now-playing
		// message while waiting for a new track
		npChannel, npMessage := p.npChannelID, p.npMessageID
		p.npChannelID, p.npMessageID = "", ""
		p.mu.Unlock()
		if npMessage != "" {
			_ = p.tb.discord.session.ChannelMessageDelete(npChannel, npMessage)
		}
		return nil
	}
	vc := p.vc
	pos := p.pos
	p.mu.Unlock()

	if !channelHasHumans(p.tb.discord.session, p.guildID, vc.ChannelID) {
		return nil
	}

	p.reloadTrack(ctx, track)

	p.mu.Lock()
	streamURL := track.StreamURL
	p.mu.Unlock()

	sess, err := p.tb.streamer.Stream(vc, streamURL)
	if err != nil {
		p.logger.ErrorContext(
			ctx,
			"error starting stream",
			tint.Err(err),
			"track", track,
		)
		p.recordPlay(ctx, pos, track, err)
		p.mu.Lock()
		p.advanceLocked()
		p.mu.Unlock()
		return nil
	}

	p.mu.Lock()
	p.session = sess
	p.current = track
	p.currentAt = time.Now()
	paused := p.shouldBePaused
	channelID := p.textChannelID
	oldNPChannel, oldNPMessage := p.npChannelID, p.npMessageID
	p.mu.Unlock()

	// A stopped stream comes back unpaused, so re-apply the paused
	// state before anyone hears it
	if paused {
		sess.SetPaused(true)
	}

	play := p.recordPlay(ctx, pos, track, nil)
	p.mu.Lock()
	p.currentPlay = play
	p.mu.Unlock()

	if oldNPMessage != "" {
		_ = p.tb.discord.session.ChannelMessageDelete(oldNPChannel, oldNPMessage)
	}

	p.logger.InfoContext(ctx, fmt.Sprintf("Now playing (%d) %s", pos, track.Title))
	embed := makeEmbed(
		fmt.Sprintf(
			"**(%d)** %s [%s]",
			pos, track.Markdown(), userMention(track.RequestedBy),
		),
		"Now playing",
		"gold",
	)
	p.setEmbedFooter(embed)
	if msg, sendErr := p.tb.discord.session.ChannelMessageSendEmbed(
		channelID, embed,
	); sendErr == nil {
		p.mu.Lock()
		p.npChannelID, p.npMessageID = channelID, msg.ID
		p.mu.Unlock()
	}

	// Keep the rest of the queue's stream URLs fresh in the background
	// so users only wait once per command
	go p.refreshQueue(ctx)

	return sess.Done()
}

// finishTrack finalizes the current stream after its done channel
// fires, then advances the queue position. No-op if a command already
// finalized the stream (leave, clear, remove).
func (p *guildPlayer) finishTrack(ctx context.Context, err error) {
	p.mu.Lock()
	if p.session == nil {
		p.mu.Unlock()
		return
	}
	p.session = nil
	play := p.currentPlay
	p.currentPlay = nil
	skipped := p.skipped
	vc := p.vc
	p.advanceLocked()
	pos := p.pos
	p.mu.Unlock()

	if err != nil && !errors.Is(err, io.EOF) {
		p.logger.ErrorContext(ctx, "stream ended with error", tint.Err(err))
	}
	if vc != nil {
		_ = vc.Speaking(false)
	}
	p.finalizePlay(ctx, play, skipped)
	p.logger.DebugContext(ctx, "advanced queue position", "pos", pos)
}

// advanceLocked moves pos after a stream terminates, honoring the loop
// settings. All the queue commands that stop playback offset their
// position updates against this. Callers must hold p.mu.
func (p *guildPlayer) advanceLocked() {
	p.pos++
	if p.looped {
		// Reached the end of the track naturally: stay put
		if !p.skipped {
			p.pos--
		}
	} else if p.queueLooped {
		if p.pos > p.queue.Len() {
			if p.shuffleOnLoop {
				p.queue.Shuffle(0)
			}
			p.pos = 1
		} else if p.pos == 0 {
			// back from position 1 wraps to the end
			p.pos = p.queue.Len()
		}
	}
	p.skipped = false
}

func (p *guildPlayer) recordPlay(
	ctx context.Context,
	pos int,
	track *Track,
	streamErr error,
) *TrackPlay {
	play := &TrackPlay{
		UserID:    track.RequestedBy,
		GuildID:   p.guildID,
		VideoID:   track.ID,
		Title:     track.Title,
		Duration:  track.Duration,
		Position:  pos,
		StartedAt: time.Now().UnixMilli(),
	}
	play.ID = xid.New().String()
	if streamErr != nil {
		play.Error = streamErr.Error()
		play.FinishedAt = play.StartedAt
	}
	if _, err := p.tb.writeDB.Create(ctx, play); err != nil {
		p.logger.ErrorContext(ctx, "error saving track play", tint.Err(err))
		return nil
	}
	return play
}

func (p *guildPlayer) finalizePlay(
	ctx context.Context,
	play *TrackPlay,
	skipped bool,
) {
	if play == nil {
		return
	}
	if _, err := p.tb.writeDB.Updates(
		ctx, play, map[string]any{
			columnTrackPlayFinishedAt: time.Now().UnixMilli(),
			columnTrackPlaySkipped:    skipped,
		},
	); err != nil {
		p.logger.ErrorContext(ctx, "error updating track play", tint.Err(err))
	}
}

// reloadTrack re-resolves a track's stream URL if it has gone stale,
// posting a transient notice while it works.
func (p *guildPlayer) reloadTrack(ctx context.Context, track *Track) {
	p.mu.Lock()
	stale := track.Stale(p.streamURLTTL())
	p.mu.Unlock()
	if !stale {
		return
	}

	p.logger.InfoContext(
		ctx, fmt.Sprintf("Attempting to reload track %s", track.Title),
	)
	channelID := p.textChannel()
	var notice *discordgo.Message
	if channelID != "" {
		notice, _ = p.tb.discord.session.ChannelMessageSendEmbed(
			channelID,
			makeEmbed(
				fmt.Sprintf("⏳ Reloading %s...", track.Markdown()),
				"", "gold",
			),
		)
	}

	if err := p.refreshTrack(ctx, track); err != nil {
		p.logger.ErrorContext(
			ctx,
			fmt.Sprintf("FAILED to reload %s", track.Title),
			tint.Err(err),
		)
	} else {
		p.logger.InfoContext(
			ctx, fmt.Sprintf("SUCCESS: Reloaded %s", track.Title),
		)
	}

	if notice != nil {
		_ = p.tb.discord.session.ChannelMessageDelete(channelID, notice.ID)
	}
}

// refreshTrack re-resolves the track by video ID and swaps in the new
// stream URL (and any metadata the track was still missing).
func (p *guildPlayer) refreshTrack(ctx context.Context, track *Track) error {
	tracks, err := p.tb.resolver.Resolve(ctx, youtubeWatchURL+track.ID)
	if err != nil {
		return err
	}
	if len(tracks) == 0 {
		return fmt.Errorf("no results for track %s", track.ID)
	}
	fresh := tracks[0]

	p.mu.Lock()
	track.StreamURL = fresh.StreamURL
	track.FetchedAt = fresh.FetchedAt
	if track.Title == "" {
		track.Title = fresh.Title
	}
	if track.Duration == 0 {
		track.Duration = fresh.Duration
	}
	if track.WebpageURL == "" {
		track.WebpageURL = fresh.WebpageURL
	}
	p.mu.Unlock()
	return nil
}

// refreshQueue re-resolves every stale track in the queue. Only one
// refresh pass runs at a time.
func (p *guildPlayer) refreshQueue(ctx context.Context) {
	if !p.refreshing.CompareAndSwap(false, true) {
		return
	}
	defer p.refreshing.Store(false)

	for _, track := range p.queue.Tracks() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		p.reloadTrack(ctx, track)
	}
}

// botMuted reports whether the bot itself is server-muted in this
// guild.
func (p *guildPlayer) botMuted() bool {
	self := p.tb.discord.session.BotUser()
	if self == nil {
		return false
	}
	states, err := p.tb.discord.session.GuildVoiceStates(p.guildID)
	if err != nil {
		return false
	}
	for _, vs := range states {
		if vs.UserID == self.ID {
			return vs.Mute
		}
	}
	return false
}

// setEmbedFooter adds a footer describing the player's current
// state(s), if any apply:
// '👋🔇⏸🔂🔁🔀 Player is disconnected, muted, paused, ...'
func (p *guildPlayer) setEmbedFooter(embed *discordgo.MessageEmbed) {
	p.mu.Lock()
	vc := p.vc
	sess := p.session
	shouldBePaused := p.shouldBePaused
	looped := p.looped
	queueLooped := p.queueLooped
	shuffleOnLoop := p.shuffleOnLoop
	p.mu.Unlock()

	var emojis, descs []string
	addState := func(desc, emoji string) {
		descs = append(descs, desc)
		emojis = append(emojis, emoji)
	}

	if vc == nil {
		addState("disconnected", "👋")
	}
	if p.botMuted() {
		addState("muted", "🔇")
	}
	if vc != nil && ((sess != nil && sess.Paused()) || shouldBePaused) {
		addState("paused", "⏸")
	}
	if looped {
		addState("looping track", "🔂")
	}
	if queueLooped {
		if shuffleOnLoop {
			addState("shuffle-looping queue", "🔁🔀")
		} else {
			addState("looping queue", "🔁")
		}
	}

	if len(descs) == 0 {
		return
	}
	embed.Footer = &discordgo.MessageEmbedFooter{
		Text: strings.Join(emojis, "") + " Player is " + strings.Join(descs, ", "),
	}
}

// checkCaller packages the checks shared by most voice commands: the
// caller must be in a voice channel, the bot must be connected, and
// the caller can't hijack a channel other humans are listening in.
func (p *guildPlayer) checkCaller(cc *CommandContext) error {
	name := cc.AuthorName()
	callerChannel := voiceChannelOf(cc.session, cc.GuildID(), cc.author.ID)

	var desc string
	if callerChannel == "" {
		desc = fmt.Sprintf(
			"**%s**, you have to be connected to a voice channel before you can use this command!",
			name,
		)
	}

	p.mu.Lock()
	vc := p.vc
	p.mu.Unlock()

	switch {
	case vc == nil:
		desc = fmt.Sprintf(
			"**%s**, I'm not connected to any voice channel! Use `%splay` or `%sjoin` to summon me.",
			name, cc.prefix, cc.prefix,
		)
	case callerChannel != vc.ChannelID &&
		channelHasHumans(cc.session, p.guildID, vc.ChannelID):
		desc = fmt.Sprintf(
			"**%s**, someone else is listening to music in %s",
			name, channelMention(vc.ChannelID),
		)
	}

	if desc == "" {
		return nil
	}
	return newUserError("%s", desc)
}

// ensureVoice connects or moves the bot to the caller's voice channel,
// the way `play` and `loadqueue` summon it.
func (p *guildPlayer) ensureVoice(cc *CommandContext) error {
	name := cc.AuthorName()
	callerChannel := voiceChannelOf(cc.session, cc.GuildID(), cc.author.ID)
	if callerChannel == "" {
		return newUserError(
			"**%s**, connect to a voice channel first, or use `%sjoin <channel ID>`.",
			name, cc.prefix,
		)
	}

	p.mu.Lock()
	vc := p.vc
	p.mu.Unlock()

	if vc != nil && vc.ChannelID != callerChannel {
		if channelHasHumans(cc.session, p.guildID, vc.ChannelID) {
			return newUserError(
				"**%s**, someone else is listening to music in %s",
				name, channelMention(vc.ChannelID),
			)
		}
		// Current channel is empty: follow the caller
		return p.connectTo(cc, callerChannel)
	}
	if vc == nil {
		return p.connectTo(cc, callerChannel)
	}

	p.mu.Lock()
	p.textChannelID = cc.ChannelID()
	p.mu.Unlock()
	p.ensureRunning(p.tb.ctx)
	return nil
}

func (p *guildPlayer) connectTo(cc *CommandContext, channelID string) error {
	vc, err := cc.session.ChannelVoiceJoin(p.guildID, channelID, false, false)
	if err != nil {
		return fmt.Errorf("error joining voice channel %s: %w", channelID, err)
	}
	p.mu.Lock()
	p.vc = vc
	p.textChannelID = cc.ChannelID()
	p.mu.Unlock()
	p.ensureRunning(p.tb.ctx)
	return nil
}

// joinChannel handles the join command: connect to the caller's
// channel, or the one given by ID/mention. The player continues at the
// position it left off.
func (p *guildPlayer) joinChannel(cc *CommandContext, channelArg string) error {
	name := cc.AuthorName()

	channelID := strings.TrimSuffix(strings.TrimPrefix(channelArg, "<#"), ">")
	if channelID == "" {
		channelID = voiceChannelOf(cc.session, cc.GuildID(), cc.author.ID)
		if channelID == "" {
			return newUserError(
				"**%s**, connect to a voice channel or pass the channel ID.",
				name,
			)
		}
	} else {
		channel, err := cc.session.Channel(channelID)
		if err != nil || channel.Type != discordgo.ChannelTypeGuildVoice {
			return newUserError(
				"**%s**, connect to a voice channel or pass the channel ID.",
				name,
			)
		}
	}

	p.mu.Lock()
	vc := p.vc
	p.mu.Unlock()

	if vc != nil && channelID != vc.ChannelID &&
		channelHasHumans(cc.session, p.guildID, vc.ChannelID) {
		return newUserError(
			"**%s**, someone else is listening to music in %s",
			name, channelMention(vc.ChannelID),
		)
	}

	if err := p.connectTo(cc, channelID); err != nil {
		return err
	}
	return cc.React("👌")
}

// playQuery resolves a query and appends the result to the queue,
// starting playback if the player is idle. fromLoad suppresses the
// queued message so saved-queue loads don't spam the channel.
func (p *guildPlayer) playQuery(
	ctx context.Context,
	cc *CommandContext,
	query string,
	fromLoad bool,
) error {
	if query == "" {
		_, err := cc.ReplyEmbed(errorEmbed(fmt.Sprintf(
			"**%s**, tell me what to search for! Example: `%splay see you again`",
			cc.AuthorName(), cc.prefix,
		)))
		return err
	}

	tracks, err := p.tb.resolver.Resolve(ctx, query)
	if err != nil || len(tracks) == 0 {
		p.logger.WarnContext(
			ctx,
			fmt.Sprintf("Failed to download track from query: %s", query),
			tint.Err(err),
		)
		devMention := userMention(p.tb.RuntimeConfig().DevUserID)
		_, sendErr := cc.ReplyEmbed(errorEmbed(fmt.Sprintf(
			downloadFailedMessage, cc.AuthorName(), query, devMention,
		)))
		return sendErr
	}

	for _, track := range tracks {
		track.RequestedBy = cc.author.ID
	}

	p.mu.Lock()
	p.queue.Add(tracks...)
	numtracks := p.queue.Len()
	first := numtracks - len(tracks) + 1
	playing := p.session != nil
	if !playing {
		// Revived by a new request: jump straight to what was queued
		p.pos = first
	}
	p.textChannelID = cc.ChannelID()
	p.mu.Unlock()
	p.poke()

	// Only announce when something is already playing; otherwise the
	// now-playing message covers it
	if !fromLoad && playing {
		var desc string
		if len(tracks) == 1 {
			track := tracks[0]
			p.logger.InfoContext(
				ctx, fmt.Sprintf("Queued (%d) %s", numtracks, track.Title),
			)
			desc = fmt.Sprintf(
				"Queued **(%d)** %s [%s]",
				numtracks, track.Markdown(), userMention(track.RequestedBy),
			)
		} else {
			p.logger.InfoContext(
				ctx,
				fmt.Sprintf("Queued %d tracks (%d~%d)", len(tracks), first, numtracks),
			)
			desc = fmt.Sprintf(
				"Queued **%d** songs (**%d**~**%d**) [%s]",
				len(tracks), first, numtracks, userMention(cc.author.ID),
			)
		}
		embed := makeEmbed(desc, "", "gold")
		p.setEmbedFooter(embed)
		_, _ = cc.ReplyEmbed(embed)
	}
	return nil
}

func (p *guildPlayer) pause(cc *CommandContext) error {
	p.mu.Lock()
	sess := p.session
	p.shouldBePaused = true
	p.mu.Unlock()

	if sess != nil {
		sess.SetPaused(true)
	}
	p.logger.Info("Paused player")
	return cc.React("⏸")
}

func (p *guildPlayer) resume(cc *CommandContext) error {
	p.mu.Lock()
	sess := p.session
	p.shouldBePaused = false
	p.mu.Unlock()

	if sess != nil {
		sess.SetPaused(false)
	}
	p.poke()
	p.logger.Info("Resumed player")
	return cc.React("▶")
}

// leave disconnects from voice, leaving the queue intact. When a track
// is mid-stream, the position is offset against the advance its
// teardown would cause, so rejoining resumes at the same track.
func (p *guildPlayer) leave(cc *CommandContext, byTimeout bool) {
	p.mu.Lock()
	sess := p.session
	var play *TrackPlay
	if sess != nil {
		p.pos--
		p.session = nil
		play = p.currentPlay
		p.currentPlay = nil
		p.advanceLocked()
	}
	vc := p.vc
	p.vc = nil
	channelID := p.textChannelID
	p.mu.Unlock()

	if sess != nil {
		sess.Stop()
	}
	if vc != nil {
		_ = vc.Speaking(false)
		_ = vc.Disconnect()
	}
	p.finalizePlay(p.tb.ctx, play, false)
	p.logger.Info("player disconnected from channel")

	if byTimeout {
		if channelID != "" {
			_, _ = p.tb.discord.session.ChannelMessageSendEmbed(
				channelID,
				makeEmbed(
					"❗ I left the voice channel because I was inactive for too long.",
					"", "gold",
				),
			)
		}
	} else if cc != nil {
		_ = cc.React("👋")
	}
}

func (p *guildPlayer) skip(cc *CommandContext) error {
	p.mu.Lock()
	p.skipped = true
	sess := p.session
	pos := p.pos
	track := p.queue.At(pos)
	p.textChannelID = cc.ChannelID()
	p.mu.Unlock()

	if sess != nil {
		sess.Stop()
	}
	if track != nil {
		p.logger.Info(fmt.Sprintf("Stopped (%d) %s", pos, track.Title))
	} else {
		p.logger.Info(fmt.Sprintf(
			"Skipped nothing, outside of the queue already (pos=%d)", pos,
		))
	}
	return cc.React("👌")
}

func (p *guildPlayer) back(cc *CommandContext) error {
	p.mu.Lock()
	var sess streamSession
	if p.pos > 0 {
		p.skipped = true
		if p.session != nil {
			// Offset the advance caused by stopping the stream so the
			// net effect is pos -= 1
			p.pos -= 2
			sess = p.session
		} else {
			p.pos--
		}
	}
	pos := p.pos
	track := p.queue.At(pos + 2)
	p.textChannelID = cc.ChannelID()
	p.mu.Unlock()

	if sess != nil {
		sess.Stop()
	}
	if track != nil {
		p.logger.Info(fmt.Sprintf("Stopped (%d) %s", pos+2, track.Title))
	} else {
		p.logger.Info(fmt.Sprintf(
			"Skipped nothing, outside of the queue already (pos=%d)", pos,
		))
	}
	return cc.React("👌")
}

// resolvePosition turns a jump/remove request into a 1-based queue
// position: either a position number or a title substring.
func (p *guildPlayer) resolvePosition(
	cc *CommandContext,
	request string,
) (int, error) {
	p.mu.Lock()
	numtracks := p.queue.Len()
	p.mu.Unlock()

	if n, err := strconv.Atoi(request); err == nil {
		if n < 1 || n > numtracks {
			return 0, newUserError(
				"**%s**, track position `%d` is out of range",
				cc.AuthorName(), n,
			)
		}
		return n, nil
	}

	found, _ := p.queue.Find(request)
	if found == 0 {
		return 0, newUserError(
			"**%s**, could not find a track for \"%s\"",
			cc.AuthorName(), request,
		)
	}
	return found, nil
}

func (p *guildPlayer) jumpTo(cc *CommandContext, request string) error {
	pos, err := p.resolvePosition(cc, request)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.skipped = true
	sess := p.session
	oldPos := p.pos
	if sess != nil {
		// The stop-driven advance lands on the target
		p.pos = pos - 1
	} else {
		p.pos = pos
	}
	oldTrack := p.queue.At(oldPos)
	p.textChannelID = cc.ChannelID()
	p.mu.Unlock()

	if sess != nil {
		sess.Stop()
	}
	p.poke()

	if oldTrack != nil {
		p.logger.Info(fmt.Sprintf("Stopped (%d) %s", oldPos, oldTrack.Title))
	} else {
		p.logger.Info(fmt.Sprintf(
			"Skipped nothing, outside of the queue already (pos=%d)", oldPos,
		))
	}
	return nil
}

// clearQueue empties the queue after confirmation, stopping playback
// and resetting the queue name and position.
func (p *guildPlayer) clearQueue(ctx context.Context, cc *CommandContext) error {
	p.mu.Lock()
	if p.clearConfirming {
		p.mu.Unlock()
		return cc.React("🚫")
	}
	numtracks := p.queue.Len()
	if numtracks > 0 {
		p.clearConfirming = true
	}
	p.mu.Unlock()

	// Nothing to clear: just acknowledge
	if numtracks == 0 {
		return cc.React("👌")
	}

	confirmed := askForConfirmation(
		ctx, cc,
		fmt.Sprintf(
			"⚠ **%s**, the `%squeue` currently has **%d** song(s).\nDo you confirm? (y/n/yes/no)",
			cc.AuthorName(), cc.prefix, numtracks,
		),
		"⌛ Time's up. Queue preserved.",
		"🖐 Gotcha. Queue preserved.",
		confirmTimeout,
	)
	p.mu.Lock()
	p.clearConfirming = false
	p.mu.Unlock()
	if !confirmed {
		return nil
	}

	p.cancelLoading(ctx, cc.author.ID)

	defaultName := p.defaultQueueName()
	p.mu.Lock()
	numCleared := p.queue.Clear()
	sess := p.session
	p.session = nil
	play := p.currentPlay
	p.currentPlay = nil
	p.pos = 1
	p.loadedBy = ""
	p.queue.SetName(defaultName)
	p.mu.Unlock()

	if sess != nil {
		sess.Stop()
	}
	p.finalizePlay(ctx, play, true)

	p.logger.Info(fmt.Sprintf("Cleared %d song(s) from queue", numCleared))
	_, err := cc.ReplyEmbed(makeEmbed(
		fmt.Sprintf(
			"💥 Cleared **%d** song(s) from queue [%s]",
			numCleared, userMention(cc.author.ID),
		),
		"", "gold",
	))
	return err
}

func (p *guildPlayer) removeTrack(
	ctx context.Context,
	cc *CommandContext,
	request string,
) error {
	pos, err := p.resolvePosition(cc, request)
	if err != nil {
		return err
	}

	p.mu.Lock()
	removed := p.queue.Pop(pos)
	if removed == nil {
		p.mu.Unlock()
		return cc.React("❓")
	}
	var sess streamSession
	var play *TrackPlay
	if pos == p.pos && (p.session != nil || p.shouldBePaused) {
		p.pos--
		if p.session != nil {
			sess = p.session
			p.session = nil
			play = p.currentPlay
			p.currentPlay = nil
			p.advanceLocked()
		}
	}
	if pos < p.pos {
		p.pos--
	}
	p.mu.Unlock()

	if sess != nil {
		sess.Stop()
	}
	p.finalizePlay(ctx, play, true)
	p.poke()

	p.logger.Info(fmt.Sprintf("Removed (%d) %s", pos, removed.Title))
	_, err = cc.ReplyEmbed(makeEmbed(
		fmt.Sprintf(
			"Removed **(%d)** %s [%s]",
			pos, removed.Markdown(), userMention(cc.author.ID),
		),
		"", "gold",
	))
	return err
}

func (p *guildPlayer) removeRange(
	ctx context.Context,
	cc *CommandContext,
	pos1 int,
	pos2 int,
) error {
	p.mu.Lock()
	removed := p.queue.PopRange(pos1, pos2)
	numRemoved := len(removed)
	var sess streamSession
	var play *TrackPlay
	if numRemoved > 0 {
		if p.pos >= pos1 && p.pos <= pos2 {
			if p.session != nil || p.shouldBePaused {
				p.pos--
				if p.session != nil {
					sess = p.session
					p.session = nil
					play = p.currentPlay
					p.currentPlay = nil
					p.advanceLocked()
				}
			}
		} else if pos2 < p.pos {
			p.pos -= numRemoved
		}
	}
	p.mu.Unlock()

	if numRemoved == 0 {
		return cc.React("❓")
	}

	if sess != nil {
		sess.Stop()
	}
	p.finalizePlay(ctx, play, true)
	p.poke()

	p.logger.Info(fmt.Sprintf(
		"Removed %d song(s) (%d~%d) from queue",
		numRemoved, pos1, pos1+numRemoved-1,
	))
	_, err := cc.ReplyEmbed(makeEmbed(
		fmt.Sprintf(
			"🔪 Removed **%d** song(s) (**%d**~**%d**) from queue [%s]",
			numRemoved, pos1, pos1+numRemoved-1, userMention(cc.author.ID),
		),
		"", "gold",
	))
	return err
}

func (p *guildPlayer) shuffleTracks(cc *CommandContext) error {
	p.mu.Lock()
	pos := p.pos
	p.queue.Shuffle(pos)
	remaining := p.queue.Len() - pos
	p.mu.Unlock()

	if remaining < 0 {
		remaining = 0
	}
	p.logger.Info(fmt.Sprintf(
		"Shuffled %d tracks (after pos %d)", remaining, pos,
	))
	return cc.React("🔀")
}

func (p *guildPlayer) setLooped(cc *CommandContext, option *bool) error {
	p.mu.Lock()
	if option == nil {
		p.looped = !p.looped
	} else {
		p.looped = *option
	}
	looped := p.looped
	p.mu.Unlock()

	var desc string
	if looped {
		desc = "🔂 Now looping the **current track**.\n\n" +
			fmt.Sprintf(
				"To disable, use: `%sloop off`\nTo loop whole queue: `%sloopqueue on`",
				cc.prefix, cc.prefix,
			)
	} else {
		desc = "No longer looping the **current track**."
	}

	embed := makeEmbed(desc, "", "gold")
	p.setEmbedFooter(embed)
	_, err := cc.ReplyEmbed(embed)
	p.logger.Info(loopLogLine(desc))
	return err
}

func (p *guildPlayer) setQueueLooped(cc *CommandContext, option *bool) error {
	p.mu.Lock()
	if option == nil {
		p.queueLooped = !p.queueLooped
	} else {
		p.queueLooped = *option
	}
	queueLooped := p.queueLooped
	if !queueLooped {
		p.shuffleOnLoop = false
	}
	p.mu.Unlock()

	var desc string
	if queueLooped {
		desc = "🔁 Now looping the **queue**.\n\n" +
			fmt.Sprintf(
				"To disable, use: `%sloopqueue off`\nTo loop one track: `%sloop on`",
				cc.prefix, cc.prefix,
			)
	} else {
		desc = "No longer looping the **queue**."
	}

	embed := makeEmbed(desc, "", "gold")
	p.setEmbedFooter(embed)
	_, err := cc.ReplyEmbed(embed)
	p.logger.Info(loopLogLine(desc))
	return err
}

func (p *guildPlayer) setShuffleLoop(cc *CommandContext, option *bool) error {
	p.mu.Lock()
	if option == nil {
		p.shuffleOnLoop = !p.shuffleOnLoop
	} else {
		p.shuffleOnLoop = *option
	}
	shuffleOnLoop := p.shuffleOnLoop
	if shuffleOnLoop {
		p.queueLooped = true
	}
	p.mu.Unlock()

	var desc string
	if shuffleOnLoop {
		desc = "🔁🔀 Player will **shuffle the queue** upon looping to the start.\n\n" +
			fmt.Sprintf(
				"To disable, use: `%sshuffleloop off` or `%sloopqueue off`\n",
				cc.prefix, cc.prefix,
			) +
			fmt.Sprintf(
				"To shuffle remaining songs right away: `%sshuffle`", cc.prefix,
			)
	} else {
		desc = "No longer **shuffling the queue** upon looping to the start."
	}

	embed := makeEmbed(desc, "", "gold")
	p.setEmbedFooter(embed)
	_, err := cc.ReplyEmbed(embed)
	p.logger.Info(loopLogLine(desc))
	return err
}

// loopLogLine flattens a loop-setting announcement into one log line.
func loopLogLine(desc string) string {
	desc = strings.ReplaceAll(desc, "*", "")
	desc = strings.ReplaceAll(desc, "\n\n", " ")
	return strings.ReplaceAll(desc, "\n", " ")
}

func (p *guildPlayer) nameQueue(cc *CommandContext, queueName string) error {
	defaultName := p.defaultQueueName()

	p.mu.Lock()
	var desc string
	if queueName == "" {
		p.queue.SetName(defaultName)
		desc = "✏ Reset"
	} else {
		p.queue.SetName(queueName)
		desc = "✏ Set"
	}
	name := p.queue.Name()
	p.mu.Unlock()

	desc += fmt.Sprintf(
		" current queue name to **%s** [%s]", name, userMention(cc.author.ID),
	)
	_, err := cc.ReplyEmbed(makeEmbed(desc, "", "gold"))
	return err
}

// nowPlaying shows the current track with elapsed/total time.
func (p *guildPlayer) nowPlaying(cc *CommandContext) error {
	p.mu.Lock()
	track := p.current
	pos := p.pos
	sess := p.session
	p.mu.Unlock()

	if track == nil {
		p.logger.Warn("nowplaying invoked before anything has played")
		return nil
	}

	elapsed := "?"
	if sess != nil {
		elapsed = durationString(int(sess.PlaybackPosition() / time.Second))
	}
	desc := fmt.Sprintf(
		"**(%d)** %s | **%s** / **%s** | Requested by %s",
		pos, track.Markdown(), elapsed, track.DurationString(),
		userMention(track.RequestedBy),
	)
	embed := makeEmbed(desc, "Current song", "gold")
	p.setEmbedFooter(embed)
	_, err := cc.ReplyEmbed(embed)
	return err
}

// playerSnapshot is a point-in-time view of a guild player's state,
// shown by the owner-only playereval command and the admin API.
type playerSnapshot struct {
	GuildID          string `json:"guild_id"`
	QueueName        string `json:"queue_name"`
	QueueLength      int    `json:"queue_length"`
	Position         int    `json:"position"`
	Looped           bool   `json:"looped"`
	QueueLooped      bool   `json:"queue_looped"`
	ShuffleOnLoop    bool   `json:"shuffle_on_loop"`
	Paused           bool   `json:"paused"`
	Connected        bool   `json:"connected"`
	Running          bool   `json:"running"`
	Loading          bool   `json:"loading"`
	LoadedBy         string `json:"loaded_by,omitempty"`
	TextChannelID    string `json:"text_channel_id,omitempty"`
	CurrentID        string `json:"current_id,omitempty"`
	CurrentTitle     string `json:"current_title,omitempty"`
	PlaybackPosition string `json:"playback_position,omitempty"`
}

func (p *guildPlayer) snapshot() playerSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap := playerSnapshot{
		GuildID:       p.guildID,
		QueueName:     p.queue.Name(),
		QueueLength:   p.queue.Len(),
		Position:      p.pos,
		Looped:        p.looped,
		QueueLooped:   p.queueLooped,
		ShuffleOnLoop: p.shuffleOnLoop,
		Paused:        p.shouldBePaused,
		Connected:     p.vc != nil,
		Running:       p.running.Load(),
		Loading:       p.load != nil && !p.load.finished(),
		LoadedBy:      p.loadedBy,
		TextChannelID: p.textChannelID,
	}
	if p.current != nil {
		snap.CurrentID = p.current.ID
		snap.CurrentTitle = p.current.Title
	}
	if p.session != nil {
		snap.PlaybackPosition = p.session.PlaybackPosition().
			Round(time.Second).String()
	}
	return snap
}

// askForConfirmation prompts the invoking user to reply y/n/yes/no,
// returning true only on an explicit yes. The prompt's footer is
// edited afterwards to show how (or whether) the user responded.
func askForConfirmation(
	ctx context.Context,
	cc *CommandContext,
	warning string,
	timeoutMsg string,
	declineMsg string,
	timeout time.Duration,
) bool {
	embed := warningEmbed(warning)
	prompt, err := cc.ReplyEmbed(embed)
	if err != nil {
		return false
	}

	reply, ok := cc.tb.waitForMessage(
		ctx, cc.ChannelID(), cc.author.ID, timeout,
		func(m *discordgo.Message) bool {
			switch strings.ToLower(m.Content) {
			case "y", "yes", "n", "no":
				return true
			}
			return false
		},
	)

	confirmed := false
	footer := cc.AuthorName()
	switch {
	case !ok:
		_, _ = cc.ReplyEmbed(warningEmbed(timeoutMsg))
		footer += " did not respond in time ⌛"
	case strings.EqualFold(reply.Content, "y") ||
		strings.EqualFold(reply.Content, "yes"):
		confirmed = true
		footer += " responded with yes ✅"
	default:
		_, _ = cc.ReplyEmbed(warningEmbed(declineMsg))
		footer += " responded with no ❌"
	}

	embed.Footer = &discordgo.MessageEmbedFooter{Text: footer}
	_, _ = cc.session.ChannelMessageEditEmbed(cc.ChannelID(), prompt.ID, embed)
	return confirmed
}
