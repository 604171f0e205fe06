package tacobot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/zmb3/spotify/v2"
	spotifyauth "github.com/zmb3/spotify/v2/auth"
	"golang.org/x/oauth2/clientcredentials"
	"gorm.io/gorm"
)

// Set via ldflags at build time
var (
	// Version is the bot version
	Version = "dev"

	// CommitSHA is the git commit SHA at the time the binary was built
	CommitSHA = "unknown"

	// BuildTime is the time the binary was built
	BuildTime = "unknown"
)

var defaultLogWriter io.Writer = os.Stdout

const (
	// defaultCommandTimeout bounds a command handler that doesn't set
	// its own Timeout.
	defaultCommandTimeout = 30 * time.Second

	// reactRemoveTimeout is how long a 🗑 reaction stays armed on a bot
	// message before the offer to delete it expires.
	reactRemoveTimeout = 3 * time.Minute
)

// TacoBot is the main bot: the Discord gateway consumer, the command
// dispatcher, the per-guild music players, and the backing services
// they share.
//
// Create it with [New], and start it with [TacoBot.Run].
type TacoBot struct {
	config *Config

	db         *gorm.DB
	writeDB    DBI
	dbNotifier DBNotifier

	discord *Discord
	api     *API

	// resolver turns search queries and URLs into playable tracks
	resolver trackResolver

	// streamer plays resolved stream URLs on voice connections
	streamer trackStreamer

	// storage holds saved queues, rendered molecule images and other
	// whole-file bot state
	storage ObjectStore

	cache      Cache
	httpClient *http.Client

	exchanger *exchanger
	pubchem   *pubchemClient
	annoy     *annoyTracker

	// spotify is nil unless client credentials are configured
	spotify *spotify.Client

	// eval is the interpreter shared by the eval command and REPL
	// sessions
	eval *evalSession

	replSessions map[string]*replSession
	replMu       sync.Mutex

	// sensitiveValues are scrubbed from eval output before it reaches
	// a channel
	sensitiveValues []string

	commands *CommandRegistry

	players   map[string]*guildPlayer
	playersMu sync.Mutex

	dispatchers map[string]*guildDispatcher
	dispatchMu  sync.Mutex

	reactionListeners map[string][]chan reactionEvent
	reactionMu        sync.Mutex

	messageWaiters map[string]*messageWaiter
	waiterMu       sync.Mutex

	runtimeConfig *RuntimeConfig
	cfgMu         sync.RWMutex

	triggerRuntimeConfigRefreshCh chan bool
	triggerUserCacheRefreshCh     chan bool
	triggerUserUpdatedRefreshCh   chan string

	// runMu prevents concurrent Run calls
	runMu sync.Mutex

	// signalStop is used to signal the bot to stop - this is separate
	// from the parent context passed to Run, so the restart and abort
	// commands can set an exit code first
	signalStop chan struct{}

	// signalReady receives a signal when Run has finished starting up
	signalReady chan struct{}

	// eventShutdown receives a signal when the shutdown process has
	// finished
	eventShutdown chan struct{}

	paused          atomic.Bool
	pendingSetup    atomic.Bool
	announcedReady  atomic.Bool
	commandsHandled atomic.Int64
	exitCode        atomic.Int32

	startedAt time.Time

	logger     *slog.Logger
	logHandler slog.Handler

	// ctx is the main 'runtime' context, set during Run
	ctx context.Context
}

// RuntimeConfig returns a copy of the current runtime configuration.
func (tb *TacoBot) RuntimeConfig() RuntimeConfig {
	tb.cfgMu.RLock()
	defer tb.cfgMu.RUnlock()
	return *tb.runtimeConfig
}

func (tb *TacoBot) setRuntimeConfig(config RuntimeConfig) {
	tb.cfgMu.Lock()
	defer tb.cfgMu.Unlock()
	tb.runtimeConfig = &config
}

// ExitCode is the process exit code requested by the restart and abort
// commands (zero otherwise).
func (tb *TacoBot) ExitCode() int {
	return int(tb.exitCode.Load())
}

// New creates and initializes a new TacoBot instance: loggers, the
// Discord session wrapper, the admin API, the lookup cache, and the
// domain clients (exchange rates, PubChem, Spotify, yt-dlp, dca).
//
// Database and object storage connections are deferred to Run, which
// has a startup context to bound them.
//
// If any errors occur during initialization, they are collected and
// returned as a single error.
func New(config *Config) (*TacoBot, error) {
	var errs []error

	if config.DatabaseType != dbTypeSQLite && config.DatabaseType != dbTypePostgres {
		errs = append(errs, fmt.Errorf(
			"invalid database type %q (must be 'sqlite' or 'postgres')",
			config.DatabaseType,
		))
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	tb := &TacoBot{
		config:                        config,
		httpClient:                    config.HTTPClient,
		signalReady:                   make(chan struct{}, 1),
		eventShutdown:                 make(chan struct{}, 1),
		triggerRuntimeConfigRefreshCh: make(chan bool, 1),
		triggerUserCacheRefreshCh:     make(chan bool, 1),
		triggerUserUpdatedRefreshCh:   make(chan string, 1),
		players:                       map[string]*guildPlayer{},
		dispatchers:                   map[string]*guildDispatcher{},
		reactionListeners:             map[string][]chan reactionEvent{},
		messageWaiters:                map[string]*messageWaiter{},
		replSessions:                  map[string]*replSession{},
		annoy:                         newAnnoyTracker(),
	}

	tb.logHandler = tintHandler(tb.config.LogLevel)
	tb.logger = slog.New(tb.logHandler)
	slog.SetDefault(tb.logger)

	tb.config.Discord.httpClient = tb.config.HTTPClient

	disc := newDiscord(tb.config.Discord)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tintHandler(tb.config.Discord.DiscordGoLogLevel).
			WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	disc.logger = slog.New(
		tintHandler(tb.config.Discord.LogLevel),
	).With(loggerNameKey, "discord")

	tb.discord = disc
	disc.tb = tb

	tb.cache = newCache(config.Cache, tb.logger)
	tb.exchanger = newExchanger(config.Currency, tb.httpClient, tb.cache, tb.logger)
	tb.pubchem = newPubchemClient(tb.httpClient, tb.logger)

	playerLogger := slog.New(tintHandler(config.Player.LogLevel))
	tb.resolver = newYTDLResolver(*config.Player, playerLogger)
	tb.streamer = newDCAStreamer(config.Player, playerLogger)

	if config.Spotify != nil && config.Spotify.ClientID != "" &&
		config.Spotify.ClientSecret != "" {
		authConfig := &clientcredentials.Config{
			ClientID:     config.Spotify.ClientID,
			ClientSecret: config.Spotify.ClientSecret,
			TokenURL:     spotifyauth.TokenURL,
		}
		tb.spotify = spotify.New(authConfig.Client(context.Background()))
	}

	evalSess, evalErr := newEvalSession()
	if evalErr != nil {
		errs = append(errs, evalErr)
	}
	tb.eval = evalSess

	tb.sensitiveValues = collectSensitiveValues(config)

	tb.commands = newRegistry()
	tb.commands.register(basicCommands()...)
	tb.commands.register(tb.musicCommands()...)
	tb.commands.register(tb.savedQueueCommands()...)
	tb.commands.register(convertCommand(), currencyCommand())
	tb.commands.register(chemistryCommands()...)
	tb.commands.register(solveCommand())
	tb.commands.register(evalCommand(), replCommand())
	tb.commands.register(socialCommands()...)
	tb.commands.register(godCommands()...)

	api, err := newAPI(tb, config.API)
	errs = append(errs, err)
	tb.api = api

	return tb, errors.Join(errs...)
}

// collectSensitiveValues gathers every configured secret so eval
// output can be scrubbed before it reaches a channel.
func collectSensitiveValues(config *Config) []string {
	candidates := []string{
		config.Discord.Token,
		config.API.Secret,
	}
	if config.Storage != nil {
		candidates = append(
			candidates,
			config.Storage.AccessKeyID,
			config.Storage.SecretAccessKey,
		)
	}
	if config.Cache != nil {
		candidates = append(candidates, config.Cache.RedisPassword)
	}
	if config.Currency != nil {
		candidates = append(candidates, config.Currency.APIKey)
	}
	if config.Spotify != nil {
		candidates = append(
			candidates,
			config.Spotify.ClientID,
			config.Spotify.ClientSecret,
		)
	}
	values := make([]string, 0, len(candidates))
	for _, v := range candidates {
		if v != "" {
			values = append(values, v)
		}
	}
	return values
}

func (tb *TacoBot) ValidateConfig() error {
	err := fieldValidator.Struct(tb.config)
	if err != nil {
		return err
	}

	return nil
}

func newDBNotifier(tb *TacoBot) (DBNotifier, error) {
	notifyID, err := generateRandomHexString(16)
	if err != nil {
		return nil, err
	}
	log := tb.logger.With(loggerNameKey, "db_notifier")
	switch tb.config.DatabaseType {
	case dbTypeSQLite:
		return &sqliteNotifier{tb: tb, logger: log, notifyID: notifyID}, nil
	case dbTypePostgres:
		return &postgresNotifier{tb: tb, logger: log, notifyID: notifyID}, nil
	default:
		return nil, fmt.Errorf("invalid database type %q", tb.config.DatabaseType)
	}
}

// Run starts the main loop of the TacoBot bot.
//
// This initializes the bot's runtime environment, validates the
// configuration, connects the database and object storage, opens the
// Discord gateway, and serves the admin API - then blocks until the
// context is canceled or a stop signal arrives.
func (tb *TacoBot) Run(ctx context.Context) error {
	// prevents concurrent runs
	tb.runMu.Lock()
	defer tb.runMu.Unlock()

	tb.signalStop = make(chan struct{}, 1)

	tb.startedAt = time.Now()
	logger := tb.logger

	if err := tb.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	notifier, err := newDBNotifier(tb)
	if err != nil {
		logger.Error("error creating db notifier", tint.Err(err))
		return err
	}
	tb.dbNotifier = notifier

	ctx = WithLogger(ctx, logger)

	runtimeWG := &sync.WaitGroup{}

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", tb.config))
	if tb.signalReady == nil {
		tb.signalReady = make(chan struct{}, 1)
	}

	// Canceling this context starts a graceful shutdown.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	tb.ctx = ctx

	go func() {
		select {
		case <-tb.signalStop:
			tb.logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			tb.logger.Warn("context canceled, sending stop signal")
			tb.signalStop <- struct{}{}
			return
		}
	}()

	go func() {
		httpErr := tb.api.Serve(ctx)
		if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			tb.logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, tb.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- tb.initRun(startCtx, ctx)
	}()

	select {
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			if tb.api != nil && tb.api.listener != nil {
				go func() {
					if closeErr := tb.api.listener.Close(); closeErr != nil {
						logger.ErrorContext(ctx, "error closing listener", tint.Err(closeErr))
					}
				}()
			}
			return err
		}
		logger.WarnContext(ctx, "init complete")
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out")
	}

	if setupErr := tb.waitOnSetup(ctx, logger, runtimeWG); setupErr != nil {
		return setupErr
	}

	runtimeCfg := tb.RuntimeConfig()

	if discErr := tb.initDiscordSession(ctx, runtimeWG); discErr != nil {
		tb.logger.ErrorContext(ctx, "error creating discord session", tint.Err(discErr))
		return discErr
	}

	if err := tb.discordInit(ctx, runtimeCfg, logger); err != nil {
		return err
	}

	tb.startRuntimeConfigRefresher(ctx, runtimeWG, logger)
	tb.startUserCacheRefresher(ctx, runtimeWG)
	tb.startUserUpdatedListener(ctx, runtimeWG)

	tb.signalReady <- struct{}{}
	tb.logger.InfoContext(ctx, "sent ready signal")

	for _, listen := range []struct{ channel, label string }{
		{tb.dbNotifier.RuntimeConfigChannelName(), "runtime config"},
		{tb.dbNotifier.UserCacheChannelName(), "user cache"},
		{tb.dbNotifier.UserUpdateChannelName(), "user update"},
	} {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			if e := tb.dbNotifier.Listen(ctx, listen.channel); e != nil {
				tb.logger.ErrorContext(
					ctx,
					"error listening to "+listen.label+" channel",
					tint.Err(e),
				)
			}
		}()
	}

	// Block until the runtime context is canceled, by an interrupt or
	// the restart/abort commands, then shut down.
	<-ctx.Done()
	return tb.shutdown(ctx, runtimeWG)
}

// exit requests a shutdown with the given process exit code. The
// process manager interprets 0 as a restart request and anything else
// as a crash it should leave alone.
func (tb *TacoBot) exit(code int) {
	tb.exitCode.Store(int32(code))
	select {
	case tb.signalStop <- struct{}{}:
	default:
	}
}

func (tb *TacoBot) waitOnSetup(
	ctx context.Context,
	logger *slog.Logger,
	runtimeWG *sync.WaitGroup,
) error {
	if !tb.pendingSetup.Load() {
		return nil
	}

	setupURL := tb.api.listener.Addr().String() + apiRoot + routeSetup
	logger.WarnContext(ctx, "pending initial setup at: "+setupURL)
	credentialsSet := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			var state RuntimeConfig
			if err := tb.db.Last(&state).Error; err != nil {
				logger.ErrorContext(
					ctx, "error reading runtime config", tint.Err(err),
				)
			} else if state.AdminUsername != "" && state.AdminPassword != "" {
				close(credentialsSet)
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	select {
	case <-credentialsSet:
		tb.pendingSetup.Store(false)
	case <-ctx.Done():
		logger.WarnContext(ctx, "context cancelled waiting on setup, exiting")
		return tb.shutdown(ctx, runtimeWG)
	}

	return nil
}

// discordInit opens the discord websocket connection and restores the
// persisted presence, if the gateway is enabled
func (tb *TacoBot) discordInit(
	ctx context.Context,
	runtimeCfg RuntimeConfig,
	logger *slog.Logger,
) error {
	if !runtimeCfg.DiscordGatewayEnabled {
		logger.WarnContext(ctx, "discord gateway disabled")
		return nil
	}
	tb.logger.InfoContext(ctx, "connecting to discord")
	if err := tb.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		return fmt.Errorf("error connecting to discord: %w", err)
	}
	if runtimeCfg.DiscordCustomStatus != "" && !tb.paused.Load() {
		go func() {
			if err := applyPresence(tb.discord.session, runtimeCfg); err != nil {
				logger.Error("error updating discord status", tint.Err(err))
			}
		}()
	}
	return nil
}

func (tb *TacoBot) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	logger := tb.logger.With(loggerNameKey, "discord_session")

	if tb.discord.session == nil {
		disc, discErr := tb.discord.newSession()
		if discErr != nil {
			return fmt.Errorf("error creating discord session: %w", discErr)
		}
		tb.discord.session = disc
	}

	ctx = WithLogger(ctx, logger)

	if len(tb.discord.removeHandlers) > 0 {
		for _, h := range tb.discord.removeHandlers {
			h()
		}
	}

	identify := discordgo.Identify{Intents: tb.config.Discord.GatewayIntents}
	if tb.paused.Load() {
		identify.Presence = discordgo.GatewayStatusUpdate{
			AFK:    true,
			Status: string(discordgo.StatusDoNotDisturb),
		}
	} else {
		identify.Presence = gatewayStatusUpdate(tb.RuntimeConfig())
	}
	tb.discord.session.SetIdentify(identify)

	tb.discord.removeHandlers = []func(){
		tb.discord.session.AddHandler(tb.discord.onConnect()),
		tb.discord.session.AddHandler(tb.discord.onDisconnect()),
		tb.discord.session.AddHandler(tb.discord.onReady()),
		tb.discord.session.AddHandler(tb.handlerGoLive(ctx)),
		tb.discord.session.AddHandler(
			func(
				_ *discordgo.Session,
				m *discordgo.MessageCreate,
			) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					tb.handleDiscordMessage(ctx, m)
				}()
			},
		),
		tb.discord.session.AddHandler(
			func(
				_ *discordgo.Session,
				r *discordgo.MessageReactionAdd,
			) {
				tb.handleReaction(r.MessageReaction, true)
			},
		),
		tb.discord.session.AddHandler(
			func(
				_ *discordgo.Session,
				r *discordgo.MessageReactionRemove,
			) {
				tb.handleReaction(r.MessageReaction, false)
			},
		),
		tb.discord.session.AddHandler(
			func(
				_ *discordgo.Session,
				v *discordgo.VoiceStateUpdate,
			) {
				// wake the guild's player so auto-leave and the
				// humans-in-channel check react promptly
				if p := tb.playerIfExists(v.GuildID); p != nil {
					p.poke()
				}
			},
		),
	}

	return nil
}

// handlerGoLive restores the persisted presence once the gateway
// session is ready, and DMs the dev user a single go-live notice.
func (tb *TacoBot) handlerGoLive(ctx context.Context) func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(_ *discordgo.Session, _ *discordgo.Ready) {
		config := tb.RuntimeConfig()

		if tb.paused.Load() {
			if err := tb.discord.updateStatusComplex(pausedStatus); err != nil {
				tb.logger.Warn("error restoring paused status", tint.Err(err))
			}
		} else if err := applyPresence(tb.discord.session, config); err != nil {
			tb.logger.Warn("error restoring presence", tint.Err(err))
		}

		if tb.announcedReady.Swap(true) {
			return
		}

		prefix := ""
		if tb.config.Discord.Tester {
			prefix = "<TESTER MODE> "
		}
		tb.logger.InfoContext(
			ctx,
			fmt.Sprintf("%sLoaded version %s", prefix, Version),
			"commit_sha", CommitSHA,
			"build_time", BuildTime,
		)

		devID := config.DevUserID
		if devID == "" {
			devID = tb.config.Discord.DevUserID
		}
		if devID == "" {
			return
		}
		channel, err := tb.discord.session.UserChannelCreate(devID)
		if err != nil {
			tb.logger.Warn("error opening dev DM channel", tint.Err(err))
			return
		}
		if sendErr := tb.discord.channelMessageSend(
			channel.ID,
			fmt.Sprintf(
				"**BOT ONLINE**\n%sRunning version **%s**!",
				prefix, Version,
			),
			discordgo.WithContext(ctx),
			discordgo.WithRetryOnRatelimit(false),
		); sendErr != nil {
			tb.logger.Warn("error sending go-live notice", tint.Err(sendErr))
		}
	}
}

// commandPrefix is the prefix this instance answers to. The tester
// instance only answers the tester prefix, so both bots can share a
// server without double-answering.
func (tb *TacoBot) commandPrefix() string {
	config := tb.RuntimeConfig()
	if tb.config.Discord.Tester {
		if config.TesterCommandPrefix != "" {
			return config.TesterCommandPrefix
		}
		return DefaultTesterCommandPrefix
	}
	if config.CommandPrefix != "" {
		return config.CommandPrefix
	}
	return DefaultCommandPrefix
}

// handleDiscordMessage is the gateway message entrypoint: it routes
// confirmation replies and REPL input, fires the annoy hook, then
// parses and dispatches prefix commands.
func (tb *TacoBot) handleDiscordMessage(ctx context.Context, m *discordgo.MessageCreate) {
	tb.discord.messagesHandled.Add(1)

	if m.Author == nil || m.Author.Bot {
		return
	}

	// confirmation prompts get first claim on replies
	if tb.deliverToWaiter(m.Message) {
		return
	}

	// a live REPL session owns its channel's messages from its owner
	if session := tb.replSessionFor(m.Message); session != nil {
		session.deliver(m.Message)
		return
	}

	tb.handleAnnoyMessage(ctx, m)

	prefix := tb.commandPrefix()
	name, rawArgs, ok := parseCommandLine(m.Content, prefix)
	if !ok {
		return
	}

	user, isNew, err := tb.writeDB.GetOrCreateUser(ctx, tb, *m.Author)
	if err != nil {
		tb.logger.ErrorContext(ctx, "error getting user", tint.Err(err))
		return
	}
	if isNew {
		tb.logger.InfoContext(
			ctx,
			"new user seen",
			slog.Group("user", userLogAttrs(*user)...),
		)
	}
	if user.Ignored {
		return
	}
	if tb.config.Discord.Tester && !user.Tester && !user.God {
		return
	}

	cmd := tb.commands.Lookup(name)
	if cmd == nil {
		_, _ = tb.discord.session.ChannelMessageSend(m.ChannelID, "🤷")
		return
	}

	if tb.paused.Load() && !user.God {
		_, _ = tb.discord.session.ChannelMessageSend(
			m.ChannelID,
			fmt.Sprintf("😴 **%s**, I'm paused right now!", displayName(m.Author)),
		)
		return
	}

	cc := &CommandContext{
		tb:      tb,
		session: tb.discord.session,
		message: m.Message,
		author:  m.Author,
		user:    user,
		command: cmd,
		invoked: name,
		prefix:  prefix,
		args:    splitArgs(rawArgs),
		rawArgs: rawArgs,
		logger: tb.logger.With(
			slog.Group("message", messageLogAttrs(*m.Message)...),
			"command", cmd.Name,
		),
	}
	tb.dispatchCommand(cc)
}

func displayName(u *discordgo.User) string {
	if u == nil {
		return ""
	}
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

// guildDispatcher serializes one guild's commands so a slow handler
// can't reorder replies within the guild.
type guildDispatcher struct {
	ch chan *CommandContext
}

// dispatchCommand hands the command to the guild's worker, answering
// 'busy' instead of blocking the gateway handler when the worker's
// buffer is full.
func (tb *TacoBot) dispatchCommand(cc *CommandContext) {
	key := cc.GuildID()
	if key == "" {
		key = "dm:" + cc.author.ID
	}

	tb.dispatchMu.Lock()
	worker := tb.dispatchers[key]
	if worker == nil {
		worker = &guildDispatcher{
			ch: make(chan *CommandContext, tb.dispatchBuffer()),
		}
		tb.dispatchers[key] = worker
		go tb.runDispatcher(key, worker)
	}
	tb.dispatchMu.Unlock()

	select {
	case worker.ch <- cc:
	default:
		cc.logger.Warn("dispatch buffer full, dropping command")
		_, _ = cc.Replyf(
			"🖐 **%s**, I'm busy! Try again in a moment.", cc.AuthorName(),
		)
	}
}

func (tb *TacoBot) dispatchBuffer() int {
	if tb.config.Dispatch != nil && tb.config.Dispatch.Buffer > 0 {
		return tb.config.Dispatch.Buffer
	}
	return DefaultDispatchBuffer
}

func (tb *TacoBot) dispatchIdleTimeout() time.Duration {
	if tb.config.Dispatch != nil && tb.config.Dispatch.IdleTimeout > 0 {
		return tb.config.Dispatch.IdleTimeout
	}
	return DefaultDispatchIdleTimeout
}

// runDispatcher is a guild worker loop. It exits after sitting idle
// with an empty buffer, and is recreated on the next command.
func (tb *TacoBot) runDispatcher(key string, worker *guildDispatcher) {
	idle := tb.dispatchIdleTimeout()
	timer := time.NewTimer(idle)
	defer timer.Stop()

	for {
		select {
		case <-tb.ctx.Done():
			tb.dispatchMu.Lock()
			delete(tb.dispatchers, key)
			tb.dispatchMu.Unlock()
			return
		case cc := <-worker.ch:
			tb.runCommand(cc)
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(idle)
		case <-timer.C:
			tb.dispatchMu.Lock()
			if len(worker.ch) == 0 {
				delete(tb.dispatchers, key)
				tb.dispatchMu.Unlock()
				return
			}
			tb.dispatchMu.Unlock()
			timer.Reset(idle)
		}
	}
}

// runCommand logs, gates, times out and executes one command, then
// finishes the command log record.
func (tb *TacoBot) runCommand(cc *CommandContext) {
	started := time.Now()

	entry := NewCommandLog(cc)
	if _, err := tb.writeDB.Create(tb.ctx, entry); err != nil {
		cc.logger.Error("error creating command log", tint.Err(err))
	}

	timeout := cc.command.Timeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	ctx, cancel := context.WithTimeout(tb.ctx, timeout)
	defer cancel()
	ctx = WithLogger(ctx, cc.logger)

	cc.logger.InfoContext(
		ctx,
		fmt.Sprintf(
			"(%s, %s%s) dispatching",
			cc.author.Username, cc.prefix, cc.invoked,
		),
	)

	err := tb.executeCommand(ctx, cc)
	tb.commandsHandled.Add(1)

	finished := time.Now()
	updates := map[string]any{
		columnCommandLogFinishedAt: finished.UnixMilli(),
		"duration_ms":              finished.Sub(started).Milliseconds(),
	}

	var userErr userError
	switch {
	case err == nil:
		//
	case errors.As(err, &userErr):
		// the user did something wrong, not the bot - reply and move on
		if _, replyErr := cc.Reply(userErr.msg); replyErr != nil {
			cc.logger.Warn("error sending user error reply", tint.Err(replyErr))
		}
	default:
		updates["error"] = err.Error()
		cc.logger.Error(
			"command failed",
			tint.Err(err),
			"command_log", entry,
		)
		msg := tb.RuntimeConfig().DiscordErrorMessage
		if msg == "" {
			msg = DefaultDiscordErrorMessage
		}
		_, _ = cc.ReplyEmbed(errorEmbed(msg))
	}

	if _, updateErr := tb.writeDB.Updates(tb.ctx, entry, updates); updateErr != nil {
		cc.logger.Error("error finishing command log", tint.Err(updateErr))
	}
}

func (tb *TacoBot) executeCommand(ctx context.Context, cc *CommandContext) (err error) {
	if tb.RuntimeConfig().RecoverPanic {
		defer func() {
			if rc := recover(); rc != nil {
				cc.logger.Error(
					"panic in command handler",
					"recovered", rc,
					"command", cc.command.Name,
				)
				err = fmt.Errorf("panic in %s: %v", cc.command.Name, rc)
			}
		}()
	}

	if gateErr := cc.checkGates(); gateErr != nil {
		return gateErr
	}
	return cc.command.Handler(ctx, cc)
}

// messageWaiter claims the next message in a channel from a specific
// user that satisfies match.
type messageWaiter struct {
	channelID string
	userID    string
	match     func(*discordgo.Message) bool
	ch        chan *discordgo.Message
}

// waitForMessage blocks until the given user sends a matching message
// in the channel, the timeout passes, or the context ends. The matched
// message is consumed: it never reaches command dispatch.
func (tb *TacoBot) waitForMessage(
	ctx context.Context,
	channelID string,
	userID string,
	timeout time.Duration,
	match func(*discordgo.Message) bool,
) (*discordgo.Message, bool) {
	waiter := &messageWaiter{
		channelID: channelID,
		userID:    userID,
		match:     match,
		ch:        make(chan *discordgo.Message, 1),
	}
	key, err := generateRandomHexString(8)
	if err != nil {
		return nil, false
	}

	tb.waiterMu.Lock()
	tb.messageWaiters[key] = waiter
	tb.waiterMu.Unlock()
	defer func() {
		tb.waiterMu.Lock()
		delete(tb.messageWaiters, key)
		tb.waiterMu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, false
	case <-timer.C:
		return nil, false
	case m := <-waiter.ch:
		return m, true
	}
}

// deliverToWaiter offers the message to the first matching waiter,
// reporting whether it was claimed.
func (tb *TacoBot) deliverToWaiter(m *discordgo.Message) bool {
	if m.Author == nil {
		return false
	}
	tb.waiterMu.Lock()
	defer tb.waiterMu.Unlock()
	for key, waiter := range tb.messageWaiters {
		if waiter.channelID != m.ChannelID || waiter.userID != m.Author.ID {
			continue
		}
		if waiter.match != nil && !waiter.match(m) {
			continue
		}
		delete(tb.messageWaiters, key)
		waiter.ch <- m
		return true
	}
	return false
}

// reactionEvent is one reaction added to or removed from a watched
// message.
type reactionEvent struct {
	Emoji  string
	UserID string
	Added  bool
}

// addReactionListener subscribes a channel to reaction events on the
// given message. The returned function unsubscribes it.
func (tb *TacoBot) addReactionListener(
	messageID string,
	ch chan reactionEvent,
) func() {
	tb.reactionMu.Lock()
	tb.reactionListeners[messageID] = append(tb.reactionListeners[messageID], ch)
	tb.reactionMu.Unlock()

	return func() {
		tb.reactionMu.Lock()
		defer tb.reactionMu.Unlock()
		listeners := tb.reactionListeners[messageID]
		for i, listener := range listeners {
			if listener == ch {
				listeners = append(listeners[:i], listeners[i+1:]...)
				break
			}
		}
		if len(listeners) == 0 {
			delete(tb.reactionListeners, messageID)
		} else {
			tb.reactionListeners[messageID] = listeners
		}
	}
}

// handleReaction fans a gateway reaction event out to that message's
// listeners. Slow listeners miss events rather than block the gateway.
func (tb *TacoBot) handleReaction(r *discordgo.MessageReaction, added bool) {
	if r == nil {
		return
	}
	if self := tb.discord.session.BotUser(); self != nil && r.UserID == self.ID {
		return
	}

	ev := reactionEvent{
		Emoji:  r.Emoji.Name,
		UserID: r.UserID,
		Added:  added,
	}

	tb.reactionMu.Lock()
	listeners := append([]chan reactionEvent(nil), tb.reactionListeners[r.MessageID]...)
	tb.reactionMu.Unlock()

	for _, ch := range listeners {
		select {
		case ch <- ev:
		default:
		}
	}
}

// reactRemoveDetached arms a bot message for self-service deletion: it
// adds a 🗑 reaction, and deletes the message if byID (anyone, when
// empty) clicks it within the window. On timeout the 🗑 is removed.
func (tb *TacoBot) reactRemoveDetached(channelID, messageID, byID string) {
	go func() {
		if err := tb.discord.session.MessageReactionAdd(
			channelID, messageID, "🗑",
		); err != nil {
			tb.logger.Warn("error adding trash reaction", tint.Err(err))
			return
		}

		events := make(chan reactionEvent, 1)
		removeListener := tb.addReactionListener(messageID, events)
		defer removeListener()

		timer := time.NewTimer(reactRemoveTimeout)
		defer timer.Stop()

		for {
			select {
			case <-tb.ctx.Done():
				return
			case <-timer.C:
				_ = tb.discord.session.MessageReactionRemove(
					channelID, messageID, "🗑", "@me",
				)
				return
			case ev := <-events:
				if !ev.Added || ev.Emoji != "🗑" {
					continue
				}
				if byID != "" && ev.UserID != byID {
					continue
				}
				_ = tb.discord.session.ChannelMessageDelete(channelID, messageID)
				return
			}
		}
	}()
}

// reactRemove arms the given bot message so the invoking user can
// delete it with a 🗑 reaction.
func (cc *CommandContext) reactRemove(msg *discordgo.Message) {
	if msg == nil {
		return
	}
	cc.reactRemoveBy(msg, cc.author.ID)
}

func (cc *CommandContext) reactRemoveBy(msg *discordgo.Message, byID string) {
	if msg == nil {
		return
	}
	cc.tb.reactRemoveDetached(msg.ChannelID, msg.ID, byID)
}

// startTickerSignal sends a non-forced refresh signal on ch every
// interval until the context ends.
func startTickerSignal(
	ctx context.Context,
	wg *sync.WaitGroup,
	interval time.Duration,
	ch chan<- bool,
	sendTimeout time.Duration,
	logger *slog.Logger,
	target string,
) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				select {
				case ch <- false:
					logger.Debug("sent refresh signal", "target", target)
				case <-time.After(sendTimeout):
					logger.Warn("timed out sending refresh signal", "target", target)
				}
			}
		}
	}()
}

func (tb *TacoBot) startUserCacheRefresher(ctx context.Context, runtimeWG *sync.WaitGroup) {
	userCacheTTL := tb.config.UserCacheTTL

	if userCacheTTL > 0 {
		startTickerSignal(
			ctx,
			runtimeWG,
			userCacheTTL,
			tb.triggerUserCacheRefreshCh,
			15*time.Second,
			tb.logger,
			"user cache",
		)
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		var lastRefresh time.Time
		for {
			select {
			case <-ctx.Done():
				tb.logger.Info("context canceled, stopping user cache refresher")
				return
			case forceRefresh := <-tb.triggerUserCacheRefreshCh:
				recent := !lastRefresh.IsZero() &&
					time.Since(lastRefresh) <= userCacheTTL
				if !forceRefresh && recent {
					tb.logger.Info("user cache refreshed recently, skipping")
					continue
				}
				tb.logger.Info("reloading user cache", "forced", forceRefresh)
				tb.refreshUserCache(ctx)
				lastRefresh = time.Now()
				tb.logger.Info("user cache reloaded")
			}
		}
	}()
}

func (tb *TacoBot) startUserUpdatedListener(ctx context.Context, runtimeWG *sync.WaitGroup) {
	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		for {
			select {
			case <-ctx.Done():
				tb.logger.Info("context canceled, stopping user updated listener")
				return
			case userID := <-tb.triggerUserUpdatedRefreshCh:
				if userID == "" {
					tb.logger.Warn("empty user ID received, skipping refresh")
					continue
				}
				tb.refreshUser(userID)
			}
		}
	}()
}

func (tb *TacoBot) refreshUser(userID string) {
	tb.logger.Info("reloading user", "user_id", userID)
	_ = tb.writeDB.ReloadUser(userID)
	tb.logger.Info("reloaded user", "user_id", userID)
}

// startRuntimeConfigRefresher consumes refresh signals and reloads
// [RuntimeConfig] from the database, at most once per TTL unless the
// signal is forced.
func (tb *TacoBot) startRuntimeConfigRefresher(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
	logger *slog.Logger,
) {
	runtimeConfigTTL := tb.config.RuntimeConfigTTL

	if runtimeConfigTTL > 0 {
		startTickerSignal(
			ctx,
			runtimeWG,
			runtimeConfigTTL,
			tb.triggerRuntimeConfigRefreshCh,
			5*time.Second,
			logger,
			"runtime config",
		)
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()

		for {
			select {
			case <-ctx.Done():
				return
			case forceRefresh := <-tb.triggerRuntimeConfigRefreshCh:
				refreshCh := make(chan struct{}, 1)
				refreshCtx, refreshCancel := context.WithTimeout(ctx, 30*time.Second)
				go func() {
					tb.refreshRuntimeConfig(refreshCtx, forceRefresh)
					refreshCh <- struct{}{}
				}()
				select {
				case <-refreshCh:
				case <-refreshCtx.Done():
					tb.logger.Warn("runtime config refresh timed out or interrupted")
				}
				refreshCancel()
			}
		}
	}()
}

func (tb *TacoBot) refreshRuntimeConfig(ctx context.Context, force bool) {
	tb.cfgMu.Lock()
	defer tb.cfgMu.Unlock()

	runtimeConfigTTL := tb.config.RuntimeConfigTTL
	rollbackConfig := tb.runtimeConfig

	var refreshConfig RuntimeConfig
	if err := tb.db.WithContext(ctx).Last(&refreshConfig).Error; err != nil {
		tb.logger.Error("error getting runtime config", tint.Err(err))
		return
	}

	lastUpdated := time.Since(time.UnixMilli(refreshConfig.UpdatedAt))
	if force || lastUpdated > runtimeConfigTTL {
		tb.logger.Info(
			fmt.Sprintf(
				"runtime config last updated: %s ago, refreshing",
				lastUpdated.String(),
			),
		)
		tb.unsafeRefreshRuntimeConfig(rollbackConfig, &refreshConfig)
	} else {
		tb.logger.Info("runtime config is up to date, skipping refresh")
	}
}

// unsafeRefreshRuntimeConfig refreshes the runtime configuration
// without locking the config mutex.
func (tb *TacoBot) unsafeRefreshRuntimeConfig(
	rollbackConfig *RuntimeConfig,
	existingConfig *RuntimeConfig,
) {
	tb.logger.Info("refreshing runtime configuration")
	reconcileDiscordStatus(tb, tb.logger, *rollbackConfig, existingConfig)

	tb.paused.Store(existingConfig.Paused)
	tb.runtimeConfig = existingConfig
	tb.setRuntimeLevels(*existingConfig)

	tb.logger.Info("refreshed runtime config")
}

func (tb *TacoBot) refreshUserCache(context.Context) {
	tb.writeDB.UserCacheLock()
	defer tb.writeDB.UserCacheUnlock()
	_ = tb.writeDB.LoadUsers()
}

// setRuntimeLevels sets the logging levels for the bot's components
// based on the provided runtime configuration.
func (tb *TacoBot) setRuntimeLevels(state RuntimeConfig) {
	tb.config.LogLevel.Set(state.LogLevel.Level())
	tb.config.Player.LogLevel.Set(state.PlayerLogLevel.Level())
	tb.config.Storage.LogLevel.Set(state.StorageLogLevel.Level())
	tb.config.Discord.LogLevel.Set(state.DiscordLogLevel.Level())
	tb.config.Discord.DiscordGoLogLevel.Set(state.DiscordGoLogLevel.Level())
	tb.config.DatabaseLogLevel.Set(state.DatabaseLogLevel.Level())
	tb.config.API.LogLevel.Set(state.APILogLevel.Level())
}

func (tb *TacoBot) initRun(startCtx context.Context, ctx context.Context) error {
	tb.logger.Debug("initializing DB...")
	if err := tb.initDB(startCtx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	tb.logger.Debug("finished initializing DB")

	// load or create the DB state config - this tells the bot whether
	// it should come up paused (so a crash can't un-pause it)
	var botState RuntimeConfig

	getStateErr := tb.db.Last(&botState).Error
	if getStateErr != nil {
		if errors.Is(getStateErr, gorm.ErrRecordNotFound) {
			tb.pendingSetup.Store(true)
			botState = DefaultRuntimeConfig()
			botState.DevUserID = tb.config.Discord.DevUserID

			if _, err := tb.writeDB.Create(startCtx, &botState); err != nil {
				return fmt.Errorf("error creating config: %w", err)
			}
		} else {
			return fmt.Errorf("error getting config: %w", getStateErr)
		}
	}
	if validationErr := fieldValidator.Struct(botState); validationErr != nil {
		return fmt.Errorf("invalid runtime config: %w", validationErr)
	}

	if botState.AdminUsername == "" || botState.AdminPassword == "" {
		tb.pendingSetup.Store(true)
	}
	if botState.DevUserID == "" && tb.config.Discord.DevUserID != "" {
		botState.DevUserID = tb.config.Discord.DevUserID
		if _, err := tb.writeDB.Update(
			startCtx, &botState, "dev_user_id", botState.DevUserID,
		); err != nil {
			return fmt.Errorf("error setting dev user: %w", err)
		}
	}
	tb.paused.Store(botState.Paused)
	tb.setRuntimeLevels(botState)
	tb.runtimeConfig = &botState

	if tb.storage == nil {
		store, storeErr := newObjectStore(startCtx, tb.config.Storage, tb.logger)
		if storeErr != nil {
			return fmt.Errorf("error initializing object storage: %w", storeErr)
		}
		tb.storage = store
	}

	if annoyErr := tb.loadAnnoyTargets(startCtx); annoyErr != nil {
		tb.logger.WarnContext(ctx, "error loading annoy targets", tint.Err(annoyErr))
	}

	return nil
}

// initDB initializes the database connection for the bot, sets up the
// GORM logger, and migrates the schema.
func (tb *TacoBot) initDB(ctx context.Context) error {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = tb.logger
	}

	gormLogger := newGORMLogger(
		tintHandler(tb.config.DatabaseLogLevel),
		tb.config.DatabaseSlowThreshold,
	)
	db, err := getDB(tb.config.DatabaseType, tb.config.Database, gormLogger)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}

	tb.db = db

	tb.writeDB = NewDatabase(db, nil, tb.config.DatabaseType == dbTypePostgres)

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("error getting database connection: %w", err)
	}

	if tb.config.DatabaseType == dbTypeSQLite {
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)
		for _, p := range sqliteExecPragma {
			if pragmaErr := db.WithContext(ctx).Exec(p).Error; pragmaErr != nil {
				return fmt.Errorf("error executing %q: %w", p, pragmaErr)
			}
		}
	}

	logger.Debug("running database migrations")
	if err = migrateModels(ctx, db); err != nil {
		logger.Error("migration failed", tint.Err(err))
		return fmt.Errorf("error migrating database: %w", err)
	}
	logger.Debug("database migrations done")

	_ = tb.writeDB.LoadUsers()
	return nil
}

// Pause 'pauses' the bot. While paused, prefix commands from anyone
// but god users are answered with a brush-off instead of dispatched.
func (tb *TacoBot) Pause(ctx context.Context) bool {
	prev := tb.paused.Swap(true)
	if prev {
		return false
	}

	if err := tb.discord.updateStatusComplex(pausedStatus); err != nil {
		tb.logger.ErrorContext(ctx, "unable to update afk status", tint.Err(err))
	}
	if !tb.runtimeConfig.Paused {
		if _, err := tb.writeDB.Update(
			ctx,
			tb.runtimeConfig,
			columnRuntimeConfigPaused,
			true,
		); err != nil {
			tb.logger.ErrorContext(ctx, "unable to set paused in db", tint.Err(err))
		}
	}
	return true
}

// Resume resumes command processing. It returns a bool indicating
// whether the bot was paused at the time the function was called.
func (tb *TacoBot) Resume(ctx context.Context) bool {
	prev := tb.paused.Swap(false)
	if !prev {
		tb.logger.Warn("bot not paused")
		return false
	}
	tb.logger.InfoContext(ctx, "bot resumed")

	if err := applyPresence(tb.discord.session, *tb.runtimeConfig); err != nil {
		tb.logger.ErrorContext(ctx, "unable to restore presence", tint.Err(err))
	}

	if tb.runtimeConfig.Paused {
		if _, err := tb.writeDB.Update(
			ctx, tb.runtimeConfig, columnRuntimeConfigPaused, false,
		); err != nil {
			tb.logger.ErrorContext(ctx, "unable to set resumed in db", tint.Err(err))
		}
	}

	return true
}

func (tb *TacoBot) shutdown(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	tb.logger.WarnContext(ctx, "shutting down")
	defer func() {
		if tb.eventShutdown != nil {
			go func() {
				tb.eventShutdown <- struct{}{}
			}()
		}
	}()
	shutdownStart := time.Now()
	shutdownTimeout := tb.config.ShutdownTimeout
	if shutdownTimeout.Seconds() == 0 {
		tb.logger.Warn("immediate shutdown")
		go func() {
			_ = tb.api.httpServer.Close()
		}()
		return fmt.Errorf("shutdown workers did not stop in time")
	}
	shutdownDeadline := shutdownStart.Add(shutdownTimeout)

	shutdownAnnouncementInterval := 10 * time.Second

	announcementTicker := time.NewTicker(shutdownAnnouncementInterval)
	defer announcementTicker.Stop()

	tb.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", tb.config.ShutdownTimeout,
		"shutdown_started", shutdownStart,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(
		context.Background(),
		shutdownDeadline,
	)
	defer closeCancel()

	// Graceful shutdown - at least until closeCtx is closed
	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		runtimeWG.Wait() // wait for anything spawned by the main processes
		runtimeStopEnd := time.Now()
		tb.logger.InfoContext(
			ctx,
			"finished handling in-flight commands",
			"shutdown_started", shutdownStart,
			"runtime_stopped", runtimeStopEnd,
			"runtime_stop_duration", runtimeStopEnd.Sub(shutdownStart),
		)
		stopWG := &sync.WaitGroup{}

		for _, p := range tb.guildPlayers() {
			stopWG.Add(1)
			go func(player *guildPlayer) {
				defer stopWG.Done()
				tb.logger.Info(
					fmt.Sprintf(
						"stopping player for guild '%s'",
						player.guildID,
					),
				)
				select {
				case player.signalStop <- struct{}{}:
				default:
				}
				player.teardown()
			}(p)
		}

		if tb.api.httpServer != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				tb.logger.InfoContext(ctx, "stopping http server")
				_ = tb.api.httpServer.Shutdown(closeCtx)
				tb.logger.InfoContext(ctx, "http server stopped")
			}()
		}

		if tb.discord.session != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				tb.logger.InfoContext(ctx, "closing discord session")
				_ = tb.discord.session.Close()
				tb.logger.InfoContext(ctx, "discord session closed")
				if len(tb.discord.removeHandlers) > 0 {
					tb.logger.InfoContext(
						ctx,
						fmt.Sprintf(
							"removing %d discord handlers",
							len(tb.discord.removeHandlers),
						),
					)
					for _, h := range tb.discord.removeHandlers {
						h()
					}
					tb.logger.InfoContext(ctx, "finished removing handlers")
				}
			}()
		}

		// wait on the above, then send a signal that we're done
		go func() {
			tb.logger.InfoContext(ctx, "waiting graceful shutdown")
			stopWG.Wait()
			gracefulShutdownCh <- struct{}{}
			tb.logger.InfoContext(ctx, "stopped http/discord")
		}()
	}()

	// if we get a signal on gracefulShutdownCh, everything stopped and
	// cleaned up normally.
	// otherwise, burn it all down!
	for {
		select {
		case <-gracefulShutdownCh:
			closeCancel()
			shutdownEnded := time.Now()
			tb.logger.InfoContext(
				ctx,
				"shutdown complete",
				"shutdown_ended", shutdownEnded,
				"shutdown_duration", shutdownEnded.Sub(shutdownStart),
			)
			return nil
		case <-announcementTicker.C:
			remaining := time.Until(shutdownDeadline)
			tb.logger.Warn(
				fmt.Sprintf(
					"time until hard shutdown: %s",
					remaining.String(),
				),
			)
		case <-closeCtx.Done(): // timed out, force-close what's left
			tb.logger.Warn("shutdown workers did not stop in time, forcing close")

			go func() {
				_ = tb.api.httpServer.Close()
			}()
			for _, p := range tb.guildPlayers() {
				p.teardown()
			}

			return fmt.Errorf("shutdown workers did not stop in time")
		}
	}
}
