package tacobot

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math/big"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

const (
	pprofRoot        = "/debug"
	apiRoot          = "/api"
	routeLogin       = "/login"
	routeLogout      = "/logout"
	routeLoggedIn    = "/logged_in"
	routeHealth      = "/health"
	routeStatus      = "/status"
	routeConfig      = "/config"
	routePause       = "/pause"
	routeResume      = "/resume"
	routePlayer      = "/players/:guildID"
	routeSetup       = "/setup"
	routeSetupStatus = "/setup/status"
)

const (
	requestIDHeader    = "X-Request-ID"
	sessionCookieName  = "user"
	sessionKeyUsername = "username"
)

var fieldValidator = validator.New()

//nolint:gochecknoinits // gotta register the validators
func init() {
	fieldValidator.SetTagName("binding")
	fieldValidator.RegisterCustomTypeFunc(
		validateUpdateBounds,
		RuntimeConfigUpdate{},
	)
}

// API is the admin backend: session-authenticated endpoints for
// inspecting and steering the bot without going through Discord.
//
// The API should be initialized with newAPI and started with Serve.
type API struct {
	config           *APIConfig
	httpServer       *http.Server
	listener         net.Listener
	engine           *gin.Engine
	store            sessionStore
	loginLimiter     *rate.Limiter
	requestMetrics   map[string]int
	requestMetricsMu sync.Mutex
	logger           *slog.Logger

	handlers *apiHandlers
}

// newAPI initializes the admin API: gin engine, session store, TLS
// config, middleware and routes.
func newAPI(tb *TacoBot, config *APIConfig) (*API, error) {
	apiLogger := slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:     config.LogLevel,
		AddSource: true,
	}))

	r := gin.New()
	handlers := newAPIHandlers(tb)

	api := &API{
		config:         config,
		engine:         r,
		handlers:       handlers,
		store:          handlers.store,
		requestMetrics: map[string]int{},
		loginLimiter:   rate.NewLimiter(rate.Limit(1), 1),
		logger:         apiLogger.With(loggerNameKey, "api"),
	}
	r.Use(sessions.Sessions(sessionCookieName, handlers.store))

	tlsCfg, err := apiTLSConfig(config)
	if err != nil {
		return nil, err
	}
	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		TLSConfig:         tlsCfg,
	}

	if !config.Development {
		r.Use(gin.Recovery())
	}

	corsConfig := config.CORS.ginConfig()
	if len(corsConfig.AllowOrigins) == 0 && config.Development {
		corsConfig.AllowOrigins = []string{"*"}
	}
	r.Use(tagRequestID(), loggingMiddleware(), requestCounter(api), cors.New(corsConfig))

	if config.Development {
		ginPprof.Register(r, pprofRoot)
	}

	open := r.Group(apiRoot)
	open.POST(routeLogin, handlers.loginHandler)
	open.POST(routeLogout, handlers.logoutHandler)
	open.GET(routeHealth, handlers.healthCheck)
	open.POST(routeSetup, handlers.adminSetup)
	open.GET(routeSetupStatus, handlers.setupStatus)

	protected := r.Group(apiRoot)
	protected.Use(authMiddleware(tb))

	protected.GET(routeLoggedIn, handlers.loggedIn)
	protected.GET(routeStatus, handlers.getStatus)
	protected.GET(routeConfig, handlers.getConfig)
	protected.PATCH(routeConfig, handlers.updateRuntimeConfig)
	protected.POST(routePause, handlers.botPause)
	protected.POST(routeResume, handlers.botResume)
	protected.GET(routePlayer, handlers.getPlayer)

	return api, nil
}

// apiTLSConfig loads the configured certificate pair. With no pair
// configured it falls back to a throwaway self-signed cert, so the API
// always serves TLS.
func apiTLSConfig(config *APIConfig) (*tls.Config, error) {
	if config.SSL.Cert == "" && config.SSL.Key == "" {
		cert, err := selfSignedCert()
		if err != nil {
			return nil, fmt.Errorf("error generating self-signed cert: %w", err)
		}
		return &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   config.SSL.TLSMinVersion,
			ClientAuth:   tls.NoClientCert,
		}, nil
	}

	cfg, err := tlsConfig(config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion)
	if err != nil {
		return nil, fmt.Errorf("error loading SSL certs: %w", err)
	}
	return cfg, nil
}

func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			panic(err)
		}
		a.listener = tls.NewListener(ln, a.httpServer.TLSConfig)
	}
	return a.httpServer.Serve(a.listener)
}

func (a *API) sessionUsername(c *gin.Context) (string, error) {
	session, err := a.store.Get(c.Request, sessionCookieName)
	if err != nil {
		return "", err
	}
	raw, ok := session.Values[sessionKeyUsername]
	if !ok {
		return "", errors.New("username not found in session")
	}
	username, ok := raw.(string)
	if !ok {
		return "", errors.New("username not a string")
	}
	return username, nil
}

type sessionStore interface {
	sessions.Store
}

// newCookieSessions wraps a gorilla cookie store in the gin-contrib
// sessions interface.
func newCookieSessions(keyPairs ...[]byte) sessionStore {
	return &cookieSessions{gsessions.NewCookieStore(keyPairs...)}
}

type cookieSessions struct {
	*gsessions.CookieStore
}

func (c *cookieSessions) Options(options sessions.Options) {
	c.CookieStore.Options = options.ToGorillaOptions()
}

// apiHandlers contains the handlers for the various API endpoints.
type apiHandlers struct {
	tb     *TacoBot
	logger *slog.Logger
	store  sessionStore
}

// newAPIHandlers sets up the handler logger and session store. A missing
// API secret gets a random key, so sessions die with the process.
func newAPIHandlers(tb *TacoBot) *apiHandlers {
	logger := tb.logger.With(loggerNameKey, "api")

	var secretKey []byte
	if secret := tb.config.API.Secret; secret != "" {
		secretKey = derive64ByteKey(secret)
	} else {
		logger.Warn("api secret not set, generating random secret " +
			"(sessions will not persist across restarts)")
		secretKey = securecookie.GenerateRandomKey(64)
	}

	store := newCookieSessions(secretKey)
	store.Options(
		sessions.Options{
			HttpOnly: true,
			Secure:   true,
			MaxAge:   int(tb.config.API.SessionMaxAge.Seconds()),
			SameSite: sessionSameSite(tb.config.API.Development),
		},
	)
	return &apiHandlers{tb: tb, logger: logger, store: store}
}

// sessionSameSite relaxes the cookie policy in development so a
// separately served frontend can talk to the API.
func sessionSameSite(development bool) http.SameSite {
	if development {
		return http.SameSiteNoneMode
	}
	return http.SameSiteStrictMode
}

// setupStatus reports whether the initial admin credential setup is
// still pending.
func (h *apiHandlers) setupStatus(c *gin.Context) {
	c.JSON(http.StatusOK, setupStatusResponse{Required: h.tb.pendingSetup.Load()})
}

// adminSetup handles the one-time admin credential setup. It refuses
// once credentials exist.
func (h *apiHandlers) adminSetup(c *gin.Context) {
	h.tb.cfgMu.Lock()
	defer h.tb.cfgMu.Unlock()

	if !h.tb.pendingSetup.Load() {
		c.JSON(http.StatusForbidden, apiError{Error: "Forbidden"})
		return
	}

	logger := contextLogger(c)
	logger.Info("first time admin setup")

	var payload setupPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		logger.Error("bad payload", tint.Err(err))
		replyError(c, http.StatusBadRequest, err.Error())
		return
	}

	hashed, err := HashPassword(payload.Password)
	if err != nil {
		logger.Error("error hashing password", tint.Err(err))
		replyError(c, http.StatusInternalServerError, "error setting admin credentials")
		return
	}

	currentState := h.tb.runtimeConfig
	if _, err = h.tb.writeDB.Updates(
		context.Background(), currentState, map[string]any{
			columnRuntimeConfigAdminUsername: payload.Username,
			columnRuntimeConfigAdminPassword: hashed,
		},
	); err != nil {
		logger.Error("error updating admin credentials", tint.Err(err))
		replyError(c, http.StatusInternalServerError, "error updating admin credentials")
		return
	}
	h.tb.runtimeConfig = currentState
	h.tb.pendingSetup.Store(false)
	c.JSON(http.StatusCreated, gin.H{"message": "admin credentials set"})
}

// loginHandler checks the given credentials against the stored admin
// credentials and creates a session on success. Login attempts are
// rate limited.
func (h *apiHandlers) loginHandler(c *gin.Context) {
	logger := h.tb.logger
	if logger == nil {
		logger = slog.Default()
	}
	if !h.tb.api.loginLimiter.Allow() {
		logger.Warn("login rate limited")
		c.AbortWithStatus(http.StatusTooManyRequests)
		return
	}

	var login loginRequest
	if err := c.ShouldBindJSON(&login); err != nil {
		replyError(c, http.StatusBadRequest, err.Error())
		return
	}

	runtimeConfig := h.tb.RuntimeConfig()
	switch {
	case runtimeConfig.AdminUsername == "" || runtimeConfig.AdminPassword == "":
		logger.Warn("admin username and password not set")
		replyError(c, http.StatusUnauthorized, "Unauthorized")
		return
	case login.Username != runtimeConfig.AdminUsername:
		logger.Warn("admin username incorrect")
		replyError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	valid, err := VerifyPassword(runtimeConfig.AdminPassword, login.Password)
	if err != nil {
		logger.Error("error verifying password", tint.Err(err))
		replyError(c, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	if !valid {
		logger.Warn("invalid login attempt", "username", login.Username)
		replyError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	session, err := h.tb.api.store.New(c.Request, sessionCookieName)
	if err != nil {
		logger.Error("error creating session", tint.Err(err))
		h.clearSessionUsername(c)
		abortServerError(c, "internal server error")
		return
	}
	if session == nil {
		logger.Error("didn't get session!?")
		abortServerError(c, "internal server error")
		return
	}

	session.Options = &gsessions.Options{
		MaxAge:   int(h.tb.api.config.SessionMaxAge.Seconds()),
		SameSite: sessionSameSite(h.tb.api.config.Development),
		HttpOnly: true,
		Secure:   true,
	}
	session.Values[sessionKeyUsername] = login.Username
	if err = session.Save(c.Request, c.Writer); err != nil {
		logger.Error("error saving session", tint.Err(err))
		abortServerError(c, "internal server error")
		return
	}
	logger.Info("saved user session", "username", login.Username)
	c.JSON(http.StatusOK, usernameResponse{Username: login.Username})
}

// clearSessionUsername blanks the username in the request's session, if
// the session can still be loaded.
func (h *apiHandlers) clearSessionUsername(c *gin.Context) {
	sess, _ := h.store.Get(c.Request, sessionCookieName)
	if sess != nil {
		sess.Values[sessionKeyUsername] = ""
		_ = sess.Save(c.Request, c.Writer)
	}
}

// healthCheck reports basic liveness: paused state, gateway connection
// and the number of guilds with an active player.
func (h *apiHandlers) healthCheck(c *gin.Context) {
	c.JSON(
		http.StatusOK, healthResponse{
			Paused:                  h.tb.paused.Load(),
			ActivePlayers:           len(h.tb.guildPlayers()),
			DiscordGatewayConnected: h.tb.discord.connected.Load(),
		},
	)
}

// logoutHandler clears the username from the request's session.
func (h *apiHandlers) logoutHandler(c *gin.Context) {
	session, err := h.store.Get(c.Request, sessionCookieName)
	if err == nil {
		session.Values[sessionKeyUsername] = ""
		err = session.Save(c.Request, c.Writer)
	}
	if err != nil {
		contextLogger(c).Error("error clearing session", tint.Err(err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	replyMessage(c, "logged out")
}

// loggedIn returns the session's username, or 401 if there is no
// authenticated session.
func (h *apiHandlers) loggedIn(c *gin.Context) {
	username, err := h.tb.api.sessionUsername(c)
	if err != nil {
		contextLogger(c).Warn(
			"error getting session username",
			tint.Err(err),
		)
		c.JSON(http.StatusUnauthorized, apiError{Error: "unauthorized"})
		return
	}
	c.JSON(http.StatusOK, usernameResponse{Username: username})
}

// getStatus reports the bot's state: build info, uptime, gateway and
// pause state, counters, and a snapshot of every guild player.
func (h *apiHandlers) getStatus(c *gin.Context) {
	tb := h.tb

	players := tb.guildPlayers()
	snapshots := make([]playerSnapshot, 0, len(players))
	for _, p := range players {
		snapshots = append(snapshots, p.snapshot())
	}

	tb.api.requestMetricsMu.Lock()
	requestMetrics := maps.Clone(tb.api.requestMetrics)
	tb.api.requestMetricsMu.Unlock()

	c.JSON(
		http.StatusOK, statusResponse{
			Version:                 Version,
			CommitSHA:               CommitSHA,
			StartedAt:               tb.startedAt,
			Uptime:                  time.Since(tb.startedAt).Round(time.Second).String(),
			Paused:                  tb.paused.Load(),
			DiscordGatewayConnected: tb.discord.connected.Load(),
			GatewayConnects:         tb.discord.connectCount.Load(),
			GatewayDisconnects:      tb.discord.disconnectCount.Load(),
			MessagesHandled:         tb.discord.messagesHandled.Load(),
			CommandsHandled:         tb.commandsHandled.Load(),
			Players:                 snapshots,
			RequestMetrics:          requestMetrics,
		},
	)
}

// getConfig returns the bot's current runtime configuration.
func (h *apiHandlers) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.tb.RuntimeConfig())
}

// toColumnUpdates converts a bound update payload into a column map for
// gorm, via a JSON round trip so only fields present in the request
// appear.
func toColumnUpdates(u RuntimeConfigUpdate) (map[string]any, error) {
	data, err := json.Marshal(u)
	if err != nil {
		return nil, err
	}
	var updates map[string]any
	err = json.Unmarshal(data, &updates)
	return updates, err
}

// updateRuntimeConfig applies a partial update to the runtime
// configuration, persists it, pushes any presence or pause changes to
// the gateway, and notifies other bot instances.
func (h *apiHandlers) updateRuntimeConfig(c *gin.Context) {
	tb := h.tb
	tb.cfgMu.Lock()
	defer tb.cfgMu.Unlock()

	ctx := context.Background()
	logger := contextLogger(c)

	var updateRequest RuntimeConfigUpdate
	if err := c.ShouldBindJSON(&updateRequest); err != nil {
		logger.Error("bad payload", tint.Err(err))
		replyError(c, http.StatusBadRequest, err.Error())
		return
	}

	updates, err := toColumnUpdates(updateRequest)
	if err != nil {
		logger.ErrorContext(c, "error converting update request", tint.Err(err))
		replyError(c, http.StatusInternalServerError, "error converting update request")
		return
	}
	existingConfig := tb.runtimeConfig
	rollbackConfig := *existingConfig

	logger.InfoContext(
		c,
		"Applying updates",
		"updates", updates,
		"changed_fields", changedRuntimeFields(rollbackConfig, updateRequest),
	)

	var txErr error
	var failStatus int
	var failMsg string

	_ = tb.writeDB.Transaction(
		ctx,
		func(tx *gorm.DB) error {
			if txErr = tx.Model(existingConfig).Updates(updates).Error; txErr != nil {
				failStatus = http.StatusInternalServerError
				failMsg = "Error updating config"
				return txErr
			}
			if txErr = fieldValidator.Struct(existingConfig); txErr != nil {
				failStatus = http.StatusBadRequest
				failMsg = "Error validating config"
				return txErr
			}
			return nil
		},
	)
	if txErr != nil {
		tb.runtimeConfig = &rollbackConfig
		logger.ErrorContext(c, "Error updating config", tint.Err(txErr))
		replyError(c, failStatus, failMsg)
		return
	}

	tb.setRuntimeLevels(*existingConfig)

	wasPaused := tb.paused.Swap(existingConfig.Paused)
	if wasPaused != existingConfig.Paused {
		if existingConfig.Paused {
			logger.Warn("paused bot")
		} else {
			logger.Info("unpaused bot")
		}
	}

	reconcileDiscordStatus(tb, logger, rollbackConfig, existingConfig)

	c.JSON(http.StatusAccepted, existingConfig)

	if !tb.dbNotifier.ReloadRuntimeConfig(ctx) {
		logger.Error("error sending config update notification")
	}
	if !tb.dbNotifier.ReloadUserCache(ctx) {
		logger.Error("error sending user cache notification")
	}
}

// botPause pauses command handling until a resume.
func (h *apiHandlers) botPause(c *gin.Context) {
	log := contextLogger(c)
	h.tb.cfgMu.Lock()
	defer h.tb.cfgMu.Unlock()

	if h.tb.Pause(context.Background()) {
		log.Info("bot paused")
		replyMessage(c, "bot paused")
		return
	}

	c.AbortWithStatusJSON(
		http.StatusConflict,
		apiError{Error: "bot already paused"},
	)
}

// botResume resumes command handling.
func (h *apiHandlers) botResume(c *gin.Context) {
	h.tb.cfgMu.Lock()
	defer h.tb.cfgMu.Unlock()

	if h.tb.Resume(context.Background()) {
		replyMessage(c, "bot resumed")
		return
	}
	c.AbortWithStatusJSON(http.StatusConflict, apiError{Error: "bot not paused"})
}

// getPlayer returns the state of a single guild's music player.
func (h *apiHandlers) getPlayer(c *gin.Context) {
	guildID := c.Param("guildID")
	player := h.tb.playerIfExists(guildID)
	if player == nil {
		c.JSON(http.StatusNotFound, apiError{Error: "no player for guild"})
		return
	}
	c.JSON(http.StatusOK, player.snapshot())
}

// statusResponse is the response body for the status endpoint.
type statusResponse struct {
	Version                 string           `json:"version"`
	CommitSHA               string           `json:"commit_sha,omitempty"`
	StartedAt               time.Time        `json:"started_at"`
	Uptime                  string           `json:"uptime"`
	Paused                  bool             `json:"paused"`
	DiscordGatewayConnected bool             `json:"discord_gateway_connected"`
	GatewayConnects         int64            `json:"gateway_connects"`
	GatewayDisconnects      int64            `json:"gateway_disconnects"`
	MessagesHandled         int64            `json:"messages_handled"`
	CommandsHandled         int64            `json:"commands_handled"`
	Players                 []playerSnapshot `json:"players"`
	RequestMetrics          map[string]int   `json:"request_metrics"`
}

type usernameResponse struct {
	Username string `json:"username"`
}

// healthResponse is the response body for the health endpoint.
type healthResponse struct {
	Paused                  bool `json:"paused"`
	ActivePlayers           int  `json:"active_players"`
	DiscordGatewayConnected bool `json:"discord_gateway_connected"`
}

type apiMessage struct {
	Message string `json:"message"`
}

type apiError struct {
	Error string `json:"error"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// setupPayload is the request body for the initial admin setup.
type setupPayload struct {
	Username        string `json:"username" binding:"required"`
	ConfirmPassword string `json:"confirm_password" binding:"required"`
	Password        string `json:"password" binding:"required,eqfield=ConfirmPassword"`
}

// setupStatusResponse is the response struct for the 'setup status'
// endpoint. If an admin username/password haven't been set yet,
// Required will be true, indicating setup is needed.
type setupStatusResponse struct {
	Required bool `json:"required"`
}

// authMiddleware aborts with 401 unless the request carries an
// authenticated session. While admin setup is pending, everything is
// unauthorized.
func authMiddleware(tb *TacoBot) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := tb.logger
		if logger == nil {
			logger = slog.Default()
		}
		unauthorized := func(msg string, args ...any) {
			logger.Warn(msg, args...)
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				apiError{Error: "unauthorized"},
			)
		}

		if tb.pendingSetup.Load() {
			unauthorized("admin username and password not set")
			return
		}

		session, err := tb.api.store.Get(c.Request, sessionCookieName)
		if err != nil {
			unauthorized("error getting session", tint.Err(err))
			return
		}
		if session == nil {
			unauthorized("session is nil")
			return
		}

		username, ok := session.Values[sessionKeyUsername]
		if !ok || username == "" {
			unauthorized(
				"username not found in session",
				"headers", c.Request.Header,
			)
			return
		}

		logger.Debug("got session", sessionKeyUsername, username)
		c.Next()
	}
}

// tagRequestID tags each request with a random ID, stored in the
// context and echoed in the response headers.
func tagRequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(requestIDHeader, requestID)
		c.Header(requestIDHeader, requestID)
		c.Next()
	}
}

// contextLogger returns the request-scoped logger, creating one with
// request details attached on first use and caching it in the context.
func contextLogger(c *gin.Context) *slog.Logger {
	if v, ok := c.Get(string(loggerContextKey)); ok {
		if cached, isLogger := v.(*slog.Logger); isLogger {
			return cached
		}
	}

	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}
	requestID, _ := c.Get(requestIDHeader)

	requestLogger := slog.Default().With(
		slog.Group(
			"request",
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.String("remote_ip", c.RemoteIP()),
			slog.String("remote_addr", c.Request.RemoteAddr),
			slog.String("referer", c.Request.Referer()),
			slog.String("user_agent", c.Request.UserAgent()),
		),
		slog.Any(requestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// loggingMiddleware logs each request's method, path and duration,
// along with any errors attached to the context.
func loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestLogger := contextLogger(c)
		c.Next()

		attrs := []any{
			"duration", time.Since(start),
			slog.Group(
				"response",
				slog.Int("status_code", c.Writer.Status()),
				slog.Int("body_size", c.Writer.Size()),
			),
		}

		summary := fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL)
		if private := c.Errors.ByType(gin.ErrorTypePrivate); len(private) > 0 {
			errs := make([]error, 0, len(private))
			for _, e := range private {
				errs = append(errs, *e)
			}
			requestLogger.Error(summary+" with errors", append(attrs, "errors", errs)...)
			return
		}
		requestLogger.Info(summary, attrs...)
	}
}

// requestCounter counts requests per method and path.
func requestCounter(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer c.Next()

		key := fmt.Sprintf("%s %s", c.Request.Method, c.Request.URL.Path)
		a.requestMetricsMu.Lock()
		a.requestMetrics[key]++
		a.requestMetricsMu.Unlock()
	}
}

// replyMessage sends a 200 response with a JSON message body.
func replyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, apiMessage{Message: message})
}

// replyError sends the given status with a JSON error body.
func replyError(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"error": msg})
}

// abortServerError aborts the request with a 500 and a JSON error body.
func abortServerError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, apiError{Error: err})
}

// selfSignedCert generates a throwaway self-signed certificate for
// localhost, valid for a year.
func selfSignedCert() (tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}

	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"TacoBot"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
	}

	der, err := x509.CreateCertificate(
		rand.Reader, &tmpl, &tmpl, &key.PublicKey, key,
	)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.Certificate{
		PrivateKey:  key,
		Certificate: [][]byte{der},
	}, nil
}

// reconcileDiscordStatus reconciles the gateway connection and presence
// with a freshly updated runtime config.
func reconcileDiscordStatus(
	tb *TacoBot,
	logger *slog.Logger,
	rollbackConfig RuntimeConfig,
	existingConfig *RuntimeConfig,
) {
	wasEnabled := rollbackConfig.DiscordGatewayEnabled
	switch {
	case wasEnabled && !existingConfig.DiscordGatewayEnabled:
		if err := tb.discord.session.Close(); err != nil {
			logger.Error("error closing discord connection", tint.Err(err))
		}
	case wasEnabled:
		switch {
		case existingConfig.Paused:
			if !rollbackConfig.Paused {
				if err := tb.discord.session.UpdateStatusComplex(pausedStatus); err != nil {
					logger.Error("error updating discord status", tint.Err(err))
				}
			}
		case existingConfig.DiscordCustomStatus != rollbackConfig.DiscordCustomStatus ||
			existingConfig.DiscordActivityType != rollbackConfig.DiscordActivityType ||
			rollbackConfig.Paused:
			if err := applyPresence(tb.discord.session, *existingConfig); err != nil {
				logger.Error("error updating discord status", tint.Err(err))
			}
		}
	case existingConfig.DiscordGatewayEnabled:
		tb.discord.session.SetIdentify(discordgo.Identify{
			Intents:  tb.config.Discord.GatewayIntents,
			Presence: gatewayStatusUpdate(*existingConfig),
		})
		if err := tb.discord.session.Open(); err != nil {
			logger.Error("error opening discord connection", tint.Err(err))
		}
	}
}
