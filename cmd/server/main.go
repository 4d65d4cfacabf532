package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ythelper/broker/internal/brokerkit"
	"github.com/ythelper/broker/internal/credstore"
	"github.com/ythelper/broker/internal/web"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var serveHTTPS = func(server *http.Server, certFile string, keyFile string) error {
	return server.ListenAndServeTLS(certFile, keyFile)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "broker",
		Short:   "OAuth broker exchanging Google authorization codes for the YouTube extension",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8443", "HTTP listen address")
	rootCmd.Flags().String("domain", "", "Public hostname used to build the fixed OAuth redirect URI")
	rootCmd.Flags().String("google_client_id", "", "Google OAuth client ID")
	rootCmd.Flags().String("google_client_secret", "", "Google OAuth client secret")
	rootCmd.Flags().String("app_secret", "", "Base64 32-byte secret for token signing and storage encryption")
	rootCmd.Flags().Duration("state_ttl", 10*time.Minute, "Login transaction lifetime")
	rootCmd.Flags().Duration("app_token_ttl", 7*24*time.Hour, "App token lifetime")
	rootCmd.Flags().String("credentials_file", "data/credentials.enc", "Path of the encrypted credentials snapshot")
	rootCmd.Flags().String("database_url", "", "Database URL for credentials (postgres:// or sqlite://; leave empty for the file snapshot store)")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Extra http(s) origins allowed besides extension origins")
	rootCmd.Flags().String("tls_cert", "", "TLS certificate file; plain HTTP with a warning when unset")
	rootCmd.Flags().String("tls_key", "", "TLS key file")

	for _, flagName := range []string{
		"listen_addr", "domain", "google_client_id", "google_client_secret",
		"app_secret", "state_ttl", "app_token_ttl", "credentials_file",
		"database_url", "cors_allowed_origins", "tls_cert", "tls_key",
	} {
		_ = viper.BindPFlag(flagName, rootCmd.Flags().Lookup(flagName))
	}

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	appTokenIssuer = "yths-broker"

	configCodeMissingDomain           = "config.missing_domain"
	configCodeMissingGoogleClientID   = "config.missing_google_client_id"
	configCodeMissingGoogleSecret     = "config.missing_google_client_secret"
	configCodeInvalidAppSecret        = "config.invalid_app_secret"
	configCodeInvalidStateTTL         = "config.invalid_state_ttl"
	configCodeInvalidAppTokenTTL      = "config.invalid_app_token_ttl"
	configCodeInvalidListenAddr       = "config.invalid_listen_addr"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// LoadServerConfig reads and validates the broker configuration. Missing
// secrets refuse to start the process; there are no mock fallbacks.
func LoadServerConfig() (brokerkit.ServerConfig, error) {
	domain := viper.GetString("domain")
	if domain == "" {
		return brokerkit.ServerConfig{}, configError(configCodeMissingDomain, "domain must be provided")
	}

	googleClientID := viper.GetString("google_client_id")
	if googleClientID == "" {
		return brokerkit.ServerConfig{}, configError(configCodeMissingGoogleClientID, "google_client_id must be provided")
	}

	googleClientSecret := viper.GetString("google_client_secret")
	if googleClientSecret == "" {
		return brokerkit.ServerConfig{}, configError(configCodeMissingGoogleSecret, "google_client_secret must be provided")
	}

	appSecret, secretErr := credstore.KeyFromBase64(viper.GetString("app_secret"))
	if secretErr != nil {
		return brokerkit.ServerConfig{}, configError(configCodeInvalidAppSecret, "app_secret must be 32 bytes of base64")
	}

	stateTTL := viper.GetDuration("state_ttl")
	if stateTTL <= 0 {
		return brokerkit.ServerConfig{}, configError(configCodeInvalidStateTTL, "state_ttl must be greater than zero")
	}

	appTokenTTL := viper.GetDuration("app_token_ttl")
	if appTokenTTL <= 0 {
		return brokerkit.ServerConfig{}, configError(configCodeInvalidAppTokenTTL, "app_token_ttl must be greater than zero")
	}

	redirectURL, redirectErr := buildRedirectURL(domain, viper.GetString("listen_addr"))
	if redirectErr != nil {
		return brokerkit.ServerConfig{}, configError(configCodeInvalidListenAddr, redirectErr.Error())
	}

	return brokerkit.ServerConfig{
		GoogleClientID:     googleClientID,
		GoogleClientSecret: googleClientSecret,
		SigningKey:         appSecret,
		StorageKey:         appSecret,
		Issuer:             appTokenIssuer,
		RedirectURL:        redirectURL,
		StateTTL:           stateTTL,
		AppTokenTTL:        appTokenTTL,
	}, nil
}

// buildRedirectURL derives the fixed callback URI Google redirects to. The
// scheme is always https: that static, secure origin is what the broker
// exists to provide.
func buildRedirectURL(domain string, listenAddr string) (string, error) {
	_, port, splitErr := net.SplitHostPort(listenAddr)
	if splitErr != nil {
		return "", fmt.Errorf("cannot derive port from listen_addr %q", listenAddr)
	}
	if port == "443" {
		return fmt.Sprintf("https://%s/auth/callback", domain), nil
	}
	return fmt.Sprintf("https://%s:%s/auth/callback", domain, port), nil
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(brokerkit.ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	listenAddr := viper.GetString("listen_addr")
	databaseURL := viper.GetString("database_url")
	credentialsFile := viper.GetString("credentials_file")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")
	tlsCert := viper.GetString("tls_cert")
	tlsKey := viper.GetString("tls_key")

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	corsMiddleware, corsErr := web.ExtensionCORS(logger, corsAllowedOrigins)
	if corsErr != nil {
		return corsErr
	}
	router.Use(corsMiddleware)

	router.GET("/", func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	var credentials credstore.CredentialStore
	if databaseURL != "" {
		databaseStore, storeErr := credstore.NewDatabaseStore(context.Background(), databaseURL, serverConfig.StorageKey)
		if storeErr != nil {
			return storeErr
		}
		credentials = databaseStore
		logger.Info("using database credential store", zap.String("driver", databaseStore.Driver()))
	} else {
		fileStore, storeErr := credstore.NewFileStore(credentialsFile, serverConfig.StorageKey, logger)
		if storeErr != nil {
			return storeErr
		}
		credentials = fileStore
		logger.Info("using file credential store", zap.String("path", credentialsFile))
	}

	codec, codecErr := brokerkit.NewTokenCodec(serverConfig.SigningKey, serverConfig.Issuer, brokerkit.NewSystemClock())
	if codecErr != nil {
		return codecErr
	}

	broker, brokerErr := brokerkit.NewBroker(
		serverConfig,
		codec,
		brokerkit.NewMemoryPendingStore(serverConfig.StateTTL),
		brokerkit.NewGoogleExchanger(serverConfig.GoogleClientID, serverConfig.GoogleClientSecret, serverConfig.RedirectURL),
		credentials,
		web.RenderCallbackPage,
		brokerkit.NewEventCounters(),
		logger,
	)
	if brokerErr != nil {
		return brokerErr
	}
	brokerkit.MountBrokerRoutes(router, broker)

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		<-stopSignals
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	var serveErr error
	if tlsCert != "" && tlsKey != "" {
		logger.Info("listening", zap.String("addr", listenAddr), zap.String("scheme", "https"))
		serveErr = serveHTTPS(server, tlsCert, tlsKey)
	} else {
		logger.Warn("tls not configured; the extension and oauth redirect require https in production")
		logger.Info("listening", zap.String("addr", listenAddr), zap.String("scheme", "http"))
		serveErr = serveHTTP(server)
	}
	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", serveErr)
	}
	return nil
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}
