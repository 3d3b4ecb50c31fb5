package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"cryptchat/api"
	"cryptchat/config"
	"cryptchat/crypto"
	"cryptchat/network"
	"cryptchat/session"
	"cryptchat/storage"
)

func main() {
	logger := newLogger()

	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed while loading config")
	}

	dataDir := filepath.Dir(cfgPath)
	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed while opening key store")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn().Err(err).Msg("key store close error")
		}
	}()

	provider := crypto.NewDefaultProvider()
	identity := crypto.NewIdentityManager(provider, store, logger)
	client := api.NewClient(cfg.ServerURL, logger)

	fmt.Printf("Device ID:       %s\n", cfg.DeviceID)
	fmt.Printf("Device Name:     %s\n", cfg.DeviceName)
	fmt.Printf("Server:          %s\n", cfg.ServerURL)
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Printf("Key Store:       %s\n", dbPath)

	email := os.Getenv("CRYPTCHAT_EMAIL")
	password := os.Getenv("CRYPTCHAT_PASSWORD")
	if email == "" || password == "" {
		logger.Fatal().Msg("CRYPTCHAT_EMAIL and CRYPTCHAT_PASSWORD must be set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loginCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if username := os.Getenv("CRYPTCHAT_REGISTER_USERNAME"); username != "" {
		publicKey, err := identity.GenerateIdentity()
		if err != nil {
			logger.Fatal().Err(err).Msg("identity generation failed")
		}
		userID, err := client.Register(loginCtx, username, email, password, publicKey)
		if err != nil {
			logger.Fatal().Err(err).Msg("registration failed")
		}
		logger.Info().Int64("user_id", userID).Msg("account registered")
	}

	token, userID, err := client.Login(loginCtx, email, password)
	if err != nil {
		logger.Fatal().Err(err).Msg("login failed")
	}
	logger.Info().Int64("user_id", userID).Msg("logged in")

	// The session needs the engine for sends and the engine needs the
	// session as its event handler; the sender is bound after both exist.
	sender := &deferredSender{}

	sess, err := session.New(session.Options{
		Provider:     provider,
		Identity:     identity,
		API:          client,
		Sender:       sender,
		UserID:       userID,
		HistoryLimit: cfg.HistoryLimit,
		Logger:       logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("session setup failed")
	}

	engine, err := network.NewEngine(network.Options{
		URL:       cfg.WebsocketURL,
		Token:     token,
		Handler:   sess,
		Logger:    logger,
		Reconnect: cfg.Reconnect,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("sync engine setup failed")
	}
	sender.engine = engine

	if err := engine.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("sync connection failed")
	}
	defer engine.Stop()

	if err := sess.RefreshConversations(ctx); err != nil {
		logger.Warn().Err(err).Msg("initial conversation fetch failed")
	}
	for _, conversation := range sess.Conversations() {
		fmt.Printf("Conversation:    %d %s (%s)\n", conversation.ID, conversation.Name, conversation.Kind)
	}

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")
}

// deferredSender forwards session sends to the engine once it exists.
type deferredSender struct {
	engine *network.Engine
}

func (s *deferredSender) SendChatMessage(conversationID int64, iv, ciphertext []byte) error {
	return s.engine.SendChatMessage(conversationID, iv, ciphertext)
}

func (s *deferredSender) SendReadReceipt(conversationID int64, messageIDs []int64) error {
	return s.engine.SendReadReceipt(conversationID, messageIDs)
}

func (s *deferredSender) SendCreateChat(payload network.CreateChatPayload) error {
	return s.engine.SendCreateChat(payload)
}

func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if os.Getenv("CRYPTCHAT_DEBUG") != "" {
		level = zerolog.DebugLevel
	}
	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(writer).Level(level).With().Timestamp().Logger()
}
