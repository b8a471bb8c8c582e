package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"

	"github.com/Yowj/astvault/pkg/ai"
	"github.com/Yowj/astvault/pkg/otelhelper"
	"github.com/Yowj/astvault/pkg/presence"
	"github.com/Yowj/astvault/pkg/realtime"
	"github.com/Yowj/astvault/pkg/session"
	"github.com/Yowj/astvault/pkg/templates"
)

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	ctx := context.Background()

	otelShutdown, err := otelhelper.Init(ctx)
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(ctx)

	natsURL := envOrDefault("NATS_URL", "nats://localhost:4222")
	natsUser := envOrDefault("NATS_USER", "webapp")
	natsPass := envOrDefault("NATS_PASS", "webapp-secret")
	listenAddr := envOrDefault("LISTEN_ADDR", ":8100")

	slog.Info("Starting Web App", "nats_url", natsURL, "listen_addr", listenAddr)

	// Connect to NATS with retry
	var nc *nats.Conn
	for attempt := 1; attempt <= 30; attempt++ {
		nc, err = nats.Connect(natsURL,
			nats.UserInfo(natsUser, natsPass),
			nats.Name("webapp"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err == nil {
			break
		}
		slog.Info("Waiting for NATS", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		slog.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()
	slog.Info("Connected to NATS", "url", nc.ConnectedUrl())

	sessions := session.NewManager(nc, session.Config{
		KeycloakURL: envOrDefault("KEYCLOAK_URL", "http://localhost:8080"),
		Realm:       envOrDefault("KEYCLOAK_REALM", "astvault"),
		ClientID:    envOrDefault("KEYCLOAK_CLIENT_ID", "astvault-web"),
		AdminUser:   envOrDefault("KEYCLOAK_ADMIN_USER", "admin"),
		AdminPass:   envOrDefault("KEYCLOAK_ADMIN_PASS", "admin"),
	})

	tracker := presence.NewTracker(realtime.NewClient(nc))
	defer tracker.Stop()

	// Presence follows the session: sign-in starts tracking under the new
	// user, sign-out releases the channel. The handshake runs off the
	// request path so a slow hub never delays the sign-in response; Start
	// itself serializes racing re-authentications.
	sessions.OnChange(func(u *session.User) {
		if u == nil {
			tracker.Stop()
			return
		}
		user := *u
		go func() {
			startCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := tracker.Start(startCtx, user); err != nil {
				slog.Warn("Presence tracking degraded", "user", user.ID, "error", err)
			}
		}()
	})

	srv := &server{
		sessions:  sessions,
		tracker:   tracker,
		templates: templates.NewClient(nc),
		ai:        ai.NewClient(nc),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "nats_connected": nc.IsConnected()})
	})

	api := router.Group("/api")
	{
		auth := api.Group("/auth")
		{
			auth.POST("/signup", srv.signUp)
			auth.POST("/signin", srv.signIn)
			auth.POST("/signout", srv.signOut)
			auth.GET("/me", srv.currentUser)
			auth.PUT("/profile", srv.updateProfile)
		}

		api.GET("/presence", srv.presenceView)

		api.GET("/templates", srv.listTemplates)
		api.GET("/templates/categories", srv.listCategories)
		api.GET("/templates/:id", srv.getTemplate)
		api.POST("/templates", srv.createTemplate)
		api.PUT("/templates/:id", srv.updateTemplate)
		api.DELETE("/templates/:id", srv.deleteTemplate)

		api.POST("/ai/grammar", srv.enhanceGrammar)
		api.POST("/ai/ask", srv.askAssistant)
	}

	httpSrv := &http.Server{
		Addr:    listenAddr,
		Handler: router,
	}

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()
	slog.Info("Web app ready", "addr", listenAddr)

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	slog.Info("Shutting down web app")
	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpSrv.Shutdown(shutCtx)
	tracker.Stop()
	nc.Drain()
}
