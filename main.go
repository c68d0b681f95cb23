package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/robfig/cron/v3"

	"github.com/aiterm/server/internal/audit"
	"github.com/aiterm/server/internal/auth"
	"github.com/aiterm/server/internal/config"
	"github.com/aiterm/server/internal/database"
	"github.com/aiterm/server/internal/handlers"
	"github.com/aiterm/server/internal/logging"
	"github.com/aiterm/server/internal/middleware"
	"github.com/aiterm/server/internal/terminal"
)

func main() {
	// Handle CLI commands before starting the server
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--create-admin":
			runCLICommand("create-admin")
			return
		case "--reset-password":
			runCLICommand("reset-password")
			return
		}
	}

	config.Load()
	logging.Init()
	defer logging.Close()
	auth.Init()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()
	seedDefaultAdmin()

	handlers.Pool = terminal.NewPool(config.Cfg.MaxConnections)
	handlers.Audit = audit.NewStore(database.DB, config.Cfg.LogRetentionDays)
	log.Printf("Session pool ready (capacity=%d, log retention=%dd)",
		config.Cfg.MaxConnections, config.Cfg.LogRetentionDays)

	// Nightly purge of session logs past retention
	cronRunner := cron.New()
	if _, err := cronRunner.AddFunc("30 3 * * *", func() {
		if _, err := handlers.Audit.PurgeOlderThan(0); err != nil {
			log.Printf("Log purge: %v", err)
		}
	}); err != nil {
		log.Fatalf("Cron setup: %v", err)
	}
	cronRunner.Start()

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   config.Cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/", handlers.Root)
	r.Get("/health", handlers.Health)

	r.Route("/api", func(r chi.Router) {
		// Auth endpoints (no auth required)
		r.Post("/auth/login", handlers.Login)
		r.Post("/auth/register", handlers.Register)
		r.Post("/auth/refresh", handlers.Refresh)

		// Terminal WebSocket authenticates itself via the token query param
		r.Get("/ws/terminal", handlers.TerminalWS)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth)

			r.Get("/auth/me", handlers.Me)

			r.Route("/connections", func(r chi.Router) {
				r.Get("/", handlers.ListConnections)
				r.Post("/", handlers.CreateConnection)
				r.Get("/{id}", handlers.GetConnection)
				r.Put("/{id}", handlers.UpdateConnection)
				r.Delete("/{id}", handlers.DeleteConnection)
				r.Post("/{id}/test", handlers.TestConnection)
			})

			r.Route("/sessions", func(r chi.Router) {
				r.Get("/", handlers.ListSessions)
				r.Get("/stats/summary", handlers.SessionStats)
				r.Delete("/bulk/delete", handlers.BulkDeleteSessions)
				r.Get("/{id}", handlers.GetSession)
				r.Delete("/{id}", handlers.DeleteSession)
			})

			r.Route("/llm", func(r chi.Router) {
				r.Get("/config", handlers.GetLLMSettings)
				r.Put("/config", handlers.UpdateLLMSettings)
				r.Get("/configs", handlers.ListLLMConfigs)
				r.Post("/configs", handlers.CreateLLMConfig)
				r.Delete("/configs/{id}", handlers.DeleteLLMConfig)
				r.Put("/configs/{id}/activate", handlers.ActivateLLMConfig)
				r.Post("/chat", handlers.Chat)
				r.Post("/suggest-command", handlers.SuggestCommand)
				r.Get("/history", handlers.ChatHistory)
			})

			// Admin-only routes
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireAdmin)

				r.Route("/admin/users", func(r chi.Router) {
					r.Get("/", handlers.ListUsers)
					r.Post("/", handlers.CreateUser)
					r.Get("/{id}", handlers.GetUserDetail)
					r.Put("/{id}", handlers.UpdateUser)
					r.Delete("/{id}", handlers.DeleteUser)
					r.Post("/{id}/reset-password", handlers.ResetUserPassword)
				})
			})
		})
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", config.Cfg.Host, config.Cfg.Port),
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	cronRunner.Stop()
	handlers.Pool.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

// seedDefaultAdmin creates the configured admin account on first boot.
func seedDefaultAdmin() {
	count, err := database.UserCount()
	if err != nil {
		log.Fatalf("User count: %v", err)
	}
	if count > 0 {
		return
	}

	hash, err := auth.HashPassword(config.Cfg.DefaultAdminPassword)
	if err != nil {
		log.Fatalf("Hash default admin password: %v", err)
	}
	user := &database.User{
		Username:     config.Cfg.DefaultAdminUser,
		Email:        config.Cfg.DefaultAdminEmail,
		PasswordHash: hash,
		Role:         "admin",
		IsActive:     true,
	}
	if err := database.CreateUser(user); err != nil {
		log.Fatalf("Create default admin: %v", err)
	}
	log.Printf("Default admin user %q created", user.Username)
}

func runCLICommand(command string) {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	username := fs.String("username", "", "Username")
	password := fs.String("password", "", "Password")
	email := fs.String("email", "", "Email (create-admin only)")
	fs.Parse(os.Args[2:])

	if *username == "" || *password == "" {
		fmt.Fprintf(os.Stderr, "Usage: aiterm-server --%s --username <user> --password <pass>\n", command)
		os.Exit(1)
	}

	config.Load()
	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	hash, err := auth.HashPassword(*password)
	if err != nil {
		log.Fatalf("Failed to hash password: %v", err)
	}

	switch command {
	case "create-admin":
		addr := *email
		if addr == "" {
			addr = *username + "@localhost"
		}
		user := &database.User{
			Username:     *username,
			Email:        addr,
			PasswordHash: hash,
			Role:         "admin",
			IsActive:     true,
		}
		if err := database.CreateUser(user); err != nil {
			log.Fatalf("Failed to create admin: %v", err)
		}
		fmt.Printf("Admin user '%s' created successfully.\n", *username)

	case "reset-password":
		user, err := database.GetUserByUsername(*username)
		if err != nil {
			log.Fatalf("User '%s' not found", *username)
		}
		if err := database.UpdateUserPassword(user.ID, hash); err != nil {
			log.Fatalf("Failed to update password: %v", err)
		}
		fmt.Printf("Password reset for '%s'. Existing tokens stay valid until they expire.\n", *username)
	}
}
