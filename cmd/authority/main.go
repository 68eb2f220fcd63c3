// Command authority runs the remote licensing authority server.
package main

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"parklic/internal/app"
	"parklic/internal/config"
)

func main() {
	// .env is optional; real deployments set PARKLIC_* directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	application, err := app.NewApplication(cfg)
	if err != nil {
		slog.Error("failed to initialize authority", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := application.Run(); err != nil {
		slog.Error("authority exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
