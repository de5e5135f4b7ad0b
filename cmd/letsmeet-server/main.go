package main

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/letsmeet-app/letsmeet/internal/logging"
	"github.com/letsmeet-app/letsmeet/internal/server"
	"github.com/letsmeet-app/letsmeet/internal/signaling"
)

func main() {
	logging.Init(slog.LevelInfo)

	hub := signaling.NewHub()
	go hub.Run()

	http.HandleFunc("/health", server.HealthCheck)
	http.HandleFunc("/ws", server.ServeWs(hub))

	port := os.Getenv("PORT")
	if port == "" {
		port = "3500"
	}

	slog.Info("starting signaling server", "port", port)
	if err := http.ListenAndServe(":"+port, nil); err != nil {
		slog.Error("server exited", "err", err)
		os.Exit(1)
	}
}
