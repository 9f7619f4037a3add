package main

import (
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gatherly/meetup-live/internal/config"
	"github.com/gatherly/meetup-live/internal/history"
	"github.com/gatherly/meetup-live/internal/messaging"
	"github.com/gatherly/meetup-live/internal/protocol"
)

func main() {
	log.Println("Starting location history service...")

	config.Load()

	// --- PostgreSQL ---
	store, err := history.Open(config.GetString("postgres.dsn"))
	if err != nil {
		log.Fatalf("failed to connect to PostgreSQL: %v", err)
	}
	if err := store.Migrate(); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = config.GetString("nats.url")
	natsConfig.Name = "live-historian"
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	buffer := history.NewBuffer(
		config.GetInt("history.batchSize"),
		config.GetDuration("history.flushInterval"),
		store.InsertBatch,
	)

	// Every accepted location report from every server instance lands
	// here via the wildcard subject.
	err = natsClient.SubscribeAllLocations(func(meetingID string, data []byte) {
		var report protocol.LocationBroadcastMsg
		if err := json.Unmarshal(data, &report); err != nil {
			log.Printf("[historian] failed to unmarshal report: %v", err)
			return
		}

		buffer.Add(history.Entry{
			MeetingID:      meetingID,
			ParticipantID:  report.ParticipantID,
			Lat:            report.Lat,
			Lng:            report.Lng,
			MovementStatus: report.MovementStatus,
			Arrived:        report.Arrived,
			ReportedAt:     time.UnixMilli(report.ReportedAt),
		})
	})
	if err != nil {
		log.Fatalf("failed to subscribe to location reports: %v", err)
	}

	log.Printf("location history service running")
	log.Printf("  nats_url:       %s", natsConfig.URL)
	log.Printf("  batch_size:     %d", config.GetInt("history.batchSize"))
	log.Printf("  flush_interval: %s", config.GetDuration("history.flushInterval"))

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	natsClient.Close()
	buffer.Close()
	if err := store.Close(); err != nil {
		log.Printf("store close error: %v", err)
	}
}
