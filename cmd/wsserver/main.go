package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"math"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gatherly/meetup-live/internal/config"
	"github.com/gatherly/meetup-live/internal/geo"
	"github.com/gatherly/meetup-live/internal/locations"
	"github.com/gatherly/meetup-live/internal/messaging"
	"github.com/gatherly/meetup-live/internal/metrics"
	"github.com/gatherly/meetup-live/internal/movement"
	"github.com/gatherly/meetup-live/internal/protocol"
	"github.com/gatherly/meetup-live/internal/ratelimit"
	"github.com/gatherly/meetup-live/internal/roster"
	"github.com/gatherly/meetup-live/internal/session"
	"github.com/gatherly/meetup-live/internal/ws"
)

// kickNotice travels over NATS to whichever server holds the session
// that must be closed.
type kickNotice struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
}

// apiVerifier adapts the meeting API to the server's handshake check
// and applies the connect rate limit before the upgrade.
type apiVerifier struct {
	directory *roster.Client
	limiter   *ratelimit.Limiter
}

func (v *apiVerifier) Verify(ctx context.Context, token, meetingID string) (string, error) {
	participantID, err := v.directory.Verify(ctx, token, meetingID)
	if err != nil {
		if errors.Is(err, roster.ErrNotMember) {
			return "", ws.ErrNotMember
		}
		return "", err
	}

	ok, _ := v.limiter.Allow(ctx, participantID, ratelimit.RuleConnect)
	if !ok {
		return "", errors.New("connect rate limit exceeded")
	}
	return participantID, nil
}

// meetingCache holds fetched meeting details while the meeting has
// local connections.
type meetingCache struct {
	mu      sync.Mutex
	details map[string]*roster.Detail
}

func (c *meetingCache) get(id string) *roster.Detail {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.details[id]
}

func (c *meetingCache) put(id string, d *roster.Detail) {
	c.mu.Lock()
	c.details[id] = d
	c.mu.Unlock()
}

func (c *meetingCache) drop(id string) {
	c.mu.Lock()
	delete(c.details, id)
	c.mu.Unlock()
}

func main() {
	config.Load()

	serverConfig := ws.DefaultServerConfig()
	serverConfig.ListenAddr = config.GetString("server.listenAddr")
	serverConfig.MaxConnections = config.GetInt("server.maxConnections")
	serverConfig.WriteTimeout = config.GetDuration("server.writeTimeout")
	serverConfig.HeartbeatInterval = config.GetDuration("server.heartbeatInterval")
	serverConfig.HeartbeatTimeout = config.GetDuration("server.heartbeatTimeout")

	serverName := config.GetString("server.name")
	if host, err := os.Hostname(); err == nil && serverName == "live-1" {
		serverName = host
	}

	// --- Redis ---
	sessions, err := session.NewRegistry(config.GetString("redis.addr"), serverName)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	positions := locations.NewStore(sessions.Client())
	limiter := ratelimit.NewLimiter(sessions.Client())

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = config.GetString("nats.url")
	natsConfig.Name = serverName
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Meeting API ---
	directory := roster.NewClient(config.GetString("meetingApi.url"), config.GetString("meetingApi.serviceKey"))

	log.Printf("live meeting server starting")
	log.Printf("  listen_addr:     %s", serverConfig.ListenAddr)
	log.Printf("  max_connections: %d", serverConfig.MaxConnections)
	log.Printf("  heartbeat:       %s + %s grace", serverConfig.HeartbeatInterval, serverConfig.HeartbeatTimeout)
	log.Printf("  redis_addr:      %s", config.GetString("redis.addr"))
	log.Printf("  nats_url:        %s", natsConfig.URL)
	log.Printf("  meeting_api:     %s", config.GetString("meetingApi.url"))
	log.Printf("  server_name:     %s", serverName)

	// Declare server early so closures can capture it.
	var server *ws.Server

	meetings := &meetingCache{details: make(map[string]*roster.Detail)}

	// subscribeMeeting wires this instance into the meeting's NATS
	// subjects. Every broadcast, including our own publishes, is
	// delivered through these handlers so cross-instance and local
	// fan-out share one path.
	subscribeMeeting := func(meetingID string) {
		err := natsClient.SubscribeLocation(meetingID, func(data []byte) {
			start := time.Now()
			server.Registry().Broadcast(meetingID, data)
			metrics.ReportFanout.Observe(time.Since(start).Seconds())
		})
		if err != nil {
			log.Printf("[meeting-sub] location subscribe meeting=%s failed: %v", meetingID, err)
		}

		err = natsClient.SubscribeSignal(meetingID, func(data []byte) {
			server.Registry().Broadcast(meetingID, data)
		})
		if err != nil {
			log.Printf("[meeting-sub] signal subscribe meeting=%s failed: %v", meetingID, err)
		}
	}

	unsubscribeMeeting := func(meetingID string) {
		_ = natsClient.UnsubscribeLocation(meetingID)
		_ = natsClient.UnsubscribeSignal(meetingID)
		meetings.drop(meetingID)
	}

	dispatcher := ws.NewMessageDispatcher()

	// -----------------------------------------------------------------------
	// init — deliver the personal snapshot of last known positions
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeInit, func(conn *ws.Connection, msg interface{}) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		records, err := positions.AllByMeeting(ctx, conn.MeetingID)
		if err != nil {
			log.Printf("[init] snapshot load meeting=%s failed: %v", conn.MeetingID, err)
			records = nil
		}

		reports := make([]protocol.LocationBroadcastMsg, 0, len(records))
		for _, rec := range records {
			reports = append(reports, protocol.LocationBroadcastMsg{
				Type:           protocol.TypeLocation,
				ParticipantID:  rec.ParticipantID,
				Lat:            rec.Lat,
				Lng:            rec.Lng,
				ReportedAt:     rec.ReportedAt,
				MovementStatus: rec.MovementStatus,
				Arrived:        rec.Arrived,
			})
		}

		data, err := protocol.NewMessage(protocol.TypeSnapshot, protocol.SnapshotMsg{Reports: reports})
		if err != nil {
			log.Printf("[init] snapshot build failed: %v", err)
			return
		}
		if err := server.Send(conn, data); err != nil {
			log.Printf("[init] snapshot send session=%s failed: %v", conn.ID, err)
			return
		}
		metrics.SnapshotSize.Observe(float64(len(reports)))
		log.Printf("[init] snapshot sent session=%s meeting=%s reports=%d", conn.ID, conn.MeetingID, len(reports))
	})

	// -----------------------------------------------------------------------
	// location — accept a report, derive arrival, fan out via NATS
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeLocation, func(conn *ws.Connection, msg interface{}) {
		report, ok := msg.(protocol.LocationReportMsg)
		if !ok {
			return
		}
		ctx := context.Background()

		// A client can only report its own position.
		if report.ParticipantID != "" && report.ParticipantID != conn.ParticipantID {
			metrics.LocationReportsTotal.WithLabelValues("ignored").Inc()
			return
		}

		allowed, _ := limiter.Allow(ctx, conn.ParticipantID, ratelimit.RuleLocation)
		if !allowed {
			metrics.LocationReportsTotal.WithLabelValues("throttled").Inc()
			return
		}

		detail := meetings.get(conn.MeetingID)
		if detail == nil {
			// Cache miss after a subscribe failure; fetch inline.
			d, err := directory.Detail(ctx, conn.MeetingID)
			if err != nil {
				log.Printf("[location] meeting detail %s failed: %v", conn.MeetingID, err)
				metrics.LocationReportsTotal.WithLabelValues("ignored").Inc()
				return
			}
			meetings.put(conn.MeetingID, d)
			detail = d
		}

		// A meeting without a destination still broadcasts positions;
		// only the arrival derivation is disabled.
		arrived := false
		if lat, lng, ok := detail.Destination(); ok {
			pos := geo.Coordinate{Lat: report.Lat, Lng: report.Lng}
			dest := geo.Coordinate{Lat: lat, Lng: lng}
			arrived = geo.Within(pos, dest, movement.ArrivalDistanceMeters)
		}

		status := string(movement.StatusMoving)
		if arrived {
			status = string(movement.StatusArrived)
		}

		prev, _ := positions.Latest(ctx, conn.MeetingID, conn.ParticipantID)

		rec := locations.Record{
			ParticipantID:  conn.ParticipantID,
			Lat:            report.Lat,
			Lng:            report.Lng,
			MovementStatus: status,
			Arrived:        arrived,
			ReportedAt:     report.ReportedAt,
		}
		if err := positions.SaveLatest(ctx, conn.MeetingID, rec); err != nil {
			log.Printf("[location] save session=%s failed: %v", conn.ID, err)
		}

		broadcast, err := protocol.NewMessage(protocol.TypeLocation, protocol.LocationBroadcastMsg{
			ParticipantID:  conn.ParticipantID,
			Lat:            report.Lat,
			Lng:            report.Lng,
			ReportedAt:     report.ReportedAt,
			MovementStatus: status,
			Arrived:        arrived,
		})
		if err != nil {
			log.Printf("[location] broadcast build failed: %v", err)
			return
		}
		if err := natsClient.PublishLocation(conn.MeetingID, broadcast); err != nil {
			log.Printf("[location] publish meeting=%s failed: %v", conn.MeetingID, err)
		}
		metrics.LocationReportsTotal.WithLabelValues("accepted").Inc()

		// First crossing into the arrival radius is recorded with the
		// meeting API; repeats are no-ops.
		if arrived && (prev == nil || !prev.Arrived) {
			go func(meetingID, participantID string) {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := directory.PatchStatus(ctx, meetingID, participantID, string(movement.StatusArrived)); err != nil {
					log.Printf("[location] arrival patch %s/%s failed: %v", meetingID, participantID, err)
				}
			}(conn.MeetingID, conn.ParticipantID)
			log.Printf("[location] participant=%s arrived meeting=%s", conn.ParticipantID, conn.MeetingID)
		}
	})

	// -----------------------------------------------------------------------
	// nudge — directed urge/blame with a server-side cooldown backstop
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeNudge, func(conn *ws.Connection, msg interface{}) {
		nudge, ok := msg.(protocol.NudgeMsg)
		if !ok {
			return
		}
		ctx := context.Background()

		if !protocol.ValidNudgeKind(nudge.Kind) || nudge.TargetID == "" {
			metrics.SignalsTotal.WithLabelValues("rejected").Inc()
			return
		}

		allowed, _ := limiter.Allow(ctx, conn.ParticipantID, ratelimit.RuleNudge)
		if !allowed {
			metrics.SignalsTotal.WithLabelValues("rejected").Inc()
			wait := limiter.RetryAfter(ctx, conn.ParticipantID, ratelimit.RuleNudge)
			reply, err := protocol.NewMessage(protocol.TypeRateLimited, protocol.RateLimitedMsg{
				Action:     protocol.TypeNudge,
				RetryAfter: int(math.Ceil(wait.Seconds())),
			})
			if err == nil {
				_ = server.Send(conn, reply)
			}
			return
		}

		broadcast, err := protocol.NewMessage(protocol.TypeNudge, protocol.NudgeBroadcastMsg{
			SenderID: conn.ParticipantID,
			TargetID: nudge.TargetID,
			Kind:     nudge.Kind,
			SentAt:   time.Now().UnixMilli(),
		})
		if err != nil {
			return
		}
		if err := natsClient.PublishSignal(conn.MeetingID, broadcast); err != nil {
			log.Printf("[nudge] publish meeting=%s failed: %v", conn.MeetingID, err)
			return
		}
		metrics.SignalsTotal.WithLabelValues("nudge").Inc()
		log.Printf("[nudge] %s -> %s kind=%s meeting=%s", conn.ParticipantID, nudge.TargetID, nudge.Kind, conn.MeetingID)
	})

	// -----------------------------------------------------------------------
	// emoji — broadcast reaction, validated against the closed set
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeEmoji, func(conn *ws.Connection, msg interface{}) {
		emoji, ok := msg.(protocol.EmojiMsg)
		if !ok {
			return
		}

		if !protocol.ValidEmoji(emoji.Emoji) {
			metrics.SignalsTotal.WithLabelValues("rejected").Inc()
			return
		}

		broadcast, err := protocol.NewMessage(protocol.TypeEmoji, protocol.EmojiBroadcastMsg{
			SenderID: conn.ParticipantID,
			Emoji:    emoji.Emoji,
			SentAt:   time.Now().UnixMilli(),
		})
		if err != nil {
			return
		}
		if err := natsClient.PublishSignal(conn.MeetingID, broadcast); err != nil {
			log.Printf("[emoji] publish meeting=%s failed: %v", conn.MeetingID, err)
			return
		}
		metrics.SignalsTotal.WithLabelValues("emoji").Inc()
	})

	verifier := &apiVerifier{directory: directory, limiter: limiter}
	server = ws.NewServer(serverConfig, verifier, dispatcher.Dispatch)

	// Duplicate-session kicks from other instances. The notice names the
	// exact session so a late delivery cannot close a newer one.
	err = natsClient.SubscribeKicks(func(participantID string, data []byte) {
		var notice kickNotice
		if err := json.Unmarshal(data, &notice); err != nil {
			return
		}
		conn := server.Registry().GetByParticipant(participantID)
		if conn == nil || conn.ID != notice.SessionID {
			return
		}
		kick, err := protocol.NewMessage(protocol.TypeKick, protocol.KickMsg{Reason: notice.Reason})
		if err == nil {
			_ = server.Send(conn, kick)
		}
		server.RemoveConnection(conn)
		metrics.KicksTotal.Inc()
		log.Printf("[kick] closed session=%s participant=%s", notice.SessionID, participantID)
	})
	if err != nil {
		log.Fatalf("failed to subscribe to kicks: %v", err)
	}

	server.SetOnConnect(func(conn *ws.Connection, replaced *ws.Connection) {
		metrics.ConnectionsTotal.Inc()

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		// First local connection for this meeting: fetch the detail and
		// join its NATS subjects.
		if len(server.Registry().Meeting(conn.MeetingID)) == 1 {
			detail, err := directory.Detail(ctx, conn.MeetingID)
			if err != nil {
				log.Printf("[connect] meeting detail %s failed: %v", conn.MeetingID, err)
			} else {
				meetings.put(conn.MeetingID, detail)
			}
			subscribeMeeting(conn.MeetingID)
		}
		metrics.ActiveMeetings.Set(float64(len(server.Registry().MeetingIDs())))

		// Same participant on this instance: kick the old socket directly.
		if replaced != nil {
			kick, err := protocol.NewMessage(protocol.TypeKick, protocol.KickMsg{Reason: "duplicate_session"})
			if err == nil {
				_ = server.Send(replaced, kick)
			}
			server.RemoveConnection(replaced)
			metrics.KicksTotal.Inc()
			log.Printf("[connect] kicked local duplicate session=%s participant=%s", replaced.ID, conn.ParticipantID)
		}

		// Claim the session slot. A previous session on another instance
		// gets a kick notice over NATS.
		prev, err := sessions.Register(ctx, conn.ParticipantID, conn.ID, conn.MeetingID)
		if err != nil {
			log.Printf("[connect] session register participant=%s failed: %v", conn.ParticipantID, err)
			return
		}
		if prev != nil {
			notice, _ := json.Marshal(kickNotice{SessionID: prev.SessionID, Reason: "duplicate_session"})
			if err := natsClient.PublishKick(conn.ParticipantID, notice); err != nil {
				log.Printf("[connect] kick publish participant=%s failed: %v", conn.ParticipantID, err)
			}
		}
	})

	server.SetOnDisconnect(func(conn *ws.Connection) {
		metrics.ConnectionsTotal.Dec()

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		// Decide the participant's resting status from their last fix:
		// inside the arrival radius they arrived, otherwise they pause.
		// Without any fix there is nothing to record.
		if rec, err := positions.Latest(ctx, conn.MeetingID, conn.ParticipantID); err == nil && rec != nil && !rec.Arrived {
			if detail := meetings.get(conn.MeetingID); detail != nil {
				// Without a destination nobody can have arrived, so the
				// drop always reads as a pause.
				status := movement.StatusPaused
				if lat, lng, ok := detail.Destination(); ok {
					last := geo.Coordinate{Lat: rec.Lat, Lng: rec.Lng}
					status = movement.StatusOnDisconnect(last, geo.Coordinate{Lat: lat, Lng: lng})
				}
				if err := directory.PatchStatus(ctx, conn.MeetingID, conn.ParticipantID, string(status)); err != nil {
					log.Printf("[disconnect] status patch %s/%s failed: %v", conn.MeetingID, conn.ParticipantID, err)
				}
			}
		}

		if err := sessions.Unregister(ctx, conn.ParticipantID, conn.ID); err != nil {
			log.Printf("[disconnect] session unregister participant=%s failed: %v", conn.ParticipantID, err)
		}

		// Last local connection for the meeting: leave its subjects. The
		// position cache stays in Redis for reconnecting participants.
		if len(server.Registry().Meeting(conn.MeetingID)) == 0 {
			unsubscribeMeeting(conn.MeetingID)
		}
		metrics.ActiveMeetings.Set(float64(len(server.Registry().MeetingIDs())))
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		natsClient.Close()
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if err := sessions.Close(); err != nil {
			log.Printf("session registry close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(mux); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
