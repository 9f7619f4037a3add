// Package messaging provides a NATS client wrapper for pub/sub fan-out
// across live meeting server instances. Participants in one meeting may
// be connected to different servers; every location report and signal
// goes through NATS so each instance can relay it to its local
// connections.
package messaging

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns for the live meeting channel.
const (
	SubjectLocation = "live.meeting.%s.location" // per-meeting location reports
	SubjectSignal   = "live.meeting.%s.signal"   // per-meeting nudges and emoji
	SubjectKick     = "live.kick.%s"             // per-participant duplicate-session kicks

	// SubjectLocationAll matches location reports from every meeting.
	// Used by the history consumer.
	SubjectLocationAll = "live.meeting.*.location"
)

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "meetup-live",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// PublishLocation publishes a location report for the meeting.
func (c *NATSClient) PublishLocation(meetingID string, data []byte) error {
	return c.Publish(fmt.Sprintf(SubjectLocation, meetingID), data)
}

// SubscribeLocation subscribes to location reports for the meeting.
func (c *NATSClient) SubscribeLocation(meetingID string, handler func(data []byte)) error {
	return c.Subscribe(fmt.Sprintf(SubjectLocation, meetingID), func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// UnsubscribeLocation removes the meeting's location subscription.
func (c *NATSClient) UnsubscribeLocation(meetingID string) error {
	return c.unsubscribe(fmt.Sprintf(SubjectLocation, meetingID))
}

// SubscribeAllLocations subscribes to location reports from every
// meeting. The meeting ID is parsed out of the subject.
func (c *NATSClient) SubscribeAllLocations(handler func(meetingID string, data []byte)) error {
	return c.Subscribe(SubjectLocationAll, func(msg *nats.Msg) {
		// Subject is live.meeting.<meetingID>.location.
		parts := strings.Split(msg.Subject, ".")
		if len(parts) != 4 {
			return
		}
		handler(parts[2], msg.Data)
	})
}

// PublishSignal publishes a nudge or emoji signal for the meeting.
func (c *NATSClient) PublishSignal(meetingID string, data []byte) error {
	return c.Publish(fmt.Sprintf(SubjectSignal, meetingID), data)
}

// SubscribeSignal subscribes to nudge and emoji signals for the meeting.
func (c *NATSClient) SubscribeSignal(meetingID string, handler func(data []byte)) error {
	return c.Subscribe(fmt.Sprintf(SubjectSignal, meetingID), func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// UnsubscribeSignal removes the meeting's signal subscription.
func (c *NATSClient) UnsubscribeSignal(meetingID string) error {
	return c.unsubscribe(fmt.Sprintf(SubjectSignal, meetingID))
}

// PublishKick tells whichever server holds the participant's old session
// to close it. Carries the session ID that must be kicked so a late
// delivery cannot close the session that took over.
func (c *NATSClient) PublishKick(participantID string, data []byte) error {
	return c.Publish(fmt.Sprintf(SubjectKick, participantID), data)
}

// SubscribeKicks subscribes to kick notices for every participant on
// this server. Subject wildcards keep it a single subscription.
func (c *NATSClient) SubscribeKicks(handler func(participantID string, data []byte)) error {
	subject := fmt.Sprintf(SubjectKick, "*")
	return c.Subscribe(subject, func(msg *nats.Msg) {
		// Subject is live.kick.<participantID>.
		const prefixLen = len("live.kick.")
		if len(msg.Subject) <= prefixLen {
			return
		}
		handler(msg.Subject[prefixLen:], msg.Data)
	})
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

// unsubscribe removes and unsubscribes from a specific subject.
func (c *NATSClient) unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}
