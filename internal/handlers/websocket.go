package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/webrtc-matchmaking/internal/middleware"
	"github.com/mossy-p/webrtc-matchmaking/internal/models"
	"github.com/mossy-p/webrtc-matchmaking/internal/quality"
	"github.com/mossy-p/webrtc-matchmaking/internal/rendezvous"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	sendBufferSize = 256
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

var errNoPeer = errors.New("no peer to address: set \"to\" or wait for a match")

// MatchOptions configures every session created by MatchHandler.
type MatchOptions struct {
	TopicName     string
	Confirmation  bool
	StatsInterval time.Duration
}

// MatchHandler serves /ws/match: each websocket owns one rendezvous session
// and one quality sampler fed by the stats the browser pushes.
type MatchHandler struct {
	topic rendezvous.Topic
	opts  MatchOptions
}

func NewMatchHandler(topic rendezvous.Topic, opts MatchOptions) *MatchHandler {
	if opts.TopicName == "" {
		opts.TopicName = rendezvous.DefaultTopicName
	}
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = quality.DefaultInterval
	}
	return &MatchHandler{topic: topic, opts: opts}
}

func (h *MatchHandler) newSession() *rendezvous.Session {
	opts := []rendezvous.Option{rendezvous.WithTopicName(h.opts.TopicName)}
	if h.opts.Confirmation {
		opts = append(opts, rendezvous.WithMatchConfirmation())
	}
	return rendezvous.NewSession(h.topic, opts...)
}

// Client represents a WebSocket client connection
type Client struct {
	ID            string
	ParticipantID string
	Conn          *websocket.Conn
	Send          chan []byte

	session *rendezvous.Session
	sampler *quality.Sampler
	source  *quality.PushedSource
	log     zerolog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// HandleMatch upgrades an authenticated request to the match websocket.
func (h *MatchHandler) HandleMatch(c *gin.Context) {
	participantID := c.GetString(middleware.UserIDKey)
	if participantID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	client := &Client{
		ID:            uuid.New().String(),
		ParticipantID: participantID,
		Conn:          conn,
		Send:          make(chan []byte, sendBufferSize),
		session:       h.newSession(),
		sampler:       quality.NewSampler(quality.WithInterval(h.opts.StatsInterval)),
		source:        quality.NewPushedSource(),
		done:          make(chan struct{}),
	}
	client.log = log.With().
		Str("connection_id", client.ID).
		Str("participant_id", participantID).
		Logger()

	client.session.OnMatch(func(peerID string) {
		client.sendMessage(models.ServerMessage{Type: models.ServerMatched, PeerID: peerID})
	})
	client.session.OnSignal(func(msg models.SignalMessage) {
		client.sendMessage(models.ServerMessage{
			Type:    models.ServerMessageType(msg.Kind),
			From:    msg.From,
			Payload: msg.Payload,
		})
	})
	client.sampler.Subscribe(func(stats models.ConnectionStats, connected bool) {
		client.sendMessage(models.ServerMessage{Type: models.ServerQuality, Stats: &stats, Connected: connected})
	})

	client.log.Info().Msg("Client connected")

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		c.sampler.Stop()
		c.session.Leave(context.Background())
		cancel()
		c.close()
		c.Conn.Close()
		c.log.Info().Msg("Client disconnected")
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("WebSocket error")
			}
			return
		}

		var msg models.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Debug().Err(err).Msg("Failed to parse message")
			c.sendError("invalid message")
			continue
		}

		c.handle(ctx, msg)
	}
}

func (c *Client) handle(ctx context.Context, msg models.ClientMessage) {
	switch msg.Type {
	case models.ClientJoin:
		c.sendMessage(models.ServerMessage{Type: models.ServerSearching})
		if err := c.session.Join(ctx, c.ParticipantID); err != nil {
			c.sendError("failed to join the match topic")
		}

	case models.ClientLeave:
		c.sampler.Stop()
		c.source.SetConnected(false)
		c.session.Leave(ctx)
		c.sendMessage(models.ServerMessage{Type: models.ServerIdle})

	case models.ClientOffer, models.ClientAnswer, models.ClientCandidate:
		if err := c.relay(ctx, msg); err != nil {
			c.log.Debug().Err(err).Str("type", string(msg.Type)).Msg("Failed to relay signal")
			c.sendError(err.Error())
		}

	case models.ClientStats:
		report, err := quality.ParseBrowserReport(msg.Payload)
		if err != nil {
			c.sendError("invalid stats report")
			return
		}
		c.source.Push(report)

	case models.ClientConnected:
		c.source.SetConnected(true)
		c.sampler.Start(ctx, c.source)

	case models.ClientDisconnected:
		c.source.SetConnected(false)
		c.sampler.Stop()

	default:
		c.log.Debug().Str("type", string(msg.Type)).Msg("Unknown message type")
		c.sendError("unknown message type")
	}
}

// relay forwards a signal to msg.To, or to the matched peer when To is empty.
func (c *Client) relay(ctx context.Context, msg models.ClientMessage) error {
	to := msg.To
	if to == "" {
		to = c.session.Status().MatchedPeerID
	}
	if to == "" {
		return errNoPeer
	}
	return c.session.SendSignal(ctx, to, models.SignalKind(msg.Type), msg.Payload)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Debug().Err(err).Msg("Failed to write message")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) sendMessage(msg models.ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to marshal message")
		return
	}

	select {
	case <-c.done:
	case c.Send <- data:
	default:
		c.log.Warn().Str("type", string(msg.Type)).Msg("Failed to send message, buffer full")
	}
}

func (c *Client) sendError(text string) {
	c.sendMessage(models.ServerMessage{Type: models.ServerError, Error: text})
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}
