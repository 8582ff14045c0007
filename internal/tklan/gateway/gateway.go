// Package gateway exposes a SerialLink to out-of-process clients
// over Redis: a commands queue (request/reply), an events channel
// (publish), and an optional streaming schedule pumped when no client
// command is pending (spec.md §4.F).
package gateway

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/teknotrol/tklan-gateway/internal/tklan/config"
	"github.com/teknotrol/tklan-gateway/internal/tklan/frame"
)

// Redis keys and channel used to realize the commands/publisher sockets
// described in spec.md §6 over github.com/redis/go-redis/v9 primitives.
const (
	CommandsKey   = "tklan:commands"
	EventsChannel = "tklan:events"
	replyKeyPrefix = "tklan:replies:"
)

func replyKey(id string) string {
	return replyKeyPrefix + id
}

// transactor is the subset of *link.Link the gateway needs. Defined here,
// not imported from link, so unit tests can supply a fake without building
// a real serial port.
type transactor interface {
	SendFrame(f frame.Frame) (frame.Frame, error)
}

// broker is the subset of *redis.Client the gateway needs: the
// LPush/BRPop pair backing the commands queue and reply mailboxes, and
// Publish backing the events channel. Defined here, not imported from the
// redis package, so unit tests can supply a fake without a Redis server.
type broker interface {
	LPush(key, value string) error
	BRPop(timeout time.Duration, key string) ([]string, error)
	Publish(channel, message string) error
}

// commandRequest is the JSON shape of one commands-queue entry, per
// spec.md §6. ID is this module's addition: it names the reply mailbox
// since a Redis list has no built-in request/reply correlation.
type commandRequest struct {
	ID          string `json:"id,omitempty"`
	Sender      byte   `json:"sender"`
	Destination byte   `json:"destination"`
	Function    byte   `json:"function"`
	Data        string `json:"data"`
	Validate    *bool  `json:"validate,omitempty"`
}

type commandReply struct {
	Sender      byte   `json:"sender"`
	Destination byte   `json:"destination"`
	Function    byte   `json:"function"`
	Length      int    `json:"length"`
	Data        string `json:"data"`
	Checksum    string `json:"checksum"`
}

type errorReply struct {
	ID          string `json:"id,omitempty"`
	Sender      byte   `json:"sender"`
	Destination byte   `json:"destination"`
	Function    byte   `json:"function"`
	Data        string `json:"data"`
	Error       string `json:"error"`
}

type frameView struct {
	Sender      byte   `json:"sender"`
	Destination byte   `json:"destination"`
	Function    byte   `json:"function"`
	Length      int    `json:"length"`
	Data        string `json:"data"`
	Checksum    string `json:"checksum"`
}

func frameToView(f frame.Frame) frameView {
	return frameView{
		Sender:      f.Sender,
		Destination: f.Destination,
		Function:    byte(f.Function),
		Length:      len(f.Data),
		Data:        strings.ToUpper(hex.EncodeToString(f.Data)),
		Checksum:    fmt.Sprintf("%02X", f.Checksum),
	}
}

// Gateway polls the commands queue and, when idle, pumps a configured
// streaming schedule, publishing every successful exchange.
type Gateway struct {
	link  transactor
	redis broker
	cfg   config.Config

	streamIndex int
}

// New builds a Gateway over link and redisClient, configured per cfg
// (notably cfg.StreamingSchedule).
func New(link transactor, redisClient broker, cfg config.Config) *Gateway {
	return &Gateway{link: link, redis: redisClient, cfg: cfg}
}

// Run polls the commands queue until ctx is done. Each poll blocks at most
// one second so an idle queue still lets the streaming schedule advance.
func (g *Gateway) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		result, err := g.redis.BRPop(1*time.Second, CommandsKey)
		if err != nil {
			log.Printf("tklan: gateway: commands queue error: %v", err)
			continue
		}
		if result == nil {
			g.pumpStreaming()
			continue
		}
		g.handleCommand(result[1])
	}
}

func (g *Gateway) handleCommand(raw string) {
	var req commandRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		g.publishException(fmt.Errorf("malformed command: %w", err))
		return
	}

	data, err := hex.DecodeString(req.Data)
	if err != nil {
		g.replyError(req, fmt.Errorf("invalid hex data: %w", err))
		return
	}

	var opts []frame.FrameOption
	if req.Validate != nil && !*req.Validate {
		opts = append(opts, frame.WithoutValidation())
	}
	f, err := frame.FrameFromFields(req.Sender, req.Destination, frame.Function(req.Function), data, opts...)
	if err != nil {
		g.replyError(req, err)
		return
	}

	reply, err := g.link.SendFrame(f)
	if err != nil {
		g.replyError(req, err)
		return
	}

	g.replyOK(req, reply)
	g.publishExchange(f, reply)
}

func (g *Gateway) replyOK(req commandRequest, reply frame.Frame) {
	obj := commandReply{
		Sender:      reply.Sender,
		Destination: reply.Destination,
		Function:    byte(reply.Function),
		Length:      len(reply.Data),
		Data:        strings.ToUpper(hex.EncodeToString(reply.Data)),
		Checksum:    fmt.Sprintf("%02X", reply.Checksum),
	}
	b, err := json.Marshal(obj)
	if err != nil {
		g.publishException(err)
		return
	}
	if req.ID == "" {
		return
	}
	if err := g.redis.LPush(replyKey(req.ID), string(b)); err != nil {
		log.Printf("tklan: gateway: failed to deliver reply for %s: %v", req.ID, err)
	}
}

// replyError implements spec.md §4.F's error reply: the original request
// fields plus an error string, delivered to the same reply mailbox a
// successful reply would use rather than published as an event, so the
// client can retry.
func (g *Gateway) replyError(req commandRequest, cause error) {
	obj := errorReply{
		ID:          req.ID,
		Sender:      req.Sender,
		Destination: req.Destination,
		Function:    req.Function,
		Data:        req.Data,
		Error:       cause.Error(),
	}
	b, err := json.Marshal(obj)
	if err != nil {
		g.publishException(err)
		return
	}
	if req.ID == "" {
		return
	}
	if err := g.redis.LPush(replyKey(req.ID), string(b)); err != nil {
		log.Printf("tklan: gateway: failed to deliver error reply for %s: %v", req.ID, err)
	}
}

// publishExchange fans out a successful request/reply pair to the events
// channel. Publisher sends are best-effort: a failure here never affects
// the transaction outcome already delivered to the reply mailbox.
func (g *Gateway) publishExchange(request, reply frame.Frame) {
	obj := struct {
		Request frameView `json:"request"`
		Reply   frameView `json:"reply"`
	}{Request: frameToView(request), Reply: frameToView(reply)}

	b, err := json.Marshal(obj)
	if err != nil {
		log.Printf("tklan: gateway: failed to marshal event: %v", err)
		return
	}
	if err := g.redis.Publish(EventsChannel, string(b)); err != nil {
		log.Printf("tklan: gateway: failed to publish event: %v", err)
	}
}

func (g *Gateway) publishException(cause error) {
	b, err := json.Marshal(map[string]string{"exception": cause.Error()})
	if err != nil {
		log.Printf("tklan: gateway: failed to marshal exception: %v", err)
		return
	}
	if err := g.redis.Publish(EventsChannel, string(b)); err != nil {
		log.Printf("tklan: gateway: failed to publish exception: %v", err)
	}
}

// pumpStreaming sends the next frame in the configured schedule when the
// commands queue is idle, wrapping the index modulo the schedule length.
func (g *Gateway) pumpStreaming() {
	if len(g.cfg.StreamingSchedule) == 0 {
		return
	}
	f := g.cfg.StreamingSchedule[g.streamIndex%len(g.cfg.StreamingSchedule)]
	g.streamIndex++

	reply, err := g.link.SendFrame(f)
	if err != nil {
		log.Printf("tklan: gateway: streaming send failed: %v", err)
		return
	}
	g.publishExchange(f, reply)
}
