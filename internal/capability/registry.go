package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-clone/internal/bus"
	"github.com/loqalabs/loqa-clone/internal/config"
	"github.com/loqalabs/loqa-clone/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type Capability struct {
	Name       string            `json:"name"`
	Tier       string            `json:"tier,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type announcement struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
}

type heartbeat struct {
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	subjectAnnounce  = "ctrl.node.announce"
	subjectHeartbeat = "ctrl.node.heartbeat."
)

// Registry announces this node's synthesis capability and keeps a liveness
// view of every clone node heartbeating on the bus, itself included.
type Registry struct {
	id       string
	role     string
	local    []Capability
	interval time.Duration
	timeout  time.Duration
	log      *slog.Logger
	bus      *bus.Client
	cancel   context.CancelFunc
	subs     []*nats.Subscription

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

// NewRegistry starts announcing local alongside the capabilities listed in
// cfg. Entries in local override configured ones with the same name.
func NewRegistry(ctx context.Context, cfg config.NodeConfig, local []Capability, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		id:       cfg.ID,
		role:     cfg.Role,
		local:    Merge(fromConfig(cfg.Capabilities), local),
		interval: time.Duration(cfg.HeartbeatInterval) * time.Millisecond,
		timeout:  time.Duration(cfg.HeartbeatTimeout) * time.Millisecond,
		log:      log.With(slog.String("component", "capability-registry")),
		bus:      busClient,
		cancel:   cancel,
		lastSeen: make(map[string]time.Time),
	}

	if err := r.registerMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	conn := busClient.Conn()
	for subject, handler := range map[string]nats.MsgHandler{
		subjectAnnounce:        r.handleAnnounce,
		subjectHeartbeat + "*": r.handleHeartbeat,
	} {
		sub, err := conn.Subscribe(subject, handler)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("subscribe %s: %w", subject, err)
		}
		r.subs = append(r.subs, sub)
	}

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}
	go r.run(ctx)
	return r, nil
}

func (r *Registry) Close() {
	r.cancel()
	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}
}

func (r *Registry) run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.publish(subjectHeartbeat+r.id, heartbeat{NodeID: r.id, Timestamp: time.Now().UTC()}); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Registry) announce() error {
	return r.publish(subjectAnnounce, announcement{
		NodeID:       r.id,
		Role:         r.role,
		Capabilities: r.local,
		Timestamp:    time.Now().UTC(),
	})
}

func (r *Registry) publish(subject string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return r.bus.Conn().Publish(subject, payload)
}

// handleAnnounce records the sender and answers first sightings with
// our own announcement so late joiners learn about existing nodes.
func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var a announcement
	if err := json.Unmarshal(msg.Data, &a); err != nil || a.NodeID == "" {
		r.log.Warn("invalid announce message")
		return
	}
	if !r.touch(a.NodeID) || a.NodeID == r.id {
		return
	}
	r.log.Info("clone node joined", slog.String("node", a.NodeID), slog.Int("capabilities", len(a.Capabilities)))
	if err := r.announce(); err != nil {
		r.log.Warn("failed to answer announce", slog.String("error", err.Error()))
	}
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil || hb.NodeID == "" {
		r.log.Warn("invalid heartbeat message")
		return
	}
	r.touch(hb.NodeID)
}

// touch marks a node as seen now and reports whether it was previously
// unknown or had timed out.
func (r *Registry) touch(id string) bool {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	last, ok := r.lastSeen[id]
	r.lastSeen[id] = now
	return !ok || now.Sub(last) > r.timeout
}

// Healthy reports whether this node's own traffic made the bus round trip
// within the heartbeat timeout.
func (r *Registry) Healthy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	last, ok := r.lastSeen[r.id]
	return ok && time.Since(last) <= r.timeout
}

// Peers lists the nodes heard from within the heartbeat timeout.
func (r *Registry) Peers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var live []string
	for id, last := range r.lastSeen {
		if time.Since(last) <= r.timeout {
			live = append(live, id)
		}
	}
	sort.Strings(live)
	return live
}

func (r *Registry) registerMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-clone/capability")
	nodes, err := meter.Int64ObservableGauge("loqa.clone.capability.nodes", metric.WithDescription("Clone nodes heard from within the heartbeat timeout"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(nodes, int64(len(r.Peers())))
		return nil
	}, nodes)
	return err
}

func fromConfig(source []config.NodeCapability) []Capability {
	result := make([]Capability, 0, len(source))
	for _, c := range source {
		result = append(result, Capability{Name: c.Name, Tier: c.Tier, Attributes: c.Attributes})
	}
	return result
}

// Merge overlays extra onto base by capability name, merging attributes.
func Merge(base, extra []Capability) []Capability {
	result := append([]Capability(nil), base...)
	for _, c := range extra {
		replaced := false
		for i := range result {
			if result[i].Name != c.Name {
				continue
			}
			attrs := make(map[string]string, len(result[i].Attributes)+len(c.Attributes))
			for k, v := range result[i].Attributes {
				attrs[k] = v
			}
			for k, v := range c.Attributes {
				attrs[k] = v
			}
			if c.Tier != "" {
				result[i].Tier = c.Tier
			}
			result[i].Attributes = attrs
			replaced = true
		}
		if !replaced {
			result = append(result, c)
		}
	}
	return result
}

// Synthesis describes the clone service for announcement.
func Synthesis(engineMode string, sampleRate int, formats []string) Capability {
	return Capability{
		Name: "tts.clone",
		Attributes: map[string]string{
			"modes":       strings.Join([]string{protocol.ModeZeroShot, protocol.ModeCrossLingual, protocol.ModeInstruct, protocol.ModeSft}, ","),
			"engine":      engineMode,
			"sample_rate": strconv.Itoa(sampleRate),
			"formats":     strings.Join(formats, ","),
			"subject":     protocol.SubjectSynthesisRequest,
		},
	}
}
