package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/C25Ronaldo/voice-pick-bot/internal/bus"
	"github.com/C25Ronaldo/voice-pick-bot/internal/config"
	"github.com/C25Ronaldo/voice-pick-bot/internal/protocol"
)

// Profile describes what this daemon offers.
type Profile struct {
	Runtime    string
	Engine     string
	SampleRate int
	MaxSamples int
}

// Backlog reports the inference queue depth.
type Backlog interface {
	Pending() int
}

// Peer is the last known state of a voicepick daemon, this one included.
type Peer struct {
	Status   protocol.WorkerStatus
	LastSeen time.Time
	Healthy  bool
}

// Registry announces this daemon, heartbeats its queue depth and tracks
// every other daemon seen on the bus.
type Registry struct {
	cfg     config.NodeConfig
	profile Profile
	backlog Backlog
	log     *slog.Logger
	bus     *bus.Client
	clock   func() time.Time

	mu    sync.RWMutex
	peers map[string]*Peer

	heartbeat *time.Ticker
	cancel    context.CancelFunc
	subs      []*nats.Subscription
	meter     metric.Meter
}

func NewRegistry(ctx context.Context, cfg config.NodeConfig, busClient *bus.Client, profile Profile, backlog Backlog, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:     cfg,
		profile: profile,
		backlog: backlog,
		log:     log.With(slog.String("component", "presence"), slog.String("node_id", cfg.ID)),
		bus:     busClient,
		clock:   time.Now,
		peers:   make(map[string]*Peer),
		meter:   otel.Meter("github.com/C25Ronaldo/voice-pick-bot/internal/presence"),
		cancel:  cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.Close()
		return nil, err
	}

	r.heartbeat = time.NewTicker(time.Duration(cfg.HeartbeatInterval) * time.Millisecond)
	go r.runHeartbeat(ctx)
	go r.monitorHealth(ctx)

	if err := r.publish(protocol.SubjectWorkerAnnounce); err != nil {
		r.log.Warn("failed to announce worker", slog.String("error", err.Error()))
	}

	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.heartbeat != nil {
		r.heartbeat.Stop()
	}
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	for _, subject := range []string{protocol.SubjectWorkerAnnounce, protocol.SubjectWorkerHeartbeatPrefix + ".*"} {
		sub, err := conn.Subscribe(subject, r.handleStatus)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		r.subs = append(r.subs, sub)
	}
	return nil
}

func (r *Registry) runHeartbeat(ctx context.Context) {
	subject := protocol.SubjectWorkerHeartbeatPrefix + "." + r.cfg.ID
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.heartbeat.C:
			if err := r.publish(subject); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Registry) monitorHealth(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth()
		}
	}
}

// Status is this daemon's current advertisement.
func (r *Registry) Status() protocol.WorkerStatus {
	depth := 0
	if r.backlog != nil {
		depth = r.backlog.Pending()
	}
	return protocol.WorkerStatus{
		NodeID:     r.cfg.ID,
		Runtime:    r.profile.Runtime,
		Engine:     r.profile.Engine,
		SampleRate: r.profile.SampleRate,
		MaxSamples: r.profile.MaxSamples,
		QueueDepth: depth,
		Timestamp:  r.clock().UTC(),
	}
}

func (r *Registry) publish(subject string) error {
	status := r.Status()
	if err := r.bus.PublishJSON(subject, status); err != nil {
		return err
	}
	r.update(status)
	return nil
}

func (r *Registry) handleStatus(msg *nats.Msg) {
	var status protocol.WorkerStatus
	if err := json.Unmarshal(msg.Data, &status); err != nil {
		r.log.Warn("invalid worker status", slog.String("error", err.Error()))
		return
	}
	if status.NodeID == "" {
		return
	}
	if status.Timestamp.IsZero() {
		status.Timestamp = r.clock().UTC()
	}
	r.update(status)
}

func (r *Registry) update(status protocol.WorkerStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()

	peer, ok := r.peers[status.NodeID]
	if !ok {
		peer = &Peer{}
		r.peers[status.NodeID] = peer
		if status.NodeID != r.cfg.ID {
			r.log.Info("worker discovered", slog.String("peer", status.NodeID), slog.String("engine", status.Engine))
		}
	}
	if status.Timestamp.Before(peer.LastSeen) {
		return
	}
	peer.Status = status
	peer.LastSeen = status.Timestamp
	peer.Healthy = true
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := r.clock()
	for id, peer := range r.peers {
		if peer.Healthy && now.Sub(peer.LastSeen) > timeout {
			peer.Healthy = false
			r.log.Warn("worker missed heartbeats", slog.String("peer", id))
		}
	}
}

// Healthy reports whether this daemon's own heartbeats are reaching the bus.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peer, ok := r.peers[r.cfg.ID]
	return ok && peer.Healthy
}

// Peers returns known daemons ordered by queue depth, healthy ones first.
func (r *Registry) Peers() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Peer, 0, len(r.peers))
	for _, peer := range r.peers {
		out = append(out, *peer)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Healthy != out[j].Healthy {
			return out[i].Healthy
		}
		if out[i].Status.QueueDepth != out[j].Status.QueueDepth {
			return out[i].Status.QueueDepth < out[j].Status.QueueDepth
		}
		return out[i].Status.NodeID < out[j].Status.NodeID
	})
	return out
}

func (r *Registry) initMetrics() error {
	workers, err := r.meter.Int64ObservableGauge("voicepick.presence.workers",
		metric.WithDescription("Known voicepick daemons"))
	if err != nil {
		return err
	}
	healthy, err := r.meter.Int64ObservableGauge("voicepick.presence.healthy_workers",
		metric.WithDescription("Daemons with a recent heartbeat"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		total, ok := r.snapshotCounts()
		obs.ObserveInt64(workers, total)
		obs.ObserveInt64(healthy, ok)
		return nil
	}, workers, healthy)
	return err
}

func (r *Registry) snapshotCounts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var total, healthy int64
	for _, peer := range r.peers {
		total++
		if peer.Healthy {
			healthy++
		}
	}
	return total, healthy
}
