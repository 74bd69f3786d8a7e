// Package telemetry implements the pool's optional fleet-wide broadcast
// side channel: periodic snapshots of one pool's state published over
// Redis pub/sub so a fleet of pool instances (and any operator tooling
// subscribed to the channel) can observe each other, entirely off the
// pool's claim/release decision path (spec §1's resolver/constructor
// out-of-scope collaborators note extends naturally to this: nothing
// here may block or influence a claim decision).
package telemetry

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Snapshot is the payload broadcast once per publish tick. It mirrors
// the fields Pool.Stats() exposes, re-encoded for cross-instance
// consumption.
type Snapshot struct {
	InstanceID string         `json:"instance_id"`
	Domain     string         `json:"domain"`
	State      string         `json:"state"`
	Ready      int            `json:"ready"`
	Claimed    int            `json:"claimed"`
	Connecting int            `json:"connecting"`
	QueueLen   int            `json:"queue_len"`
	DeadCount  int            `json:"dead_count"`
	PerBackend map[string]int `json:"per_backend,omitempty"`
	At         time.Time      `json:"at"`
}

// Broadcaster publishes periodic snapshots, tagged with this instance's
// ID, to a Redis channel; it writes no other keys. It never participates in the
// pool's own decision-making; a Broadcaster that never starts, or whose
// Redis connection is down, must not affect claim/release behavior.
type Broadcaster struct {
	client     redis.UniversalClient
	channel    string
	instanceID string
	interval   time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Broadcaster. The caller owns the Redis client's
// lifecycle except for Close, which this Broadcaster calls.
func New(client redis.UniversalClient, channel, instanceID string, interval time.Duration) *Broadcaster {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Broadcaster{
		client:     client,
		channel:    channel,
		instanceID: instanceID,
		interval:   interval,
		stopCh:     make(chan struct{}),
	}
}

// Start begins the periodic publish loop. source is called once per
// tick to obtain the current snapshot; it must return quickly (it is
// called from the broadcaster's own goroutine, never the pool's
// dispatcher, but a slow source still delays every subsequent tick).
func (b *Broadcaster) Start(ctx context.Context, source func() Snapshot) {
	b.wg.Add(1)
	go b.loop(ctx, source)
}

func (b *Broadcaster) loop(ctx context.Context, source func() Snapshot) {
	defer b.wg.Done()

	b.publish(ctx, source())

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.publish(ctx, source())
		}
	}
}

func (b *Broadcaster) publish(ctx context.Context, snap Snapshot) {
	snap.InstanceID = b.instanceID
	snap.At = snap.At.UTC()

	payload, err := json.Marshal(snap)
	if err != nil {
		log.Printf("[telemetry] failed to encode snapshot: %v", err)
		return
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		log.Printf("[telemetry] failed to publish snapshot: %v", err)
	}
}

// Stop ends the publish loop and closes the underlying Redis client.
func (b *Broadcaster) Stop() {
	close(b.stopCh)
	b.wg.Wait()
	b.client.Close()
}

// Subscriber consumes fleet snapshots published by other instances
// (and this one). Useful for a CLI/dashboard, or for tests asserting
// broadcast behavior without standing up real observers.
type Subscriber struct {
	sub *redis.PubSub
	out chan Snapshot
}

// Subscribe opens a subscription on the given channel.
func Subscribe(ctx context.Context, client redis.UniversalClient, channel string) *Subscriber {
	sub := client.Subscribe(ctx, channel)
	s := &Subscriber{sub: sub, out: make(chan Snapshot, 16)}

	go func() {
		defer close(s.out)
		ch := sub.Channel()
		for msg := range ch {
			var snap Snapshot
			if err := json.Unmarshal([]byte(msg.Payload), &snap); err != nil {
				continue
			}
			select {
			case s.out <- snap:
			default:
				// Drop if the consumer is slow; telemetry is best-effort.
			}
		}
	}()

	return s
}

// Snapshots returns the channel of decoded snapshots.
func (s *Subscriber) Snapshots() <-chan Snapshot { return s.out }

// Close ends the subscription.
func (s *Subscriber) Close() error { return s.sub.Close() }
