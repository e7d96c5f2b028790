package plm

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-insteon/internal/aldb"
	"github.com/nerrad567/gray-logic-insteon/internal/insteon"
	"github.com/nerrad567/gray-logic-insteon/internal/links"
)

// defaultQueueSize bounds the change messages waiting to be published.
const defaultQueueSize = 256

// outbound is one queued MQTT message.
type outbound struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// Publisher mirrors cached link tables and the fleet topology to MQTT.
//
// Change notifications are queued and published by a background goroutine
// so a slow broker never stalls a load. When the queue is full the message
// is dropped and counted.
//
// Thread Safety: All methods are safe for concurrent use.
type Publisher struct {
	mqtt  MQTTClient
	queue chan outbound

	mu      sync.Mutex
	watches map[insteon.Address]func()
	dropped uint64

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger Logger
}

// NewPublisher creates a publisher and starts its worker.
// Call Stop() to flush and shut it down.
func NewPublisher(client MQTTClient, logger Logger) *Publisher {
	p := &Publisher{
		mqtt:    client,
		queue:   make(chan outbound, defaultQueueSize),
		watches: make(map[insteon.Address]func()),
		done:    make(chan struct{}),
		logger:  logger,
	}

	p.wg.Add(1)
	go p.run()
	return p
}

// run publishes queued messages until Stop.
func (p *Publisher) run() {
	defer p.wg.Done()
	for {
		select {
		case msg := <-p.queue:
			p.send(msg)
		case <-p.done:
			// Drain what is already queued.
			for {
				select {
				case msg := <-p.queue:
					p.send(msg)
				default:
					return
				}
			}
		}
	}
}

func (p *Publisher) send(msg outbound) {
	if err := p.mqtt.Publish(msg.topic, msg.payload, msg.qos, msg.retained); err != nil && p.logger != nil {
		p.logger.Warn("failed to publish", "topic", msg.topic, "error", err)
	}
}

// Stop unsubscribes from every watched database and flushes the queue.
func (p *Publisher) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		watches := p.watches
		p.watches = make(map[insteon.Address]func())
		p.mu.Unlock()

		for _, unsubscribe := range watches {
			unsubscribe()
		}
		close(p.done)
		p.wg.Wait()
	})
}

// Watch publishes every change notification of db. Watching a device
// twice replaces the earlier subscription.
func (p *Publisher) Watch(db *aldb.Database) {
	unsubscribe := db.Subscribe(p.enqueueChange)

	p.mu.Lock()
	previous := p.watches[db.Device()]
	p.watches[db.Device()] = unsubscribe
	p.mu.Unlock()

	if previous != nil {
		previous()
	}
}

// Unwatch stops publishing changes of device.
func (p *Publisher) Unwatch(device insteon.Address) {
	p.mu.Lock()
	unsubscribe := p.watches[device]
	delete(p.watches, device)
	p.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

// Dropped returns how many messages were dropped on a full queue.
func (p *Publisher) Dropped() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// enqueueChange is the notification handler. It never blocks.
func (p *Publisher) enqueueChange(c aldb.Change) {
	payload, err := json.Marshal(NewChangeMessage(c))
	if err != nil {
		return
	}
	p.enqueue(outbound{topic: ChangeTopic(c.Device), payload: payload})
}

func (p *Publisher) enqueue(msg outbound) {
	select {
	case <-p.done:
		return
	default:
	}

	select {
	case p.queue <- msg:
	default:
		p.mu.Lock()
		p.dropped++
		p.mu.Unlock()
		if p.logger != nil {
			p.logger.Warn("publish queue full, dropping message", "topic", msg.topic)
		}
	}
}

// PublishStatus publishes the retained load status of db.
func (p *Publisher) PublishStatus(db *aldb.Database) error {
	payload, err := json.Marshal(NewStatusMessage(db))
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	p.enqueue(outbound{topic: StatusTopic(db.Device()), payload: payload, qos: qosAtLeastOnce, retained: true})
	return nil
}

// PublishLinks publishes the retained fleet topology.
func (p *Publisher) PublishLinks(snapshot []links.Link) error {
	msg := LinksMessage{
		Timestamp: time.Now().UTC(),
		Links:     make([]LinkEntry, 0, len(snapshot)),
	}
	for _, l := range snapshot {
		msg.Links = append(msg.Links, LinkEntry{
			Controller: l.Controller.String(),
			Group:      l.Group,
			Responder:  l.Responder.String(),
			Evidence:   len(l.Evidence),
		})
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal links: %w", err)
	}
	p.enqueue(outbound{topic: LinksTopic(), payload: payload, qos: qosAtLeastOnce, retained: true})
	return nil
}
