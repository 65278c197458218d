// Copyright 2025 The llm-d Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package kvevents

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	zmq "github.com/pebbe/zmq4"
	"k8s.io/klog/v2"

	"github.com/yatoooon/tensorrt-llm-kvcache/pkg/utils/logging"
)

// PublisherConfig configures a Publisher.
type PublisherConfig struct {
	// ZMQEndpoint is the address a zmqSubscriber has bound to (e.g.
	// "tcp://indexer:5557"). The publisher connects out to it; the
	// subscriber side owns the bind, matching the topology in
	// zmqSubscriber.runSubscriber.
	ZMQEndpoint string
	// Topic identifies this publisher's events, in "kv@<managerID>@<modelName>"
	// form, so a subscriber spanning several managers can demultiplex them.
	Topic string
	// FlushInterval bounds how long an event can sit batched before it is
	// sent, even if the queue hasn't filled.
	FlushInterval time.Duration
	// QueueSize bounds how many unsent events Publish will buffer before it
	// starts dropping; the publisher is best-effort, never blocking.
	QueueSize int
}

// DefaultPublisherConfig returns a default configuration for a Publisher.
func DefaultPublisherConfig() *PublisherConfig {
	return &PublisherConfig{
		ZMQEndpoint:   "tcp://localhost:5557",
		Topic:         "kv@local@default",
		FlushInterval: 50 * time.Millisecond,
		QueueSize:     4096,
	}
}

// Publisher emits block lifecycle events over a ZMQ PUB socket for
// out-of-process observers. It is driven by block.Manager's allocate/evict
// path and is intentionally best-effort: a full queue drops the event
// rather than applying backpressure to the allocator.
type Publisher struct {
	cfg   *PublisherConfig
	queue chan event
	seq   uint64
}

// NewPublisher creates a Publisher. Call Start to connect and begin
// flushing; until then, Publish* calls are buffered in memory up to
// cfg.QueueSize.
func NewPublisher(cfg *PublisherConfig) *Publisher {
	if cfg == nil {
		cfg = DefaultPublisherConfig()
	}
	return &Publisher{
		cfg:   cfg,
		queue: make(chan event, cfg.QueueSize),
	}
}

// Start connects the underlying ZMQ socket and runs the flush loop until
// ctx is cancelled. It is non-blocking.
func (p *Publisher) Start(ctx context.Context) error {
	sock, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return fmt.Errorf("kvevents: creating publisher socket: %w", err)
	}
	if err := sock.Connect(p.cfg.ZMQEndpoint); err != nil {
		sock.Close()
		return fmt.Errorf("kvevents: connecting publisher socket to %s: %w", p.cfg.ZMQEndpoint, err)
	}

	go p.run(ctx, sock)
	return nil
}

func (p *Publisher) run(ctx context.Context, sock *zmq.Socket) {
	logger := klog.FromContext(ctx).WithName("kvevents-publisher")
	defer sock.Close()

	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]event, 0, 64)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.queue:
			batch = append(batch, ev)
		case <-ticker.C:
			if len(batch) == 0 {
				continue
			}
			if err := p.flush(sock, batch); err != nil {
				logger.V(logging.DEBUG).Error(err, "failed to flush event batch")
			}
			batch = batch[:0]
		}
	}
}

func (p *Publisher) flush(sock *zmq.Socket, batch []event) error {
	events := make([]msgpack.RawMessage, 0, len(batch))
	for _, ev := range batch {
		raw, err := msgpack.Marshal(ev.ToTaggedUnion())
		if err != nil {
			continue
		}
		events = append(events, raw)
	}

	payload, err := msgpack.Marshal(EventBatch{
		TS:     float64(time.Now().UnixNano()) / 1e9,
		Events: events,
	})
	if err != nil {
		return fmt.Errorf("marshalling event batch: %w", err)
	}

	p.seq++
	seqBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBytes, p.seq)

	_, err = sock.SendMessage(p.cfg.Topic, seqBytes, payload)
	return err
}

// enqueue buffers ev for the next flush, dropping it silently if the queue
// is full.
func (p *Publisher) enqueue(ev event) {
	select {
	case p.queue <- ev:
	default:
	}
}

// PublishBlockStored announces a newly-inserted trie entry. hash and
// parentHash are block.Key.Hash() values, not block.ID; a subscriber has
// no business knowing pool offsets.
func (p *Publisher) PublishBlockStored(hash uint64, parentHash *uint64, tokenIDs []uint32, blockSize int, loraID *int) {
	p.enqueue(BlockStored{
		BlockHashes:     []uint64{hash},
		ParentBlockHash: parentHash,
		TokenIds:        tokenIDs,
		BlockSize:       blockSize,
		LoraID:          loraID,
	})
}

// PublishBlockRemoved announces that a cached leaf was evicted and is no
// longer reachable through the trie.
func (p *Publisher) PublishBlockRemoved(hash uint64) {
	p.enqueue(BlockRemoved{BlockHashes: []uint64{hash}})
}

// PublishAllBlocksCleared announces a full pool reset.
func (p *Publisher) PublishAllBlocksCleared() {
	p.enqueue(AllBlocksCleared{})
}
