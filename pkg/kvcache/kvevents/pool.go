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
	"hash/fnv"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
	"k8s.io/client-go/util/workqueue"
	"k8s.io/klog/v2"

	"github.com/yatoooon/tensorrt-llm-kvcache/pkg/utils/logging"
)

// Sink receives block lifecycle events recovered from a subscribed stream.
// The intended consumer is an out-of-process observer — a router or a
// dashboard — that wants to track block admissions across one or more
// managers without linking against block.Manager itself. ManagerID and
// ModelName come from the message's topic, not from the event payload.
type Sink interface {
	BlockStored(ctx context.Context, managerID, modelName string, hashes []uint64, parentHash *uint64, tokenIDs []uint32, blockSize int, loraID *int)
	BlockRemoved(ctx context.Context, managerID, modelName string, hashes []uint64)
	AllBlocksCleared(ctx context.Context, managerID, modelName string)
}

// Config holds the configuration for the event processing pool.
type Config struct {
	// ZMQEndpoint is the ZMQ address to bind to (e.g., "tcp://*:5557").
	ZMQEndpoint string `json:"zmqEndpoint"`
	// TopicFilter is the ZMQ subscription filter (e.g., "kv@").
	TopicFilter string `json:"topicFilter"`
	// Concurrency is the number of parallel workers to run.
	Concurrency int `json:"concurrency"`
}

// DefaultConfig returns a default configuration for the event processing pool.
func DefaultConfig() *Config {
	return &Config{
		ZMQEndpoint: "tcp://*:5557",
		TopicFilter: "kv@",
		Concurrency: 4,
	}
}

// Message represents a message that is read from a ZMQ topic.
type Message struct {
	Topic   string
	Payload []byte
	// Seq is the publisher-assigned sequence number of the message.
	Seq uint64
	// ManagerID identifies the publishing block.Manager instance, extracted
	// from the ZMQ topic.
	ManagerID string
	// ModelName is the model associated with this event, extracted from
	// the ZMQ topic.
	ModelName string
}

// Pool is a sharded worker pool that processes events from a ZMQ subscriber.
// It ensures that events for the same ManagerID are processed in order.
type Pool struct {
	queues      []workqueue.TypedRateLimitingInterface[*Message]
	concurrency int // can replace use with len(queues)
	subscriber  *zmqSubscriber
	sink        Sink
	wg          sync.WaitGroup
}

// NewPool creates a Pool with a sharded worker setup.
func NewPool(cfg *Config, sink Sink) *Pool {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	p := &Pool{
		queues:      make([]workqueue.TypedRateLimitingInterface[*Message], cfg.Concurrency),
		concurrency: cfg.Concurrency,
		sink:        sink,
	}

	for i := 0; i < p.concurrency; i++ {
		p.queues[i] = workqueue.NewTypedRateLimitingQueue(workqueue.DefaultTypedControllerRateLimiter[*Message]())
	}

	p.subscriber = newZMQSubscriber(p, cfg.ZMQEndpoint, cfg.TopicFilter)
	return p
}

// Start begins the worker pool and the ZMQ subscriber.
// It is non-blocking.
func (p *Pool) Start(ctx context.Context) {
	logger := klog.FromContext(ctx)
	logger.Info("Starting sharded event processing pool", "workers", p.concurrency)

	p.wg.Add(p.concurrency)
	for i := 0; i < p.concurrency; i++ {
		// Each worker is given its own dedicated queue shard.
		go p.worker(ctx, i)
	}

	go p.subscriber.Start(ctx)
}

// Shutdown gracefully stops the pool and its subscriber.
func (p *Pool) Shutdown(ctx context.Context) {
	logger := klog.FromContext(ctx)
	logger.Info("Shutting down event processing pool...")

	for _, queue := range p.queues {
		queue.ShutDown()
	}

	p.wg.Wait()
	logger.Info("event processing pool shut down.")
}

// AddTask is called by the subscriber to add a message to the processing
// queue. It hashes ManagerID to select a queue, ensuring messages for the
// same manager always go to the same worker (ordered queue).
func (p *Pool) AddTask(task *Message) {
	h := fnv.New32a()
	_, err := h.Write([]byte(task.ManagerID))
	if err != nil {
		return
	}

	//nolint:gosec // if concurrency overflows then the world is in trouble anyway
	queueIndex := h.Sum32() % uint32(p.concurrency)
	p.queues[queueIndex].Add(task)
}

// worker is the main processing loop for a single worker goroutine.
// It processes messages from its dedicated queue using the workqueue pattern.
func (p *Pool) worker(ctx context.Context, workerIndex int) {
	defer p.wg.Done()
	queue := p.queues[workerIndex]
	for {
		task, shutdown := queue.Get()
		if shutdown {
			return
		}

		func(task *Message) {
			defer queue.Done(task)
			p.processEvent(ctx, task)
			queue.Forget(task)
		}(task)

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// processEvent deserializes the message payload and calls the matching
// Sink method for each decoded event.
func (p *Pool) processEvent(ctx context.Context, msg *Message) {
	debugLogger := klog.FromContext(ctx).V(logging.DEBUG)
	debugLogger.Info("Processing event", "topic", msg.Topic, "seq", msg.Seq)

	var eventBatch EventBatch
	if err := msgpack.Unmarshal(msg.Payload, &eventBatch); err != nil {
		// This is likely a "poison pill" message that can't be unmarshalled.
		// We log the error but return nil to prevent it from being retried indefinitely.
		debugLogger.Error(err, "Failed to unmarshal event batch, dropping message")
		return
	}

	events := make([]event, 0, len(eventBatch.Events))
	for _, rawEvent := range eventBatch.Events {
		var taggedUnion []msgpack.RawMessage
		if err := msgpack.Unmarshal(rawEvent, &taggedUnion); err != nil {
			debugLogger.Error(err, "Failed to unmarshal tagged union, skipping event")
			continue
		}

		if len(taggedUnion) < 1 {
			debugLogger.Error(nil, "Malformed tagged union, no tag element", "parts", len(taggedUnion))
			continue
		}

		var tag string
		if err := msgpack.Unmarshal(taggedUnion[0], &tag); err != nil {
			debugLogger.Error(err, "Failed to unmarshal tag from tagged union, skipping event")
			continue
		}

		payloadBytes, err := msgpack.Marshal(taggedUnion[1:])
		if err != nil {
			debugLogger.Error(err, "Failed to re-marshal payload parts, skipping event")
			continue
		}

		var ev event
		var unmarshalErr error
		switch tag {
		case BlockStoredEventTag:
			var bs BlockStored
			unmarshalErr = msgpack.Unmarshal(payloadBytes, &bs)
			ev = bs
		case BlockRemovedEventTag:
			var br BlockRemoved
			unmarshalErr = msgpack.Unmarshal(payloadBytes, &br)
			ev = br
		case AllBlocksClearedEventTag:
			var ac AllBlocksCleared
			unmarshalErr = msgpack.Unmarshal(payloadBytes, &ac)
			ev = ac
		default:
			debugLogger.Info("Unknown event tag", "tag", tag)
			continue
		}

		if unmarshalErr != nil {
			debugLogger.Error(unmarshalErr, "Failed to unmarshal event value", "tag", tag)
			continue
		}
		events = append(events, ev)
	}

	p.digestEvents(ctx, msg.ManagerID, msg.ModelName, events)
}

func (p *Pool) digestEvents(ctx context.Context, managerID, modelName string, events []event) {
	debugLogger := klog.FromContext(ctx).V(logging.DEBUG)
	debugLogger.Info("Digesting events", "count", len(events))

	for _, ev := range events {
		switch e := ev.(type) {
		case BlockStored:
			p.sink.BlockStored(ctx, managerID, modelName, e.BlockHashes, e.ParentBlockHash, e.TokenIds, e.BlockSize, e.LoraID)
		case BlockRemoved:
			p.sink.BlockRemoved(ctx, managerID, modelName, e.BlockHashes)
		case AllBlocksCleared:
			p.sink.AllBlocksCleared(ctx, managerID, modelName)
		default:
			debugLogger.Info("Unknown event", "managerID", managerID, "event", e)
		}
	}
}
