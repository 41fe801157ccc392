package messaging

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"bms-service/internal/logger"
	"bms-service/internal/types"

	"github.com/redis/go-redis/v9"
)

const (
	keyTsCommands        = "bms:ts"
	keyBalancingCommands = "bms:balancing"
	keyState             = "bms"
	keyFaultSet          = "bms:fault"
	keyFaultAck          = "bms:fault-ack"
	channelCellboard     = "cellboard"

	streamFaults    = "events:faults"
	streamTelemetry = "events:bms"
	streamMaxLen    = 1000
)

type Callbacks struct {
	TsCallback        func(on bool) error             // "on", "off"
	BalancingCallback func(cmd BalancingCommand) error // "start[:target_mv[:threshold_mv]]", "stop"
	CellboardCallback func(board int) error           // board index announced on the cellboard channel
	FaultAckCallback  func() error                    // "ack"
}

type RedisClient struct {
	client    *redis.Client
	callbacks Callbacks
	logger    *logger.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewRedisClient(host string, port int, l *logger.Logger, callbacks Callbacks) *RedisClient {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisClient{
		client: redis.NewClient(&redis.Options{
			Addr: fmt.Sprintf("%s:%d", host, port),
			DB:   0,
		}),
		callbacks: callbacks,
		logger:    l,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetCallbacks replaces the command handlers. Call it before StartListening.
func (r *RedisClient) SetCallbacks(callbacks Callbacks) {
	r.callbacks = callbacks
}

func (r *RedisClient) Connect() error {
	r.logger.Infof("Attempting to connect to Redis at %s", r.client.Options().Addr)

	if err := r.client.Ping(r.ctx).Err(); err != nil {
		r.logger.Errorf("Redis connection failed: %v", err)
		return fmt.Errorf("Redis connection failed: %w", err)
	}
	r.logger.Infof("Successfully connected to Redis")

	// Faults latched by a previous run are stale until the engine sees them again.
	if err := r.client.Del(r.ctx, keyFaultSet).Err(); err != nil {
		r.logger.Warnf("Failed to clear stale fault set: %v", err)
	}

	return nil
}

// StartListening starts all Redis listeners after system initialization is complete
func (r *RedisClient) StartListening() error {
	r.logger.Infof("Starting Redis listeners")

	pubsub := r.client.Subscribe(r.ctx, channelCellboard)
	r.logger.Infof("Subscribed to Redis channels: %s", channelCellboard)

	r.wg.Add(1)
	go r.redisListener(pubsub)

	r.wg.Add(3)
	go r.listCommandListener(keyTsCommands, r.handleTsCommand)
	go r.listCommandListener(keyBalancingCommands, r.handleBalancingCommand)
	go r.listCommandListener(keyFaultAck, r.handleFaultAck)

	return nil
}

// listCommandListener pops commands pushed onto key until the client closes.
// BRPOP times out periodically so cancellation is noticed on an idle list.
func (r *RedisClient) listCommandListener(key string, handler func(string) error) {
	defer r.wg.Done()
	r.logger.Infof("Listening for commands on %s", key)

	for r.ctx.Err() == nil {
		result, err := r.client.BRPop(r.ctx, 5*time.Second, key).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case errors.Is(err, context.Canceled):
		case err != nil:
			r.logger.Warnf("BRPOP on %s failed: %v", key, err)
			continue
		case len(result) == 2 && r.ctx.Err() == nil:
			r.logger.Debugf("Command on %s: %s", key, result[1])
			if err := handler(result[1]); err != nil {
				r.logger.Warnf("Rejected %s command %q: %v", key, result[1], err)
			}
		}
	}
	r.logger.Infof("Stopped listening on %s", key)
}

func (r *RedisClient) handleTsCommand(value string) error {
	if r.callbacks.TsCallback == nil {
		return nil
	}
	switch value {
	case "on", "off":
		return r.callbacks.TsCallback(value == "on")
	default:
		return fmt.Errorf("invalid ts command: %s", value)
	}
}

func (r *RedisClient) handleBalancingCommand(value string) error {
	if r.callbacks.BalancingCallback == nil {
		return nil
	}
	cmd, err := ParseBalancingCommand(value)
	if err != nil {
		return err
	}
	return r.callbacks.BalancingCallback(cmd)
}

func (r *RedisClient) handleFaultAck(value string) error {
	if r.callbacks.FaultAckCallback == nil {
		return nil
	}
	if value != "ack" {
		return fmt.Errorf("invalid fault command: %s", value)
	}
	return r.callbacks.FaultAckCallback()
}

func (r *RedisClient) redisListener(pubsub *redis.PubSub) {
	defer r.wg.Done()
	defer pubsub.Close()

	r.logger.Infof("Starting Redis message listener")
	channel := pubsub.Channel()

	for {
		select {
		case <-r.ctx.Done():
			r.logger.Infof("Context cancelled, exiting listener")
			return
		case msg, ok := <-channel:
			if !ok || msg == nil {
				r.logger.Errorf("Redis channel closed unexpectedly")
				r.logger.Fatalf("Redis connection lost, exiting to allow systemd restart")
				return
			}

			r.logger.Debugf("Received Redis message: channel=%s payload=%s", msg.Channel, msg.Payload)

			switch msg.Channel {
			case channelCellboard:
				board, err := strconv.Atoi(msg.Payload)
				if err != nil || board < 0 {
					r.logger.Warnf("Invalid cellboard announcement: %q", msg.Payload)
					continue
				}
				if r.callbacks.CellboardCallback == nil {
					continue
				}
				if err := r.callbacks.CellboardCallback(board); err != nil {
					r.logger.Warnf("Failed to handle cellboard %d update: %v", board, err)
				}
			}
		}
	}
}

// ReadCellboard fetches the latest sample of one cellboard.
func (r *RedisClient) ReadCellboard(board int) (Cellboard, error) {
	fields, err := r.client.HGetAll(r.ctx, CellboardKey(board)).Result()
	if err != nil {
		return Cellboard{}, fmt.Errorf("failed to read cellboard %d: %w", board, err)
	}
	if len(fields) == 0 {
		return Cellboard{}, fmt.Errorf("cellboard %d has not reported yet", board)
	}
	cb, err := ParseCellboard(board, fields)
	if err != nil {
		return Cellboard{}, err
	}
	return cb, nil
}

// PublishTsState stores the tractive system state in the bms hash and
// notifies subscribers.
func (r *RedisClient) PublishTsState(state types.TsState) error {
	r.logger.Infof("Publishing TS state: %s", state)

	pipe := r.client.Pipeline()
	pipe.HSet(r.ctx, keyState, "ts-state", string(state))
	pipe.HSet(r.ctx, keyState, "ts-state:timestamp", time.Now().Unix())
	pipe.Publish(r.ctx, keyState, "ts-state")

	if _, err := pipe.Exec(r.ctx); err != nil {
		return fmt.Errorf("failed to publish TS state: %w", err)
	}
	return nil
}

// PublishBalancingState stores the state and the selected cells of one board.
func (r *RedisClient) PublishBalancingState(board int, state types.BalancingState, selection uint64) error {
	r.logger.Debugf("Publishing balancing state of board %d: %s (%#x)", board, state, selection)

	field := fmt.Sprintf("balancing:%d", board)
	pipe := r.client.Pipeline()
	pipe.HSet(r.ctx, keyState, field, string(state))
	pipe.HSet(r.ctx, keyState, field+":selection", strconv.FormatUint(selection, 16))
	pipe.Publish(r.ctx, keyState, field)

	if _, err := pipe.Exec(r.ctx); err != nil {
		return fmt.Errorf("failed to publish balancing state of board %d: %w", board, err)
	}
	return nil
}

// ReportFaultPresent reports a latched fault to Redis. fault is
// "<group>:<instance>".
func (r *RedisClient) ReportFaultPresent(fault string, description string, timestamp int64, info string) error {
	r.logger.Infof("Fault present: %s (%s)", fault, description)
	values := map[string]interface{}{"description": description}
	if info != "" {
		values["info"] = info
	}
	return r.reportFault(fault, "present", timestamp, values)
}

// ReportFaultAbsent reports a cleared fault to Redis.
func (r *RedisClient) ReportFaultAbsent(fault string, timestamp int64) error {
	r.logger.Infof("Fault absent: %s", fault)
	return r.reportFault(fault, "absent", timestamp, map[string]interface{}{})
}

// reportFault updates the fault set and appends the transition to the fault
// stream in one pipeline.
func (r *RedisClient) reportFault(fault, state string, timestamp int64, values map[string]interface{}) error {
	values["group"] = "bms"
	values["fault"] = fault
	values["state"] = state
	values["ts"] = timestamp

	pipe := r.client.Pipeline()
	if state == "present" {
		pipe.SAdd(r.ctx, keyFaultSet, fault)
	} else {
		pipe.SRem(r.ctx, keyFaultSet, fault)
	}
	pipe.XAdd(r.ctx, &redis.XAddArgs{
		Stream: streamFaults,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: values,
	})
	pipe.Publish(r.ctx, keyState, "fault")

	if _, err := pipe.Exec(r.ctx); err != nil {
		return fmt.Errorf("failed to report fault %s %s: %w", fault, state, err)
	}
	return nil
}

// PublishTelemetry appends an encoded telemetry event to the bms event
// stream.
func (r *RedisClient) PublishTelemetry(kind string, payload []byte) error {
	return r.client.XAdd(r.ctx, &redis.XAddArgs{
		Stream: streamTelemetry,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"kind":    kind,
			"payload": payload,
		},
	}).Err()
}

func (r *RedisClient) Close() error {
	r.logger.Infof("Closing Redis client")
	r.cancel()

	// Wait for all goroutines to finish with a timeout
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Infof("All Redis goroutines finished")
	case <-time.After(5 * time.Second):
		r.logger.Warnf("Timeout waiting for Redis goroutines to finish")
	}

	return r.client.Close()
}
