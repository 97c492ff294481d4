package assignment

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/SmartFleetLink/SmartFleetLink/internal/common/logger"
	"github.com/SmartFleetLink/SmartFleetLink/internal/common/middleware"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// EventType 变更事件类型。
type EventType string

const (
	EventCreated EventType = "created" // 新派单生效
	EventUpdated EventType = "updated" // 既有派单行状态变化（解除/取代）
)

// Event 派单变更事件，按提交顺序编号。
type Event struct {
	Seq        uint64           `json:"seq"`
	Type       EventType        `json:"type"`
	Origin     string           `json:"origin"` // 发布实例 ID，跨实例桥接去重用
	Assignment DriverAssignment `json:"assignment"`
	OccurredAt time.Time        `json:"occurred_at"`
}

// Filter 订阅过滤条件；零值匹配全部事件。
type Filter struct {
	DriverID     string `json:"driver_id"`
	ContractorID string `json:"contractor_id"`
}

func (f Filter) matches(e Event) bool {
	if f.DriverID != "" && f.DriverID != e.Assignment.DriverID {
		return false
	}
	if f.ContractorID != "" && f.ContractorID != e.Assignment.ContractorID {
		return false
	}
	return true
}

// Subscription 订阅句柄。C 上的事件对该订阅者保持提交顺序；
// Unsubscribe 返回后保证不再有任何投递。
type Subscription struct {
	C      <-chan Event
	ch     chan Event
	filter Filter
	once   sync.Once
	n      *Notifier
}

// Unsubscribe 取消订阅并关闭事件通道。可重复调用。
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.n.mu.Lock()
		delete(s.n.subs, s)
		s.n.mu.Unlock()
		close(s.ch)
	})
}

const (
	defaultEventBuffer = 64
	eventsChannel      = "assignments.events"
)

// Notifier 把派单变更按提交顺序扇出给各订阅者（dashboard 刷新用）。
// 投递是尽力而为：订阅者缓冲满时丢最旧事件，慢消费者不拖慢写路径。
// 配置了 Redis 时事件同时发布到 pub/sub 频道，供其他实例的 Notifier 转投本地订阅者；
// Redis 发布经过熔断器，Redis 故障不影响派单本身。
type Notifier struct {
	mu      sync.Mutex
	seq     uint64
	subs    map[*Subscription]struct{}
	origin  string
	rdb     *redis.Client
	breaker *middleware.CircuitBreaker
	log     logger.Logger
	bufSize int
}

func NewNotifier(rdb *redis.Client, log logger.Logger) *Notifier {
	return &Notifier{
		subs:    make(map[*Subscription]struct{}),
		origin:  uuid.NewString(),
		rdb:     rdb,
		breaker: middleware.NewCircuitBreaker("notifier-redis", 5, 30*time.Second),
		log:     log,
		bufSize: defaultEventBuffer,
	}
}

// Subscribe 注册一个订阅者。
func (n *Notifier) Subscribe(f Filter) *Subscription {
	ch := make(chan Event, n.bufSize)
	s := &Subscription{C: ch, ch: ch, filter: f, n: n}
	n.mu.Lock()
	n.subs[s] = struct{}{}
	n.mu.Unlock()
	return s
}

// Publish 发布一条变更事件（协调器提交成功后调用）。
func (n *Notifier) Publish(ctx context.Context, typ EventType, a DriverAssignment) {
	e := Event{
		Type:       typ,
		Origin:     n.origin,
		Assignment: a,
		OccurredAt: time.Now(),
	}
	n.deliver(&e)
	n.publishRemote(ctx, e)
}

// deliver 本地扇出。持锁编号并投递，保证每个订阅者看到的顺序一致，
// 也保证 Unsubscribe 返回后不再发生投递。
func (n *Notifier) deliver(e *Event) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.seq++
	e.Seq = n.seq

	for s := range n.subs {
		if !s.filter.matches(*e) {
			continue
		}
		select {
		case s.ch <- *e:
		default:
			// 缓冲满：丢最旧的一条再投（尽力而为投递）
			select {
			case <-s.ch:
			default:
			}
			select {
			case s.ch <- *e:
			default:
			}
		}
	}
}

func (n *Notifier) publishRemote(ctx context.Context, e Event) {
	if n.rdb == nil {
		return
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return
	}
	err = n.breaker.Call(ctx, func() error {
		return n.rdb.Publish(ctx, eventsChannel, payload).Err()
	})
	if err != nil && n.log != nil {
		n.log.Warnf("failed to publish assignment event to redis: %v", err)
	}
}

// Run 消费 Redis 频道，把其他实例发布的事件转投给本地订阅者。
// ctx 取消后退出。未配置 Redis 时直接返回。
func (n *Notifier) Run(ctx context.Context) {
	if n.rdb == nil {
		return
	}
	sub := n.rdb.Subscribe(ctx, eventsChannel)
	defer func() { _ = sub.Close() }()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var e Event
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				if n.log != nil {
					n.log.Warnf("bad assignment event payload: %v", err)
				}
				continue
			}
			if e.Origin == n.origin {
				continue // 自己发布的，本地已投递
			}
			n.deliver(&e)
		}
	}
}
