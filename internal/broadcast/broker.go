package broadcast

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Subscriber 广播订阅者（通常是一个 WebSocket 连接）。
type Subscriber interface {
	ID() string
	// Deliver 投递事件，不得阻塞；订阅者缓冲区已满时返回 false。
	Deliver(Event) bool
}

// room 一个主题下的订阅者集合。
// Publish 在持有 mu 的情况下投递，同一主题的事件按发送顺序到达。
type room struct {
	mu   sync.Mutex
	subs map[string]Subscriber
}

// Broker 按主题（会话ID）分组的发布订阅通道。
type Broker struct {
	mu    sync.Mutex
	rooms map[string]*room
	log   *zap.Logger
}

// NewBroker 创建广播通道。
func NewBroker(log *zap.Logger) *Broker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Broker{
		rooms: make(map[string]*room),
		log:   log,
	}
}

// Subscribe 将订阅者加入主题。重复订阅不会产生重复投递。
func (b *Broker) Subscribe(topic string, sub Subscriber) {
	b.mu.Lock()
	r, ok := b.rooms[topic]
	if !ok {
		r = &room{subs: make(map[string]Subscriber)}
		b.rooms[topic] = r
	}
	// 在 b.mu 内加入，避免与 Unsubscribe 删除空房间交错
	r.mu.Lock()
	r.subs[sub.ID()] = sub
	r.mu.Unlock()
	b.mu.Unlock()
}

// Unsubscribe 将订阅者移出主题，主题为空时一并删除。
func (b *Broker) Unsubscribe(topic, subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.rooms[topic]
	if !ok {
		return
	}
	r.mu.Lock()
	delete(r.subs, subscriberID)
	empty := len(r.subs) == 0
	r.mu.Unlock()
	if empty {
		delete(b.rooms, topic)
	}
}

// Publish 向主题的所有订阅者投递事件，返回成功投递的数量。没有订阅者时什么也不做。
func (b *Broker) Publish(topic string, ev Event) int {
	b.mu.Lock()
	r, ok := b.rooms[topic]
	b.mu.Unlock()
	if !ok {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	delivered := 0
	for _, id := range ids {
		if r.subs[id].Deliver(ev) {
			delivered++
			continue
		}
		b.log.Warn("subscriber buffer full, event dropped",
			zap.String("topic", topic),
			zap.String("subscriber", id),
			zap.String("event", ev.Name))
	}
	return delivered
}

// Close 删除主题及其全部订阅关系。
func (b *Broker) Close(topic string) {
	b.mu.Lock()
	delete(b.rooms, topic)
	b.mu.Unlock()
}

// Subscribers 返回主题当前的订阅者数量。
func (b *Broker) Subscribers(topic string) int {
	b.mu.Lock()
	r, ok := b.rooms[topic]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Topics 返回当前存在订阅者的主题数量。
func (b *Broker) Topics() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rooms)
}
