package task

import "sync"

const subscriberBuffer = 32

// Subscribe streams events for a task until it reaches a terminal status.
// A subscriber that falls behind misses progress events. The returned
// function releases the subscription early.
func (m *Manager) Subscribe(taskID string) (<-chan Event, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return nil, func() {}, ErrNotFound
	}

	ch := make(chan Event, subscriberBuffer)
	ch <- Event{Type: EventStatus, Task: t.snapshot()}
	if t.Status.Terminal() {
		close(ch)
		return ch, func() {}, nil
	}

	subs := m.subscribers[taskID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[taskID] = subs
	}
	subs[ch] = struct{}{}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if _, ok := m.subscribers[taskID][ch]; ok {
				delete(m.subscribers[taskID], ch)
				close(ch)
			}
		})
	}
	return ch, unsubscribe, nil
}

func (m *Manager) publish(t *Task, typ EventType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[t.ID]
	if len(subs) == 0 {
		return
	}
	ev := Event{Type: typ, Task: t.snapshot()}
	for ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (m *Manager) closeSubscribers(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ch := range m.subscribers[taskID] {
		close(ch)
	}
	delete(m.subscribers, taskID)
}
