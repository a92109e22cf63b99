package server

import "sync"

// Subscription is one client's membership in one resolved channel name,
// with the optional delivery predicate its Filter callback installed.
type Subscription struct {
	Client  *Client
	Channel string
	Params  Params
	Filter  FilterFunc
}

// subscriptionTable indexes subscriptions both by channel (for broadcast
// fan-out) and by client (for disconnect teardown). Subscriptions are
// deduplicated per (client, resolved channel name); re-subscribing
// replaces the filter.
type subscriptionTable struct {
	mu        sync.RWMutex
	byChannel map[string]map[*Client]*Subscription
	byClient  map[*Client]map[string]*Subscription
}

func newSubscriptionTable() *subscriptionTable {
	return &subscriptionTable{
		byChannel: make(map[string]map[*Client]*Subscription),
		byClient:  make(map[*Client]map[string]*Subscription),
	}
}

// add installs (or replaces) the client's subscription to the channel.
// It reports whether the subscription is new.
func (t *subscriptionTable) add(sub *Subscription) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	chans, ok := t.byClient[sub.Client]
	if !ok {
		chans = make(map[string]*Subscription)
		t.byClient[sub.Client] = chans
	}
	_, existed := chans[sub.Channel]
	chans[sub.Channel] = sub

	clients, ok := t.byChannel[sub.Channel]
	if !ok {
		clients = make(map[*Client]*Subscription)
		t.byChannel[sub.Channel] = clients
	}
	clients[sub.Client] = sub
	return !existed
}

// remove deletes the client's subscription to the channel, reporting
// whether one existed.
func (t *subscriptionTable) remove(client *Client, channel string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	chans, ok := t.byClient[client]
	if !ok {
		return false
	}
	if _, ok := chans[channel]; !ok {
		return false
	}
	delete(chans, channel)
	if len(chans) == 0 {
		delete(t.byClient, client)
	}
	if clients, ok := t.byChannel[channel]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(t.byChannel, channel)
		}
	}
	return true
}

// removeClient deletes every subscription the client holds.
func (t *subscriptionTable) removeClient(client *Client) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for channel := range t.byClient[client] {
		if clients, ok := t.byChannel[channel]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(t.byChannel, channel)
			}
		}
	}
	delete(t.byClient, client)
}

// subscribers returns a snapshot of the channel's subscriptions. Broadcast
// iterates the snapshot without holding the lock, so it may race benignly
// with joins and leaves.
func (t *subscriptionTable) subscribers(channel string) []*Subscription {
	t.mu.RLock()
	defer t.mu.RUnlock()

	clients := t.byChannel[channel]
	if len(clients) == 0 {
		return nil
	}
	out := make([]*Subscription, 0, len(clients))
	for _, sub := range clients {
		out = append(out, sub)
	}
	return out
}

// channelsOf returns the resolved channel names the client is subscribed
// to.
func (t *subscriptionTable) channelsOf(client *Client) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	chans := t.byClient[client]
	out := make([]string, 0, len(chans))
	for name := range chans {
		out = append(out, name)
	}
	return out
}

func (t *subscriptionTable) count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, chans := range t.byClient {
		n += len(chans)
	}
	return n
}
