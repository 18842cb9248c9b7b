package httpapi

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"sync"

	"github.com/donovanhide/eventsource"
	"github.com/stofradar/ota/internal/ota"
)

const eventsChannel = "update"

type statusEvent struct {
	id   string
	data string
}

func (e *statusEvent) Id() string    { return e.id }
func (e *statusEvent) Event() string { return "status" }
func (e *statusEvent) Data() string  { return e.data }

// Publisher streams session status changes to server-sent event
// subscribers. It implements ota.Observer and never blocks the session: if
// subscribers cannot keep up, intermediate progress events are dropped.
type Publisher struct {
	log *log.Logger
	srv *eventsource.Server
	ch  chan ota.Status

	mu     sync.Mutex
	seq    uint64
	latest *statusEvent

	done chan struct{}
}

// NewPublisher starts a Publisher. Call Close to stop it.
func NewPublisher(logger *log.Logger) *Publisher {
	if logger == nil {
		logger = log.Default()
	}
	p := &Publisher{
		log:  logger,
		srv:  eventsource.NewServer(),
		ch:   make(chan ota.Status, 64),
		done: make(chan struct{}),
	}
	// New subscribers first receive the most recent status.
	p.srv.ReplayAll = true
	p.srv.Register(eventsChannel, p)
	go p.run()
	return p
}

// Observe queues st for publication.
func (p *Publisher) Observe(st ota.Status) {
	if st.State.Terminal() {
		// Outcomes are never dropped.
		select {
		case p.ch <- st:
		case <-p.done:
		}
		return
	}
	select {
	case p.ch <- st:
	default:
	}
}

func (p *Publisher) run() {
	for {
		select {
		case <-p.done:
			return
		case st := <-p.ch:
			b, err := json.Marshal(st)
			if err != nil {
				p.log.Printf("encoding status event: %v", err)
				continue
			}
			p.mu.Lock()
			p.seq++
			ev := &statusEvent{id: strconv.FormatUint(p.seq, 10), data: string(b)}
			p.latest = ev
			p.mu.Unlock()
			p.srv.Publish([]string{eventsChannel}, ev)
		}
	}
}

// Replay implements eventsource.Repository.
func (p *Publisher) Replay(channel, id string) chan eventsource.Event {
	out := make(chan eventsource.Event, 1)
	p.mu.Lock()
	if p.latest != nil && p.latest.id != id {
		out <- p.latest
	}
	p.mu.Unlock()
	close(out)
	return out
}

// ServeHTTP subscribes the client to status events.
func (p *Publisher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.srv.Handler(eventsChannel)(w, r)
}

// Close disconnects all subscribers.
func (p *Publisher) Close() {
	close(p.done)
	p.srv.Close()
}
