package client

import (
	"sync"

	"urban-assist/urban-assist-queue-server/pkg/config"
	"urban-assist/urban-assist-queue-server/pkg/infra"
	"urban-assist/urban-assist-queue-server/pkg/msg"
	"urban-assist/urban-assist-queue-server/pkg/queue"

	"github.com/emirpasic/gods/maps/hashmap"
	"github.com/gorilla/websocket"
	"github.com/labstack/gommon/random"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	wsConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "visit_queue_ws_connections",
			Help: "Current number of websocket subscribers per provider",
		},
		[]string{"doctor_id"},
	)
)

type Hub struct {
	// Registered clients grouped by provider. Key value: doctorId ->
	// (client.id -> client).
	subscribers map[queue.DoctorId]*hashmap.Map

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	// Count requests, used by health checks and tests.
	count chan countRequest

	done     chan struct{}
	stopOnce sync.Once

	// Guards stopping so no client is attached after Stop began.
	attachMu sync.Mutex
	stopping bool

	// The handle loop and every client pump.
	workers sync.WaitGroup
	clients sync.WaitGroup

	queue *queue.Queue

	config *config.Config

	logger *zap.SugaredLogger
}

type countRequest struct {
	doctorId queue.DoctorId
	result   chan int
}

func ProvideHub(q *queue.Queue, config *config.Config, loggerFactory *infra.LoggerFactory) *Hub {
	return &Hub{
		subscribers: make(map[queue.DoctorId]*hashmap.Map),

		register:   make(chan *Client, 1024),
		unregister: make(chan *Client, 1024),
		count:      make(chan countRequest),
		done:       make(chan struct{}),

		queue:  q,
		config: config,
		logger: loggerFactory.Create("Hub").Sugar(),
	}
}

func (h *Hub) Run() {
	h.workers.Add(1)
	go func() {
		defer h.workers.Done()
		h.handle()
	}()
}

// Stop closes every client and returns once the hub loop and all
// client pumps have exited.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		h.attachMu.Lock()
		h.stopping = true
		h.attachMu.Unlock()

		close(h.done)
		h.workers.Wait()
		h.clients.Wait()
	})
}

// Attach wraps an upgraded connection into a client subscribed to the
// given provider and starts its pumps.
func (h *Hub) Attach(conn *websocket.Conn, doctorId queue.DoctorId, ip string) *Client {
	client := &Client{
		id:            random.String(16),
		doctorId:      doctorId,
		ip:            ip,
		conn:          conn,
		sendWsMessage: make(chan *msg.WsMessage, 64),
		close:         make(chan struct{}),
		hub:           h,
		logger:        h.logger,
	}

	h.attachMu.Lock()
	if h.stopping {
		h.attachMu.Unlock()
		conn.Close()
		return nil
	}
	h.clients.Add(2)
	h.register <- client
	h.attachMu.Unlock()

	client.Run()
	return client
}

// Subscribers returns how many clients currently watch a provider.
func (h *Hub) Subscribers(doctorId queue.DoctorId) int {
	req := countRequest{doctorId: doctorId, result: make(chan int, 1)}
	select {
	case h.count <- req:
		return <-req.result
	case <-h.done:
		return 0
	}
}

// Clients and queue updates are both handled here so the subscriber
// maps never need a lock.
func (h *Hub) handle() {
	for {
		select {
		case <-h.done:
			h.closeAll()
			h.logger.Infof("hub stopped")
			return

		case client := <-h.register:
			h.logger.Debugf("register client id[%v] doctorId[%v] ip[%v]", client.id, client.doctorId, client.ip)
			if client.isClosed() {
				continue
			}
			clients, ok := h.subscribers[client.doctorId]
			if !ok {
				clients = hashmap.New()
				h.subscribers[client.doctorId] = clients
			}
			clients.Put(client.id, client)
			wsConnections.WithLabelValues(string(client.doctorId)).Set(float64(clients.Size()))

		case client := <-h.unregister:
			h.logger.Debugf("unregister client id[%v] doctorId[%v]", client.id, client.doctorId)
			h.removeClient(client)

		case req := <-h.count:
			if clients, ok := h.subscribers[req.doctorId]; ok {
				req.result <- clients.Size()
			} else {
				req.result <- 0
			}

		case update := <-h.queue.NotifyUpdate:
			h.logger.Debugf("notifyUpdate doctorId[%v] action[%v]", update.DoctorId, update.Action)
			h.broadcast(update)
		}
	}
}

// The hub handles updates by looping over the provider's clients and
// sending the message to the client's send channel. If the client's
// send buffer is full, then the hub assumes that the client is dead
// or stuck. In this case, the hub unregisters the client and closes
// the websocket.
func (h *Hub) broadcast(update *queue.Update) {
	clients, ok := h.subscribers[update.DoctorId]
	if !ok {
		return
	}

	wsMessage, err := msg.NewWsMessage(msg.QueueUpdateCode, &msg.QueueUpdateServerEvent{
		DoctorId: string(update.DoctorId),
		Action:   update.Action,
		Queue:    update.Queue,
	})
	if err != nil {
		h.logger.Errorf("cannot marshal QueueUpdateServerEvent %v", err)
		return
	}

	for _, value := range clients.Values() {
		client := value.(*Client)
		select {
		case client.sendWsMessage <- wsMessage:
		default:
			h.logger.Warnf("id[%v] send channel is full, closing it", client.id)
			h.removeClient(client)
		}
	}
}

func (h *Hub) removeClient(client *Client) {
	clients, ok := h.subscribers[client.doctorId]
	if !ok {
		return
	}
	if _, ok := clients.Get(client.id); !ok {
		return
	}

	clients.Remove(client.id)
	if clients.Empty() {
		delete(h.subscribers, client.doctorId)
	}
	wsConnections.WithLabelValues(string(client.doctorId)).Set(float64(clients.Size()))
	client.TryClose() // Notify client it should close now.
}

// closeAll tells every client, including ones still waiting to
// register, to close.
func (h *Hub) closeAll() {
	for {
		select {
		case client := <-h.register:
			client.TryClose()
		default:
			for _, clients := range h.subscribers {
				for _, value := range clients.Values() {
					value.(*Client).TryClose()
				}
			}
			h.subscribers = make(map[queue.DoctorId]*hashmap.Map)
			return
		}
	}
}
