package api

import (
	"net/http"
	"sync"
	"time"

	"ffbot/ffmpeg"
	"ffbot/logger"
	"ffbot/pipeline"
	"ffbot/task"

	"github.com/gorilla/websocket"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	sendBuffer = 16

	// finishedTTL bounds how stale a status handed to Serve may be.
	finishedTTL = 10 * time.Minute
)

// Event is one message on a job's websocket.
type Event struct {
	Type     string           `json:"type"` // status, progress or complete
	TaskID   string           `json:"taskId"`
	State    task.State       `json:"state,omitempty"`
	Progress *ffmpeg.Sample   `json:"progress,omitempty"`
	Percent  *float64         `json:"percent,omitempty"`
	Error    string           `json:"error,omitempty"`
	Status   *pipeline.Status `json:"status,omitempty"`
}

type subscriber struct {
	conn *websocket.Conn
	send chan Event
}

// Hub fans task progress out to websocket subscribers. It is registered
// with the pipeline as an observer.
type Hub struct {
	upgrader websocket.Upgrader
	log      *logger.Logger

	mu       sync.Mutex
	subs     map[string]map[*subscriber]struct{}
	finished *cache.Cache // task id -> final Event
}

func NewHub(log *logger.Logger) *Hub {
	if log == nil {
		log = logger.Nop()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		log:      log.Named("ws"),
		subs:     make(map[string]map[*subscriber]struct{}),
		finished: cache.New(finishedTTL, finishedTTL/2),
	}
}

func (h *Hub) OnProgress(taskID string, s ffmpeg.Sample) {
	ev := Event{Type: "progress", TaskID: taskID, State: task.StateRunning, Progress: &s}
	if pct, ok := s.Percent(); ok {
		ev.Percent = &pct
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[taskID] {
		select {
		case sub.send <- ev:
		default:
			// Slow reader; it will catch up on the next sample.
		}
	}
}

// OnComplete sends the final event and closes every subscription of the task.
func (h *Hub) OnComplete(res task.Result) {
	ev := Event{Type: "complete", TaskID: res.TaskID, State: res.State, Error: res.Error()}
	h.mu.Lock()
	h.finished.SetDefault(res.TaskID, ev)
	subs := h.subs[res.TaskID]
	delete(h.subs, res.TaskID)
	h.mu.Unlock()
	for sub := range subs {
		select {
		case sub.send <- ev:
		default:
		}
		close(sub.send)
	}
}

// Subscribers returns the number of open subscriptions for taskID.
func (h *Hub) Subscribers(taskID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[taskID])
}

// Serve upgrades the request and streams events for the job in st. A job
// that already finished, even after st was read, gets its final event and
// a close.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, st pipeline.Status) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	sub := &subscriber{conn: conn, send: make(chan Event, sendBuffer)}
	initial := Event{Type: "status", TaskID: st.TaskID, State: st.State, Status: &st}
	sub.send <- initial

	h.mu.Lock()
	if final, done := h.finished.Get(st.TaskID); st.State.Terminal() || done {
		if done && !st.State.Terminal() {
			sub.send <- final.(Event)
		}
		close(sub.send)
	} else {
		if h.subs[st.TaskID] == nil {
			h.subs[st.TaskID] = make(map[*subscriber]struct{})
		}
		h.subs[st.TaskID][sub] = struct{}{}
	}
	h.mu.Unlock()

	go h.writePump(sub)
	h.readPump(st.TaskID, sub)
}

func (h *Hub) writePump(sub *subscriber) {
	defer sub.conn.Close()
	for ev := range sub.send {
		sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := sub.conn.WriteJSON(ev); err != nil {
			h.log.Debug("websocket write failed", zap.Error(err))
			return
		}
	}
	sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
	sub.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
}

// readPump drains the client until it goes away, then drops the
// subscription if the task is still running.
func (h *Hub) readPump(taskID string, sub *subscriber) {
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			break
		}
	}
	h.mu.Lock()
	if _, ok := h.subs[taskID][sub]; ok {
		delete(h.subs[taskID], sub)
		if len(h.subs[taskID]) == 0 {
			delete(h.subs, taskID)
		}
		close(sub.send)
	}
	h.mu.Unlock()
}
