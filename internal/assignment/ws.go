package assignment

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/SmartFleetLink/SmartFleetLink/internal/common/logger"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

// WSHub 把 Notifier 的事件流推给 websocket 客户端（dashboard 实时刷新）。
// 每个连接持有自己的 Subscription，连接断开即退订。
type WSHub struct {
	notifier *Notifier
	log      logger.Logger
	upgrader websocket.Upgrader
}

func NewWSHub(notifier *Notifier, log logger.Logger) *WSHub {
	return &WSHub{
		notifier: notifier,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// dashboard 与服务不同源，这里不做 Origin 校验（鉴权由 JWT 负责）
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP 升级连接并开始推送。过滤条件从查询参数读取：
// ?driver_id=... / ?contractor_id=...
func (h *WSHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	filter := Filter{
		DriverID:     r.URL.Query().Get("driver_id"),
		ContractorID: r.URL.Query().Get("contractor_id"),
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if h.log != nil {
			h.log.Warnf("websocket upgrade failed: %v", err)
		}
		return
	}

	sub := h.notifier.Subscribe(filter)
	go h.writePump(conn, sub)
	go h.readPump(conn, sub)
}

// readPump 只为感知断连：客户端不需要上行消息。
func (h *WSHub) readPump(conn *websocket.Conn, sub *Subscription) {
	defer func() {
		sub.Unsubscribe()
		_ = conn.Close()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *WSHub) writePump(conn *websocket.Conn, sub *Subscription) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		sub.Unsubscribe()
		_ = conn.Close()
	}()

	for {
		select {
		case e, ok := <-sub.C:
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
