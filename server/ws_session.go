package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"clipdeck/core/geometry"
	"clipdeck/core/session"
	"clipdeck/core/timeline"
	"clipdeck/logger"
)

// MessageType WebSocket 消息类型
type MessageType string

const (
	// 客户端 -> 服务端
	MsgTypePlay       MessageType = "play"
	MsgTypePause      MessageType = "pause"
	MsgTypeToggle     MessageType = "toggle"
	MsgTypeSeek       MessageType = "seek"
	MsgTypeDragBegin  MessageType = "drag_begin"
	MsgTypeDragMove   MessageType = "drag_move"
	MsgTypeDragEnd    MessageType = "drag_end"
	MsgTypeDragCancel MessageType = "drag_cancel"
	MsgTypePing       MessageType = "ping"

	// 服务端 -> 客户端
	MsgTypeState     MessageType = "state"     // 时钟状态
	MsgTypeSelection MessageType = "selection" // 几何引擎选择事件
	MsgTypeNotice    MessageType = "notice"    // 降级等一次性提示
	MsgTypeError     MessageType = "error"
	MsgTypePong      MessageType = "pong"
)

const (
	wsWriteWait   = 10 * time.Second
	wsPongWait    = 60 * time.Second
	wsPingPeriod  = 30 * time.Second
	wsReadLimit   = 4096
	wsSendBufSize = 256
)

// WSMessage WebSocket 消息结构
type WSMessage struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// SeekData 跳转参数
type SeekData struct {
	Time float64 `json:"time"` // 秒
}

// DragData 拖拽参数。mode: move / resize_start / resize_end
type DragData struct {
	ClipID string  `json:"clipId,omitempty"`
	Mode   string  `json:"mode,omitempty"`
	X      float64 `json:"x"`
}

// ErrorData 错误消息
type ErrorData struct {
	Message string `json:"message"`
}

// ParseMode 解析拖拽类型
func ParseMode(s string) geometry.Mode {
	switch s {
	case "resize_start":
		return geometry.ModeResizeStart
	case "resize_end":
		return geometry.ModeResizeEnd
	default:
		return geometry.ModeMove
	}
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsClient 一个编辑器连接
type wsClient struct {
	conn    *websocket.Conn
	send    chan []byte
	session *session.Session
}

// SessionWSHandler GET /sessions/{projectId}/ws 推送时钟状态，接收播放和拖拽命令
func (s *Server) SessionWSHandler(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["projectId"]
	if !allowedProject(r.Context(), projectID) {
		writeError(w, http.StatusForbidden, "Token is not valid for this project", "")
		return
	}

	sess, err := s.sessions.Acquire(r.Context(), projectID)
	if err != nil {
		logger.Error("open session failed", logger.String("project", projectID), logger.ErrorField(err))
		writeError(w, http.StatusInternalServerError, "Failed to open session", "")
		return
	}
	defer s.sessions.Release(projectID)

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("websocket upgrade failed", logger.ErrorField(err))
		return
	}

	c := &wsClient{conn: conn, send: make(chan []byte, wsSendBufSize), session: sess}

	unsubState, err := sess.Subscribe(func(ev session.Event) {
		if ev.Notice != "" {
			c.push(MsgTypeNotice, ev)
			return
		}
		c.push(MsgTypeState, ev)
	})
	if err != nil {
		conn.Close()
		return
	}
	unsubSel := sess.Selection().Subscribe(func(ev geometry.SelectionEvent) {
		c.push(MsgTypeSelection, ev)
	})

	if st, err := sess.State(); err == nil {
		c.push(MsgTypeState, session.Event{Clock: st})
	}

	ctx, cancel := context.WithCancel(context.Background())
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump(ctx)
	}()

	c.readPump()

	unsubSel()
	unsubState()
	cancel()
	<-writerDone
	conn.Close()
}

// push 非阻塞发送，缓冲区满时丢弃
func (c *wsClient) push(t MessageType, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	msg, err := json.Marshal(WSMessage{Type: t, Data: data, Timestamp: time.Now().UnixMilli()})
	if err != nil {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

func (c *wsClient) readPump() {
	c.conn.SetReadLimit(wsReadLimit)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn("websocket read error", logger.ErrorField(err), logger.String("project", c.session.ProjectID))
			}
			return
		}
		var msg WSMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.push(MsgTypeError, ErrorData{Message: "invalid message format"})
			continue
		}
		if err := c.handle(&msg); err != nil {
			if errors.Is(err, session.ErrClosed) {
				return
			}
			c.push(MsgTypeError, ErrorData{Message: err.Error()})
		}
	}
}

func (c *wsClient) handle(msg *WSMessage) error {
	s := c.session
	switch msg.Type {
	case MsgTypePing:
		c.push(MsgTypePong, nil)
		return nil
	case MsgTypePlay:
		return s.Play()
	case MsgTypePause:
		return s.Pause()
	case MsgTypeToggle:
		return s.Toggle()
	case MsgTypeSeek:
		var d SeekData
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			return errors.New("invalid seek payload")
		}
		return s.Seek(d.Time)
	case MsgTypeDragBegin:
		var d DragData
		if err := json.Unmarshal(msg.Data, &d); err != nil || d.ClipID == "" {
			return errors.New("invalid drag payload")
		}
		return s.BeginDrag(d.ClipID, ParseMode(d.Mode), d.X)
	case MsgTypeDragMove:
		var d DragData
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			return errors.New("invalid drag payload")
		}
		_, _, err := s.MoveDrag(d.X)
		return err
	case MsgTypeDragEnd:
		_, err := s.EndDrag()
		// 碰撞已经通过 reverted 选择事件告知客户端
		if errors.Is(err, timeline.ErrOverlap) {
			return nil
		}
		return err
	case MsgTypeDragCancel:
		return s.CancelDrag()
	default:
		return errors.New("unknown message type: " + string(msg.Type))
	}
}

func (c *wsClient) writePump(ctx context.Context) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
