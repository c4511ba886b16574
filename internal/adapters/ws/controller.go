package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/Evian1k/sparkmatch/internal/app"
	"github.com/Evian1k/sparkmatch/internal/event"
	"github.com/Evian1k/sparkmatch/internal/registry"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Controller struct {
	Lifecycle *app.Lifecycle
	Router    *app.Router

	SendBuffer int
	ReadLimit  int64
}

// Handle upgrades the request and runs the connection. An invalid credential
// refuses the connection before any registration happens.
func (ctl *Controller) Handle(ctx context.Context, c *gin.Context) {
	token := c.GetString("credential")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Str("module", "ws").Err(err).Msg("upgrade failed")
		return
	}

	wc := NewConn(conn, ctl.SendBuffer)
	ctx, cancel := context.WithCancel(ctx)

	sess, err := ctl.Lifecycle.OnConnect(ctx, wc, token, cancel)
	if err != nil {
		log.Warn().Str("module", "ws").Err(err).Msg("connection refused")
		refuse(conn)
		cancel()
		return
	}
	log.Info().Str("module", "ws").Str("sid", string(sess.ID)).Str("user", string(sess.User)).Msg("connection established")

	go ctl.writePump(ctx, wc)
	go ctl.readPump(ctx, sess, wc)
}

func refuse(conn *websocket.Conn) {
	data, _ := json.Marshal(event.NewError(event.CodeAuthFailed, "invalid credential"))
	_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	_ = conn.WriteMessage(websocket.TextMessage, data)
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "auth failed"))
	_ = conn.Close()
}

func (ctl *Controller) writePump(ctx context.Context, c *Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
				log.Error().Str("module", "ws").Err(err).Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Str("module", "ws").Err(err).Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, sess *registry.Session, c *Conn) {
	defer func() {
		// The connection ctx is about to be cancelled; cleanup runs on its own.
		ctl.Lifecycle.OnDisconnect(context.Background(), sess.ID, "connection closed")
		c.Close()
		log.Info().Str("module", "ws").Str("sid", string(sess.ID)).Msg("readPump closed")
	}()

	if ctl.ReadLimit > 0 {
		c.conn.SetReadLimit(ctl.ReadLimit)
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				return
			}
			ctl.Router.Dispatch(ctx, sess, data)
		}
	}
}
