package agent

import (
	"net/http"
	"time"

	"github.com/guseggert/spawner/spawner"
	"github.com/julienschmidt/httprouter"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// watchMessage is sent to watchers on every tick.
// The last message of a stream has a nil Status or one that is not running.
type watchMessage struct {
	ID     string
	Status *spawner.Status
}

// watch streams a handle's status over a WebSocket until the launched process is no longer
// running or the handle is gone, then closes the connection normally.
func (a *Agent) watch(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	p := a.lookup(w, params)
	if p == nil {
		return
	}

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		a.logger.Debugf("watch WebSocket accept error: %s", err)
		return
	}
	defer wsConn.Close(websocket.StatusInternalError, "")

	// We never expect messages from the watcher, this just notices when it goes away.
	ctx := wsConn.CloseRead(r.Context())

	ticker := time.NewTicker(a.watchInterval)
	defer ticker.Stop()
	for {
		st := p.handle.Status()
		err := wsjson.Write(ctx, wsConn, watchMessage{ID: p.id, Status: st})
		if err != nil {
			a.logger.Debugf("watch write error: %s", err)
			return
		}
		if st == nil || !st.Running {
			wsConn.Close(websocket.StatusNormalClosure, "")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
