package web

import (
	"net/http"

	romtools "github.com/dogeorg/romtools/pkg"
	"golang.org/x/net/websocket"
)

// Represents a websocket connection from a client
type WSCONN struct {
	WS   *websocket.Conn
	Stop chan bool
}

func (t *WSCONN) IsClosed() bool {
	return t.Stop == nil
}

func (t *WSCONN) Close() {
	if t.Stop != nil {
		close(t.Stop)
		t.Stop = nil
	}
}

// Handle incoming websocket connections for progress and state updates.
// The first message is a bootstrap Change carrying the current state.
func (t api) getProgressSocket(w http.ResponseWriter, r *http.Request) {
	t.GetChangesHandler().ServeHTTP(w, r)
}

func (t api) GetChangesHandler() *websocket.Server {
	return &websocket.Server{
		Handler: func(ws *websocket.Conn) {
			changes, cancel := t.rt.Subscribe()
			defer cancel()

			conn := &WSCONN{WS: ws, Stop: make(chan bool)}
			stop := conn.Stop
			go readUntilClosed(conn)

			bootstrap := romtools.Change{
				ID:   "internal",
				Type: "bootstrap",
				Update: map[string]any{
					"state":    t.rt.State(),
					"progress": t.rt.Progress(),
				},
			}
			if err := websocket.JSON.Send(ws, bootstrap); err != nil {
				return
			}

			for {
				select {
				case <-stop:
					return
				case c, ok := <-changes:
					if !ok {
						return
					}
					if err := websocket.JSON.Send(ws, c); err != nil {
						t.log.WithError(err).Debug("Closing progress websocket")
						return
					}
				}
			}
		},
	}
}

// readUntilClosed drains client frames so a disconnect is noticed while
// no changes are flowing.
func readUntilClosed(conn *WSCONN) {
	var discard any
	for {
		if err := websocket.JSON.Receive(conn.WS, &discard); err != nil {
			conn.Close()
			return
		}
	}
}

// Handle incoming websocket connections for operation log output
func (t api) getOperationLogSocket(w http.ResponseWriter, r *http.Request) {
	if t.logs == nil {
		sendErrorResponse(w, http.StatusNotFound, "Operation logs are disabled")
		return
	}
	wh, err := GetOperationLogHandler(r.PathValue("ID"), t.logs)
	if err != nil {
		sendErrorResponse(w, http.StatusBadRequest, "Error establishing operation log channel: "+err.Error())
		return
	}
	wh.ServeHTTP(w, r)
}

// GetOperationLogHandler follows one operation log until the client leaves.
func GetOperationLogHandler(operationID string, logs OperationLogs) (*websocket.Server, error) {
	cancel, logChan, err := logs.GetChan(operationID, true)
	if err != nil {
		return nil, err
	}

	h := websocket.Server{
		Handler: func(ws *websocket.Conn) {
			defer cancel() // tell the log producer to stop
			conn := &WSCONN{WS: ws, Stop: make(chan bool)}
			stop := conn.Stop
			go readUntilClosed(conn)

			for {
				select {
				case <-stop:
					return
				case v, ok := <-logChan:
					if !ok {
						return
					}
					if err := websocket.JSON.Send(ws, v); err != nil {
						return
					}
				}
			}
		},
	}
	return &h, nil
}
