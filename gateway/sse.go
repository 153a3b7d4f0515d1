package gateway

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/counselsync/transferd/jsonrs"
	"github.com/counselsync/transferd/notifier"
	"github.com/counselsync/transferd/utils/misc"
)

// sseConn adapts one server-sent events response to the notifier.Conn
// interface. Sends may come from many job goroutines concurrently, writes are
// serialized with a mutex.
type sseConn struct {
	id      string
	writeMu sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEConn(w http.ResponseWriter, flusher http.Flusher) *sseConn {
	return &sseConn{
		id:      misc.FastUUID().String(),
		w:       w,
		flusher: flusher,
	}
}

func (c *sseConn) ID() string {
	return c.id
}

func (c *sseConn) Send(event notifier.Event) error {
	data, err := jsonrs.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshalling event: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := fmt.Fprintf(c.w, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return fmt.Errorf("writing event: %w", err)
	}
	c.flusher.Flush()
	return nil
}
