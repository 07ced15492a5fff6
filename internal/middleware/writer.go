package middleware

import (
	"bufio"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
)

// hookWriter runs before once, right before the status line goes out, so response
// headers can still be added after the handler decided the status.
type hookWriter struct {
	gin.ResponseWriter
	before func(status int)
	fired  bool
}

func (w *hookWriter) fire() {
	if w.fired {
		return
	}
	w.fired = true
	if w.before != nil {
		w.before(w.ResponseWriter.Status())
	}
}

func (w *hookWriter) WriteHeaderNow() {
	w.fire()
	w.ResponseWriter.WriteHeaderNow()
}

func (w *hookWriter) Write(b []byte) (int, error) {
	w.fire()
	return w.ResponseWriter.Write(b)
}

func (w *hookWriter) WriteString(s string) (int, error) {
	w.fire()
	return w.ResponseWriter.WriteString(s)
}

func (w *hookWriter) Flush() {
	w.fire()
	w.ResponseWriter.Flush()
}

func (w *hookWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	w.fire()
	return w.ResponseWriter.Hijack()
}

var _ http.Flusher = (*hookWriter)(nil)
