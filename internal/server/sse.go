package server

import "net/http"

// Pre-allocated frame fragments and header values for the streaming hot
// path. Direct header map assignment skips the []string alloc Header.Set
// makes on every call.
var (
	sseDataPrefix = []byte("data: ")
	sseFrameEnd   = []byte("\n\n")
	sseDoneFrame  = []byte("data: [DONE]\n\n")
	ssePingFrame  = []byte(": keep-alive\n\n")

	sseContentType = []string{"text/event-stream"}
	sseNoCache     = []string{"no-cache"}
	sseKeepConn    = []string{"keep-alive"}
	sseNoBuffering = []string{"no"}
)

// sseStream relays pipeline chunks to the client as SSE frames, flushing
// after every write so tokens reach the caller as they arrive.
type sseStream struct {
	w http.ResponseWriter
	f http.Flusher
}

// newSSEStream writes the SSE response headers and returns the stream, or
// ok=false when the ResponseWriter cannot flush.
func newSSEStream(w http.ResponseWriter) (*sseStream, bool) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	h := w.Header()
	h["Content-Type"] = sseContentType
	h["Cache-Control"] = sseNoCache
	h["Connection"] = sseKeepConn
	h["X-Accel-Buffering"] = sseNoBuffering
	w.WriteHeader(http.StatusOK)
	f.Flush()
	return &sseStream{w: w, f: f}, true
}

// data writes one "data: <payload>" frame.
func (s *sseStream) data(payload []byte) {
	s.w.Write(sseDataPrefix)
	s.w.Write(payload)
	s.w.Write(sseFrameEnd)
	s.f.Flush()
}

// done writes the stream termination sentinel.
func (s *sseStream) done() {
	s.w.Write(sseDoneFrame)
	s.f.Flush()
}

// ping writes an SSE comment to keep idle connections open.
func (s *sseStream) ping() {
	s.w.Write(ssePingFrame)
	s.f.Flush()
}
