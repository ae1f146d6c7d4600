package msgnet

import "time"

// Message is an opaque application payload carried by one frame.
// The transport never interprets its contents.
type Message []byte

// Len returns the payload length in bytes.
func (m Message) Len() int {
	return len(m)
}

// Clone returns a copy of the message that does not share memory with m.
func (m Message) Clone() Message {
	if m == nil {
		return nil
	}
	return append(Message(make([]byte, 0, len(m))), m...)
}

// Handler turns a request message into a reply message.
//
// Both servers call Handle synchronously. Under the Reactor every connection
// shares one thread of control, so Handle must not block there: a handler
// that blocks stalls every connection of the server.
type Handler interface {
	Handle(Message) Message
}

// HandlerFunc adapts an ordinary function to the Handler interface.
type HandlerFunc func(Message) Message

// Handle calls f(msg).
func (f HandlerFunc) Handle(msg Message) Message {
	return f(msg)
}

// Echo is a Handler that replies with the request payload.
var Echo = HandlerFunc(func(msg Message) Message { return msg })

// Middleware wraps a Handler with additional behavior.
type Middleware func(next Handler) Handler

// Chain composes middlewares so that Chain(a, b)(h) runs a, then b, then h.
func Chain(middlewares ...Middleware) Middleware {
	return func(next Handler) Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// LoggingMiddleware logs the size of every request and reply at debug level.
func LoggingMiddleware(logger Logger) Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(msg Message) Message {
			start := time.Now()
			reply := next.Handle(msg)
			logger.Debug("message handled",
				"request_len", msg.Len(),
				"reply_len", reply.Len(),
				"duration", time.Since(start))
			return reply
		})
	}
}
