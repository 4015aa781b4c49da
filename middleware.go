package fusion

// Middleware wraps a handler with cross-cutting behavior. The returned
// handler decides whether and how to call next.
type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middleware around a handler at build time. The first
// middleware in the list becomes the outermost wrapper, so it observes the
// call first and its post-processing runs last. Nil entries are skipped.
func Chain(h HandlerFunc, mw ...Middleware) HandlerFunc {
	for i := len(mw) - 1; i >= 0; i-- {
		if mw[i] == nil {
			continue
		}
		h = mw[i](h)
	}
	return h
}
