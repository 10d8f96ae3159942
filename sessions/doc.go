// Package sessions owns the lifecycle of SSE sessions.
//
// A Registry maps opaque session IDs to live Sessions. Each Session holds one
// service instance built by an mcpservice.Factory, a bounded inbound queue
// drained by a single dispatch goroutine, and an outbound event log stored in
// a broker.Broker under the session ID.
//
// At most one Stream (an open SSE connection) is attached to a session at a
// time. Attaching a new Stream supersedes the previous one: the old stream's
// context is cancelled with ErrStreamSuperseded, and because events are
// claimed under the session lock a superseded stream never receives another
// event. Events published while no stream is attached wait in the log and are
// delivered on the next attach.
//
//	reg := sessions.NewRegistry(memory.New(), factory)
//	go reg.Run(ctx) // idle reaper
//
//	sess, _ := reg.Open(ctx)
//	st, _ := sess.Attach(r.Context(), r.Header.Get("Last-Event-ID"))
//	defer st.Close()
//	for {
//	    ev, err := st.Next()
//	    ...
//	}
//
// Sessions end on Registry.Close (client DELETE), when the reaper finds them
// detached longer than the idle timeout, or on Registry.Shutdown.
package sessions
