// Package job defines the unit of work handled by taskqueue.
//
// A Job names its task, carries opaque positional params, and holds its own
// retry/expiry state in Options. The queue that owns a job mutates that
// state; nothing else should.
package job
