// Package queue runs one named FIFO job queue.
//
// A Handler pops the head job, checks its spacing, runs the task function and
// then either finishes the job (success, ttl exceeded, attempts exceeded) or
// puts it back at the tail. Callbacks run on the loop goroutine; their
// failures are logged and never change how a job was classified.
package queue
