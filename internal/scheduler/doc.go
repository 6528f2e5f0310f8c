// Package scheduler fires configured triggers that submit jobs to named tasks.
//
// It only decides when to enqueue. Retries, TTL and spacing stay with the
// queue that receives the job.
package scheduler
