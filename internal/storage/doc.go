// Package storage persists queue snapshots so pending jobs survive a restart.
//
// Every driver stores one record per task name and replaces it wholesale on
// each write. Callbacks are not persisted.
package storage
