// Package logx is taskqueue's structured logging layer on top of zerolog.
//
// Console output is human-readable (or JSON lines), file output is JSON, and
// both can be swapped at runtime by Service.Apply on config reload.
package logx
