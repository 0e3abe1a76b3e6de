// Package logx is the structured logging wrapper used across the notifier.
//
// logx.Logger sits on top of zerolog:
//   - console output is human readable with a short caller
//   - the optional file sink is JSON, rotated by lumberjack
//   - Service.Apply swaps sinks at runtime (config hot reload)
package logx
