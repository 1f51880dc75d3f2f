// Package logx is tgload's structured logging on top of zerolog.
//
// Console lines are human readable with a short caller, the optional file
// output is JSON, and warnings can be mirrored into Telegram logging chats
// under a rate limit. Service.Apply swaps all of it at runtime.
package logx
