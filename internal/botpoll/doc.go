// Package botpoll connects tenants to their own long-polling chat bot.
//
// A tenant hands over a bot token. Start validates it with GetMe, seals it
// with package secrets, persists it together with the bot identity and the
// update cursor, and starts a poll loop:
//
//	idle -> connecting -> ready
//
// The loop keeps exactly one Poll call outstanding. Every update advances the
// cursor to the highest id seen; the cursor never moves backwards and is only
// written when it changes. Text updates become threads and messages in the
// store and are published to the tenant. Poll errors are logged and counted
// but never stop the loop.
//
// RestoreAll brings every stored session back at startup, resuming from the
// persisted cursor. NewTelegramFactory provides the go-telegram/bot client.
package botpoll
