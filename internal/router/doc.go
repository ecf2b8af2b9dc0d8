// Package router runs the single shared bot that many tenants use at once.
//
// Every external conversation is owned by at most one tenant. Ownership lives
// in the store and is cached in memory; a cache miss falls back to the store
// and repopulates the cache. Inbound text from an owned conversation becomes a
// telegram_shared thread and message for the owner only. Conversations without
// an owner get a fixed link-me reply, unless the text is "/start <code>" with a
// live link code, which links the conversation to the code's tenant.
//
// Updates are deduplicated by id before routing. When an auto-reply hook is
// configured its reply is sent and persisted as an outbound message; a failing
// hook never undoes delivery of the inbound message.
package router
