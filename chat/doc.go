// Package chat records Twitch chat and hands each message to moderation.
//
// The Recorder joins every configured channel over IRC. Each message is stored
// against the broadcaster's open stream session, or in the offline holding table
// when no session is open; the session reconciler later backfills offline rows
// into the session that covers them. Every message is also enqueued as a
// moderation job.
//
// The package reads sessions but never opens or closes them.
package chat
