// Package chat is the IRC side of a session: it authenticates the bot account
// over the websocket IRC endpoint, joins the broadcaster's channel, turns
// PRIVMSG lines into events.ChatMessage values and raid USERNOTICE lines into
// events.RaidEvent, and sends chat replies.
//
// Lines are parsed with go-twitch-irc's ParseMessage; the tag block is then
// normalized (hyphens become underscores, deprecated tags are dropped) so
// components see one consistent shape.
//
// A "Login authentication failed" notice is fatal: the client stops and Run
// returns an error wrapping transport.ErrAuthentication. Network faults are
// retried by the transport with backoff.
package chat
