// Package bot is the Telegram face of festbot: event card rendering, the
// festival.Sender implementation, and the chat command and confirm-button
// handlers registered on the router.
package bot
