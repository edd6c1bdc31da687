// Package tgui holds small Telegram UI helpers: inline keyboard builders,
// "plugin:action:payload" callback data, and escaping for HTML parse mode.
package tgui
