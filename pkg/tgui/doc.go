// Package tgui holds small helpers for composing Telegram messages: HTML
// escaping for ParseMode "HTML" and splitting text at the message limit.
package tgui
