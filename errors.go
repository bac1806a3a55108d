/*
Copyright © 2026 Veldt <veldt@veldt.dev>
*/

package main

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
)

// Errors surfaced to the acting connection only. Anything else that
// references a missing room is treated as a stale message and dropped.
var (
	errRoomNotFound = errors.New("room not found")
	errGameStarted  = errors.New("game already started")
	errValidation   = errors.New("validation failed")
	errNotYourTurn  = errors.New("not your turn")
	errCodeSpace    = errors.New("no free room codes")
)

// errorCode maps a game error to its wire identifier.
func errorCode(err error) string {
	switch {
	case errors.Is(err, errRoomNotFound):
		return "room_not_found"
	case errors.Is(err, errGameStarted):
		return "game_started"
	case errors.Is(err, errNotYourTurn):
		return "not_your_turn"
	case errors.Is(err, errCodeSpace):
		return "room_unavailable"
	default:
		return "validation_failed"
	}
}

func logf(cfg *Config, format string, args ...any) {
	if !cfg.verbose {
		return
	}

	log.Printf("%s | "+format, append([]any{time.Now().Format(logDate)}, args...)...)
}

func newPage(title, body string) string {
	var htmlBody strings.Builder

	htmlBody.WriteString(`<!DOCTYPE html><html lang="en"><head>`)
	htmlBody.WriteString(`<style>`)
	htmlBody.WriteString(`html,body,a{display:block;height:100%;width:100%;text-decoration:none;color:inherit;cursor:auto;}</style>`)
	htmlBody.WriteString(fmt.Sprintf("<title>%s</title></head>", title))
	htmlBody.WriteString(fmt.Sprintf("<body><a href=\"/\">%s</a></body></html>", body))

	return htmlBody.String()
}
