/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"fmt"
	"strings"

	"github.com/mborders/logmatic"
)

func newLogger(verbose bool) *logmatic.Logger {
	l := logmatic.NewLogger()
	l.ExitOnFatal = true

	if verbose {
		l.SetLevel(logmatic.DEBUG)
	} else {
		l.SetLevel(logmatic.WARN)
	}

	return l
}

func logf(cfg *Config, format string, args ...any) {
	if !cfg.verbose || cfg.logger == nil {
		return
	}

	cfg.logger.Info(format, args...)
}

func errorf(cfg *Config, format string, args ...any) {
	if cfg.logger == nil {
		return
	}

	cfg.logger.Error(format, args...)
}

func newPage(title, body string) string {
	var htmlBody strings.Builder

	htmlBody.WriteString(`<!DOCTYPE html><html lang="en"><head>`)
	htmlBody.WriteString(`<meta charset="utf-8"><style>`)
	htmlBody.WriteString(`html,body{font-family:monospace;margin:2em;}pre{white-space:pre-wrap;}</style>`)
	htmlBody.WriteString(fmt.Sprintf("<title>%s</title></head>", title))
	htmlBody.WriteString(fmt.Sprintf("<body>%s</body></html>", body))

	return htmlBody.String()
}
