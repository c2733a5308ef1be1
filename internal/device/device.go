// Package device turns a raw User-Agent header into the browser and device labels stored on
// firmas and respuestas.
package device

import (
	"strings"

	"github.com/mssola/useragent"
)

const unknown = "Desconocido"

// Info is the labelled client.
type Info struct {
	Navegador   string
	Dispositivo string
}

// Parse labels a User-Agent. An empty header yields "Desconocido" for both labels.
func Parse(ua string) Info {
	ua = strings.TrimSpace(ua)
	if ua == "" {
		return Info{Navegador: unknown, Dispositivo: unknown}
	}
	parsed := useragent.New(ua)
	return Info{
		Navegador:   browserLabel(parsed),
		Dispositivo: deviceKind(parsed, ua) + " - " + osLabel(parsed),
	}
}

func browserLabel(ua *useragent.UserAgent) string {
	name, _ := ua.Browser()
	switch {
	case name == "Edge":
		return "Microsoft Edge"
	case name == "Opera":
		return "Opera"
	case name == "Chrome" || name == "Chromium":
		return "Google Chrome"
	case name == "Firefox":
		return "Mozilla Firefox"
	case name == "Safari":
		return "Safari"
	}
	return "Otro"
}

func deviceKind(ua *useragent.UserAgent, raw string) string {
	lower := strings.ToLower(raw)
	if strings.Contains(lower, "ipad") || strings.Contains(lower, "tablet") ||
		(strings.Contains(lower, "android") && !strings.Contains(lower, "mobile")) {
		return "Tablet"
	}
	if ua.Mobile() {
		return "Móvil"
	}
	return "Escritorio"
}

func osLabel(ua *useragent.UserAgent) string {
	info := ua.OSInfo()
	switch {
	case info.Name == "":
		return unknown
	case strings.HasPrefix(info.Name, "Windows"):
		return "Windows"
	case info.Name == "Mac OS X":
		return "macOS"
	case info.Name == "iPhone OS" || info.Name == "CPU OS":
		return "iOS"
	}
	return info.Name
}
