// Package oembed builds request parameters for the embed API.
package oembed

import (
	"fmt"
	"strconv"
	"strings"
)

// Wmode is the flash window mode requested for embeds.
// The zero value means the parameter is not sent.
type Wmode int

const (
	WmodeNone Wmode = iota
	WmodeWindow
	WmodeOpaque
	WmodeTransparent
)

// String returns the wire token for the mode, or "" for WmodeNone.
func (m Wmode) String() string {
	switch m {
	case WmodeWindow:
		return "window"
	case WmodeOpaque:
		return "opaque"
	case WmodeTransparent:
		return "transparent"
	default:
		return ""
	}
}

// ParseWmode parses a wire token. An empty string yields WmodeNone.
func ParseWmode(s string) (Wmode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return WmodeNone, nil
	case "window":
		return WmodeWindow, nil
	case "opaque":
		return WmodeOpaque, nil
	case "transparent":
		return WmodeTransparent, nil
	default:
		return WmodeNone, fmt.Errorf("unknown wmode %q", s)
	}
}

// RequestOptions holds the optional parameters of an embed request.
type RequestOptions struct {
	MaxWidth  int // Maximum width of the embed
	MaxHeight int // Maximum height of the embed
	Width     int
	NoStyle   bool // Strip provider styling
	AutoPlay  bool
	Words     int  // Limit description to this many words
	Chars     int  // Limit description to this many characters
	Force     bool // Force the service to re-evaluate the link
	Secure    bool // Embed over SSL
	Frame     bool // Wrap embeds in an iframe
	Wmode     Wmode
}

// QueryString returns the "&key=value" fragment for every option that is set,
// in a fixed order. Unset options contribute nothing, so the zero value
// yields "".
func (o RequestOptions) QueryString() string {
	var sb strings.Builder

	writeInt := func(key string, v int) {
		if v > 0 {
			sb.WriteString("&" + key + "=" + strconv.Itoa(v))
		}
	}
	writeBool := func(key string, v bool) {
		if v {
			sb.WriteString("&" + key + "=true")
		}
	}

	writeInt("maxwidth", o.MaxWidth)
	writeInt("maxheight", o.MaxHeight)
	writeInt("width", o.Width)
	writeBool("nostyle", o.NoStyle)
	writeBool("autoplay", o.AutoPlay)
	writeInt("words", o.Words)
	writeInt("chars", o.Chars)
	writeBool("force", o.Force)
	writeBool("secure", o.Secure)
	writeBool("frame", o.Frame)
	if wm := o.Wmode.String(); wm != "" {
		sb.WriteString("&wmode=" + wm)
	}

	return sb.String()
}
