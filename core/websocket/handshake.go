package websocket

import (
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"strings"

	corehttp "github.com/searchktools/async-server/core/http"
	"github.com/searchktools/async-server/events"
)

const acceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// computeAcceptKey derives the handshake response key per RFC 6455.
func computeAcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key + acceptGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// validateHandshake checks the upgrade request for the fields the frame
// layer depends on and returns the client's key.
func validateHandshake(head *corehttp.RequestHead) (key string, err error) {
	key, ok := head.Headers.Get("sec-websocket-key")
	if !ok || key == "" {
		return "", fmt.Errorf("missing sec-websocket-key header")
	}
	if raw, decodeErr := base64.StdEncoding.DecodeString(key); decodeErr != nil || len(raw) != 16 {
		return "", fmt.Errorf("sec-websocket-key is not 16 base64 bytes")
	}
	version, ok := head.Headers.Get("sec-websocket-version")
	if !ok || version != "13" {
		return "", fmt.Errorf("unsupported sec-websocket-version %q", version)
	}
	return key, nil
}

// subprotocols returns the client's offered subprotocols in order.
func subprotocols(headers events.Headers) []string {
	var offered []string
	for _, v := range headers.Values("sec-websocket-protocol") {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				offered = append(offered, p)
			}
		}
	}
	return offered
}

// switchingProtocols renders the 101 response completing the handshake.
func switchingProtocols(acceptKey, subprotocol string, extra events.Headers) []byte {
	var b strings.Builder
	b.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	b.WriteString("Sec-WebSocket-Accept: " + acceptKey + "\r\n")
	if subprotocol != "" {
		b.WriteString("Sec-WebSocket-Protocol: " + subprotocol + "\r\n")
	}
	for _, h := range extra {
		b.WriteString(h.Name + ": " + h.Value + "\r\n")
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}
