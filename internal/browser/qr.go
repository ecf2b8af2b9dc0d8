// ABOUTME: Renders challenge payloads as PNG data URLs for the client UI

package browser

import (
	"encoding/base64"
	"errors"

	"github.com/skip2/go-qrcode"
)

const qrSize = 256

// RenderQR encodes payload as a QR code PNG and returns it as a data URL.
func RenderQR(payload string) (string, error) {
	if payload == "" {
		return "", errors.New("empty challenge payload")
	}
	png, err := qrcode.Encode(payload, qrcode.Medium, qrSize)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
