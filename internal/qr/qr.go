// Package qr renders QR login content for browsers and terminals.
package qr

import (
	"encoding/base64"
	"fmt"

	"github.com/skip2/go-qrcode"
)

// ImageSize is the edge length in pixels of rendered PNG images.
const ImageSize = 256

const dataURLPrefix = "data:image/png;base64,"

// DataURL renders content as a PNG QR code wrapped in a data URL that a
// dashboard can use as an <img> source.
func DataURL(content string) (string, error) {
	// Medium error correction keeps the code dense enough for long content.
	png, err := qrcode.Encode(content, qrcode.Medium, ImageSize)
	if err != nil {
		return "", fmt.Errorf("encode QR code: %w", err)
	}
	return dataURLPrefix + base64.StdEncoding.EncodeToString(png), nil
}

// Terminal renders content as half-block text for printing to a terminal.
func Terminal(content string) (string, error) {
	code, err := qrcode.New(content, qrcode.Medium)
	if err != nil {
		return "", fmt.Errorf("encode QR code: %w", err)
	}
	return code.ToSmallString(false), nil
}
