package whatsapp

import (
	"encoding/base64"
	"fmt"

	"github.com/skip2/go-qrcode"
)

// RenderQR encodes a pairing code as a PNG data URL suitable for an <img>.
func RenderQR(code string, size int) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, size)
	if err != nil {
		return "", fmt.Errorf("failed to render QR code: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
