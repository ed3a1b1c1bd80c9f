package credential

import (
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

const DefaultQRSize = 256

// RenderPNG encodes the bare credential as a QR code image.
func RenderPNG(token string, size int) ([]byte, error) {
	if size <= 0 {
		size = DefaultQRSize
	}
	png, err := qrcode.Encode(token, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("rendering credential: %w", err)
	}
	return png, nil
}
