package receipt

import (
	"fmt"

	"github.com/skip2/go-qrcode"

	"schoolgate.org/internal/ledger"
)

const DefaultQRSize = 256

// QRContent is the text encoded in a receipt QR code.
func QRContent(r ledger.Receipt) string {
	return fmt.Sprintf("schoolgate:receipt:%s:%s:%s", r.AccountID, r.Day, r.Code)
}

// RenderQR returns a PNG of the receipt for the student dashboard.
func RenderQR(r ledger.Receipt, size int) ([]byte, error) {
	if r.Code == "" {
		return nil, ErrNotIssued
	}
	if size <= 0 {
		size = DefaultQRSize
	}
	png, err := qrcode.Encode(QRContent(r), qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("receipt: render qr: %w", err)
	}
	return png, nil
}
