package payment

import (
	"encoding/base64"
	"fmt"

	"github.com/skip2/go-qrcode"
)

// QRCode renders the artifact URI as a PNG of size x size pixels.
func (a *Artifact) QRCode(size int) ([]byte, error) {
	png, err := qrcode.Encode(a.URI(), qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("failed to generate QR code: %w", err)
	}
	return png, nil
}

// QRCodeDataURL embeds the PNG QR code in a data URL.
func (a *Artifact) QRCodeDataURL(size int) (string, error) {
	png, err := a.QRCode(size)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

// TerminalQR renders the artifact URI with half-block characters.
func (a *Artifact) TerminalQR() (string, error) {
	code, err := qrcode.New(a.URI(), qrcode.Low)
	if err != nil {
		return "", fmt.Errorf("failed to generate QR code: %w", err)
	}
	return code.ToSmallString(false), nil
}
