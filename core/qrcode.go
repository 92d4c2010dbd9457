package core

import (
	"encoding/base64"

	qrcode "github.com/skip2/go-qrcode"
)

const DefaultQRCodeSize = 200

// QRCodeGenerator turns a secret into the URL shown as a QR code. Output
// depends only on the secret and the generator's settings.
type QRCodeGenerator struct {
	confirmURL string
	size       int
	signer     *Signer
}

// QRPayload is what the desktop renders.
type QRPayload struct {
	URL  string `json:"url"`
	Size int    `json:"size"`
}

func NewQRCodeGenerator(confirmURL string, size int, signer *Signer) *QRCodeGenerator {
	if size <= 0 {
		size = DefaultQRCodeSize
	}
	return &QRCodeGenerator{confirmURL: confirmURL, size: size, signer: signer}
}

func (g *QRCodeGenerator) Generate(secret string) (QRPayload, error) {
	u, err := BuildScanURL(g.confirmURL, secret, g.signer)
	if err != nil {
		return QRPayload{}, err
	}
	return QRPayload{URL: u, Size: g.size}, nil
}

// Signer is nil when scan URLs are unsigned.
func (g *QRCodeGenerator) Signer() *Signer { return g.signer }

// PNG renders the payload as a square PNG of p.Size pixels.
func (p QRPayload) PNG() ([]byte, error) {
	return qrcode.Encode(p.URL, qrcode.Medium, p.Size)
}

// DataURI is PNG wrapped for direct use in an <img src>.
func (p QRPayload) DataURI() (string, error) {
	png, err := p.PNG()
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
