package render

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"strings"
)

// MaxSignatureImageBytes caps the decoded size of a captured signature.
const MaxSignatureImageBytes = 512 << 10

// Image is a decoded signature image.
type Image struct {
	// Type is the fpdf image type: "png" or "jpg".
	Type   string
	Data   []byte
	Width  int
	Height int
}

// ParseDataURL decodes a base64 "data:image/png;base64,..." or image/jpeg URL
// and checks that the payload really is an image of the declared type.
func ParseDataURL(s string) (*Image, error) {
	s = strings.TrimSpace(s)
	rest, ok := strings.CutPrefix(s, "data:")
	if !ok {
		return nil, fmt.Errorf("signature is not a data URL")
	}
	header, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, fmt.Errorf("signature data URL has no payload")
	}
	mediaType, params, _ := strings.Cut(header, ";")
	if !strings.EqualFold(params, "base64") {
		return nil, fmt.Errorf("signature data URL must be base64 encoded")
	}

	var want string
	switch strings.ToLower(mediaType) {
	case "image/png":
		want = "png"
	case "image/jpeg", "image/jpg":
		want = "jpeg"
	default:
		return nil, fmt.Errorf("unsupported signature image type %q", mediaType)
	}

	if base64.StdEncoding.DecodedLen(len(payload)) > MaxSignatureImageBytes+3 {
		return nil, fmt.Errorf("signature image exceeds %d bytes", MaxSignatureImageBytes)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode signature image: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("signature image is empty")
	}
	if len(data) > MaxSignatureImageBytes {
		return nil, fmt.Errorf("signature image exceeds %d bytes", MaxSignatureImageBytes)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("signature image is not a valid %s: %w", want, err)
	}
	if format != want {
		return nil, fmt.Errorf("signature image is %s, declared %s", format, want)
	}
	if cfg.Width == 0 || cfg.Height == 0 {
		return nil, fmt.Errorf("signature image has no pixels")
	}

	typ := "png"
	if format == "jpeg" {
		typ = "jpg"
	}
	return &Image{Type: typ, Data: data, Width: cfg.Width, Height: cfg.Height}, nil
}
