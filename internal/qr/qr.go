// Package qr generates QR codes for provisioning nsauth nodes.
//
// The QR payload is a JSON object holding everything a new node needs: its
// name, the server address, the cipher and both pre-shared keys. Since the
// payload includes keys, callers should warn users to treat the QR as a secret.
package qr

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/samber/oops"
	goqr "github.com/skip2/go-qrcode"

	"github.com/merlos/nsauth/internal/config"
)

// Payload is the data encoded into the QR code.
type Payload struct {
	// Name is the node's name in key-distribution messages.
	Name string `json:"name"`

	// Server is the host:port of the nsauth server.
	Server string `json:"server"`

	// Cipher is the AEAD the server uses.
	Cipher string `json:"cipher"`

	// Hardened tells the node to bind payloads to their protocol step.
	Hardened bool `json:"hardened,omitempty"`

	// ChallengeKey is the base64-encoded nonce-challenge key.
	// Omitted if GenerateOptions.OmitChallengeKey is true.
	ChallengeKey string `json:"challenge_key,omitempty"`

	// Key is the base64-encoded node-server key.
	Key string `json:"key"`
}

// NodeSection converts the payload into the node section of a config file.
func (p *Payload) NodeSection() config.NodeSection {
	n := config.Default().Node
	n.Name = p.Name
	n.Server = p.Server
	n.Cipher = p.Cipher
	n.Hardened = p.Hardened
	n.ChallengeKey = p.ChallengeKey
	n.Key = p.Key
	return n
}

// Parse decodes a payload scanned from a QR code.
func Parse(data []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, oops.Errorf("parsing QR payload: %w", err)
	}
	if p.Name == "" || p.Server == "" || p.Key == "" {
		return nil, oops.Errorf("QR payload needs name, server and key")
	}
	return &p, nil
}

// GenerateOptions controls QR code generation.
type GenerateOptions struct {
	// OmitChallengeKey leaves the nonce-challenge key out of the payload, for
	// nodes that only take part in key distribution.
	OmitChallengeKey bool

	// Size is the QR image size in pixels (default: 256).
	Size int

	// OutputPath is the file path to write the QR PNG to.
	// If empty, the QR is printed to Out as text.
	OutputPath string

	// Out receives the text rendering or a confirmation line.
	Out io.Writer

	// RecoveryLevel is the QR error correction level (L, M, Q, H).
	// Default is M.
	RecoveryLevel goqr.RecoveryLevel
}

// Encode returns the JSON text carried by the QR code.
func Encode(payload *Payload, omitChallengeKey bool) (string, error) {
	p := *payload
	if omitChallengeKey {
		p.ChallengeKey = ""
	}
	data, err := json.Marshal(&p)
	if err != nil {
		return "", oops.Errorf("marshalling QR payload: %w", err)
	}
	return string(data), nil
}

// Generate encodes payload into a QR code. If opts.OutputPath is set, the PNG
// is written to that path; otherwise the code is printed to opts.Out.
func Generate(payload *Payload, opts *GenerateOptions) error {
	if opts == nil {
		opts = &GenerateOptions{}
	}
	if opts.Size == 0 {
		opts.Size = 256
	}
	if opts.RecoveryLevel == 0 {
		opts.RecoveryLevel = goqr.Medium
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}

	data, err := Encode(payload, opts.OmitChallengeKey)
	if err != nil {
		return err
	}

	if opts.OutputPath != "" {
		if err := goqr.WriteFile(data, opts.RecoveryLevel, opts.Size, opts.OutputPath); err != nil {
			return oops.Errorf("writing QR PNG to %s: %w", opts.OutputPath, err)
		}
		fmt.Fprintf(opts.Out, "QR code written to %s\n", opts.OutputPath)
		return nil
	}

	q, err := goqr.New(data, opts.RecoveryLevel)
	if err != nil {
		return oops.Errorf("generating QR: %w", err)
	}
	fmt.Fprintln(opts.Out, q.ToSmallString(false))
	return nil
}
