package protocol

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

const (
	// MaxFrameSize is the default upper bound on an encoded record, in bytes.
	MaxFrameSize = 10000

	// lengthPrefixSize is the size of the big-endian frame length header.
	lengthPrefixSize = 4
)

// Codec turns a Frame into bytes and back. Both ends of a connection must
// agree on the codec.
type Codec interface {
	Name() string
	Marshal(f *Frame) ([]byte, error)
	Unmarshal(data []byte, f *Frame) error
}

// CodecByName returns the codec registered under name. The empty name selects JSON.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "yaml":
		return YAMLCodec{}, nil
	}
	return nil, fmt.Errorf("unknown codec %q (want json or yaml)", name)
}

// JSONCodec encodes frames as JSON objects; byte fields are base64 strings.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Marshal(f *Frame) ([]byte, error) {
	return json.Marshal(f)
}

func (JSONCodec) Unmarshal(data []byte, f *Frame) error {
	if err := json.Unmarshal(data, f); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return nil
}

// YAMLCodec encodes frames as YAML mappings.
type YAMLCodec struct{}

// yamlFrame mirrors Frame with byte fields carried as base64 text.
type yamlFrame struct {
	Dest      string `yaml:"dest,omitempty"`
	ID        string `yaml:"id,omitempty"`
	N         string `yaml:"n,omitempty"`
	C         string `yaml:"c,omitempty"`
	T         string `yaml:"t,omitempty"`
	Sender    string `yaml:"sender,omitempty"`
	Receiver  string `yaml:"rcv,omitempty"`
	NodeNonce string `yaml:"n_n,omitempty"`
	Status    string `yaml:"ts,omitempty"`
}

func (YAMLCodec) Name() string { return "yaml" }

func (YAMLCodec) Marshal(f *Frame) ([]byte, error) {
	return yaml.Marshal(&yamlFrame{
		Dest:      string(f.Dest),
		ID:        f.ID,
		N:         encodeBytes(f.N),
		C:         encodeBytes(f.C),
		T:         encodeBytes(f.T),
		Sender:    f.Sender,
		Receiver:  f.Receiver,
		NodeNonce: f.NodeNonce,
		Status:    string(f.Status),
	})
}

func (YAMLCodec) Unmarshal(data []byte, f *Frame) error {
	var y yamlFrame
	if err := yaml.Unmarshal(data, &y); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	var err error
	*f = Frame{
		Dest:      Dest(y.Dest),
		ID:        y.ID,
		Sender:    y.Sender,
		Receiver:  y.Receiver,
		NodeNonce: y.NodeNonce,
		Status:    Status(y.Status),
	}
	if f.N, err = decodeBytes(y.N); err != nil {
		return err
	}
	if f.C, err = decodeBytes(y.C); err != nil {
		return err
	}
	if f.T, err = decodeBytes(y.T); err != nil {
		return err
	}
	return nil
}

func encodeBytes(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(b)
}

func decodeBytes(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return b, nil
}

// WriteFrame writes body to w behind a 4-byte big-endian length prefix.
func WriteFrame(w io.Writer, body []byte, maxSize int) error {
	if len(body) > maxSize {
		return fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, len(body), maxSize)
	}
	buf := make([]byte, lengthPrefixSize+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[lengthPrefixSize:], body)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one length-prefixed frame from r. A clean EOF before the
// header is returned as io.EOF; anything truncated is ErrMalformedFrame.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	var hdr [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("%w: short header", ErrMalformedFrame)
		}
		return nil, err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if int64(size) > int64(maxSize) {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, size, maxSize)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("%w: short body", ErrMalformedFrame)
		}
		return nil, err
	}
	return body, nil
}
