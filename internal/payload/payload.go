// Package payload encodes stored entry bodies.
//
// Each body is addressed by the sha256 digest of its uncompressed bytes and
// may be zstd-compressed. Decode verifies the digest so a truncated or
// tampered record is detected rather than served.
package payload

import (
	_ "crypto/sha256" // register sha256 for go-digest
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"
)

// Encoding names for stored bodies.
const (
	EncodingIdentity = "identity"
	EncodingZstd     = "zstd"
)

// ErrCorrupt is returned when a stored body does not decode to its digest.
var ErrCorrupt = errors.New("corrupt payload")

// Envelope is an encoded body together with the metadata needed to decode it.
type Envelope struct {
	Digest   digest.Digest
	Encoding string
	Data     []byte
}

var (
	codecOnce sync.Once
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	codecErr  error
)

func codec() (*zstd.Encoder, *zstd.Decoder, error) {
	codecOnce.Do(func() {
		encoder, codecErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if codecErr != nil {
			return
		}
		decoder, codecErr = zstd.NewReader(nil)
	})
	return encoder, decoder, codecErr
}

// Encode wraps body in an Envelope, compressing it when compress is set.
func Encode(body []byte, compress bool) (Envelope, error) {
	env := Envelope{
		Digest:   digest.FromBytes(body),
		Encoding: EncodingIdentity,
		Data:     body,
	}
	if !compress || len(body) == 0 {
		return env, nil
	}
	enc, _, err := codec()
	if err != nil {
		return Envelope{}, fmt.Errorf("init zstd: %w", err)
	}
	env.Encoding = EncodingZstd
	env.Data = enc.EncodeAll(body, make([]byte, 0, len(body)/2))
	return env, nil
}

// Decode returns the original body of env after verifying its digest.
func Decode(env Envelope) ([]byte, error) {
	var body []byte
	switch env.Encoding {
	case EncodingIdentity, "":
		body = env.Data
	case EncodingZstd:
		_, dec, err := codec()
		if err != nil {
			return nil, fmt.Errorf("init zstd: %w", err)
		}
		body, err = dec.DecodeAll(env.Data, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown encoding %q", ErrCorrupt, env.Encoding)
	}

	if err := env.Digest.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if env.Digest.Algorithm().FromBytes(body) != env.Digest {
		return nil, fmt.Errorf("%w: digest mismatch for %s", ErrCorrupt, env.Digest)
	}
	return body, nil
}
