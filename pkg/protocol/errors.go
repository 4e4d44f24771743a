package protocol

import "errors"

var (
	// ErrAuthFailed is returned when AEAD tag verification fails (wrong key,
	// wrong associated data or tampered ciphertext). The plaintext must not be used.
	ErrAuthFailed = errors.New("message authentication failed")

	// ErrInvalidKeySize is returned when key material does not match the cipher's key length.
	ErrInvalidKeySize = errors.New("invalid key size")

	// ErrNonceMismatch is returned when a presented nonce differs from the issued one.
	ErrNonceMismatch = errors.New("nonce mismatch")

	// ErrStaleTimestamp is returned when a timestamp falls outside the freshness window.
	ErrStaleTimestamp = errors.New("timestamp outside freshness window")

	// ErrUnknownDest is returned when a frame carries an unrecognised dest tag.
	ErrUnknownDest = errors.New("unknown message destination")

	// ErrUnknownSession is returned when a confirmation references a client id
	// the server is not tracking.
	ErrUnknownSession = errors.New("unknown client id")

	// ErrUnexpectedMessage is returned when a peer sends a message that is not
	// valid in the current protocol state.
	ErrUnexpectedMessage = errors.New("unexpected message")

	// ErrFrameTooLarge is returned when a frame exceeds the agreed maximum size.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")

	// ErrMalformedFrame is returned when a frame cannot be read or decoded.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrServerNotVerified is returned by a node when the server does not echo
	// back the nonce the node sent.
	ErrServerNotVerified = errors.New("server failed to prove key possession")

	// ErrRejected is returned when the server answers with a rejection status.
	ErrRejected = errors.New("rejected by server")

	// ErrNoContent is returned when a pull finds nothing buffered.
	ErrNoContent = errors.New("no message buffered")

	// ErrUnknownPeer is returned when a node name has no pre-shared key.
	ErrUnknownPeer = errors.New("unknown peer")

	// ErrKeyReused is returned when a session key is submitted for distribution
	// a second time.
	ErrKeyReused = errors.New("session key already distributed")
)
