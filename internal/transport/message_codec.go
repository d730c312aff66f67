package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MessageType tags a frame. The first frame on a stream selects the
// handler that serves it.
type MessageType uint32

const (
	// MessageSyncRequest opens a reconciliation: [32B namespace][message].
	MessageSyncRequest MessageType = iota + 1
	// MessageSyncReply carries every later reconciliation message.
	MessageSyncReply
	// MessageEntryPush carries one signed entry written on the sender.
	MessageEntryPush
	// MessageBlobRequest asks for the content of one hash.
	MessageBlobRequest
	// MessageBlobResponse answers MessageBlobRequest with the content.
	MessageBlobResponse
	// MessageError aborts an exchange; the payload is a reason text.
	MessageError
)

func (t MessageType) String() string {
	switch t {
	case MessageSyncRequest:
		return "sync-request"
	case MessageSyncReply:
		return "sync-reply"
	case MessageEntryPush:
		return "entry-push"
	case MessageBlobRequest:
		return "blob-request"
	case MessageBlobResponse:
		return "blob-response"
	case MessageError:
		return "error"
	}
	return fmt.Sprintf("message(%d)", uint32(t))
}

// Message is one frame on a stream.
type Message struct {
	Type    MessageType
	Payload []byte
}

// RemoteError is the decoded payload of a MessageError frame.
type RemoteError struct {
	Reason string
}

func (e *RemoteError) Error() string {
	return "remote: " + e.Reason
}

const (
	headerSize   = 8
	maxPayloadMB = 64
	// MaxPayload bounds the payload of a single frame.
	MaxPayload = maxPayloadMB * 1024 * 1024
)

// ErrFrameTooLarge is returned for payloads above MaxPayload.
var ErrFrameTooLarge = errors.New("transport: frame too large")

// WriteMessage serializes a Message to a writer
// using length-prefixed framing. Wire format:
// [4B type big-endian uint32]
// [4B payload length big-endian uint32]
// [N bytes payload]
func WriteMessage( // A
	w io.Writer,
	msg Message,
) error {
	if len(msg.Payload) > MaxPayload {
		return fmt.Errorf(
			"%w: payload exceeds %dMB limit",
			ErrFrameTooLarge,
			maxPayloadMB,
		)
	}
	buf := make([]byte, headerSize, headerSize+len(msg.Payload))
	binary.BigEndian.PutUint32(
		buf[:4],
		uint32(msg.Type),
	)
	// #nosec G115 -- bounded by MaxPayload above.
	binary.BigEndian.PutUint32(
		buf[4:],
		uint32(len(msg.Payload)),
	)
	buf = append(buf, msg.Payload...)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadMessage deserializes a Message from a reader.
func ReadMessage( // A
	r io.Reader,
) (Message, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Message{}, fmt.Errorf(
			"read header: %w",
			err,
		)
	}
	msgType := MessageType(
		binary.BigEndian.Uint32(hdr[:4]),
	)
	payloadLen := binary.BigEndian.Uint32(hdr[4:])
	if payloadLen > MaxPayload {
		return Message{}, fmt.Errorf(
			"%w: payload length %d exceeds %dMB limit",
			ErrFrameTooLarge,
			payloadLen,
			maxPayloadMB,
		)
	}
	var payload []byte
	if payloadLen > 0 {
		payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(
			r, payload,
		); err != nil {
			return Message{}, fmt.Errorf(
				"read payload: %w",
				err,
			)
		}
	}
	return Message{
		Type:    msgType,
		Payload: payload,
	}, nil
}

// WriteError sends a MessageError frame.
func WriteError( // A
	w io.Writer,
	reason string,
) error {
	return WriteMessage(w, Message{
		Type:    MessageError,
		Payload: []byte(reason),
	})
}

// Expect reads the next frame and checks its type. A MessageError frame
// is returned as *RemoteError.
func Expect( // A
	r io.Reader,
	want MessageType,
) (Message, error) {
	msg, err := ReadMessage(r)
	if err != nil {
		return Message{}, err
	}
	if msg.Type == MessageError && want != MessageError {
		return Message{}, &RemoteError{Reason: string(msg.Payload)}
	}
	if msg.Type != want {
		return Message{}, fmt.Errorf(
			"expected %s, got %s",
			want,
			msg.Type,
		)
	}
	return msg, nil
}
