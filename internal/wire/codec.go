package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/Xuanwo/djos-migrate/internal/kernelerr"
)

// Request is a decoded request envelope: a tag plus its typed body.
type Request struct {
	Tag  Tag
	Body interface{}
}

// WriteRequest writes the one-byte tag followed by the body's fixed
// little-endian layout (spec.md §4.3).
func WriteRequest(w io.Writer, tag Tag, body interface{}) error {
	if _, err := w.Write([]byte{byte(tag)}); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, body)
}

// ReadRequest reads one request envelope from r: the tag byte, then exactly
// the body the tag implies. The server calls it directly on the connection;
// no BUFFSIZE-bounded buffering is applied.
func ReadRequest(r io.Reader) (Request, error) {
	var tagByte [1]byte
	if _, err := io.ReadFull(r, tagByte[:]); err != nil {
		return Request{}, err
	}
	tag := Tag(tagByte[0])

	switch tag {
	case PageReq:
		var b PageReqBody
		if err := binary.Read(r, binary.LittleEndian, &b); err != nil {
			return Request{}, err
		}
		return Request{Tag: tag, Body: b}, nil
	case StartLease:
		var b StartLeaseBody
		if err := binary.Read(r, binary.LittleEndian, &b); err != nil {
			return Request{}, err
		}
		return Request{Tag: tag, Body: b}, nil
	case DoneLease:
		var b DoneLeaseBody
		if err := binary.Read(r, binary.LittleEndian, &b); err != nil {
			return Request{}, err
		}
		return Request{Tag: tag, Body: b}, nil
	case AbortLease:
		var b AbortLeaseBody
		if err := binary.Read(r, binary.LittleEndian, &b); err != nil {
			return Request{}, err
		}
		return Request{Tag: tag, Body: b}, nil
	case CompletedLease:
		var b CompletedLeaseBody
		if err := binary.Read(r, binary.LittleEndian, &b); err != nil {
			return Request{}, err
		}
		return Request{Tag: tag, Body: b}, nil
	case StartIPC:
		var b StartIPCBody
		if err := binary.Read(r, binary.LittleEndian, &b); err != nil {
			return Request{}, err
		}
		return Request{Tag: tag, Body: b}, nil
	case DoneIPC:
		var b DoneIPCBody
		if err := binary.Read(r, binary.LittleEndian, &b); err != nil {
			return Request{}, err
		}
		return Request{Tag: tag, Body: b}, nil
	default:
		return Request{}, fmt.Errorf("wire: unknown request tag %d", tagByte[0])
	}
}

// WriteReply writes the fixed (int32 status, env_id echo) reply shape.
func WriteReply(w io.Writer, reply Reply) error {
	return binary.Write(w, binary.LittleEndian, reply)
}

// ReadReply reads a reply envelope.
func ReadReply(r io.Reader) (Reply, error) {
	var reply Reply
	if err := binary.Read(r, binary.LittleEndian, &reply); err != nil {
		return Reply{}, err
	}
	return reply, nil
}

// StatusFromErr maps a kernelerr.Code to its wire status code.
func StatusFromErr(err error) int32 {
	if err == nil {
		return StatusOK
	}
	switch err {
	case kernelerr.BadReq, kernelerr.Invalid:
		return StatusBadReq
	case kernelerr.NoLease:
		return StatusNoLease
	case kernelerr.Fail, kernelerr.BadEnv:
		return StatusFail
	case kernelerr.NoIpc, kernelerr.IpcNotRecv:
		return StatusNoIPC
	case kernelerr.NoMem:
		return StatusNoMem
	default:
		return StatusFail
	}
}

// ErrFromStatus maps a wire status code back to a kernelerr.Code for the
// client's retry logic.
func ErrFromStatus(status int32) error {
	switch status {
	case StatusOK:
		return nil
	case StatusBadReq:
		return kernelerr.BadReq
	case StatusNoLease:
		return kernelerr.NoLease
	case StatusFail:
		return kernelerr.Fail
	case StatusNoIPC:
		return kernelerr.NoIpc
	case StatusNoMem:
		return kernelerr.NoMem
	default:
		return kernelerr.Fail
	}
}
