package adamboot

import (
	"encoding/binary"
	"io"
	"sync"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// MaxFrameSize bounds a single message. Camera JPEG snapshots fit well below it.
const MaxFrameSize = 64 << 20

// MsgpackSerializer encodes with MessagePack. Integers decode to the
// narrowest Go type that holds them; use toInt to read one. bin decodes to
// []byte and str to string.
type MsgpackSerializer struct{}

func (MsgpackSerializer) Marshal(v interface{}) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (MsgpackSerializer) Unmarshal(data []byte, v interface{}) error {
	return msgpack.Unmarshal(data, v)
}

// MsgpackTransport frames messages with a 4-byte big-endian length prefix.
type MsgpackTransport struct {
	reader     io.ReadCloser
	writer     io.WriteCloser
	bufferPool *BufferPool

	// wmu keeps the length prefix and payload of one frame together
	wmu sync.Mutex
}

func NewMsgpackTransport(reader io.ReadCloser, writer io.WriteCloser) *MsgpackTransport {
	return &MsgpackTransport{
		reader:     reader,
		writer:     writer,
		bufferPool: NewBufferPool(8192, 10),
	}
}

func (mt *MsgpackTransport) Send(data []byte) error {
	if len(data) > MaxFrameSize {
		return errors.Errorf("frame of %d bytes exceeds limit", len(data))
	}

	mt.wmu.Lock()
	defer mt.wmu.Unlock()

	lengthBytes := mt.bufferPool.Get()[:4]
	defer mt.bufferPool.Put(lengthBytes)
	binary.BigEndian.PutUint32(lengthBytes, uint32(len(data)))

	if _, err := mt.writer.Write(lengthBytes); err != nil {
		return errors.Wrap(err, "writing frame length")
	}
	if _, err := mt.writer.Write(data); err != nil {
		return errors.Wrap(err, "writing frame")
	}
	if flusher, ok := mt.writer.(interface{ Flush() error }); ok {
		return flusher.Flush()
	}
	return nil
}

func (mt *MsgpackTransport) Receive() ([]byte, error) {
	lengthBuf := mt.bufferPool.Get()[:4]
	if _, err := io.ReadFull(mt.reader, lengthBuf); err != nil {
		mt.bufferPool.Put(lengthBuf)
		return nil, err
	}
	length := binary.BigEndian.Uint32(lengthBuf)
	mt.bufferPool.Put(lengthBuf)

	if length > MaxFrameSize {
		return nil, errors.Errorf("incoming frame of %d bytes exceeds limit", length)
	}

	// For small messages, use buffer pool
	if int(length) <= mt.bufferPool.Size() {
		buf := mt.bufferPool.Get()[:length]
		if _, err := io.ReadFull(mt.reader, buf); err != nil {
			mt.bufferPool.Put(buf)
			return nil, err
		}
		// Make a copy of the data so we can return the buffer to the pool
		result := make([]byte, length)
		copy(result, buf)
		mt.bufferPool.Put(buf)
		return result, nil
	}

	data := make([]byte, length)
	_, err := io.ReadFull(mt.reader, data)
	return data, err
}

func (mt *MsgpackTransport) Close() error {
	rerr := mt.reader.Close()
	werr := mt.writer.Close()
	if rerr != nil {
		return rerr
	}
	return werr
}
