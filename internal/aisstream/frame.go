package aisstream

// Encoding tags the payload type of a transport frame.
type Encoding int

const (
	EncodingText Encoding = iota
	EncodingBinary
)

// RawFrame is one fragment read from the transport.
type RawFrame struct {
	Payload  []byte
	Final    bool
	Control  bool
	Encoding Encoding
}

// AssembledMessage is the complete payload of one logical message.
type AssembledMessage struct {
	Payload  []byte
	Encoding Encoding
}

// FrameAssembler accumulates fragments of the current logical message. It is
// not safe for concurrent use; the receive loop owns it.
type FrameAssembler struct {
	maxBytes int

	buf      []byte
	encoding Encoding
	started  bool
	overflow bool
}

// NewFrameAssembler returns an assembler. maxBytes <= 0 disables the size
// limit.
func NewFrameAssembler(maxBytes int) *FrameAssembler {
	return &FrameAssembler{maxBytes: maxBytes}
}

// Feed appends a data frame. It returns the complete message when the frame
// is final. A message that grew past the size limit is dropped and
// ErrMessageTooLarge is returned once its final fragment arrives.
func (a *FrameAssembler) Feed(f RawFrame) (AssembledMessage, bool, error) {
	if f.Control {
		a.Reset()
		return AssembledMessage{}, false, nil
	}
	if !a.started {
		a.started = true
		a.encoding = f.Encoding
	}

	if !a.overflow {
		if a.maxBytes > 0 && len(a.buf)+len(f.Payload) > a.maxBytes {
			a.overflow = true
			a.buf = a.buf[:0]
		} else {
			a.buf = append(a.buf, f.Payload...)
		}
	}

	if !f.Final {
		return AssembledMessage{}, false, nil
	}

	if a.overflow {
		a.Reset()
		return AssembledMessage{}, false, ErrMessageTooLarge
	}

	msg := AssembledMessage{
		Payload:  append([]byte(nil), a.buf...),
		Encoding: a.encoding,
	}
	a.Reset()
	return msg, true, nil
}

// Reset discards any partially assembled message.
func (a *FrameAssembler) Reset() {
	a.buf = a.buf[:0]
	a.started = false
	a.overflow = false
	a.encoding = EncodingText
}

// Pending reports the number of buffered bytes of the current message.
func (a *FrameAssembler) Pending() int {
	return len(a.buf)
}
