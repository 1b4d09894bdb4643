package streamhub

// Message is one transfer delivered on a receiver link.
type Message struct {
	Topic          string
	Payload        []byte
	SequenceNumber uint64
	Offset         string
}

func (m Message) String() string {
	return string(m.Payload)
}
