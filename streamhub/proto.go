package streamhub

// Wire protocol: one opcode byte followed by BigEndian length-prefixed
// arguments. Client opcodes sit below 0x80, server responses above.

const (
	opSessionOpen  byte = 0x01
	opSessionClose byte = 0x02
	opAttach       byte = 0x03
	opDetach       byte = 0x04
	opTransfer     byte = 0x05
	opFlow         byte = 0x06
	opPing         byte = 0x07
)

const (
	respSessionOpen  byte = 0x81
	respSessionClose byte = 0x82
	respAck          byte = 0x83
	respTransfer     byte = 0x84
	respPong         byte = 0x87
)

const (
	errFlagNo  byte = 0x00
	errFlagYes byte = 0x01
)

// Role selects the direction of a link.
type Role byte

const (
	RoleSender   Role = 0x01
	RoleReceiver Role = 0x02
)

func (r Role) valid() bool {
	return r == RoleSender || r == RoleReceiver
}

func (r Role) String() string {
	switch r {
	case RoleSender:
		return "sender"
	case RoleReceiver:
		return "receiver"
	default:
		return "unknown"
	}
}

const uint32Len = 4
const uint64Len = 8
