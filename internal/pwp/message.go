package pwp

import "fmt"

type MessageId int

const (
	ChokeId MessageId = iota
	UnchokeId
	InterestedId
	NotInterestedId
	HaveId
	BitfieldId
	RequestId
	PieceId
	CancelId
)

func (id MessageId) String() string {
	switch id {
	case ChokeId:
		return "choke"
	case UnchokeId:
		return "unchoke"
	case InterestedId:
		return "interested"
	case NotInterestedId:
		return "not interested"
	case HaveId:
		return "have"
	case BitfieldId:
		return "bitfield"
	case RequestId:
		return "request"
	case PieceId:
		return "piece"
	case CancelId:
		return "cancel"
	default:
		return fmt.Sprintf("unknown(%d)", int(id))
	}
}

// Message is one decoded PWP frame. KeepAlive frames carry no id; for every
// other frame Id selects which of the remaining fields are meaningful:
// Index for have; Index/Begin/Length for request and cancel; Index/Begin/Block
// for piece; Bitfield for bitfield.
type Message struct {
	Id        MessageId
	KeepAlive bool

	Index  int
	Begin  int
	Length int

	Bitfield []byte
	Block    []byte
}

func NewKeepAlive() Message {
	return Message{KeepAlive: true}
}

func NewChoke() Message {
	return Message{Id: ChokeId}
}

func NewUnchoke() Message {
	return Message{Id: UnchokeId}
}

func NewInterested() Message {
	return Message{Id: InterestedId}
}

func NewNotInterested() Message {
	return Message{Id: NotInterestedId}
}

func NewHave(index int) Message {
	return Message{Id: HaveId, Index: index}
}

func NewBitfield(data []byte) Message {
	return Message{Id: BitfieldId, Bitfield: data}
}

func NewRequest(index, begin, length int) Message {
	return Message{Id: RequestId, Index: index, Begin: begin, Length: length}
}

func NewPiece(index, begin int, block []byte) Message {
	return Message{Id: PieceId, Index: index, Begin: begin, Block: block}
}

func NewCancel(index, begin, length int) Message {
	return Message{Id: CancelId, Index: index, Begin: begin, Length: length}
}
