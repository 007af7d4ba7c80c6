package peer

// ViolationReason classifies the protocol rules a remote peer can break.
// Every violation is fatal for the session once the coordinator processes it.
type ViolationReason string

const (
	ViolationBitfieldRepeat     ViolationReason = "bitfield_repeat"
	ViolationBitfieldLength     ViolationReason = "bitfield_length"
	ViolationRequestWhileChoked ViolationReason = "request_while_choked"
	ViolationRequestUnannounced ViolationReason = "request_unannounced"
	ViolationInvalidBlockSent   ViolationReason = "invalid_block_sent"
	ViolationInvalidPiece       ViolationReason = "invalid_piece"
)
