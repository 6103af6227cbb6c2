package calypso

import (
	"github.com/skythen/apdu"
)

// CommandKind identifies a card operation. The enumeration is closed: the
// card image reconciler and the buffer cost evaluator match on it
// exhaustively and panic on an unknown kind.
type CommandKind int

const (
	KindSelectFile CommandKind = iota
	KindReadRecords
	KindReadBinary
	KindUpdateRecord
	KindWriteRecord
	KindAppendRecord
	KindUpdateBinary
	KindWriteBinary
	KindIncrease
	KindDecrease
	KindIncreaseMultiple
	KindDecreaseMultiple
	KindOpenSession
	KindCloseSession
	KindRatification
	KindGetChallenge
	KindVerifyPin
	KindChangePin
	KindChangeKey
	KindSvGet
	KindSvReload
	KindSvDebit
	KindSvUndebit
	KindInvalidate
	KindRehabilitate
	KindGenerateKeyPair
	KindGetData
	KindPutData
)

var commandKindNames = map[CommandKind]string{
	KindSelectFile:       "SELECT FILE",
	KindReadRecords:      "READ RECORDS",
	KindReadBinary:       "READ BINARY",
	KindUpdateRecord:     "UPDATE RECORD",
	KindWriteRecord:      "WRITE RECORD",
	KindAppendRecord:     "APPEND RECORD",
	KindUpdateBinary:     "UPDATE BINARY",
	KindWriteBinary:      "WRITE BINARY",
	KindIncrease:         "INCREASE",
	KindDecrease:         "DECREASE",
	KindIncreaseMultiple: "INCREASE MULTIPLE",
	KindDecreaseMultiple: "DECREASE MULTIPLE",
	KindOpenSession:      "OPEN SECURE SESSION",
	KindCloseSession:     "CLOSE SECURE SESSION",
	KindRatification:     "RATIFICATION",
	KindGetChallenge:     "GET CHALLENGE",
	KindVerifyPin:        "VERIFY PIN",
	KindChangePin:        "CHANGE PIN",
	KindChangeKey:        "CHANGE KEY",
	KindSvGet:            "SV GET",
	KindSvReload:         "SV RELOAD",
	KindSvDebit:          "SV DEBIT",
	KindSvUndebit:        "SV UNDEBIT",
	KindInvalidate:       "INVALIDATE",
	KindRehabilitate:     "REHABILITATE",
	KindGenerateKeyPair:  "GENERATE KEY PAIR",
	KindGetData:          "GET DATA",
	KindPutData:          "PUT DATA",
}

func (k CommandKind) String() string {
	if name, ok := commandKindNames[k]; ok {
		return name
	}

	return "UNKNOWN COMMAND"
}

// Card instruction bytes.
const (
	insSelectFile       byte = 0xA4
	insReadRecords      byte = 0xB2
	insReadBinary       byte = 0xB0
	insUpdateRecord     byte = 0xDC
	insWriteRecord      byte = 0xD2
	insAppendRecord     byte = 0xE2
	insUpdateBinary     byte = 0xD6
	insWriteBinary      byte = 0xD0
	insIncrease         byte = 0x32
	insDecrease         byte = 0x30
	insIncreaseMultiple byte = 0x3A
	insDecreaseMultiple byte = 0x38
	insOpenSession      byte = 0x8A
	insCloseSession     byte = 0x8E
	insGetChallenge     byte = 0x84
	insVerifyPin        byte = 0x20
	insChangePin        byte = 0xD8
	insInvalidate       byte = 0x04
	insRehabilitate     byte = 0x44
	insGetData          byte = 0xCA
	insPutData          byte = 0xDA
	insSvGet            byte = 0x7C
	insSvReload         byte = 0xB8
	insSvDebit          byte = 0xBA
	insSvUndebit        byte = 0xBC
	insGenerateKeyPair  byte = 0x46
)

// Status words.
const (
	swSuccess                 uint16 = 0x9000
	swPostponedData           uint16 = 0x6200
	swDataOutOfBounds         uint16 = 0x6B00
	swWrongLength             uint16 = 0x6700
	swSecurityNotSatisfied    uint16 = 0x6982
	swAuthMethodBlocked       uint16 = 0x6983
	swConditionsNotSatisfied  uint16 = 0x6985
	swIncorrectSignature      uint16 = 0x6988
	swFunctionNotSupported    uint16 = 0x6A81
	swFileNotFound            uint16 = 0x6A82
	swRecordNotFound          uint16 = 0x6A83
	swNotEnoughMemory         uint16 = 0x6A84
	swIncorrectP1P2           uint16 = 0x6A86
	swPinCounterBase          uint16 = 0x63C0
	swInstructionNotSupported uint16 = 0x6D00
)

const (
	apduHeaderLength = 4
	// Fixed per-command overhead counted against the card's session buffer
	// on top of the request payload.
	sessionBufferOverhead = 6
)

// CardCommand is one card operation as a request/response pair. It knows its
// own cost against the card's session buffer and how to validate its own
// status word. The response is attached exactly once after transmission; a
// command is never reused.
type CardCommand struct {
	kind          CommandKind
	capdu         apdu.Capdu
	response      *apdu.Rapdu
	affectsBuffer bool
	case4         bool // request carries both a payload and an expected length
	ignoreStatus  bool // response is never checked (abort close, ratification)
	named         map[uint16]string // status table scoped to this kind
	tolerated     map[uint16]bool   // acceptable non-success status words

	// Reconciliation context.
	sfi            byte
	record         byte
	multipleReads  bool
	offset         int
	counter        byte
	amount         int
	counterAmounts map[byte]int
	tag            uint16
	svOperation    SvOperation
	pinCounterOnly bool
	cipheredPin    bool
	newPin         []byte
	kif            byte
	kvc            byte
}

// Kind returns the command's identity.
func (c *CardCommand) Kind() CommandKind {
	return c.kind
}

// requestBytes returns the serialized command APDU.
func (c *CardCommand) requestBytes() []byte {
	return c.capdu.Bytes()
}

// digestBytes returns the request bytes as they enter the session digest:
// for a command carrying both a payload and an expected length the trailing
// length byte is never part of the digest.
func (c *CardCommand) digestBytes() []byte {
	b := c.capdu.Bytes()
	if c.case4 && len(b) > 0 {
		b = b[:len(b)-1]
	}

	return b
}

// bufferCost returns the command's cost against a byte-counted session
// buffer: the full request length plus a fixed overhead, minus the header
// which the card does not store.
func (c *CardCommand) bufferCost() int {
	return len(c.capdu.Bytes()) + sessionBufferOverhead - apduHeaderLength
}

// attachResponse sets the command's response. It may be called exactly once.
func (c *CardCommand) attachResponse(r apdu.Rapdu) error {
	if c.response != nil {
		return IllegalStateError{Message: "response already attached to " + c.kind.String()}
	}

	c.response = &r

	return nil
}

// checkStatus validates the attached response's status word against the
// command's status table.
func (c *CardCommand) checkStatus() error {
	if c.response == nil {
		return IllegalStateError{Message: "no response attached to " + c.kind.String()}
	}

	if c.ignoreStatus {
		return nil
	}

	sw := statusWord(*c.response)
	if sw == swSuccess || c.tolerated[sw] {
		return nil
	}

	return CardStatusError{Kind: c.kind, SW: sw, Outcome: c.named[sw]}
}

func newSelectFileCommand(cla byte, lid uint16) *CardCommand {
	return &CardCommand{
		kind: KindSelectFile,
		capdu: apdu.Capdu{
			Cla:  cla,
			Ins:  insSelectFile,
			P1:   0x09,
			P2:   0x00,
			Data: []byte{byte(lid >> 8), byte(lid)},
			Ne:   apdu.MaxLenResponseDataStandard,
		},
		case4: true,
		named: map[uint16]string{
			swFileNotFound: "file not found",
		},
	}
}

func newReadRecordsCommand(cla, sfi, record byte, multiple bool, expectedLength int) *CardCommand {
	p2 := sfi<<3 | 0x04
	if multiple {
		p2 = sfi<<3 | 0x05
	}

	ne := expectedLength
	if ne == 0 {
		ne = apdu.MaxLenResponseDataStandard
	}

	return &CardCommand{
		kind: KindReadRecords,
		capdu: apdu.Capdu{
			Cla: cla,
			Ins: insReadRecords,
			P1:  record,
			P2:  p2,
			Ne:  ne,
		},
		sfi:           sfi,
		record:        record,
		multipleReads: multiple,
		named: map[uint16]string{
			swFileNotFound:         "file not found",
			swRecordNotFound:       "record not found",
			swSecurityNotSatisfied: "security conditions not satisfied",
		},
	}
}

func newReadBinaryCommand(cla, sfi byte, offset, length int) *CardCommand {
	return &CardCommand{
		kind: KindReadBinary,
		capdu: apdu.Capdu{
			Cla: cla,
			Ins: insReadBinary,
			P1:  0x80 | sfi,
			P2:  byte(offset),
			Ne:  length,
		},
		sfi:    sfi,
		offset: offset,
		named: map[uint16]string{
			swFileNotFound:    "file not found",
			swDataOutOfBounds: "offset out of bounds",
		},
	}
}

func newUpdateRecordCommand(cla, sfi, record byte, data []byte) *CardCommand {
	return &CardCommand{
		kind: KindUpdateRecord,
		capdu: apdu.Capdu{
			Cla:  cla,
			Ins:  insUpdateRecord,
			P1:   record,
			P2:   sfi<<3 | 0x04,
			Data: data,
		},
		affectsBuffer: true,
		sfi:           sfi,
		record:        record,
		named: map[uint16]string{
			swFileNotFound:         "file not found",
			swRecordNotFound:       "record not found",
			swSecurityNotSatisfied: "security conditions not satisfied",
			swNotEnoughMemory:      "session buffer exceeded on card",
		},
	}
}

func newWriteRecordCommand(cla, sfi, record byte, data []byte) *CardCommand {
	return &CardCommand{
		kind: KindWriteRecord,
		capdu: apdu.Capdu{
			Cla:  cla,
			Ins:  insWriteRecord,
			P1:   record,
			P2:   sfi<<3 | 0x04,
			Data: data,
		},
		affectsBuffer: true,
		sfi:           sfi,
		record:        record,
		named: map[uint16]string{
			swFileNotFound:   "file not found",
			swRecordNotFound: "record not found",
		},
	}
}

func newAppendRecordCommand(cla, sfi byte, data []byte) *CardCommand {
	return &CardCommand{
		kind: KindAppendRecord,
		capdu: apdu.Capdu{
			Cla:  cla,
			Ins:  insAppendRecord,
			P1:   0x00,
			P2:   sfi << 3,
			Data: data,
		},
		affectsBuffer: true,
		sfi:           sfi,
		named: map[uint16]string{
			swFileNotFound:    "file not found",
			swNotEnoughMemory: "session buffer exceeded on card",
		},
	}
}

func newUpdateBinaryCommand(cla, sfi byte, offset int, data []byte) *CardCommand {
	return &CardCommand{
		kind: KindUpdateBinary,
		capdu: apdu.Capdu{
			Cla:  cla,
			Ins:  insUpdateBinary,
			P1:   0x80 | sfi,
			P2:   byte(offset),
			Data: data,
		},
		affectsBuffer: true,
		sfi:           sfi,
		offset:        offset,
		named: map[uint16]string{
			swFileNotFound:    "file not found",
			swDataOutOfBounds: "offset out of bounds",
		},
	}
}

func newWriteBinaryCommand(cla, sfi byte, offset int, data []byte) *CardCommand {
	return &CardCommand{
		kind: KindWriteBinary,
		capdu: apdu.Capdu{
			Cla:  cla,
			Ins:  insWriteBinary,
			P1:   0x80 | sfi,
			P2:   byte(offset),
			Data: data,
		},
		affectsBuffer: true,
		sfi:           sfi,
		offset:        offset,
		named: map[uint16]string{
			swFileNotFound:    "file not found",
			swDataOutOfBounds: "offset out of bounds",
		},
	}
}

func counterValueBytes(value int) []byte {
	return []byte{byte(value >> 16), byte(value >> 8), byte(value)}
}

func newIncreaseCommand(cla, sfi, counter byte, amount int) *CardCommand {
	return &CardCommand{
		kind: KindIncrease,
		capdu: apdu.Capdu{
			Cla:  cla,
			Ins:  insIncrease,
			P1:   counter,
			P2:   sfi << 3,
			Data: counterValueBytes(amount),
			Ne:   3,
		},
		affectsBuffer: true,
		case4:         true,
		sfi:           sfi,
		counter:       counter,
		amount:        amount,
		named: map[uint16]string{
			swFileNotFound:    "file not found",
			swRecordNotFound:  "counter not found",
			swDataOutOfBounds: "counter overflow",
		},
	}
}

func newDecreaseCommand(cla, sfi, counter byte, amount int) *CardCommand {
	cmd := newIncreaseCommand(cla, sfi, counter, amount)
	cmd.kind = KindDecrease
	cmd.capdu.Ins = insDecrease
	cmd.named[swDataOutOfBounds] = "counter underflow"

	return cmd
}

func counterEntryBytes(amounts map[byte]int) []byte {
	data := make([]byte, 0, len(amounts)*4)
	for counter := byte(1); int(counter) <= maxCounterNumber; counter++ {
		amount, ok := amounts[counter]
		if !ok {
			continue
		}

		data = append(data, counter)
		data = append(data, counterValueBytes(amount)...)
	}

	return data
}

const maxCounterNumber = 83

func newIncreaseMultipleCommand(cla, sfi byte, amounts map[byte]int) *CardCommand {
	data := counterEntryBytes(amounts)

	return &CardCommand{
		kind: KindIncreaseMultiple,
		capdu: apdu.Capdu{
			Cla:  cla,
			Ins:  insIncreaseMultiple,
			P1:   0x00,
			P2:   sfi << 3,
			Data: data,
			Ne:   len(data),
		},
		affectsBuffer:  true,
		case4:          true,
		sfi:            sfi,
		counterAmounts: amounts,
		named: map[uint16]string{
			swFileNotFound:   "file not found",
			swRecordNotFound: "counter not found",
		},
	}
}

func newDecreaseMultipleCommand(cla, sfi byte, amounts map[byte]int) *CardCommand {
	cmd := newIncreaseMultipleCommand(cla, sfi, amounts)
	cmd.kind = KindDecreaseMultiple
	cmd.capdu.Ins = insDecreaseMultiple

	return cmd
}

// newOpenSessionCommand builds the open-session command. When sfi is not
// zero the optional read slot is used: the card returns the content of the
// given record alongside the session data, saving one round trip.
func newOpenSessionCommand(cla, keyIndex byte, samChallenge []byte, sfi, record byte) *CardCommand {
	return &CardCommand{
		kind: KindOpenSession,
		capdu: apdu.Capdu{
			Cla:  cla,
			Ins:  insOpenSession,
			P1:   record<<3 | keyIndex,
			P2:   sfi<<3 | 0x01,
			Data: samChallenge,
			Ne:   apdu.MaxLenResponseDataStandard,
		},
		case4:  true,
		sfi:    sfi,
		record: record,
		named: map[uint16]string{
			swSecurityNotSatisfied:   "security conditions not satisfied",
			swConditionsNotSatisfied: "no session key available",
			swRecordNotFound:         "record not found",
		},
	}
}

func newCloseSessionCommand(cla byte, ratifyNow bool, terminalSignature []byte) *CardCommand {
	p1 := byte(0x00)
	if ratifyNow {
		p1 = 0x80
	}

	return &CardCommand{
		kind: KindCloseSession,
		capdu: apdu.Capdu{
			Cla:  cla,
			Ins:  insCloseSession,
			P1:   p1,
			P2:   0x00,
			Data: terminalSignature,
			Ne:   4,
		},
		case4: true,
		named: map[uint16]string{
			swIncorrectSignature:     "invalid terminal signature",
			swConditionsNotSatisfied: "no session open on card",
		},
	}
}

// newAbortSessionCommand builds the close-session variant used to abort: no
// signature is carried and the response is never checked.
func newAbortSessionCommand(cla byte) *CardCommand {
	return &CardCommand{
		kind: KindCloseSession,
		capdu: apdu.Capdu{
			Cla: cla,
			Ins: insCloseSession,
			P1:  0x00,
			P2:  0x00,
		},
		ignoreStatus: true,
	}
}

// newRatificationCommand builds the throwaway frame that ratifies a closed
// session on contactless channels. Its response is never checked and its
// transport failure is tolerated.
func newRatificationCommand(cla byte) *CardCommand {
	return &CardCommand{
		kind: KindRatification,
		capdu: apdu.Capdu{
			Cla: cla,
			Ins: insReadRecords,
			P1:  0x00,
			P2:  0x00,
			Ne:  apdu.MaxLenResponseDataStandard,
		},
		ignoreStatus: true,
	}
}

func newGetChallengeCommand(cla byte) *CardCommand {
	return &CardCommand{
		kind: KindGetChallenge,
		capdu: apdu.Capdu{
			Cla: cla,
			Ins: insGetChallenge,
			Ne:  8,
		},
	}
}

// newVerifyPinCommand builds a PIN presentation. A nil pin reads the
// remaining-attempts counter only; in that mode counter status words are
// acceptable outcomes rather than failures.
func newVerifyPinCommand(cla byte, pin []byte, ciphered bool) *CardCommand {
	cmd := &CardCommand{
		kind: KindVerifyPin,
		capdu: apdu.Capdu{
			Cla:  cla,
			Ins:  insVerifyPin,
			Data: pin,
		},
		cipheredPin:    ciphered,
		pinCounterOnly: pin == nil,
		tolerated:      map[uint16]bool{swAuthMethodBlocked: true},
		named: map[uint16]string{
			swConditionsNotSatisfied: "PIN not available",
		},
	}

	for sw := swPinCounterBase; sw <= swPinCounterBase+0x0F; sw++ {
		cmd.tolerated[sw] = true
	}

	return cmd
}

func newChangePinCommand(cla byte, newPin []byte, ciphered bool) *CardCommand {
	p2 := byte(0xFF)
	if ciphered {
		p2 = 0x04
	}

	return &CardCommand{
		kind: KindChangePin,
		capdu: apdu.Capdu{
			Cla:  cla,
			Ins:  insChangePin,
			P1:   0x00,
			P2:   p2,
			Data: newPin,
		},
		cipheredPin: ciphered,
		newPin:      newPin,
		named: map[uint16]string{
			swSecurityNotSatisfied: "security conditions not satisfied",
		},
	}
}

// newChangeKeyCommand builds the partial change-key command. The key
// cryptogram is produced by the SAM and attached during finalization,
// immediately before transmission.
func newChangeKeyCommand(cla, keyIndex, kif, kvc byte) *CardCommand {
	return &CardCommand{
		kind: KindChangeKey,
		capdu: apdu.Capdu{
			Cla: cla,
			Ins: insChangePin,
			P1:  keyIndex,
			P2:  0x00,
		},
		kif: kif,
		kvc: kvc,
		named: map[uint16]string{
			swSecurityNotSatisfied: "security conditions not satisfied",
			swIncorrectSignature:   "invalid key cryptogram",
		},
	}
}

func newSvGetCommand(cla byte, op SvOperation) *CardCommand {
	p2 := byte(0x07)
	if op == SvDebit || op == SvUndebit {
		p2 = 0x09
	}

	return &CardCommand{
		kind: KindSvGet,
		capdu: apdu.Capdu{
			Cla: cla,
			Ins: insSvGet,
			P1:  0x00,
			P2:  p2,
			Ne:  apdu.MaxLenResponseDataStandard,
		},
		svOperation: op,
		named: map[uint16]string{
			swFunctionNotSupported: "stored value not supported",
		},
	}
}

// newSvOperationCommand builds the partial stored-value command. The
// security data computed by the SAM is appended to the payload during
// finalization, immediately before transmission.
func newSvOperationCommand(cla byte, op SvOperation, amount int, date, time []byte) *CardCommand {
	var (
		kind CommandKind
		ins  byte
	)

	switch op {
	case SvReload:
		kind, ins = KindSvReload, insSvReload
	case SvDebit:
		kind, ins = KindSvDebit, insSvDebit
	default:
		kind, ins = KindSvUndebit, insSvUndebit
	}

	data := make([]byte, 0, 7)
	data = append(data, counterValueBytes(amount)...)
	data = append(data, date...)
	data = append(data, time...)

	return &CardCommand{
		kind: kind,
		capdu: apdu.Capdu{
			Cla:  cla,
			Ins:  ins,
			P1:   0x00,
			P2:   0x00,
			Data: data,
		},
		affectsBuffer: true,
		svOperation:   op,
		amount:        amount,
		tolerated:     map[uint16]bool{swPostponedData: true},
		named: map[uint16]string{
			swSecurityNotSatisfied:   "invalid SV security data",
			swConditionsNotSatisfied: "SV operation sequence error",
		},
	}
}

func newInvalidateCommand(cla byte) *CardCommand {
	return &CardCommand{
		kind: KindInvalidate,
		capdu: apdu.Capdu{
			Cla: cla,
			Ins: insInvalidate,
		},
		affectsBuffer: true,
		named: map[uint16]string{
			swConditionsNotSatisfied: "already invalidated",
		},
	}
}

func newRehabilitateCommand(cla byte) *CardCommand {
	return &CardCommand{
		kind: KindRehabilitate,
		capdu: apdu.Capdu{
			Cla: cla,
			Ins: insRehabilitate,
		},
		affectsBuffer: true,
		named: map[uint16]string{
			swConditionsNotSatisfied: "not invalidated",
		},
	}
}

func newGetDataCommand(cla byte, tag uint16) *CardCommand {
	return &CardCommand{
		kind: KindGetData,
		capdu: apdu.Capdu{
			Cla: cla,
			Ins: insGetData,
			P1:  byte(tag >> 8),
			P2:  byte(tag),
			Ne:  apdu.MaxLenResponseDataStandard,
		},
		tag: tag,
		named: map[uint16]string{
			swFileNotFound:  "data object not found",
			swIncorrectP1P2: "unknown tag",
		},
	}
}

func newPutDataCommand(cla byte, tag uint16, data []byte) *CardCommand {
	return &CardCommand{
		kind: KindPutData,
		capdu: apdu.Capdu{
			Cla:  cla,
			Ins:  insPutData,
			P1:   byte(tag >> 8),
			P2:   byte(tag),
			Data: data,
		},
		affectsBuffer: true,
		tag:           tag,
		named: map[uint16]string{
			swIncorrectP1P2: "unknown tag",
		},
	}
}

func newGenerateKeyPairCommand(cla byte) *CardCommand {
	return &CardCommand{
		kind: KindGenerateKeyPair,
		capdu: apdu.Capdu{
			Cla: cla,
			Ins: insGenerateKeyPair,
			Ne:  apdu.MaxLenResponseDataStandard,
		},
		named: map[uint16]string{
			swFunctionNotSupported: "asymmetric keys not supported",
		},
	}
}
