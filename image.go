package calypso

import (
	"strings"

	"github.com/moov-io/bertlv"
	"github.com/pkg/errors"
	"github.com/skythen/apdu"
)

// FileType classifies an elementary file.
type FileType byte

const (
	FileTypeLinear FileType = iota
	FileTypeCyclic
	FileTypeCounters
	FileTypeBinary
)

// ElementaryFile is the in-memory content of one card file: records for
// linear and cyclic files, counters for counter files, a single logical
// record for binary files.
type ElementaryFile struct {
	Sfi         byte
	Lid         uint16
	Type        FileType
	RecordSize  int
	RecordCount int
	Records     map[int][]byte
	Counters    map[byte]int
}

func (ef *ElementaryFile) clone() *ElementaryFile {
	cp := *ef
	cp.Records = make(map[int][]byte, len(ef.Records))

	for number, content := range ef.Records {
		cp.Records[number] = append([]byte(nil), content...)
	}

	cp.Counters = make(map[byte]int, len(ef.Counters))
	for number, value := range ef.Counters {
		cp.Counters[number] = value
	}

	return &cp
}

// SvLogEntry is one stored-value operation recorded in the card image.
type SvLogEntry struct {
	Operation         SvOperation
	Amount            int
	Balance           int
	TransactionNumber int
}

// CardImage is the in-memory representation of the card. Content is only
// mutated through apply, never written speculatively before a response has
// been attached to the originating command.
type CardImage struct {
	SerialNumber       []byte
	DfName             []byte
	StartupInfo        []byte
	Files              map[byte]*ElementaryFile
	Ratified           bool
	TransactionCounter int
	Challenge          []byte
	Traceability       []byte
	DfInvalidated      bool
	PublicKey          []byte

	SvBalance           int
	SvTransactionNumber int
	SvLastMac           []byte

	SvLoadLog  []SvLogEntry
	SvDebitLog []SvLogEntry

	// PinAttempts is the remaining PIN presentation counter, -1 when
	// unknown.
	PinAttempts int

	backup *CardImage
}

// NewCardImage returns an empty card image.
func NewCardImage() *CardImage {
	return &CardImage{Files: make(map[byte]*ElementaryFile), PinAttempts: -1}
}

// File returns the elementary file registered under sfi, or nil.
func (ci *CardImage) File(sfi byte) *ElementaryFile {
	return ci.Files[sfi]
}

func (ci *CardImage) fileOrCreate(sfi byte) *ElementaryFile {
	ef := ci.Files[sfi]
	if ef == nil {
		ef = &ElementaryFile{Sfi: sfi, Records: make(map[int][]byte), Counters: make(map[byte]int)}
		ci.Files[sfi] = ef
	}

	return ef
}

// snapshot stores a deep copy of the image so that speculative mutations
// made during an open session can be rolled back wholesale.
func (ci *CardImage) snapshot() {
	cp := *ci
	cp.backup = nil
	cp.Files = make(map[byte]*ElementaryFile, len(ci.Files))

	for sfi, ef := range ci.Files {
		cp.Files[sfi] = ef.clone()
	}

	cp.SvLoadLog = append([]SvLogEntry(nil), ci.SvLoadLog...)
	cp.SvDebitLog = append([]SvLogEntry(nil), ci.SvDebitLog...)

	ci.backup = &cp
}

// restore rolls the image back to the last snapshot. It is a no-op when no
// snapshot exists.
func (ci *CardImage) restore() {
	if ci.backup == nil {
		return
	}

	*ci = *ci.backup
}

// apply reconciles a card response (real or anticipated by the SAM flow)
// into the image. Outside an open session, read-type commands tolerate
// absent files and records (best-effort mode); the same outcomes are fatal
// inside a session.
//
// apply panics on a command kind outside the closed enumeration: that is a
// programming error, never a recoverable condition.
func (ci *CardImage) apply(cmd *CardCommand, response apdu.Rapdu, sessionOpen bool) error {
	if err := cmd.attachResponse(response); err != nil {
		return err
	}

	if err := cmd.checkStatus(); err != nil {
		if !sessionOpen && isBestEffortMiss(cmd, err) {
			return nil
		}

		return err
	}

	data := response.Data

	switch cmd.kind {
	case KindSelectFile:
		return ci.applySelectFile(data)

	case KindReadRecords:
		ef := ci.fileOrCreate(cmd.sfi)
		if !cmd.multipleReads {
			ef.Records[int(cmd.record)] = append([]byte(nil), data...)

			return nil
		}

		return applyRecordList(ef, data)

	case KindReadBinary:
		ci.fileOrCreate(cmd.sfi).setBinary(cmd.offset, data)

	case KindUpdateRecord:
		ci.fileOrCreate(cmd.sfi).Records[int(cmd.record)] = append([]byte(nil), cmd.capdu.Data...)

	case KindWriteRecord:
		ci.fileOrCreate(cmd.sfi).orFillRecord(int(cmd.record), cmd.capdu.Data)

	case KindAppendRecord:
		ci.fileOrCreate(cmd.sfi).appendCyclic(cmd.capdu.Data)

	case KindUpdateBinary:
		ci.fileOrCreate(cmd.sfi).setBinary(cmd.offset, cmd.capdu.Data)

	case KindWriteBinary:
		ci.fileOrCreate(cmd.sfi).orFillBinary(cmd.offset, cmd.capdu.Data)

	case KindIncrease, KindDecrease:
		if len(data) != 3 {
			return errors.Errorf("counter value must be 3 bytes long, got %d", len(data))
		}

		ci.fileOrCreate(cmd.sfi).Counters[cmd.counter] = counterValue(data)

	case KindIncreaseMultiple, KindDecreaseMultiple:
		return applyCounterList(ci.fileOrCreate(cmd.sfi), data)

	case KindOpenSession:
		return ci.applyOpenSession(cmd, data)

	case KindCloseSession:
		// Signature verification is the orchestrator's concern; a ratified
		// close is recorded once the session ends.
		ci.Ratified = true

	case KindRatification:
		// Response is never checked.

	case KindGetChallenge:
		ci.Challenge = append([]byte(nil), data...)

	case KindVerifyPin:
		return ci.applyVerifyPin(cmd)

	case KindChangePin, KindChangeKey:
		// Status-only.

	case KindSvGet:
		return ci.applySvGet(data)

	case KindSvReload, KindSvDebit, KindSvUndebit:
		ci.applySvOperation(cmd, data)

	case KindInvalidate:
		ci.DfInvalidated = true

	case KindRehabilitate:
		ci.DfInvalidated = false

	case KindGetData:
		ci.applyGetData(cmd.tag, data)

	case KindPutData:
		if cmd.tag == TagTraceabilityInformation {
			ci.Traceability = append([]byte(nil), cmd.capdu.Data...)
		}

	case KindGenerateKeyPair:
		ci.PublicKey = append([]byte(nil), data...)

	default:
		panic("calypso: no reconciliation rule for " + cmd.kind.String())
	}

	return nil
}

// isBestEffortMiss reports whether the failed command is a read issued in
// best-effort mode hitting an absent file or record.
func isBestEffortMiss(cmd *CardCommand, err error) bool {
	statusErr, ok := err.(CardStatusError)
	if !ok {
		return false
	}

	switch cmd.kind {
	case KindReadRecords, KindReadBinary, KindSelectFile, KindGetData:
	default:
		return false
	}

	return statusErr.SW == swFileNotFound || statusErr.SW == swRecordNotFound
}

// applySelectFile registers the file header carried in the proprietary tag
// '85' of the select-file response: LID (2B), SFI, type, record size, record
// count.
func (ci *CardImage) applySelectFile(data []byte) error {
	tlvs, err := bertlv.Decode(data)
	if err != nil {
		return errors.Wrap(err, "decode select file response")
	}

	proprietary := findTag(tlvs, "85")
	if len(proprietary) < 6 {
		return errors.Errorf("proprietary file information must be at least 6 bytes long, got %d", len(proprietary))
	}

	ef := ci.fileOrCreate(proprietary[2])
	ef.Lid = uint16(proprietary[0])<<8 | uint16(proprietary[1])
	ef.Type = FileType(proprietary[3])
	ef.RecordSize = int(proprietary[4])
	ef.RecordCount = int(proprietary[5])

	return nil
}

// applyOpenSession bootstraps the image from the open-session response:
// transaction counter (3B), challenge byte, ratification flag, KIF, KVC,
// record data length and the optional folded-read record content.
func (ci *CardImage) applyOpenSession(cmd *CardCommand, data []byte) error {
	if len(data) < 8 {
		return errors.Errorf("open session response must be at least 8 bytes long, got %d", len(data))
	}

	ci.TransactionCounter = int(data[0])<<16 | int(data[1])<<8 | int(data[2])
	ci.Challenge = append([]byte(nil), data[:4]...)
	ci.Ratified = data[4] == 0x00

	recordLength := int(data[7])
	if recordLength > 0 {
		if len(data) < 8+recordLength {
			return errors.Errorf("open session response truncated: %d record bytes announced, %d present", recordLength, len(data)-8)
		}

		ci.fileOrCreate(cmd.sfi).Records[int(cmd.record)] = append([]byte(nil), data[8:8+recordLength]...)
	}

	return nil
}

const maxPinAttempts = 3

func (ci *CardImage) applyVerifyPin(cmd *CardCommand) error {
	sw := statusWord(*cmd.response)

	switch {
	case sw == swSuccess:
		ci.PinAttempts = maxPinAttempts

		return nil
	case sw == swAuthMethodBlocked:
		ci.PinAttempts = 0
	case sw >= swPinCounterBase && sw <= swPinCounterBase+0x0F:
		ci.PinAttempts = int(sw & 0x0F)
	}

	// Attempt-counter outcomes are suppressed when the caller only wanted
	// to read the counter.
	if cmd.pinCounterOnly {
		return nil
	}

	return PinAttemptsError{Remaining: ci.PinAttempts, Blocked: sw == swAuthMethodBlocked}
}

// applySvGet stores the stored-value state: KVC, transaction number (2B),
// signed balance (3B), followed by opaque log data.
func (ci *CardImage) applySvGet(data []byte) error {
	if len(data) < 6 {
		return errors.Errorf("SV get response must be at least 6 bytes long, got %d", len(data))
	}

	ci.SvTransactionNumber = int(data[1])<<8 | int(data[2])
	ci.SvBalance = signedCounterValue(data[3:6])

	return nil
}

// applySvOperation updates the balance and the matching log. Inside a
// session the card answers with a postponed status and the MAC verification
// is deferred to session close; outside, the response carries the card's MAC
// on the operation.
func (ci *CardImage) applySvOperation(cmd *CardCommand, data []byte) {
	switch cmd.kind {
	case KindSvReload, KindSvUndebit:
		ci.SvBalance += cmd.amount
	default:
		ci.SvBalance -= cmd.amount
	}

	ci.SvTransactionNumber++
	ci.SvLastMac = append([]byte(nil), data...)

	entry := SvLogEntry{
		Operation:         cmd.svOperation,
		Amount:            cmd.amount,
		Balance:           ci.SvBalance,
		TransactionNumber: ci.SvTransactionNumber,
	}

	if cmd.kind == KindSvReload {
		ci.SvLoadLog = append(ci.SvLoadLog, entry)
	} else {
		ci.SvDebitLog = append(ci.SvDebitLog, entry)
	}
}

// Data object tags served by get/put data.
const (
	TagFciForCurrentDF         uint16 = 0x006F
	TagTraceabilityInformation uint16 = 0x0185
)

func (ci *CardImage) applyGetData(tag uint16, data []byte) {
	switch tag {
	case TagFciForCurrentDF:
		if startup := startupInfoFromFci(data); startup != nil {
			ci.StartupInfo = startup
		}
	case TagTraceabilityInformation:
		ci.Traceability = append([]byte(nil), data...)
	}
}

func (ef *ElementaryFile) setBinary(offset int, data []byte) {
	content := ef.Records[1]
	if need := offset + len(data); len(content) < need {
		grown := make([]byte, need)
		copy(grown, content)
		content = grown
	}

	copy(content[offset:], data)
	ef.Records[1] = content
}

func (ef *ElementaryFile) orFillBinary(offset int, data []byte) {
	content := ef.Records[1]
	if need := offset + len(data); len(content) < need {
		grown := make([]byte, need)
		copy(grown, content)
		content = grown
	}

	for i, b := range data {
		content[offset+i] |= b
	}

	ef.Records[1] = content
}

// orFillRecord fills the record with a logical OR of the payload over the
// existing content.
func (ef *ElementaryFile) orFillRecord(number int, data []byte) {
	content := ef.Records[number]
	if len(content) < len(data) {
		grown := make([]byte, len(data))
		copy(grown, content)
		content = grown
	}

	for i, b := range data {
		content[i] |= b
	}

	ef.Records[number] = content
}

// appendCyclic makes the payload record 1 and shifts older records up,
// dropping the oldest once the declared record count is exceeded.
func (ef *ElementaryFile) appendCyclic(data []byte) {
	highest := 0
	for number := range ef.Records {
		if number > highest {
			highest = number
		}
	}

	last := highest + 1
	if ef.RecordCount > 0 && last > ef.RecordCount {
		last = ef.RecordCount
	}

	for number := last; number >= 2; number-- {
		if content, ok := ef.Records[number-1]; ok {
			ef.Records[number] = content
		}
	}

	ef.Records[1] = append([]byte(nil), data...)
}

// applyRecordList parses a multiple-records read: a sequence of
// [record number, length, content] entries.
func applyRecordList(ef *ElementaryFile, data []byte) error {
	for len(data) > 0 {
		if len(data) < 2 {
			return errors.New("truncated record list entry")
		}

		number := int(data[0])
		length := int(data[1])

		if len(data) < 2+length {
			return errors.Errorf("record %d announces %d bytes, %d present", number, length, len(data)-2)
		}

		ef.Records[number] = append([]byte(nil), data[2:2+length]...)
		data = data[2+length:]
	}

	return nil
}

// applyCounterList parses an increase/decrease-multiple response: a
// sequence of [counter number, 3-byte value] entries.
func applyCounterList(ef *ElementaryFile, data []byte) error {
	if len(data)%4 != 0 {
		return errors.Errorf("counter list length must be a multiple of 4, got %d", len(data))
	}

	for len(data) > 0 {
		ef.Counters[data[0]] = counterValue(data[1:4])
		data = data[4:]
	}

	return nil
}

func counterValue(b []byte) int {
	return int(b[0])<<16 | int(b[1])<<8 | int(b[2])
}

// signedCounterValue interprets a 3-byte two's-complement value.
func signedCounterValue(b []byte) int {
	v := counterValue(b)
	if v >= 1<<23 {
		v -= 1 << 24
	}

	return v
}

func findTag(tlvs []bertlv.TLV, tag string) []byte {
	for _, t := range tlvs {
		if strings.EqualFold(t.Tag, tag) {
			return t.Value
		}

		if found := findTag(t.TLVs, tag); found != nil {
			return found
		}
	}

	return nil
}
