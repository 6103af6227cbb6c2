package calypso

import (
	"github.com/pkg/errors"
	"github.com/skythen/apdu"
)

// SessionState is the orchestrator's state. A closed transaction is
// terminal; a new transaction restarts at uninitialized.
type SessionState int

const (
	StateUninitialized SessionState = iota
	StateOpen
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateOpen:
		return "OPEN"
	default:
		return "CLOSED"
	}
}

// WriteAccessLevel selects the key family that authenticates a secure
// session. Its value is the card-side key index.
type WriteAccessLevel int

const (
	AccessPersonalization WriteAccessLevel = iota + 1
	AccessLoad
	AccessDebit
)

func (l WriteAccessLevel) String() string {
	switch l {
	case AccessPersonalization:
		return "PERSONALIZATION"
	case AccessLoad:
		return "LOAD"
	default:
		return "DEBIT"
	}
}

// CardCapabilities are fixed properties of the card's product generation,
// established once at application selection and never changed afterwards.
type CardCapabilities struct {
	// Cla is the class byte used for card commands.
	Cla byte
	// ModificationsCounterInBytes selects the session buffer semantics:
	// byte-counted when true, command-counted otherwise.
	ModificationsCounterInBytes bool
	// SessionBufferMax is the card's nominal session buffer capacity, in
	// bytes or commands depending on the counter semantics.
	SessionBufferMax int
	// Contactless reports the communication mode in use.
	Contactless bool
	// RatificationByCommand is set when the card requires an explicit
	// ratification frame after a contactless close.
	RatificationByCommand bool
}

// TransactionSettings tune one transaction attempt.
type TransactionSettings struct {
	// EnableMultipleSession allows the orchestrator to split an overflowing
	// command sequence across several consecutive sessions. When false an
	// overflow fails atomically, before anything is sent.
	EnableMultipleSession bool
	// AllowNegativeBalance permits SV debits below zero.
	AllowNegativeBalance bool
	// EncryptSession activates session encryption in the digest.
	EncryptSession bool
	// VerifyOnly activates the digest's verification-only mode.
	VerifyOnly bool
	// AuthorizedKvcs is the set of acceptable session key verification
	// codes. An empty set accepts any KVC.
	AuthorizedKvcs []byte
	// SamDigestUpdateMultiple is set when the module supports batched
	// digest updates.
	SamDigestUpdateMultiple bool
	// SamMaxDigestUpdateLength bounds the payload of one digest update;
	// zero selects the default.
	SamMaxDigestUpdateLength int
}

// samChallengeLength is the length of the module challenge carried by an
// open-session command.
const samChallengeLength = 4

// Transaction drives one secure transaction against a card/module pair. It
// owns the pending command queue, the session buffer accountant, the digest
// engine and the card image, and is not safe for concurrent use: callers
// serialize externally, one Transaction per physical card session.
type Transaction struct {
	card     CardTransmitter
	sam      *Sam
	image    *CardImage
	caps     CardCapabilities
	settings TransactionSettings

	state  SessionState
	level  WriteAccessLevel
	digest *digestEngine
	buffer bufferAccountant
	queue  []*CardCommand

	transcript Transcript

	svGetHeader []byte
	svGetData   []byte
	svOpCmd     *CardCommand // SV operation exchanged during the open session
}

// NewTransaction creates a transaction for the given card and module
// transports. It panics if card, sam or image is nil.
func NewTransaction(card CardTransmitter, sam *Sam, image *CardImage, caps CardCapabilities, settings TransactionSettings) *Transaction {
	if card == nil {
		panic("calypso: value of card must not be nil")
	}

	if sam == nil {
		panic("calypso: value of sam must not be nil")
	}

	if image == nil {
		panic("calypso: value of image must not be nil")
	}

	t := &Transaction{
		card:     card,
		sam:      sam,
		image:    image,
		caps:     caps,
		settings: settings,
		digest:   newDigestEngine(sam, settings.SamDigestUpdateMultiple, settings.SamMaxDigestUpdateLength),
		buffer:   newBufferAccountant(caps.ModificationsCounterInBytes, caps.SessionBufferMax),
	}

	sam.record = func(req, resp []byte) {
		t.transcript = append(t.transcript, Exchange{WithSam: true, Request: req, Response: resp})
	}

	return t
}

// State returns the session state.
func (t *Transaction) State() SessionState {
	return t.state
}

// Image returns the card image maintained by the transaction.
func (t *Transaction) Image() *CardImage {
	return t.image
}

// Transcript returns the ordered audit list of every request/response byte
// pair exchanged with the card and the module so far.
func (t *Transaction) Transcript() Transcript {
	return t.transcript
}

// Prepare operations push typed commands onto the transaction's queue;
// ProcessCommands, OpenSecureSession and CloseSecureSession drain it.

// PrepareReadRecord schedules the read of one record.
func (t *Transaction) PrepareReadRecord(sfi, record byte) {
	t.queue = append(t.queue, newReadRecordsCommand(t.caps.Cla, sfi, record, false, 0))
}

// PrepareReadRecords schedules the read of all records from the first one.
func (t *Transaction) PrepareReadRecords(sfi, fromRecord byte) {
	t.queue = append(t.queue, newReadRecordsCommand(t.caps.Cla, sfi, fromRecord, true, 0))
}

// PrepareReadBinary schedules the read of length bytes at offset.
func (t *Transaction) PrepareReadBinary(sfi byte, offset, length int) {
	t.queue = append(t.queue, newReadBinaryCommand(t.caps.Cla, sfi, offset, length))
}

// PrepareSelectFile schedules the selection of the file registered under
// lid, creating its header in the card image.
func (t *Transaction) PrepareSelectFile(lid uint16) {
	t.queue = append(t.queue, newSelectFileCommand(t.caps.Cla, lid))
}

// PrepareUpdateRecord schedules the full overwrite of a record.
func (t *Transaction) PrepareUpdateRecord(sfi, record byte, data []byte) {
	t.queue = append(t.queue, newUpdateRecordCommand(t.caps.Cla, sfi, record, data))
}

// PrepareWriteRecord schedules a logical-OR fill of a record.
func (t *Transaction) PrepareWriteRecord(sfi, record byte, data []byte) {
	t.queue = append(t.queue, newWriteRecordCommand(t.caps.Cla, sfi, record, data))
}

// PrepareAppendRecord schedules the cyclic append of a record.
func (t *Transaction) PrepareAppendRecord(sfi byte, data []byte) {
	t.queue = append(t.queue, newAppendRecordCommand(t.caps.Cla, sfi, data))
}

// PrepareUpdateBinary schedules the overwrite of binary content at offset.
func (t *Transaction) PrepareUpdateBinary(sfi byte, offset int, data []byte) {
	t.queue = append(t.queue, newUpdateBinaryCommand(t.caps.Cla, sfi, offset, data))
}

// PrepareWriteBinary schedules a logical-OR fill of binary content.
func (t *Transaction) PrepareWriteBinary(sfi byte, offset int, data []byte) {
	t.queue = append(t.queue, newWriteBinaryCommand(t.caps.Cla, sfi, offset, data))
}

// PrepareIncrease schedules the increase of a counter.
func (t *Transaction) PrepareIncrease(sfi, counter byte, amount int) {
	t.queue = append(t.queue, newIncreaseCommand(t.caps.Cla, sfi, counter, amount))
}

// PrepareDecrease schedules the decrease of a counter.
func (t *Transaction) PrepareDecrease(sfi, counter byte, amount int) {
	t.queue = append(t.queue, newDecreaseCommand(t.caps.Cla, sfi, counter, amount))
}

// PrepareIncreaseCounters schedules the increase of several counters of the
// same file in one command.
func (t *Transaction) PrepareIncreaseCounters(sfi byte, amounts map[byte]int) {
	t.queue = append(t.queue, newIncreaseMultipleCommand(t.caps.Cla, sfi, amounts))
}

// PrepareDecreaseCounters schedules the decrease of several counters of the
// same file in one command.
func (t *Transaction) PrepareDecreaseCounters(sfi byte, amounts map[byte]int) {
	t.queue = append(t.queue, newDecreaseMultipleCommand(t.caps.Cla, sfi, amounts))
}

// PrepareVerifyPin schedules a PIN presentation. When ciphered is set, the
// PIN block is ciphered by the module under a card challenge immediately
// before transmission.
func (t *Transaction) PrepareVerifyPin(pin []byte, ciphered bool) error {
	if len(pin) != 4 {
		return IllegalStateError{Message: "PIN must be 4 bytes long"}
	}

	t.queue = append(t.queue, newVerifyPinCommand(t.caps.Cla, pin, ciphered))

	return nil
}

// PrepareReadPinCounter schedules the read of the remaining PIN attempts
// counter, without presenting a PIN.
func (t *Transaction) PrepareReadPinCounter() {
	t.queue = append(t.queue, newVerifyPinCommand(t.caps.Cla, nil, false))
}

// PrepareChangePin schedules a PIN change.
func (t *Transaction) PrepareChangePin(newPin []byte, ciphered bool) error {
	if len(newPin) != 4 {
		return IllegalStateError{Message: "PIN must be 4 bytes long"}
	}

	t.queue = append(t.queue, newChangePinCommand(t.caps.Cla, newPin, ciphered))

	return nil
}

// PrepareChangeKey schedules the replacement of the card key at keyIndex by
// the key identified by kif/kvc. The key cryptogram is produced by the
// module immediately before transmission.
func (t *Transaction) PrepareChangeKey(keyIndex, kif, kvc byte) {
	t.queue = append(t.queue, newChangeKeyCommand(t.caps.Cla, keyIndex, kif, kvc))
}

// PrepareInvalidate schedules the invalidation of the current application.
func (t *Transaction) PrepareInvalidate() {
	t.queue = append(t.queue, newInvalidateCommand(t.caps.Cla))
}

// PrepareRehabilitate schedules the rehabilitation of the current
// application.
func (t *Transaction) PrepareRehabilitate() {
	t.queue = append(t.queue, newRehabilitateCommand(t.caps.Cla))
}

// PrepareGetData schedules the read of a data object.
func (t *Transaction) PrepareGetData(tag uint16) {
	t.queue = append(t.queue, newGetDataCommand(t.caps.Cla, tag))
}

// PreparePutData schedules the write of a data object.
func (t *Transaction) PreparePutData(tag uint16, data []byte) {
	t.queue = append(t.queue, newPutDataCommand(t.caps.Cla, tag, data))
}

// PrepareGenerateKeyPair schedules the generation of an asymmetric key pair
// on the card.
func (t *Transaction) PrepareGenerateKeyPair() {
	t.queue = append(t.queue, newGenerateKeyPairCommand(t.caps.Cla))
}

// OpenSecureSession opens a secure session at the given access level and
// transmits as many pending commands as fit alongside the open-session
// command. It is only valid while the transaction is uninitialized.
func (t *Transaction) OpenSecureSession(level WriteAccessLevel) error {
	if t.state != StateUninitialized {
		return IllegalStateError{Message: "session is " + t.state.String() + ", open requires UNINITIALIZED"}
	}

	// Nothing of an overflowing batch may be sent in atomic mode; dry-run
	// the whole queue on a copy of the accountant first.
	if !t.settings.EnableMultipleSession {
		probe := newBufferAccountant(t.caps.ModificationsCounterInBytes, t.caps.SessionBufferMax)
		for _, cmd := range t.queue {
			if err := probe.evaluate(cmd); err != nil {
				return err
			}
		}
	}

	t.image.snapshot()
	t.level = level

	if err := t.openSessionExchange(true); err != nil {
		t.image.restore()

		return err
	}

	t.state = StateOpen

	return t.processInSession()
}

// openSessionExchange performs one open-session exchange: module challenge,
// optional folded first read, the open-session command batched with as many
// queued commands as fit the session buffer, KVC authorization, digest
// initialization and reconciliation. foldRead enables the open-session
// command's read slot for a leading single-record read.
func (t *Transaction) openSessionExchange(foldRead bool) error {
	if err := t.sam.ensureDiversified(t.image.SerialNumber); err != nil {
		return t.fail(err)
	}

	challenge, err := t.sam.getChallenge(samChallengeLength)
	if err != nil {
		return t.fail(err)
	}

	var sfi, record byte

	if foldRead && len(t.queue) > 0 {
		if first := t.queue[0]; first.kind == KindReadRecords && !first.multipleReads {
			sfi, record = first.sfi, first.record
			t.queue = t.queue[1:]
		}
	}

	open := newOpenSessionCommand(t.caps.Cla, byte(t.level), challenge, sfi, record)

	t.buffer.reset()
	t.digest.reset()

	batch := []*CardCommand{open}

	for len(t.queue) > 0 {
		cmd := t.queue[0]
		if needsIndividualExchange(cmd) {
			break
		}

		if err := t.buffer.evaluate(cmd); err != nil {
			break
		}

		t.queue = t.queue[1:]
		batch = append(batch, cmd)
	}

	responses, err := t.transmitRecord(batch, KeepOpen)
	if err != nil {
		return t.fail(err)
	}

	if sw := statusWord(responses[0]); sw != swSuccess {
		return t.fail(CardStatusError{Kind: KindOpenSession, SW: sw, Outcome: open.named[sw]})
	}

	data := responses[0].Data
	if len(data) < 8 {
		return t.fail(errors.Errorf("open session response must be at least 8 bytes long, got %d", len(data)))
	}

	kif, kvc := data[5], data[6]
	if !t.kvcAuthorized(kvc) {
		t.abortCardSession()

		return t.fail(UnauthorizedKeyError{Kif: kif, Kvc: kvc})
	}

	if err := t.digest.initialize(data, kif, kvc, t.settings.EncryptSession, t.settings.VerifyOnly); err != nil {
		return t.fail(err)
	}

	// The open-session pair itself never enters the digest: the response
	// data-out is the digest seed consumed by digest-init.
	for i, cmd := range batch {
		if i > 0 {
			t.digest.pushPair(cmd.digestBytes(), responseBytes(responses[i]))
		}

		if err := t.image.apply(cmd, responses[i], true); err != nil {
			return t.fail(err)
		}

		t.noteCommand(cmd)
	}

	return nil
}

func (t *Transaction) kvcAuthorized(kvc byte) bool {
	if len(t.settings.AuthorizedKvcs) == 0 {
		return true
	}

	for _, authorized := range t.settings.AuthorizedKvcs {
		if authorized == kvc {
			return true
		}
	}

	return false
}

// ProcessCommands transmits the pending command queue. While a session is
// open, commands are partitioned against the session buffer and every
// exchanged pair is chained into the digest; otherwise they are exchanged in
// best-effort mode.
func (t *Transaction) ProcessCommands(channel ChannelControl) error {
	if t.state == StateOpen {
		return t.processInSession()
	}

	return t.processOutsideSession(channel)
}

func (t *Transaction) processOutsideSession(channel ChannelControl) error {
	var batch []*CardCommand

	flush := func(ch ChannelControl) error {
		if len(batch) == 0 {
			if ch == CloseAfter {
				_, _ = t.card.Transmit(nil, CloseAfter)
			}

			return nil
		}

		err := t.exchange(batch, ch)
		batch = nil

		return err
	}

	for len(t.queue) > 0 {
		cmd := t.queue[0]
		t.queue = t.queue[1:]

		if !needsIndividualExchange(cmd) {
			batch = append(batch, cmd)

			continue
		}

		if err := flush(KeepOpen); err != nil {
			return t.fail(err)
		}

		if err := t.processSpecial(cmd); err != nil {
			return t.fail(err)
		}
	}

	if err := flush(channel); err != nil {
		return t.fail(err)
	}

	return nil
}

func (t *Transaction) processInSession() error {
	if !t.settings.EnableMultipleSession {
		probe := t.buffer
		for _, cmd := range t.queue {
			if err := probe.evaluate(cmd); err != nil {
				return t.fail(err)
			}
		}
	}

	for len(t.queue) > 0 {
		partition, special, overflow, err := t.nextPartition()
		if err != nil {
			return t.fail(err)
		}

		if len(partition) > 0 {
			if err := t.exchange(partition, KeepOpen); err != nil {
				return t.fail(err)
			}
		}

		if special != nil {
			if err := t.processSpecial(special); err != nil {
				return t.fail(err)
			}
		}

		if overflow {
			if err := t.renewSession(); err != nil {
				return err
			}
		}
	}

	return nil
}

// nextPartition pops commands from the queue until one overflows the
// session buffer or requires an individual exchange. Overflowing commands
// stay queued for the renewed session; a command that overflows even a
// fresh buffer can never be sent and is a hard failure.
func (t *Transaction) nextPartition() (partition []*CardCommand, special *CardCommand, overflow bool, err error) {
	for len(t.queue) > 0 {
		cmd := t.queue[0]

		if err := t.buffer.evaluate(cmd); err != nil {
			if len(partition) == 0 && t.buffer.remaining == t.buffer.max {
				return nil, nil, false, err
			}

			return partition, nil, true, nil
		}

		t.queue = t.queue[1:]

		if needsIndividualExchange(cmd) {
			return partition, cmd, false, nil
		}

		partition = append(partition, cmd)
	}

	return partition, nil, false, nil
}

// renewSession performs the forced session renewal caused by a buffer
// overflow in multiple-session mode: interim close with the commands
// exchanged so far, then a re-open at the same access level. The sequence
// is not retried if it fails.
func (t *Transaction) renewSession() error {
	if err := t.closeSessionExchange(nil, false, KeepOpen); err != nil {
		return err
	}

	if err := t.openSessionExchange(false); err != nil {
		return err
	}

	return nil
}

// needsIndividualExchange reports whether the command requires module work
// or an extra card exchange immediately before its own transmission.
func needsIndividualExchange(cmd *CardCommand) bool {
	switch cmd.kind {
	case KindSvReload, KindSvDebit, KindSvUndebit, KindChangeKey:
		return true
	case KindVerifyPin, KindChangePin:
		return cmd.cipheredPin
	}

	return false
}

// processSpecial finalizes and exchanges a command that cannot be batched:
// stored-value operations, ciphered PIN presentations and key changes.
func (t *Transaction) processSpecial(cmd *CardCommand) error {
	switch cmd.kind {
	case KindSvReload, KindSvDebit, KindSvUndebit:
		if err := t.finalizeSvCommand(cmd); err != nil {
			return err
		}

		if err := t.exchange([]*CardCommand{cmd}, KeepOpen); err != nil {
			return err
		}

		if t.state == StateOpen {
			t.svOpCmd = cmd

			return nil
		}

		return t.verifySvMac()

	case KindVerifyPin, KindChangePin:
		return t.processCipheredPin(cmd)

	case KindChangeKey:
		cryptogram, err := t.sam.generateKeyCryptogram(cmd.capdu.P1, cmd.kif, cmd.kvc)
		if err != nil {
			return err
		}

		cmd.capdu.Data = cryptogram

		return t.exchange([]*CardCommand{cmd}, KeepOpen)
	}

	panic("calypso: no individual exchange rule for " + cmd.kind.String())
}

// processCipheredPin obtains a card challenge, has the module cipher the
// PIN block under it, and exchanges the finalized command.
func (t *Transaction) processCipheredPin(cmd *CardCommand) error {
	challenge := newGetChallengeCommand(t.caps.Cla)
	if err := t.exchange([]*CardCommand{challenge}, KeepOpen); err != nil {
		return err
	}

	var current, replacement []byte
	if cmd.kind == KindVerifyPin {
		current = cmd.capdu.Data
	} else {
		replacement = cmd.newPin
	}

	block, err := t.sam.cipherPin(t.image.Challenge, current, replacement)
	if err != nil {
		return err
	}

	cmd.capdu.Data = block

	return t.exchange([]*CardCommand{cmd}, KeepOpen)
}

// CloseSecureSession closes the open session: pending non-modifying
// commands are exchanged first, then the trailing modifying commands are
// batched with the close-session command using anticipated responses so the
// terminal signature can be computed before the card executes them. A
// trailing run that overflows the session buffer is split across interim
// closes and re-opens, like any other overflow in multiple-session mode. It
// is only valid while a session is open.
func (t *Transaction) CloseSecureSession(channel ChannelControl) error {
	if t.state != StateOpen {
		return IllegalStateError{Message: "session is " + t.state.String() + ", close requires OPEN"}
	}

	// Split the queue: everything before the trailing run of batchable
	// modifying commands is processed as usual.
	suffix := t.trailingModifyingRun()

	// Nothing of an overflowing batch may be sent in atomic mode.
	if !t.settings.EnableMultipleSession {
		probe := t.buffer
		for _, cmd := range append(append([]*CardCommand{}, t.queue...), suffix...) {
			if err := probe.evaluate(cmd); err != nil {
				return t.fail(err)
			}
		}
	}

	if err := t.processInSession(); err != nil {
		return err
	}

	for {
		fit, rest, err := t.splitByBuffer(suffix)
		if err != nil {
			return t.fail(err)
		}

		if len(rest) == 0 {
			if err := t.closeSessionExchange(fit, true, channel); err != nil {
				t.image.restore()

				return err
			}

			t.state = StateClosed

			return nil
		}

		// Interim close with the commands that fit, then a re-open at the
		// same access level for the remainder.
		if err := t.closeSessionExchange(fit, false, KeepOpen); err != nil {
			t.image.restore()

			return err
		}

		if err := t.openSessionExchange(false); err != nil {
			t.image.restore()

			return err
		}

		suffix = rest
	}
}

// splitByBuffer cuts commands at the first one that overflows the session
// buffer, without reserving capacity. A command that overflows even a fresh
// buffer can never be sent and is a hard failure.
func (t *Transaction) splitByBuffer(commands []*CardCommand) (fit, rest []*CardCommand, err error) {
	probe := t.buffer

	for i, cmd := range commands {
		if e := probe.evaluate(cmd); e != nil {
			if i == 0 && t.buffer.remaining == t.buffer.max {
				return nil, nil, e
			}

			return commands[:i], commands[i:], nil
		}
	}

	return commands, nil, nil
}

// trailingModifyingRun removes and returns the longest queue suffix made of
// modifying commands that can be batched with the close.
func (t *Transaction) trailingModifyingRun() []*CardCommand {
	cut := len(t.queue)
	for cut > 0 {
		cmd := t.queue[cut-1]
		if !cmd.affectsBuffer || needsIndividualExchange(cmd) {
			break
		}

		cut--
	}

	suffix := t.queue[cut:]
	t.queue = t.queue[:cut]

	return suffix
}

// closeSessionExchange implements the closing protocol: anticipated
// responses for the not-yet-sent modifying commands, terminal signature
// from the digest, transmission of the close (and optional ratification
// frame), reconciliation of the real responses, card signature
// authentication and the postponed stored-value check.
func (t *Transaction) closeSessionExchange(pending []*CardCommand, final bool, channel ChannelControl) error {
	for _, cmd := range pending {
		if err := t.buffer.evaluate(cmd); err != nil {
			return t.fail(err)
		}
	}

	for _, cmd := range pending {
		anticipated, err := t.anticipateResponse(cmd)
		if err != nil {
			return t.fail(err)
		}

		t.digest.pushPair(cmd.digestBytes(), responseBytes(anticipated))
	}

	signature, err := t.digest.terminalSignature()
	if err != nil {
		return t.fail(err)
	}

	ratifyByCommand := final && t.caps.Contactless && t.caps.RatificationByCommand
	closeCmd := newCloseSessionCommand(t.caps.Cla, !ratifyByCommand, signature)

	batch := append(append([]*CardCommand{}, pending...), closeCmd)
	if ratifyByCommand {
		batch = append(batch, newRatificationCommand(t.caps.Cla))
	}

	responses, err := t.transmitRecord(batch, channel)

	// The ratification frame's response is never checked and its transport
	// failure is tolerated.
	if err != nil {
		if !ratifyByCommand || len(responses) < len(pending)+1 {
			return t.fail(err)
		}
	}

	for i, cmd := range pending {
		if err := t.image.apply(cmd, responses[i], true); err != nil {
			return t.fail(err)
		}

		t.noteCommand(cmd)

		if cmd.kind == KindSvReload || cmd.kind == KindSvDebit || cmd.kind == KindSvUndebit {
			t.svOpCmd = cmd
		}
	}

	closeResponse := responses[len(pending)]
	if err := t.image.apply(closeCmd, closeResponse, true); err != nil {
		return t.fail(err)
	}

	if err := t.digest.authenticateCardSignature(closeResponse.Data); err != nil {
		return t.fail(err)
	}

	if t.svOpCmd != nil {
		if err := checkSvPostponed(t.svOpCmd); err != nil {
			return t.fail(err)
		}

		t.svOpCmd = nil
	}

	t.digest.reset()

	return nil
}

// CancelSecureSession aborts the transaction from any state: speculative
// image mutations are rolled back, the card is driven to an abort close (no
// signature) ignoring transport errors, the module session resource is
// released and the state is forced to CLOSED.
func (t *Transaction) CancelSecureSession() {
	if t.state == StateOpen {
		t.image.restore()
	}

	abort := newAbortSessionCommand(t.caps.Cla)
	_, _ = t.transmitRecord([]*CardCommand{abort}, CloseAfter)

	t.sam.releaseChannel()
	t.digest.reset()
	t.queue = nil
	t.state = StateClosed
}

// anticipateResponse predicts a command's response locally so the digest
// chain can be completed before the real command is sent. Increase and
// decrease anticipate the new counter bytes, stored-value operations a
// postponed status, everything else plain success.
func (t *Transaction) anticipateResponse(cmd *CardCommand) (apdu.Rapdu, error) {
	success := apdu.Rapdu{SW1: 0x90, SW2: 0x00}

	switch cmd.kind {
	case KindIncrease, KindDecrease:
		value, err := t.anticipatedCounter(cmd.sfi, cmd.counter, cmd.amount, cmd.kind == KindIncrease)
		if err != nil {
			return apdu.Rapdu{}, err
		}

		success.Data = counterValueBytes(value)

		return success, nil

	case KindIncreaseMultiple, KindDecreaseMultiple:
		var data []byte

		for counter := byte(1); int(counter) <= maxCounterNumber; counter++ {
			amount, ok := cmd.counterAmounts[counter]
			if !ok {
				continue
			}

			value, err := t.anticipatedCounter(cmd.sfi, counter, amount, cmd.kind == KindIncreaseMultiple)
			if err != nil {
				return apdu.Rapdu{}, err
			}

			data = append(data, counter)
			data = append(data, counterValueBytes(value)...)
		}

		success.Data = data

		return success, nil

	case KindSvReload, KindSvDebit, KindSvUndebit:
		return apdu.Rapdu{SW1: 0x62, SW2: 0x00}, nil
	}

	return success, nil
}

func (t *Transaction) anticipatedCounter(sfi, counter byte, amount int, increase bool) (int, error) {
	ef := t.image.File(sfi)
	if ef == nil {
		return 0, IllegalStateError{Message: "counter file content unknown, read it before anticipating"}
	}

	value, ok := ef.Counters[counter]
	if !ok {
		return 0, IllegalStateError{Message: "counter value unknown, read it before anticipating"}
	}

	if increase {
		return value + amount, nil
	}

	return value - amount, nil
}

// exchange transmits a batch to the card, chains the pairs into the digest
// while a session is open, and reconciles every received response into the
// image. Responses received before a mid-sequence transport failure are
// reconciled before the failure propagates.
func (t *Transaction) exchange(commands []*CardCommand, channel ChannelControl) error {
	responses, transmitErr := t.transmitRecord(commands, channel)

	sessionOpen := t.state == StateOpen

	var applyErr error

	for i, resp := range responses {
		if i >= len(commands) {
			break
		}

		cmd := commands[i]

		if sessionOpen {
			t.digest.pushPair(cmd.digestBytes(), responseBytes(resp))
		}

		if err := t.image.apply(cmd, resp, sessionOpen); err != nil && applyErr == nil {
			applyErr = err
		}

		t.noteCommand(cmd)
	}

	if transmitErr != nil {
		return transmitErr
	}

	return applyErr
}

// transmitRecord transmits raw requests, appends every exchanged pair to
// the transcript and enforces response-count synchronization.
func (t *Transaction) transmitRecord(commands []*CardCommand, channel ChannelControl) ([]apdu.Rapdu, error) {
	requests := make([]apdu.Capdu, len(commands))
	for i, cmd := range commands {
		requests[i] = cmd.capdu
	}

	responses, err := t.card.Transmit(requests, channel)

	for i := 0; i < len(responses) && i < len(commands); i++ {
		t.transcript = append(t.transcript, Exchange{Request: commands[i].requestBytes(), Response: responseBytes(responses[i])})
	}

	if err != nil {
		failed := apdu.Capdu{}
		if len(responses) < len(requests) {
			failed = requests[len(responses)]
		}

		return responses, TransmitError{Command: failed, Cause: err}
	}

	if len(responses) != len(requests) {
		return responses, DesynchronizationError{Sent: len(requests), Received: len(responses)}
	}

	return responses, nil
}

// noteCommand captures command side effects needed by later module work.
func (t *Transaction) noteCommand(cmd *CardCommand) {
	if cmd.kind == KindSvGet && cmd.response != nil && statusWord(*cmd.response) == swSuccess {
		header := cmd.capdu
		t.svGetHeader = []byte{header.Cla, header.Ins, header.P1, header.P2}
		t.svGetData = append([]byte(nil), cmd.response.Data...)
	}
}

// abortCardSession drives the card to an abort close, tolerating any
// outcome.
func (t *Transaction) abortCardSession() {
	_, _ = t.transmitRecord([]*CardCommand{newAbortSessionCommand(t.caps.Cla)}, KeepOpen)
}

// fail releases the module session resource before propagating a fatal
// condition, so the module side never leaks.
func (t *Transaction) fail(err error) error {
	t.sam.releaseChannel()

	return err
}
