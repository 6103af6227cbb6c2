package calypso

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/skythen/apdu"
)

// fakeCard serves scripted responses in order and records every request.
type fakeCard struct {
	responses []apdu.Rapdu
	requests  []apdu.Capdu
	closed    bool
}

func (f *fakeCard) Transmit(requests []apdu.Capdu, channel ChannelControl) ([]apdu.Rapdu, error) {
	f.requests = append(f.requests, requests...)

	var out []apdu.Rapdu

	for range requests {
		if len(f.responses) == 0 {
			return out, errors.New("card script exhausted")
		}

		out = append(out, f.responses[0])
		f.responses = f.responses[1:]
	}

	if channel == CloseAfter {
		f.closed = true
	}

	return out, nil
}

func (f *fakeCard) script(responses ...apdu.Rapdu) {
	f.responses = append(f.responses, responses...)
}

func (f *fakeCard) requestInstructions() []byte {
	ins := make([]byte, len(f.requests))
	for i, req := range f.requests {
		ins[i] = req.Ins
	}

	return ins
}

// fakeSam answers the module command set with canned values and records
// channel releases.
type fakeSam struct {
	requests        []apdu.Capdu
	released        bool
	rejectSignature bool
}

func newFakeSam() *fakeSam {
	return &fakeSam{}
}

func (f *fakeSam) Transmit(requests []apdu.Capdu, channel ChannelControl) ([]apdu.Rapdu, error) {
	if len(requests) == 0 && channel == CloseAfter {
		f.released = true

		return nil, nil
	}

	var out []apdu.Rapdu

	for _, request := range requests {
		f.requests = append(f.requests, request)
		out = append(out, f.respond(request))
	}

	return out, nil
}

func (f *fakeSam) respond(request apdu.Capdu) apdu.Rapdu {
	switch request.Ins {
	case insSamGetChallenge:
		challenge := []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88}

		return apdu.Rapdu{Data: challenge[:request.Ne], SW1: 0x90, SW2: 0x00}
	case insSamDigestClose:
		return apdu.Rapdu{Data: []byte{0xA1, 0xA2, 0xA3, 0xA4}, SW1: 0x90, SW2: 0x00}
	case insSamDigestAuth:
		if f.rejectSignature {
			return apdu.Rapdu{SW1: 0x69, SW2: 0x88}
		}
	case insSamSvPrepareLoad, insSamSvPrepareDebit, insSamSvPrepareUndebit:
		return apdu.Rapdu{
			Data: []byte{0x5A, 0x01, 0x02, 0x03, 0xC1, 0xC2, 0x00, 0x00, 0x09, 0xD1, 0xD2, 0xD3, 0xD4, 0xD5},
			SW1:  0x90, SW2: 0x00,
		}
	case insSamSvCheck:
		if f.rejectSignature {
			return apdu.Rapdu{SW1: 0x69, SW2: 0x88}
		}
	}

	return apdu.Rapdu{SW1: 0x90, SW2: 0x00}
}

func success(data ...byte) apdu.Rapdu {
	return apdu.Rapdu{Data: data, SW1: 0x90, SW2: 0x00}
}

func status(sw uint16) apdu.Rapdu {
	return apdu.Rapdu{SW1: byte(sw >> 8), SW2: byte(sw)}
}

// openResponse builds an open-session response: transaction counter,
// ratification flag, KIF, KVC and an optional folded record.
func openResponse(kvc byte, record []byte) apdu.Rapdu {
	data := []byte{0x00, 0x01, 0x02, 0x55, 0x00, 0x30, kvc, byte(len(record))}
	data = append(data, record...)

	return success(data...)
}

func closeResponse() apdu.Rapdu {
	return success(0xC1, 0xC2, 0xC3, 0xC4)
}

func testTransaction(card *fakeCard, sam *fakeSam, caps CardCapabilities, settings TransactionSettings) *Transaction {
	image := NewCardImage()
	image.SerialNumber = []byte{0x00, 0x00, 0x00, 0x00, 0x12, 0x34, 0x56, 0x78}

	return NewTransaction(card, NewSam(sam), image, caps, settings)
}

func byteCountedCaps(max int) CardCapabilities {
	return CardCapabilities{ModificationsCounterInBytes: true, SessionBufferMax: max}
}

func TestOpenSessionFoldsLeadingRead(t *testing.T) {
	card := &fakeCard{}
	card.script(openResponse(0x79, []byte{0xDE, 0xAD, 0xBE, 0xEF}))

	tr := testTransaction(card, newFakeSam(), byteCountedCaps(430), TransactionSettings{})

	tr.PrepareReadRecord(7, 1)

	if err := tr.OpenSecureSession(AccessDebit); err != nil {
		t.Fatalf("open failed: %v", err)
	}

	if tr.State() != StateOpen {
		t.Errorf("state = %v, want OPEN", tr.State())
	}

	// The read was folded into the open-session command: one card exchange.
	if len(card.requests) != 1 {
		t.Fatalf("card received %d requests, want 1", len(card.requests))
	}

	open := card.requests[0]
	if open.Ins != insOpenSession {
		t.Fatalf("Ins = %02X, want open session", open.Ins)
	}

	if open.P1 != 1<<3|byte(AccessDebit) || open.P2 != 7<<3|0x01 {
		t.Errorf("read slot not folded: P1 = %02X P2 = %02X", open.P1, open.P2)
	}

	got := tr.Image().File(7).Records[1]
	if diff := cmp.Diff([]byte{0xDE, 0xAD, 0xBE, 0xEF}, got); diff != "" {
		t.Errorf("folded record mismatch (-want +got):\n%s", diff)
	}

	if tr.Image().TransactionCounter != 0x000102 {
		t.Errorf("transaction counter = %d, want %d", tr.Image().TransactionCounter, 0x000102)
	}
}

func TestOpenSessionRejectsState(t *testing.T) {
	card := &fakeCard{}
	card.script(openResponse(0x79, nil))

	tr := testTransaction(card, newFakeSam(), byteCountedCaps(430), TransactionSettings{})

	if err := tr.OpenSecureSession(AccessDebit); err != nil {
		t.Fatalf("open failed: %v", err)
	}

	err := tr.OpenSecureSession(AccessDebit)
	if _, ok := err.(IllegalStateError); !ok {
		t.Fatalf("second open error = %v, want IllegalStateError", err)
	}
}

func TestOpenSessionUnauthorizedKvc(t *testing.T) {
	card := &fakeCard{}
	card.script(openResponse(0x79, nil), status(swSuccess)) // open, abort

	sam := newFakeSam()
	tr := testTransaction(card, sam, byteCountedCaps(430), TransactionSettings{AuthorizedKvcs: []byte{0x01}})

	err := tr.OpenSecureSession(AccessDebit)

	keyErr, ok := err.(UnauthorizedKeyError)
	if !ok {
		t.Fatalf("error type = %T, want UnauthorizedKeyError", err)
	}

	if keyErr.Kvc != 0x79 || keyErr.Kif != 0x30 {
		t.Errorf("KIF/KVC = %02X/%02X, want 30/79", keyErr.Kif, keyErr.Kvc)
	}

	// The card session is aborted and the module resource released.
	last := card.requests[len(card.requests)-1]
	if last.Ins != insCloseSession || len(last.Data) != 0 {
		t.Errorf("last card request Ins = %02X Data = %02X, want signatureless close", last.Ins, last.Data)
	}

	if !sam.released {
		t.Error("module session resource not released")
	}
}

func TestAtomicOverflowSendsNothing(t *testing.T) {
	card := &fakeCard{}
	sam := newFakeSam()

	tr := testTransaction(card, sam, byteCountedCaps(30), TransactionSettings{})

	tr.PrepareUpdateRecord(7, 1, make([]byte, 20))
	tr.PrepareUpdateRecord(7, 2, make([]byte, 20))

	err := tr.OpenSecureSession(AccessDebit)
	if _, ok := err.(SessionBufferOverflowError); !ok {
		t.Fatalf("error type = %T, want SessionBufferOverflowError", err)
	}

	if len(card.requests) != 0 {
		t.Errorf("card received %d requests, want none", len(card.requests))
	}

	if len(sam.requests) != 0 {
		t.Errorf("module received %d requests, want none", len(sam.requests))
	}

	if len(tr.Transcript()) != 0 {
		t.Errorf("transcript has %d entries, want none", len(tr.Transcript()))
	}
}

func TestMultipleSessionRenewsOnOverflow(t *testing.T) {
	card := &fakeCard{}
	card.script(
		openResponse(0x79, nil), // first session
		status(swSuccess),       // update 1
		closeResponse(),         // interim close
		openResponse(0x79, nil), // renewed session
		status(swSuccess),       // update 2
		closeResponse(),         // final close
	)

	tr := testTransaction(card, newFakeSam(), byteCountedCaps(30), TransactionSettings{EnableMultipleSession: true})

	tr.PrepareUpdateRecord(7, 1, make([]byte, 20))
	tr.PrepareUpdateRecord(7, 2, make([]byte, 20))

	if err := tr.OpenSecureSession(AccessDebit); err != nil {
		t.Fatalf("open failed: %v", err)
	}

	if err := tr.CloseSecureSession(CloseAfter); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	opens, closes := 0, 0
	for _, ins := range card.requestInstructions() {
		switch ins {
		case insOpenSession:
			opens++
		case insCloseSession:
			closes++
		}
	}

	if opens != 2 || closes != 2 {
		t.Errorf("opens/closes = %d/%d, want 2/2", opens, closes)
	}

	if tr.State() != StateClosed {
		t.Errorf("state = %v, want CLOSED", tr.State())
	}

	if !card.closed {
		t.Error("card channel not released")
	}
}

func TestCloseRenewsOnOverflowingTrailingRun(t *testing.T) {
	card := &fakeCard{}
	card.script(
		openResponse(0x79, nil), // session opens with an empty queue
		status(swSuccess),       // update 1, batched with the interim close
		closeResponse(),         // interim close
		openResponse(0x79, nil), // renewed session
		status(swSuccess),       // update 2, batched with the final close
		closeResponse(),         // final close
	)

	tr := testTransaction(card, newFakeSam(), byteCountedCaps(30), TransactionSettings{EnableMultipleSession: true})

	if err := tr.OpenSecureSession(AccessLoad); err != nil {
		t.Fatalf("open failed: %v", err)
	}

	// Prepared after the open: both updates reach the close path directly
	// and together exceed the 30-byte session buffer.
	tr.PrepareUpdateRecord(7, 1, make([]byte, 20))
	tr.PrepareUpdateRecord(7, 2, make([]byte, 20))

	if err := tr.CloseSecureSession(CloseAfter); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	want := []byte{insOpenSession, insUpdateRecord, insCloseSession, insOpenSession, insUpdateRecord, insCloseSession}
	if diff := cmp.Diff(want, card.requestInstructions()); diff != "" {
		t.Errorf("card instruction sequence mismatch (-want +got):\n%s", diff)
	}

	if tr.State() != StateClosed {
		t.Errorf("state = %v, want CLOSED", tr.State())
	}

	if !card.closed {
		t.Error("card channel not released")
	}
}

func TestCloseBatchesModifyingCommandsWithAnticipatedResponses(t *testing.T) {
	card := &fakeCard{}
	card.script(
		openResponse(0x79, nil),
		status(swSuccess), // update, batched with close
		closeResponse(),
	)

	tr := testTransaction(card, newFakeSam(), byteCountedCaps(430), TransactionSettings{})

	if err := tr.OpenSecureSession(AccessLoad); err != nil {
		t.Fatalf("open failed: %v", err)
	}

	tr.PrepareUpdateRecord(7, 1, []byte{0x0A, 0x0B})

	if err := tr.CloseSecureSession(CloseAfter); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	// The update travels in the same transmission as the close.
	want := []byte{insOpenSession, insUpdateRecord, insCloseSession}
	if diff := cmp.Diff(want, card.requestInstructions()); diff != "" {
		t.Errorf("card instruction sequence mismatch (-want +got):\n%s", diff)
	}

	got := tr.Image().File(7).Records[1]
	if diff := cmp.Diff([]byte{0x0A, 0x0B}, got); diff != "" {
		t.Errorf("record mismatch (-want +got):\n%s", diff)
	}

	if !tr.Image().Ratified {
		t.Error("image not marked ratified after close")
	}
}

func TestCloseAnticipatesCounterValues(t *testing.T) {
	card := &fakeCard{}
	card.script(
		openResponse(0x79, nil),
		success(0x00, 0x00, 0x2C), // decrease answers 44
		closeResponse(),
	)

	tr := testTransaction(card, newFakeSam(), byteCountedCaps(430), TransactionSettings{})

	if err := tr.OpenSecureSession(AccessDebit); err != nil {
		t.Fatalf("open failed: %v", err)
	}

	// Counter 1 is known to hold 54.
	tr.Image().fileOrCreate(8).Counters[1] = 54
	tr.PrepareDecrease(8, 1, 10)

	if err := tr.CloseSecureSession(CloseAfter); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	if got := tr.Image().File(8).Counters[1]; got != 44 {
		t.Errorf("counter = %d, want 44", got)
	}
}

func TestCloseFailsOnUnknownCounter(t *testing.T) {
	card := &fakeCard{}
	card.script(openResponse(0x79, nil))

	tr := testTransaction(card, newFakeSam(), byteCountedCaps(430), TransactionSettings{})

	if err := tr.OpenSecureSession(AccessDebit); err != nil {
		t.Fatalf("open failed: %v", err)
	}

	tr.PrepareDecrease(8, 1, 10)

	err := tr.CloseSecureSession(CloseAfter)
	if _, ok := err.(IllegalStateError); !ok {
		t.Fatalf("error type = %T, want IllegalStateError for unknown counter", err)
	}
}

func TestCloseSendsRatificationFrame(t *testing.T) {
	card := &fakeCard{}
	card.script(
		openResponse(0x79, nil),
		closeResponse(),
		status(0x6B00), // ratification frame answer, never checked
	)

	caps := byteCountedCaps(430)
	caps.Contactless = true
	caps.RatificationByCommand = true

	tr := testTransaction(card, newFakeSam(), caps, TransactionSettings{})

	if err := tr.OpenSecureSession(AccessDebit); err != nil {
		t.Fatalf("open failed: %v", err)
	}

	if err := tr.CloseSecureSession(CloseAfter); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	instructions := card.requestInstructions()
	if instructions[len(instructions)-1] != insReadRecords {
		t.Errorf("last card request Ins = %02X, want ratification frame", instructions[len(instructions)-1])
	}

	closeCmd := card.requests[len(card.requests)-2]
	if closeCmd.P1 != 0x00 {
		t.Errorf("close P1 = %02X, want deferred ratification", closeCmd.P1)
	}
}

func TestCloseRestoresImageOnInvalidSignature(t *testing.T) {
	card := &fakeCard{}
	card.script(
		openResponse(0x79, nil),
		status(swSuccess),
		closeResponse(),
	)

	sam := newFakeSam()
	sam.rejectSignature = true

	tr := testTransaction(card, sam, byteCountedCaps(430), TransactionSettings{})

	tr.Image().fileOrCreate(7).Records[1] = []byte{0x01}

	if err := tr.OpenSecureSession(AccessDebit); err != nil {
		t.Fatalf("open failed: %v", err)
	}

	tr.PrepareUpdateRecord(7, 1, []byte{0x02})

	err := tr.CloseSecureSession(CloseAfter)
	if _, ok := err.(InvalidSignatureError); !ok {
		t.Fatalf("error type = %T, want InvalidSignatureError", err)
	}

	// Speculative mutations are rolled back wholesale.
	got := tr.Image().File(7).Records[1]
	if diff := cmp.Diff([]byte{0x01}, got); diff != "" {
		t.Errorf("record not restored (-want +got):\n%s", diff)
	}
}

func TestCloseRejectsState(t *testing.T) {
	tr := testTransaction(&fakeCard{}, newFakeSam(), byteCountedCaps(430), TransactionSettings{})

	err := tr.CloseSecureSession(CloseAfter)
	if _, ok := err.(IllegalStateError); !ok {
		t.Fatalf("error type = %T, want IllegalStateError", err)
	}
}

func TestBestEffortReadMissOutsideSession(t *testing.T) {
	card := &fakeCard{}
	card.script(status(swRecordNotFound))

	tr := testTransaction(card, newFakeSam(), byteCountedCaps(430), TransactionSettings{})

	tr.PrepareReadRecord(7, 1)

	if err := tr.ProcessCommands(KeepOpen); err != nil {
		t.Fatalf("best-effort miss must not fail: %v", err)
	}

	if tr.Image().File(7) != nil && len(tr.Image().File(7).Records) != 0 {
		t.Error("missed read must not populate the image")
	}
}

func TestOutsideSessionTransmitFailureReleasesModule(t *testing.T) {
	card := &fakeCard{} // empty script: every transmit fails
	sam := newFakeSam()

	tr := testTransaction(card, sam, byteCountedCaps(430), TransactionSettings{})

	tr.PrepareReadRecord(7, 1)

	err := tr.ProcessCommands(KeepOpen)
	if _, ok := err.(TransmitError); !ok {
		t.Fatalf("error type = %T, want TransmitError", err)
	}

	if !sam.released {
		t.Error("module session resource not released on transport failure")
	}
}

func TestReadMissInsideSessionIsFatal(t *testing.T) {
	card := &fakeCard{}
	card.script(
		openResponse(0x79, nil),
		status(swRecordNotFound),
	)

	tr := testTransaction(card, newFakeSam(), byteCountedCaps(430), TransactionSettings{})

	if err := tr.OpenSecureSession(AccessDebit); err != nil {
		t.Fatalf("open failed: %v", err)
	}

	tr.PrepareReadRecord(7, 1)

	err := tr.ProcessCommands(KeepOpen)

	statusErr, ok := err.(CardStatusError)
	if !ok {
		t.Fatalf("error type = %T, want CardStatusError", err)
	}

	if statusErr.SW != swRecordNotFound {
		t.Errorf("SW = %04X, want 6A83", statusErr.SW)
	}
}

func TestCancelRestoresImageAndReleasesResources(t *testing.T) {
	card := &fakeCard{}
	card.script(
		openResponse(0x79, nil),
		status(swSuccess), // update
		status(swSuccess), // abort close
	)

	sam := newFakeSam()
	tr := testTransaction(card, sam, byteCountedCaps(430), TransactionSettings{})

	tr.Image().fileOrCreate(7).Records[1] = []byte{0x01}

	if err := tr.OpenSecureSession(AccessDebit); err != nil {
		t.Fatalf("open failed: %v", err)
	}

	tr.PrepareUpdateRecord(7, 1, []byte{0x02})
	if err := tr.ProcessCommands(KeepOpen); err != nil {
		t.Fatalf("process failed: %v", err)
	}

	tr.CancelSecureSession()

	if tr.State() != StateClosed {
		t.Errorf("state = %v, want CLOSED", tr.State())
	}

	got := tr.Image().File(7).Records[1]
	if diff := cmp.Diff([]byte{0x01}, got); diff != "" {
		t.Errorf("record not restored (-want +got):\n%s", diff)
	}

	last := card.requests[len(card.requests)-1]
	if last.Ins != insCloseSession || len(last.Data) != 0 {
		t.Errorf("last card request Ins = %02X, want signatureless close", last.Ins)
	}

	if !sam.released {
		t.Error("module session resource not released")
	}

	if !card.closed {
		t.Error("card channel not released")
	}
}

func TestStoredValueDebitFlow(t *testing.T) {
	card := &fakeCard{}
	card.script(
		success(0x79, 0x00, 0x05, 0x00, 0x03, 0xE8), // SV get: balance 1000
	)

	sam := newFakeSam()
	tr := testTransaction(card, sam, byteCountedCaps(430), TransactionSettings{})

	if err := tr.PrepareSvGet(SvDebit); err != nil {
		t.Fatalf("prepare SV get failed: %v", err)
	}

	if err := tr.ProcessCommands(KeepOpen); err != nil {
		t.Fatalf("SV get failed: %v", err)
	}

	if tr.Image().SvBalance != 1000 {
		t.Fatalf("balance = %d, want 1000", tr.Image().SvBalance)
	}

	card.script(success(0xB1, 0xB2, 0xB3)) // debit: card MAC

	if err := tr.PrepareSvDebit(200, []byte{0x12, 0x34}, []byte{0x56, 0x78}); err != nil {
		t.Fatalf("prepare debit failed: %v", err)
	}

	if err := tr.ProcessCommands(KeepOpen); err != nil {
		t.Fatalf("debit failed: %v", err)
	}

	if tr.Image().SvBalance != 800 {
		t.Errorf("balance = %d, want 800", tr.Image().SvBalance)
	}

	if tr.Image().SvTransactionNumber != 6 {
		t.Errorf("transaction number = %d, want 6", tr.Image().SvTransactionNumber)
	}

	if len(tr.Image().SvDebitLog) != 1 || tr.Image().SvDebitLog[0].Balance != 800 {
		t.Errorf("debit log = %+v, want one entry at balance 800", tr.Image().SvDebitLog)
	}

	// The debit carries the 14 bytes of security data appended to the
	// 7-byte partial payload.
	debit := card.requests[len(card.requests)-1]
	if debit.Ins != insSvDebit || len(debit.Data) != 7+svSecurityDataLength {
		t.Errorf("debit Ins = %02X Data length = %d, want finalized command", debit.Ins, len(debit.Data))
	}

	// The card MAC was verified with the module.
	lastSam := sam.requests[len(sam.requests)-1]
	if lastSam.Ins != insSamSvCheck {
		t.Errorf("last module request Ins = %02X, want SV check", lastSam.Ins)
	}

	if !bytes.Equal(lastSam.Data, []byte{0xB1, 0xB2, 0xB3}) {
		t.Errorf("SV check data = %02X, want the card MAC", lastSam.Data)
	}
}

func TestStoredValueDebitBelowZeroFailsFast(t *testing.T) {
	card := &fakeCard{}
	card.script(success(0x79, 0x00, 0x05, 0x00, 0x03, 0xE8)) // balance 1000

	tr := testTransaction(card, newFakeSam(), byteCountedCaps(430), TransactionSettings{})

	if err := tr.PrepareSvGet(SvDebit); err != nil {
		t.Fatalf("prepare SV get failed: %v", err)
	}

	if err := tr.ProcessCommands(KeepOpen); err != nil {
		t.Fatalf("SV get failed: %v", err)
	}

	transcriptLen := len(tr.Transcript())

	err := tr.PrepareSvDebit(1200, []byte{0x12, 0x34}, []byte{0x56, 0x78})

	balanceErr, ok := err.(NegativeBalanceError)
	if !ok {
		t.Fatalf("error type = %T, want NegativeBalanceError", err)
	}

	if balanceErr.Balance != 1000 || balanceErr.Amount != 1200 {
		t.Errorf("Balance/Amount = %d/%d, want 1000/1200", balanceErr.Balance, balanceErr.Amount)
	}

	// Nothing was exchanged with the card or the module.
	if len(tr.Transcript()) != transcriptLen {
		t.Errorf("transcript grew from %d to %d entries", transcriptLen, len(tr.Transcript()))
	}
}

func TestStoredValueDebitBehindQueuedGet(t *testing.T) {
	card := &fakeCard{}
	card.script(success(0x79, 0x00, 0x05, 0x00, 0x00, 0x64)) // balance 100

	sam := newFakeSam()
	tr := testTransaction(card, sam, byteCountedCaps(430), TransactionSettings{})

	if err := tr.PrepareSvGet(SvDebit); err != nil {
		t.Fatalf("prepare SV get failed: %v", err)
	}

	// The get has not been exchanged yet: the balance is unknown, so the
	// debit must not be rejected at prepare time.
	if err := tr.PrepareSvDebit(200, []byte{0x12, 0x34}, []byte{0x56, 0x78}); err != nil {
		t.Fatalf("prepare debit behind a queued get failed: %v", err)
	}

	err := tr.ProcessCommands(KeepOpen)

	balanceErr, ok := err.(NegativeBalanceError)
	if !ok {
		t.Fatalf("error type = %T, want NegativeBalanceError", err)
	}

	if balanceErr.Balance != 100 || balanceErr.Amount != 200 {
		t.Errorf("Balance/Amount = %d/%d, want 100/200", balanceErr.Balance, balanceErr.Amount)
	}

	// The rejected debit never reached the card and no SV preparation was
	// requested from the module.
	if last := card.requests[len(card.requests)-1]; last.Ins != insSvGet {
		t.Errorf("last card request Ins = %02X, want SV get only", last.Ins)
	}

	for _, req := range sam.requests {
		if req.Ins == insSamSvPrepareDebit {
			t.Error("SV preparation requested for a rejected debit")
		}
	}
}

func TestStoredValueRequiresGet(t *testing.T) {
	tr := testTransaction(&fakeCard{}, newFakeSam(), byteCountedCaps(430), TransactionSettings{AllowNegativeBalance: true})

	err := tr.PrepareSvDebit(100, []byte{0x12, 0x34}, []byte{0x56, 0x78})
	if _, ok := err.(IllegalStateError); !ok {
		t.Fatalf("error type = %T, want IllegalStateError", err)
	}
}

func TestStoredValueInSessionDefersMacToClose(t *testing.T) {
	card := &fakeCard{}
	card.script(
		openResponse(0x79, nil),
		success(0x79, 0x00, 0x05, 0x00, 0x03, 0xE8), // SV get
		status(swPostponedData),                     // debit, postponed
		closeResponse(),
	)

	sam := newFakeSam()
	tr := testTransaction(card, sam, byteCountedCaps(430), TransactionSettings{})

	if err := tr.OpenSecureSession(AccessDebit); err != nil {
		t.Fatalf("open failed: %v", err)
	}

	if err := tr.PrepareSvGet(SvDebit); err != nil {
		t.Fatalf("prepare SV get failed: %v", err)
	}

	if err := tr.ProcessCommands(KeepOpen); err != nil {
		t.Fatalf("SV get failed: %v", err)
	}

	if err := tr.PrepareSvDebit(200, []byte{0x12, 0x34}, []byte{0x56, 0x78}); err != nil {
		t.Fatalf("prepare debit failed: %v", err)
	}

	if err := tr.ProcessCommands(KeepOpen); err != nil {
		t.Fatalf("debit failed: %v", err)
	}

	if err := tr.CloseSecureSession(CloseAfter); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	if tr.Image().SvBalance != 800 {
		t.Errorf("balance = %d, want 800", tr.Image().SvBalance)
	}

	// Inside a session the MAC check rides on the session signature: no
	// standalone SV check is sent.
	for _, req := range sam.requests {
		if req.Ins == insSamSvCheck {
			t.Error("standalone SV check sent during an in-session operation")
		}
	}
}

func TestCipheredPinPresentation(t *testing.T) {
	card := &fakeCard{}
	card.script(
		success(0xE1, 0xE2, 0xE3, 0xE4, 0xE5, 0xE6, 0xE7, 0xE8), // card challenge
		status(swSuccess), // verify PIN
	)

	sam := newFakeSam()
	tr := testTransaction(card, sam, byteCountedCaps(430), TransactionSettings{})

	if err := tr.PrepareVerifyPin([]byte{0x31, 0x32, 0x33, 0x34}, true); err != nil {
		t.Fatalf("prepare failed: %v", err)
	}

	if err := tr.ProcessCommands(KeepOpen); err != nil {
		t.Fatalf("process failed: %v", err)
	}

	instructions := card.requestInstructions()
	want := []byte{insGetChallenge, insVerifyPin}
	if diff := cmp.Diff(want, instructions); diff != "" {
		t.Errorf("card instruction sequence mismatch (-want +got):\n%s", diff)
	}

	if tr.Image().PinAttempts != maxPinAttempts {
		t.Errorf("PIN attempts = %d, want %d", tr.Image().PinAttempts, maxPinAttempts)
	}

	// give random then cipher PIN
	var sawGiveRandom, sawCipher bool
	for _, req := range sam.requests {
		switch req.Ins {
		case insSamGiveRandom:
			sawGiveRandom = true
		case insSamCardCipherPin:
			sawCipher = true
		}
	}

	if !sawGiveRandom || !sawCipher {
		t.Error("module did not receive the give random / cipher PIN sequence")
	}
}

func TestReadPinCounter(t *testing.T) {
	card := &fakeCard{}
	card.script(status(swPinCounterBase + 2))

	tr := testTransaction(card, newFakeSam(), byteCountedCaps(430), TransactionSettings{})

	tr.PrepareReadPinCounter()

	if err := tr.ProcessCommands(KeepOpen); err != nil {
		t.Fatalf("counter read must not fail: %v", err)
	}

	if tr.Image().PinAttempts != 2 {
		t.Errorf("PIN attempts = %d, want 2", tr.Image().PinAttempts)
	}
}

func TestTranscriptInterleavesCardAndModule(t *testing.T) {
	card := &fakeCard{}
	card.script(
		openResponse(0x79, nil),
		closeResponse(),
	)

	tr := testTransaction(card, newFakeSam(), byteCountedCaps(430), TransactionSettings{})

	if err := tr.OpenSecureSession(AccessDebit); err != nil {
		t.Fatalf("open failed: %v", err)
	}

	if err := tr.CloseSecureSession(CloseAfter); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	transcript := tr.Transcript()
	if len(transcript) == 0 {
		t.Fatal("transcript is empty")
	}

	// Diversifier and challenge with the module first, then the open
	// exchange with the card, the digest run, the close exchange and the
	// final authentication.
	if !transcript[0].WithSam {
		t.Error("first transcript entry must be a module exchange")
	}

	var cardPairs int
	for _, e := range transcript {
		if !e.WithSam {
			cardPairs++
		}

		if len(e.Request) < 4 || len(e.Response) < 2 {
			t.Errorf("malformed transcript entry: %s", e)
		}
	}

	if cardPairs != 2 {
		t.Errorf("card pairs = %d, want 2 (open and close)", cardPairs)
	}

	last := transcript[len(transcript)-1]
	if !last.WithSam || last.Request[1] != insSamDigestAuth {
		t.Errorf("last transcript entry = %s, want digest authentication", last)
	}
}
