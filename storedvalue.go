package calypso

import (
	"github.com/pkg/errors"
)

// SvOperation identifies a stored-value operation family member.
type SvOperation int

const (
	SvReload SvOperation = iota
	SvDebit
	SvUndebit
)

func (op SvOperation) String() string {
	switch op {
	case SvReload:
		return "SV RELOAD"
	case SvDebit:
		return "SV DEBIT"
	default:
		return "SV UNDEBIT"
	}
}

// svSecurityDataLength is the size of the block appended to a partial
// stored-value command: SAM serial (4B), challenge (2B), transaction number
// (3B) and MAC (5B).
const svSecurityDataLength = 14

// SvSecurityData is the ephemeral bundle computed by the security module for
// one stored-value operation. It is consumed once to finalize the card
// command and never persisted.
type SvSecurityData struct {
	SerialNumber      [4]byte
	Challenge         [2]byte
	TransactionNumber [3]byte
	Mac               [5]byte
}

func parseSvSecurityData(data []byte) (*SvSecurityData, error) {
	if len(data) != svSecurityDataLength {
		return nil, errors.Errorf("SV security data must be %d bytes long, got %d", svSecurityDataLength, len(data))
	}

	var sd SvSecurityData

	copy(sd.SerialNumber[:], data[:4])
	copy(sd.Challenge[:], data[4:6])
	copy(sd.TransactionNumber[:], data[6:9])
	copy(sd.Mac[:], data[9:14])

	return &sd, nil
}

func (sd *SvSecurityData) bytes() []byte {
	b := make([]byte, 0, svSecurityDataLength)
	b = append(b, sd.SerialNumber[:]...)
	b = append(b, sd.Challenge[:]...)
	b = append(b, sd.TransactionNumber[:]...)
	b = append(b, sd.Mac[:]...)

	return b
}

// PrepareSvGet schedules the stored-value read that must precede a reload,
// debit or undebit.
func (t *Transaction) PrepareSvGet(op SvOperation) error {
	t.queue = append(t.queue, newSvGetCommand(t.caps.Cla, op))

	return nil
}

// PrepareSvReload schedules a stored-value reload of amount. date and time
// are two bytes each and are carried opaquely into the card's load log.
func (t *Transaction) PrepareSvReload(amount int, date, time []byte) error {
	if err := t.requireSvGet(SvReload); err != nil {
		return err
	}

	t.queue = append(t.queue, newSvOperationCommand(t.caps.Cla, SvReload, amount, date, time))

	return nil
}

// PrepareSvDebit schedules a stored-value debit of amount. When negative
// balances are disallowed and the balance is already known, it fails fast,
// before any card or module round trip, if the balance would go below zero.
// A debit behind a still-queued SV get is checked again at finalization,
// once the get has been exchanged.
func (t *Transaction) PrepareSvDebit(amount int, date, time []byte) error {
	if err := t.requireSvGet(SvDebit); err != nil {
		return err
	}

	if t.svGetHeader != nil && !t.settings.AllowNegativeBalance && t.image.SvBalance-amount < 0 {
		return NegativeBalanceError{Balance: t.image.SvBalance, Amount: amount}
	}

	t.queue = append(t.queue, newSvOperationCommand(t.caps.Cla, SvDebit, amount, date, time))

	return nil
}

// PrepareSvUndebit schedules the cancellation of a previous debit.
func (t *Transaction) PrepareSvUndebit(amount int, date, time []byte) error {
	if err := t.requireSvGet(SvUndebit); err != nil {
		return err
	}

	t.queue = append(t.queue, newSvOperationCommand(t.caps.Cla, SvUndebit, amount, date, time))

	return nil
}

// requireSvGet checks that the matching SV-get either has already been
// exchanged or is pending ahead in the queue.
func (t *Transaction) requireSvGet(op SvOperation) error {
	if t.svGetHeader != nil {
		return nil
	}

	for _, cmd := range t.queue {
		if cmd.kind == KindSvGet {
			return nil
		}
	}

	return IllegalStateError{Message: "SV get must precede " + op.String()}
}

// finalizeSvCommand completes a partial stored-value command with the
// security data computed by the module. The module is diversified first if
// needed, and any pending digest commands are flushed so it observes the
// session bytes in exchange order.
func (t *Transaction) finalizeSvCommand(cmd *CardCommand) error {
	if t.svGetHeader == nil {
		return IllegalStateError{Message: "SV get must precede " + cmd.kind.String()}
	}

	if cmd.kind == KindSvDebit && !t.settings.AllowNegativeBalance && t.image.SvBalance-cmd.amount < 0 {
		return NegativeBalanceError{Balance: t.image.SvBalance, Amount: cmd.amount}
	}

	if err := t.sam.ensureDiversified(t.image.SerialNumber); err != nil {
		return err
	}

	if t.state == StateOpen {
		if err := t.digest.flushPending(); err != nil {
			return err
		}
	}

	sd, err := t.sam.svPrepare(cmd.svOperation, t.svGetHeader, t.svGetData, cmd.capdu.Data)
	if err != nil {
		return err
	}

	cmd.capdu.Data = append(cmd.capdu.Data, sd.bytes()...)

	return nil
}

// verifySvMac checks the card's own MAC on a stored-value operation with
// the module. Outside a session this runs immediately after the operation;
// inside a session the card answers with a postponed status and the check
// happens through the session signature instead.
func (t *Transaction) verifySvMac() error {
	if len(t.image.SvLastMac) == 0 {
		return InvalidSignatureError{}
	}

	return t.sam.svCheck(t.image.SvLastMac)
}

// checkSvPostponed verifies, at session close, that the stored-value
// operation exchanged during the session was acknowledged with the
// postponed-data status.
func checkSvPostponed(cmd *CardCommand) error {
	if cmd.response == nil {
		return IllegalStateError{Message: "no response attached to " + cmd.kind.String()}
	}

	if sw := statusWord(*cmd.response); sw != swPostponedData && sw != swSuccess {
		return CardStatusError{Kind: cmd.kind, SW: sw, Outcome: "postponed status not granted"}
	}

	return nil
}
