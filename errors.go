package calypso

import (
	"fmt"

	"github.com/skythen/apdu"
)

// TransmitError results from a broken exchange with the card or the security
// module. It is always fatal to the current transaction; no automatic retry
// is performed.
type TransmitError struct {
	Sam     bool       // true if the failing peer is the security module
	Command apdu.Capdu // CAPDU that should have been transmitted
	Cause   error
}

func (e TransmitError) Error() string {
	peer := "card"
	if e.Sam {
		peer = "sam"
	}

	return fmt.Sprintf("calypso: %s transmit failed CAPDU: %s cause: %v", peer, e.Command.String(), e.Cause)
}

// DesynchronizationError results from receiving a number of responses that
// does not match the number of transmitted requests. It signals a fraud or
// transport-corruption scenario and is always fatal.
type DesynchronizationError struct {
	Sent     int
	Received int
}

func (e DesynchronizationError) Error() string {
	return fmt.Sprintf("calypso: protocol desynchronization: sent %d commands, received %d responses", e.Sent, e.Received)
}

// CardStatusError results from a card-reported command error: a status word
// that maps to a named outcome in the command's status table, or to a
// generic unexpected status otherwise.
type CardStatusError struct {
	Kind    CommandKind
	SW      uint16
	Outcome string // named outcome, empty for an unexpected status
}

func (e CardStatusError) Error() string {
	if e.Outcome != "" {
		return fmt.Sprintf("calypso: %s failed: %s (SW %04X)", e.Kind, e.Outcome, e.SW)
	}

	return fmt.Sprintf("calypso: %s failed with unexpected SW %04X", e.Kind, e.SW)
}

// ModuleStatusError results from receiving a non-success status word from
// the security module.
type ModuleStatusError struct {
	Command apdu.Capdu
	SW      uint16
}

func (e ModuleStatusError) Error() string {
	return fmt.Sprintf("calypso: sam rejected command %s with SW %04X", e.Command.String(), e.SW)
}

// UnauthorizedKeyError results from an open-session response carrying a key
// verification code outside the authorized set. It must never be downgraded.
type UnauthorizedKeyError struct {
	Kif byte
	Kvc byte
}

func (e UnauthorizedKeyError) Error() string {
	return fmt.Sprintf("calypso: unauthorized session key KIF: %02X KVC: %02X", e.Kif, e.Kvc)
}

// InvalidSignatureError results from the security module rejecting the
// signature returned by the card at session close. It must never be
// downgraded.
type InvalidSignatureError struct {
	Signature []byte
}

func (e InvalidSignatureError) Error() string {
	return fmt.Sprintf("calypso: invalid card session signature: %02X", e.Signature)
}

// SessionBufferOverflowError results from a command batch that does not fit
// the card's session buffer while the multiple-session policy is disabled.
// It is raised before any command of the overflowing batch is transmitted.
type SessionBufferOverflowError struct {
	Required  int
	Remaining int
}

func (e SessionBufferOverflowError) Error() string {
	return fmt.Sprintf("calypso: session buffer overflow: required %d, remaining %d", e.Required, e.Remaining)
}

// IllegalStateError results from an operation invoked in a state that does
// not allow it, e.g. opening a session that is already open. It is raised
// before any I/O.
type IllegalStateError struct {
	Message string
}

func (e IllegalStateError) Error() string {
	return "calypso: illegal state: " + e.Message
}

// NegativeBalanceError results from a stored-value debit that would drive
// the balance below zero while negative balances are disallowed. It is
// raised before any command is sent to the card or the module.
type NegativeBalanceError struct {
	Balance int
	Amount  int
}

func (e NegativeBalanceError) Error() string {
	return fmt.Sprintf("calypso: SV debit of %d would exceed balance %d", e.Amount, e.Balance)
}

// PinAttemptsError results from a PIN presentation rejected by the card. It
// carries the remaining attempts counter reported by the card.
type PinAttemptsError struct {
	Remaining int
	Blocked   bool
}

func (e PinAttemptsError) Error() string {
	if e.Blocked {
		return "calypso: PIN is blocked"
	}

	return fmt.Sprintf("calypso: PIN rejected, %d attempts remaining", e.Remaining)
}
