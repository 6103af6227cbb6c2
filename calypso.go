// Package calypso implements the terminal side of a Calypso portable-object
// secure transaction: a mutually authenticated session between a contactless
// card and a security module (SAM), exchanged over a byte-oriented APDU
// channel.
//
// The card and the SAM jointly compute a MAC over every byte exchanged while
// a session is open. The Transaction type sequences card commands, tracks the
// card's limited session buffer, delegates all cryptography (challenge,
// session digest, stored-value signatures, PIN ciphering) to the SAM, and
// keeps an in-memory CardImage consistent with the card even when commands
// are batched ahead of their execution using anticipated responses.
//
// Transports for the card and the SAM are injected through the
// CardTransmitter and SamTransmitter interfaces. PC/SC implementations are
// provided in this package, as well as a software SAM usable when no
// hardware module is present.
package calypso

import (
	"fmt"

	"github.com/skythen/apdu"
)

// ChannelControl tells a transmitter what to do with the physical channel
// once the request sequence has been exchanged.
type ChannelControl int

const (
	// KeepOpen leaves the channel open for further exchanges.
	KeepOpen ChannelControl = iota
	// CloseAfter releases the channel once the last response has been
	// received.
	CloseAfter
)

// CardTransmitter is the interface that exchanges a sequence of command
// APDUs with the card and returns the corresponding responses in order.
//
// On a transport failure in the middle of the sequence, the responses
// received so far must still be returned alongside the error so the caller
// can reconcile them before failing.
type CardTransmitter interface {
	Transmit(requests []apdu.Capdu, channel ChannelControl) ([]apdu.Rapdu, error)
}

// SamTransmitter is the interface that exchanges a sequence of command APDUs
// with the security module. It has the same partial-response contract as
// CardTransmitter. Transmitting an empty sequence with CloseAfter releases
// the module-side session resource.
type SamTransmitter interface {
	Transmit(requests []apdu.Capdu, channel ChannelControl) ([]apdu.Rapdu, error)
}

// Exchange is one request/response byte pair exchanged with the card or the
// security module.
type Exchange struct {
	WithSam  bool // true if the pair was exchanged with the security module
	Request  []byte
	Response []byte
}

// String returns a readable representation of the exchange.
func (e Exchange) String() string {
	peer := "card"
	if e.WithSam {
		peer = "sam"
	}

	return fmt.Sprintf("%s > %02X < %02X", peer, e.Request, e.Response)
}

// Transcript is the ordered audit list of every request/response byte pair
// exchanged with the card and the security module during a transaction. It
// is exposed for forensic logging after the transaction ends, win or lose.
type Transcript []Exchange

func responseBytes(r apdu.Rapdu) []byte {
	b := make([]byte, 0, len(r.Data)+2)
	b = append(b, r.Data...)
	b = append(b, r.SW1, r.SW2)

	return b
}

func statusWord(r apdu.Rapdu) uint16 {
	return uint16(r.SW1)<<8 | uint16(r.SW2)
}
