package calypso

import (
	"github.com/pkg/errors"
	"github.com/skythen/apdu"
)

// SAM instruction bytes (CLA 0x80).
const (
	claSam                  byte = 0x80
	insSamSelectDiversifier byte = 0x14
	insSamGetChallenge      byte = 0x84
	insSamDigestInit        byte = 0x8A
	insSamDigestUpdate      byte = 0x8C
	insSamDigestClose       byte = 0x8E
	insSamDigestAuth        byte = 0x82
	insSamGiveRandom        byte = 0x86
	insSamCardCipherPin     byte = 0x12
	insSamCardGenerateKey   byte = 0x16
	insSamSvPrepareLoad     byte = 0x56
	insSamSvPrepareDebit    byte = 0x54
	insSamSvPrepareUndebit  byte = 0x5C
	insSamSvCheck           byte = 0x58
)

func samSelectDiversifier(serial []byte) apdu.Capdu {
	return apdu.Capdu{Cla: claSam, Ins: insSamSelectDiversifier, Data: serial}
}

func samGetChallenge(length int) apdu.Capdu {
	return apdu.Capdu{Cla: claSam, Ins: insSamGetChallenge, Ne: length}
}

// samDigestInit seeds the SAM's session digest with the work key identifiers
// and the open-session data-out.
func samDigestInit(verifyOnly, encrypted bool, kif, kvc byte, dataOut []byte) apdu.Capdu {
	p1 := byte(0x00)
	if verifyOnly {
		p1 |= 0x80
	}

	if encrypted {
		p1 |= 0x02
	}

	data := make([]byte, 0, 2+len(dataOut))
	data = append(data, kif, kvc)
	data = append(data, dataOut...)

	return apdu.Capdu{Cla: claSam, Ins: insSamDigestInit, P1: p1, P2: 0xFF, Data: data}
}

func samDigestUpdate(entry []byte) apdu.Capdu {
	return apdu.Capdu{Cla: claSam, Ins: insSamDigestUpdate, P2: 0x80, Data: entry}
}

// samDigestUpdateMultiple batches several digest entries, each prefixed by
// its own length byte.
func samDigestUpdateMultiple(entries [][]byte) apdu.Capdu {
	var data []byte
	for _, entry := range entries {
		data = append(data, byte(len(entry)))
		data = append(data, entry...)
	}

	return apdu.Capdu{Cla: claSam, Ins: insSamDigestUpdate, P1: 0x80, P2: 0x80, Data: data}
}

func samDigestClose() apdu.Capdu {
	return apdu.Capdu{Cla: claSam, Ins: insSamDigestClose, Ne: 4}
}

func samDigestAuthenticate(cardSignature []byte) apdu.Capdu {
	return apdu.Capdu{Cla: claSam, Ins: insSamDigestAuth, Data: cardSignature}
}

func samGiveRandom(challenge []byte) apdu.Capdu {
	return apdu.Capdu{Cla: claSam, Ins: insSamGiveRandom, Data: challenge}
}

// samCardCipherPin ciphers a PIN presentation or change under the card
// challenge. newPin is empty for a plain verification.
func samCardCipherPin(cardChallenge, currentPin, newPin []byte) apdu.Capdu {
	p1 := byte(0x80)
	if len(newPin) != 0 {
		p1 = 0x40
	}

	data := make([]byte, 0, len(cardChallenge)+len(currentPin)+len(newPin))
	data = append(data, cardChallenge...)
	data = append(data, currentPin...)
	data = append(data, newPin...)

	return apdu.Capdu{Cla: claSam, Ins: insSamCardCipherPin, P1: p1, P2: 0xFF, Data: data, Ne: 8}
}

func samCardGenerateKey(keyIndex, kif, kvc byte) apdu.Capdu {
	return apdu.Capdu{Cla: claSam, Ins: insSamCardGenerateKey, P1: keyIndex, P2: 0xFF, Data: []byte{kif, kvc}, Ne: apdu.MaxLenResponseDataStandard}
}

// samSvPrepare builds the SV preparation command from the prior SV-get
// header/response and the partial card command.
func samSvPrepare(op SvOperation, svGetHeader, svGetData, partial []byte) apdu.Capdu {
	var ins byte

	switch op {
	case SvReload:
		ins = insSamSvPrepareLoad
	case SvDebit:
		ins = insSamSvPrepareDebit
	default:
		ins = insSamSvPrepareUndebit
	}

	data := make([]byte, 0, len(svGetHeader)+len(svGetData)+len(partial))
	data = append(data, svGetHeader...)
	data = append(data, svGetData...)
	data = append(data, partial...)

	return apdu.Capdu{Cla: claSam, Ins: ins, P2: 0xFF, Data: data, Ne: apdu.MaxLenResponseDataStandard}
}

func samSvCheck(cardMac []byte) apdu.Capdu {
	return apdu.Capdu{Cla: claSam, Ins: insSamSvCheck, Data: cardMac}
}

// Sam drives the security module. It diversifies the module with the card's
// serial number on first use only and then services challenge, digest,
// stored-value and PIN primitives on behalf of the orchestrator.
type Sam struct {
	transmitter SamTransmitter
	diversified bool
	record      func(req, resp []byte)
}

// NewSam wraps a security module transport. It panics if transmitter is nil.
func NewSam(transmitter SamTransmitter) *Sam {
	if transmitter == nil {
		panic("calypso: value of transmitter must not be nil")
	}

	return &Sam{transmitter: transmitter, record: func(req, resp []byte) {}}
}

// transmit exchanges commands with the module, records every pair in the
// transcript and validates every status word.
func (s *Sam) transmit(requests []apdu.Capdu, channel ChannelControl) ([]apdu.Rapdu, error) {
	responses, err := s.transmitter.Transmit(requests, channel)

	for i := 0; i < len(responses) && i < len(requests); i++ {
		s.record(requests[i].Bytes(), responseBytes(responses[i]))
	}

	if err != nil {
		failed := apdu.Capdu{}
		if len(responses) < len(requests) {
			failed = requests[len(responses)]
		}

		return responses, TransmitError{Sam: true, Command: failed, Cause: err}
	}

	if len(responses) != len(requests) {
		return responses, DesynchronizationError{Sent: len(requests), Received: len(responses)}
	}

	for i, resp := range responses {
		if sw := statusWord(resp); sw != swSuccess {
			return responses, ModuleStatusError{Command: requests[i], SW: sw}
		}
	}

	return responses, nil
}

// ensureDiversified selects the card's diversifier in the module. The
// selection happens on first use only.
func (s *Sam) ensureDiversified(serial []byte) error {
	if s.diversified {
		return nil
	}

	if len(serial) == 0 {
		return IllegalStateError{Message: "card serial number unknown, select the application first"}
	}

	if _, err := s.transmit([]apdu.Capdu{samSelectDiversifier(serial)}, KeepOpen); err != nil {
		return errors.Wrap(err, "select diversifier")
	}

	s.diversified = true

	return nil
}

// getChallenge asks the module for a session challenge.
func (s *Sam) getChallenge(length int) ([]byte, error) {
	responses, err := s.transmit([]apdu.Capdu{samGetChallenge(length)}, KeepOpen)
	if err != nil {
		return nil, errors.Wrap(err, "get challenge")
	}

	if len(responses[0].Data) != length {
		return nil, errors.Errorf("sam challenge must be %d bytes long, got %d", length, len(responses[0].Data))
	}

	return responses[0].Data, nil
}

// giveRandom transfers the card challenge to the module ahead of a PIN
// ciphering or key generation.
func (s *Sam) giveRandom(cardChallenge []byte) error {
	_, err := s.transmit([]apdu.Capdu{samGiveRandom(cardChallenge)}, KeepOpen)

	return errors.Wrap(err, "give random")
}

// cipherPin produces the ciphered PIN block for a presentation or change.
func (s *Sam) cipherPin(cardChallenge, currentPin, newPin []byte) ([]byte, error) {
	if err := s.giveRandom(cardChallenge); err != nil {
		return nil, err
	}

	responses, err := s.transmit([]apdu.Capdu{samCardCipherPin(cardChallenge, currentPin, newPin)}, KeepOpen)
	if err != nil {
		return nil, errors.Wrap(err, "cipher PIN")
	}

	return responses[0].Data, nil
}

// generateKeyCryptogram produces the cryptogram carried by a change-key
// command.
func (s *Sam) generateKeyCryptogram(keyIndex, kif, kvc byte) ([]byte, error) {
	responses, err := s.transmit([]apdu.Capdu{samCardGenerateKey(keyIndex, kif, kvc)}, KeepOpen)
	if err != nil {
		return nil, errors.Wrap(err, "generate key")
	}

	return responses[0].Data, nil
}

// svPrepare asks the module for the security data completing a stored-value
// operation. Any pending digest commands must have been flushed first so the
// module observes the session bytes in exchange order.
func (s *Sam) svPrepare(op SvOperation, svGetHeader, svGetData, partial []byte) (*SvSecurityData, error) {
	responses, err := s.transmit([]apdu.Capdu{samSvPrepare(op, svGetHeader, svGetData, partial)}, KeepOpen)
	if err != nil {
		return nil, errors.Wrapf(err, "prepare %s", op)
	}

	return parseSvSecurityData(responses[0].Data)
}

// svCheck verifies the card's MAC on a stored-value operation.
func (s *Sam) svCheck(cardMac []byte) error {
	responses, err := s.transmit([]apdu.Capdu{samSvCheck(cardMac)}, KeepOpen)
	if err != nil {
		if _, ok := errors.Cause(err).(ModuleStatusError); ok && len(responses) == 1 {
			return InvalidSignatureError{Signature: cardMac}
		}

		return errors.Wrap(err, "SV check")
	}

	return nil
}

// releaseChannel releases the module-side session resource. Failures are
// swallowed: release runs on error paths that must still propagate the
// original condition.
func (s *Sam) releaseChannel() {
	_, _ = s.transmitter.Transmit(nil, CloseAfter)
}
