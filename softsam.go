package calypso

import (
	"crypto/rand"
	"io"

	"github.com/skythen/apdu"
)

// SoftSam is a software stand-in for a hardware security module. It serves
// the full module command set in memory: diversifier selection, session
// digests, PIN ciphering, key cryptograms and stored-value preparation.
// Intended for tests and provisioning tooling; a production terminal pairs
// with a hardware module through PcscReader instead.
//
// Work keys are registered by KVC. The digest scheme is a retail MAC over
// the padded entry stream under a session key derived from the open-session
// data; the terminal signature is the first half of the final MAC state and
// the expected card signature the second half.
type SoftSam struct {
	serial []byte
	keys   map[byte][16]byte
	random io.Reader

	diversifier   []byte
	challenge     []byte
	cardChallenge []byte

	sessionKey [16]byte
	mac        [8]byte
	digestOpen bool

	svTransactionNumber int
	svMac               [8]byte
	svPending           bool
}

// NewSoftSam creates a software module with the given serial number (4
// bytes) and work keys by KVC. It panics if no key is registered.
func NewSoftSam(serial []byte, keys map[byte][16]byte) *SoftSam {
	if len(keys) == 0 {
		panic("calypso: value of keys must not be empty")
	}

	return &SoftSam{
		serial: append([]byte(nil), serial...),
		keys:   keys,
		random: rand.Reader,
	}
}

// Transmit services the requests one by one. CloseAfter drops all session
// state, mirroring a channel release on a hardware module.
func (s *SoftSam) Transmit(requests []apdu.Capdu, channel ChannelControl) ([]apdu.Rapdu, error) {
	var responses []apdu.Rapdu

	for _, request := range requests {
		responses = append(responses, s.execute(request))
	}

	if channel == CloseAfter {
		s.digestOpen = false
		s.challenge = nil
		s.cardChallenge = nil
		s.svPending = false
	}

	return responses, nil
}

func (s *SoftSam) execute(request apdu.Capdu) apdu.Rapdu {
	if request.Cla != claSam {
		return rapduStatus(0x6E00)
	}

	switch request.Ins {
	case insSamSelectDiversifier:
		return s.executeSelectDiversifier(request)
	case insSamGetChallenge:
		return s.executeGetChallenge(request)
	case insSamDigestInit:
		return s.executeDigestInit(request)
	case insSamDigestUpdate:
		return s.executeDigestUpdate(request)
	case insSamDigestClose:
		return s.executeDigestClose()
	case insSamDigestAuth:
		return s.executeDigestAuthenticate(request)
	case insSamGiveRandom:
		return s.executeGiveRandom(request)
	case insSamCardCipherPin:
		return s.executeCardCipherPin(request)
	case insSamCardGenerateKey:
		return s.executeCardGenerateKey(request)
	case insSamSvPrepareLoad, insSamSvPrepareDebit, insSamSvPrepareUndebit:
		return s.executeSvPrepare(request)
	case insSamSvCheck:
		return s.executeSvCheck(request)
	}

	return rapduStatus(swInstructionNotSupported)
}

func (s *SoftSam) executeSelectDiversifier(request apdu.Capdu) apdu.Rapdu {
	if len(request.Data) == 0 {
		return rapduStatus(swWrongLength)
	}

	s.diversifier = append([]byte(nil), request.Data...)

	return rapduStatus(swSuccess)
}

func (s *SoftSam) executeGetChallenge(request apdu.Capdu) apdu.Rapdu {
	length := request.Ne
	if length <= 0 || length > 8 {
		return rapduStatus(swWrongLength)
	}

	challenge := make([]byte, length)
	if _, err := io.ReadFull(s.random, challenge); err != nil {
		return rapduStatus(swConditionsNotSatisfied)
	}

	s.challenge = challenge

	return apdu.Rapdu{Data: challenge, SW1: 0x90, SW2: 0x00}
}

func (s *SoftSam) executeDigestInit(request apdu.Capdu) apdu.Rapdu {
	if s.diversifier == nil {
		return rapduStatus(swConditionsNotSatisfied)
	}

	if len(request.Data) < 2 {
		return rapduStatus(swWrongLength)
	}

	kvc := request.Data[1]

	key, ok := s.keys[kvc]
	if !ok {
		return rapduStatus(swRecordNotFound)
	}

	if err := s.deriveSessionKey(key, request.Data[2:]); err != nil {
		return rapduStatus(swConditionsNotSatisfied)
	}

	s.mac = [8]byte{}
	s.digestOpen = true

	// Seed the digest with the open-session data itself.
	if !s.macUpdate(request.Data[2:]) {
		return rapduStatus(swConditionsNotSatisfied)
	}

	return rapduStatus(swSuccess)
}

// deriveSessionKey builds the session key by enciphering the first padded
// block of the open-session data and its complement under the work key.
func (s *SoftSam) deriveSessionKey(key [16]byte, dataOut []byte) error {
	seed, err := pad80(dataOut, 8, true)
	if err != nil {
		return err
	}

	src := make([]byte, 16)
	copy(src, seed[:8])

	for i := 0; i < 8; i++ {
		src[8+i] = seed[i] ^ 0xFF
	}

	derived := make([]byte, 16)
	if err := tripleDESEcbEncrypt(derived, src, resizeDoubleDESToTDES(key)); err != nil {
		return err
	}

	copy(s.sessionKey[:], derived)

	return nil
}

func (s *SoftSam) macUpdate(entry []byte) bool {
	padded, err := pad80(entry, 8, true)
	if err != nil {
		return false
	}

	return desFinalTDESMac(&s.mac, padded, s.sessionKey, s.mac) == nil
}

func (s *SoftSam) executeDigestUpdate(request apdu.Capdu) apdu.Rapdu {
	if !s.digestOpen {
		return rapduStatus(swConditionsNotSatisfied)
	}

	if request.P1 != 0x80 {
		if !s.macUpdate(request.Data) {
			return rapduStatus(swConditionsNotSatisfied)
		}

		return rapduStatus(swSuccess)
	}

	// Batched updates: each entry prefixed by its own length byte.
	data := request.Data
	for len(data) > 0 {
		length := int(data[0])
		if len(data) < 1+length {
			return rapduStatus(swWrongLength)
		}

		if !s.macUpdate(data[1 : 1+length]) {
			return rapduStatus(swConditionsNotSatisfied)
		}

		data = data[1+length:]
	}

	return rapduStatus(swSuccess)
}

func (s *SoftSam) executeDigestClose() apdu.Rapdu {
	if !s.digestOpen {
		return rapduStatus(swConditionsNotSatisfied)
	}

	return apdu.Rapdu{Data: append([]byte(nil), s.mac[:4]...), SW1: 0x90, SW2: 0x00}
}

func (s *SoftSam) executeDigestAuthenticate(request apdu.Capdu) apdu.Rapdu {
	if !s.digestOpen {
		return rapduStatus(swConditionsNotSatisfied)
	}

	s.digestOpen = false

	if len(request.Data) != 4 || !equalBytes(request.Data, s.mac[4:8]) {
		return rapduStatus(swIncorrectSignature)
	}

	return rapduStatus(swSuccess)
}

// CardSignature returns the signature the card is expected to present at
// session close. Exposed so a software card counterpart can complete the
// mutual authentication.
func (s *SoftSam) CardSignature() []byte {
	return append([]byte(nil), s.mac[4:8]...)
}

func (s *SoftSam) executeGiveRandom(request apdu.Capdu) apdu.Rapdu {
	if len(request.Data) == 0 {
		return rapduStatus(swWrongLength)
	}

	s.cardChallenge = append([]byte(nil), request.Data...)

	return rapduStatus(swSuccess)
}

func (s *SoftSam) executeCardCipherPin(request apdu.Capdu) apdu.Rapdu {
	if s.diversifier == nil || s.cardChallenge == nil {
		return rapduStatus(swConditionsNotSatisfied)
	}

	padded, err := pad80(request.Data, 8, true)
	if err != nil {
		return rapduStatus(swWrongLength)
	}

	block := make([]byte, len(padded))
	if err := tripleDESEcbEncrypt(block, padded, resizeDoubleDESToTDES(s.anyKey())); err != nil {
		return rapduStatus(swConditionsNotSatisfied)
	}

	return apdu.Rapdu{Data: block[:8], SW1: 0x90, SW2: 0x00}
}

func (s *SoftSam) executeCardGenerateKey(request apdu.Capdu) apdu.Rapdu {
	if s.diversifier == nil {
		return rapduStatus(swConditionsNotSatisfied)
	}

	if len(request.Data) != 2 {
		return rapduStatus(swWrongLength)
	}

	kvc := request.Data[1]

	key, ok := s.keys[kvc]
	if !ok {
		return rapduStatus(swRecordNotFound)
	}

	// The cryptogram is the new key enciphered under the diversified work
	// key, followed by its identifiers.
	material, err := pad80(append(append([]byte(nil), s.diversifier...), request.Data...), 16, true)
	if err != nil {
		return rapduStatus(swConditionsNotSatisfied)
	}

	cryptogram := make([]byte, len(material))
	if err := tripleDESEcbEncrypt(cryptogram, material, resizeDoubleDESToTDES(key)); err != nil {
		return rapduStatus(swConditionsNotSatisfied)
	}

	return apdu.Rapdu{Data: cryptogram[:16], SW1: 0x90, SW2: 0x00}
}

func (s *SoftSam) executeSvPrepare(request apdu.Capdu) apdu.Rapdu {
	if s.diversifier == nil {
		return rapduStatus(swConditionsNotSatisfied)
	}

	challenge := make([]byte, 2)
	if _, err := io.ReadFull(s.random, challenge); err != nil {
		return rapduStatus(swConditionsNotSatisfied)
	}

	s.svTransactionNumber++

	var sd SvSecurityData

	copy(sd.SerialNumber[:], s.serial)
	copy(sd.Challenge[:], challenge)
	sd.TransactionNumber[0] = byte(s.svTransactionNumber >> 16)
	sd.TransactionNumber[1] = byte(s.svTransactionNumber >> 8)
	sd.TransactionNumber[2] = byte(s.svTransactionNumber)

	padded, err := pad80(request.Data, 8, true)
	if err != nil {
		return rapduStatus(swWrongLength)
	}

	var mac [8]byte
	if err := desFinalTDESMac(&mac, padded, s.anyKey(), [8]byte{}); err != nil {
		return rapduStatus(swConditionsNotSatisfied)
	}

	copy(sd.Mac[:], mac[:5])

	// Remember the MAC the card is expected to answer with.
	s.svMac = mac
	s.svPending = true

	return apdu.Rapdu{Data: sd.bytes(), SW1: 0x90, SW2: 0x00}
}

func (s *SoftSam) executeSvCheck(request apdu.Capdu) apdu.Rapdu {
	if !s.svPending {
		return rapduStatus(swConditionsNotSatisfied)
	}

	s.svPending = false

	if len(request.Data) == 0 || len(request.Data) > 8 || !equalBytes(request.Data, s.svMac[8-len(request.Data):]) {
		return rapduStatus(swIncorrectSignature)
	}

	return rapduStatus(swSuccess)
}

// CardSvMac returns the stored-value MAC the card is expected to answer
// with after the last preparation. Exposed for software card counterparts.
func (s *SoftSam) CardSvMac(length int) []byte {
	if length <= 0 || length > 8 {
		return nil
	}

	return append([]byte(nil), s.svMac[8-length:]...)
}

// anyKey returns the work key with the lowest KVC, used by operations that
// do not select a key themselves.
func (s *SoftSam) anyKey() [16]byte {
	var (
		lowest byte
		found  bool
	)

	for kvc := range s.keys {
		if !found || kvc < lowest {
			lowest, found = kvc, true
		}
	}

	return s.keys[lowest]
}

func rapduStatus(sw uint16) apdu.Rapdu {
	return apdu.Rapdu{SW1: byte(sw >> 8), SW2: byte(sw)}
}

func equalBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}
