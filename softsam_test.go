package calypso

import (
	"testing"
)

var softSamTestKeys = map[byte][16]byte{
	0x79: {0x40, 0x41, 0x42, 0x43, 0x44, 0x45, 0x46, 0x47, 0x48, 0x49, 0x4A, 0x4B, 0x4C, 0x4D, 0x4E, 0x4F},
}

func newTestSoftSam() *SoftSam {
	return NewSoftSam([]byte{0x5A, 0x01, 0x02, 0x03}, softSamTestKeys)
}

func cardSerial() []byte {
	return []byte{0x00, 0x00, 0x00, 0x00, 0x12, 0x34, 0x56, 0x78}
}

func TestNewSoftSamPanicsWithoutKeys(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("NewSoftSam without keys must panic")
		}
	}()

	NewSoftSam([]byte{0x01}, nil)
}

func TestSoftSamChallengeLength(t *testing.T) {
	sam := NewSam(newTestSoftSam())

	challenge, err := sam.getChallenge(4)
	if err != nil {
		t.Fatalf("getChallenge failed: %v", err)
	}

	if len(challenge) != 4 {
		t.Errorf("challenge length = %d, want 4", len(challenge))
	}
}

func TestSoftSamDigestMutualAuthentication(t *testing.T) {
	soft := newTestSoftSam()
	sam := NewSam(soft)

	if err := sam.ensureDiversified(cardSerial()); err != nil {
		t.Fatalf("diversification failed: %v", err)
	}

	d := newDigestEngine(sam, false, 0)

	if err := d.initialize([]byte{0x00, 0x01, 0x02, 0x55, 0x00, 0x30, 0x79, 0x00}, 0x30, 0x79, false, false); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	d.pushPair([]byte{0x00, 0xDC, 0x01, 0x3C, 0x02, 0x0A, 0x0B}, []byte{0x90, 0x00})

	signature, err := d.terminalSignature()
	if err != nil {
		t.Fatalf("terminalSignature failed: %v", err)
	}

	if len(signature) != 4 {
		t.Fatalf("signature length = %d, want 4", len(signature))
	}

	if err := d.authenticateCardSignature(soft.CardSignature()); err != nil {
		t.Errorf("authentication with the expected card signature failed: %v", err)
	}
}

func TestSoftSamDigestBatchedUpdates(t *testing.T) {
	soft := newTestSoftSam()
	sam := NewSam(soft)

	if err := sam.ensureDiversified(cardSerial()); err != nil {
		t.Fatalf("diversification failed: %v", err)
	}

	d := newDigestEngine(sam, true, 48)

	if err := d.initialize([]byte{0x01, 0x02, 0x03}, 0x30, 0x79, false, false); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	for i := 0; i < 6; i++ {
		d.pushPair([]byte{0x00, 0xB2, byte(i), 0x3C, 0x00}, []byte{0xAA, 0xBB, 0x90, 0x00})
	}

	if _, err := d.terminalSignature(); err != nil {
		t.Fatalf("terminalSignature with batched updates failed: %v", err)
	}
}

func TestSoftSamRejectsWrongCardSignature(t *testing.T) {
	soft := newTestSoftSam()
	sam := NewSam(soft)

	if err := sam.ensureDiversified(cardSerial()); err != nil {
		t.Fatalf("diversification failed: %v", err)
	}

	d := newDigestEngine(sam, false, 0)

	if err := d.initialize([]byte{0x01, 0x02, 0x03}, 0x30, 0x79, false, false); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	if _, err := d.terminalSignature(); err != nil {
		t.Fatalf("terminalSignature failed: %v", err)
	}

	err := d.authenticateCardSignature([]byte{0x00, 0x00, 0x00, 0x00})
	if _, ok := err.(InvalidSignatureError); !ok {
		t.Fatalf("error type = %T, want InvalidSignatureError", err)
	}
}

func TestSoftSamRejectsUnknownKvc(t *testing.T) {
	soft := newTestSoftSam()
	sam := NewSam(soft)

	if err := sam.ensureDiversified(cardSerial()); err != nil {
		t.Fatalf("diversification failed: %v", err)
	}

	d := newDigestEngine(sam, false, 0)

	if err := d.initialize([]byte{0x01}, 0x30, 0x01, false, false); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	if _, err := d.terminalSignature(); err == nil {
		t.Fatal("digest under an unknown KVC must fail")
	}
}

func TestSoftSamRequiresDiversifier(t *testing.T) {
	soft := newTestSoftSam()
	sam := NewSam(soft)

	d := newDigestEngine(sam, false, 0)

	if err := d.initialize([]byte{0x01}, 0x30, 0x79, false, false); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	if _, err := d.terminalSignature(); err == nil {
		t.Fatal("digest without a selected diversifier must fail")
	}
}

func TestSoftSamCipherPin(t *testing.T) {
	soft := newTestSoftSam()
	sam := NewSam(soft)

	if err := sam.ensureDiversified(cardSerial()); err != nil {
		t.Fatalf("diversification failed: %v", err)
	}

	block, err := sam.cipherPin([]byte{0xE1, 0xE2, 0xE3, 0xE4, 0xE5, 0xE6, 0xE7, 0xE8}, []byte{0x31, 0x32, 0x33, 0x34}, nil)
	if err != nil {
		t.Fatalf("cipherPin failed: %v", err)
	}

	if len(block) != 8 {
		t.Errorf("PIN block length = %d, want 8", len(block))
	}
}

func TestSoftSamStoredValueRoundTrip(t *testing.T) {
	soft := newTestSoftSam()
	sam := NewSam(soft)

	if err := sam.ensureDiversified(cardSerial()); err != nil {
		t.Fatalf("diversification failed: %v", err)
	}

	header := []byte{0x00, 0x7C, 0x00, 0x09}
	getData := []byte{0x79, 0x00, 0x05, 0x00, 0x03, 0xE8}
	partial := []byte{0x00, 0x00, 0xC8, 0x12, 0x34, 0x56, 0x78}

	sd, err := sam.svPrepare(SvDebit, header, getData, partial)
	if err != nil {
		t.Fatalf("svPrepare failed: %v", err)
	}

	if sd.SerialNumber != [4]byte{0x5A, 0x01, 0x02, 0x03} {
		t.Errorf("serial = %02X", sd.SerialNumber)
	}

	if sd.TransactionNumber != [3]byte{0x00, 0x00, 0x01} {
		t.Errorf("transaction number = %02X, want first transaction", sd.TransactionNumber)
	}

	if err := sam.svCheck(soft.CardSvMac(3)); err != nil {
		t.Errorf("SV check with the expected card MAC failed: %v", err)
	}
}

func TestSoftSamStoredValueRejectsWrongMac(t *testing.T) {
	soft := newTestSoftSam()
	sam := NewSam(soft)

	if err := sam.ensureDiversified(cardSerial()); err != nil {
		t.Fatalf("diversification failed: %v", err)
	}

	if _, err := sam.svPrepare(SvDebit, []byte{0x00, 0x7C, 0x00, 0x09}, []byte{0x79}, []byte{0x01}); err != nil {
		t.Fatalf("svPrepare failed: %v", err)
	}

	err := sam.svCheck([]byte{0x00, 0x00, 0x00})
	if _, ok := err.(InvalidSignatureError); !ok {
		t.Fatalf("error type = %T, want InvalidSignatureError", err)
	}
}

func TestSoftSamReleaseDropsSession(t *testing.T) {
	soft := newTestSoftSam()
	sam := NewSam(soft)

	if err := sam.ensureDiversified(cardSerial()); err != nil {
		t.Fatalf("diversification failed: %v", err)
	}

	d := newDigestEngine(sam, false, 0)

	if err := d.initialize([]byte{0x01}, 0x30, 0x79, false, false); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	if _, err := d.terminalSignature(); err != nil {
		t.Fatalf("terminalSignature failed: %v", err)
	}

	sam.releaseChannel()

	if err := d.authenticateCardSignature(soft.CardSignature()); err == nil {
		t.Fatal("authentication after a channel release must fail")
	}
}
