package calypso

import (
	"github.com/pkg/errors"
	"github.com/skythen/apdu"
)

// defaultMaxDigestUpdateLength bounds the payload of one digest-update
// command so that constrained modules stay compatible with batching.
const defaultMaxDigestUpdateLength = 224

// digestEngine accumulates the ordered sequence of card request/response
// byte pairs exchanged during a session and drives the security module
// through digest-init, digest-update, digest-close and
// digest-authenticate.
//
// The cache always holds the open-session seed first, followed by pairs of
// request and response entries; it is cleared on every drain.
type digestEngine struct {
	sam             *Sam
	cache           [][]byte
	kif             byte
	kvc             byte
	encrypted       bool
	verifyOnly      bool
	initialized     bool
	initSent        bool
	updateMultiple  bool
	maxUpdateLength int
}

func newDigestEngine(sam *Sam, updateMultiple bool, maxUpdateLength int) *digestEngine {
	if maxUpdateLength <= 0 {
		maxUpdateLength = defaultMaxDigestUpdateLength
	}

	return &digestEngine{sam: sam, updateMultiple: updateMultiple, maxUpdateLength: maxUpdateLength}
}

// initialize clears the cache and seeds it with the open-session data-out.
// It must be called exactly once per session before any push.
func (d *digestEngine) initialize(dataOut []byte, kif, kvc byte, encrypted, verifyOnly bool) error {
	if d.initialized {
		return IllegalStateError{Message: "digest already initialized"}
	}

	seed := make([]byte, len(dataOut))
	copy(seed, dataOut)

	d.cache = [][]byte{seed}
	d.kif = kif
	d.kvc = kvc
	d.encrypted = encrypted
	d.verifyOnly = verifyOnly
	d.initialized = true
	d.initSent = false

	return nil
}

// pushPair appends one request/response pair. The request side is expected
// to come from digestBytes so that the trailing length byte of a command
// carrying both a payload and an expected length never enters the digest.
func (d *digestEngine) pushPair(request, response []byte) {
	d.cache = append(d.cache, request, response)
}

// drainPendingCommands materializes, in order, a digest-init command (only
// once, consuming the seed), the digest-update commands for every cached
// entry, and, if requested, a digest-close command. The cache is cleared.
func (d *digestEngine) drainPendingCommands(includeClose bool) []apdu.Capdu {
	var commands []apdu.Capdu

	entries := d.cache
	d.cache = nil

	if !d.initSent && len(entries) > 0 {
		commands = append(commands, samDigestInit(d.verifyOnly, d.encrypted, d.kif, d.kvc, entries[0]))
		entries = entries[1:]
		d.initSent = true
	}

	if d.updateMultiple {
		commands = append(commands, batchDigestUpdates(entries, d.maxUpdateLength)...)
	} else {
		for _, entry := range entries {
			commands = append(commands, samDigestUpdate(entry))
		}
	}

	if includeClose {
		commands = append(commands, samDigestClose())
	}

	return commands
}

// batchDigestUpdates packs entries into update-multiple commands, bounded by
// the maximum payload per update. Each entry costs one length byte on top of
// its own bytes.
func batchDigestUpdates(entries [][]byte, maxLength int) []apdu.Capdu {
	var (
		commands []apdu.Capdu
		batch    [][]byte
		size     int
	)

	for _, entry := range entries {
		cost := len(entry) + 1
		if len(batch) > 0 && size+cost > maxLength {
			commands = append(commands, samDigestUpdateMultiple(batch))
			batch, size = nil, 0
		}

		batch = append(batch, entry)
		size += cost
	}

	if len(batch) > 0 {
		commands = append(commands, samDigestUpdateMultiple(batch))
	}

	return commands
}

// flushPending sends any cached digest commands to the module without
// closing the digest. Used before a stored-value preparation so the module
// observes the session bytes in exchange order.
func (d *digestEngine) flushPending() error {
	commands := d.drainPendingCommands(false)
	if len(commands) == 0 {
		return nil
	}

	if _, err := d.sam.transmit(commands, KeepOpen); err != nil {
		return errors.Wrap(err, "flush digest")
	}

	return nil
}

// terminalSignature drains the cache with a digest-close, transmits, and
// returns the terminal signature extracted from the digest-close response.
func (d *digestEngine) terminalSignature() ([]byte, error) {
	if !d.initialized {
		return nil, IllegalStateError{Message: "digest not initialized"}
	}

	commands := d.drainPendingCommands(true)

	responses, err := d.sam.transmit(commands, KeepOpen)
	if err != nil {
		return nil, errors.Wrap(err, "close digest")
	}

	signature := responses[len(responses)-1].Data
	if len(signature) != 4 {
		return nil, errors.Errorf("terminal signature must be 4 bytes long, got %d", len(signature))
	}

	return signature, nil
}

// authenticateCardSignature verifies the signature returned by the card at
// session close against the module.
func (d *digestEngine) authenticateCardSignature(signature []byte) error {
	_, err := d.sam.transmit([]apdu.Capdu{samDigestAuthenticate(signature)}, KeepOpen)
	if err != nil {
		if _, ok := err.(ModuleStatusError); ok {
			return InvalidSignatureError{Signature: signature}
		}

		return errors.Wrap(err, "authenticate card signature")
	}

	return nil
}

// reset prepares the engine for a session re-open within the same
// transaction.
func (d *digestEngine) reset() {
	d.cache = nil
	d.initialized = false
	d.initSent = false
}
