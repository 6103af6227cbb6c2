package calypso

import (
	"github.com/ebfe/scard"
	"github.com/pkg/errors"
	"github.com/skythen/apdu"
)

// PcscReader adapts a PC/SC connection to the transmitter interfaces. The
// same type serves card readers and SAM readers.
type PcscReader struct {
	card   *scard.Card
	reader string
}

// ConnectPcsc connects to the named PC/SC reader in shared mode, letting
// the stack negotiate the protocol.
func ConnectPcsc(ctx *scard.Context, reader string) (*PcscReader, error) {
	card, err := ctx.Connect(reader, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		return nil, errors.Wrapf(err, "connect to reader %s", reader)
	}

	return &PcscReader{card: card, reader: reader}, nil
}

// Transmit exchanges the requests one by one over the PC/SC connection.
// Responses received before a failure are returned alongside the error.
// CloseAfter disconnects with a card reset once the requests, if any, have
// been exchanged.
func (r *PcscReader) Transmit(requests []apdu.Capdu, channel ChannelControl) ([]apdu.Rapdu, error) {
	var responses []apdu.Rapdu

	for _, request := range requests {
		raw, err := r.card.Transmit(request.Bytes())
		if err != nil {
			return responses, errors.Wrapf(err, "transmit to reader %s", r.reader)
		}

		response, err := parseRapdu(raw)
		if err != nil {
			return responses, err
		}

		responses = append(responses, response)
	}

	if channel == CloseAfter {
		if err := r.card.Disconnect(scard.ResetCard); err != nil {
			return responses, errors.Wrapf(err, "disconnect reader %s", r.reader)
		}
	}

	return responses, nil
}

func parseRapdu(raw []byte) (apdu.Rapdu, error) {
	if len(raw) < 2 {
		return apdu.Rapdu{}, errors.Errorf("response must be at least 2 bytes long, got %d", len(raw))
	}

	return apdu.Rapdu{
		Data: append([]byte(nil), raw[:len(raw)-2]...),
		SW1:  raw[len(raw)-2],
		SW2:  raw[len(raw)-1],
	}, nil
}
