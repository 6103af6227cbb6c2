package calypso

import (
	"strings"

	"github.com/moov-io/bertlv"
	"github.com/pkg/errors"
	"github.com/skythen/apdu"
)

// FCI template tags returned by application selection.
const (
	tagFciTemplate            = "6F"
	tagDfName                 = "84"
	tagFciProprietaryTemplate = "A5"
	tagDiscretionaryData      = "BF0C"
	tagSerialNumber           = "C7"
	tagStartupInfo            = "53"
)

const startupInfoLength = 7

// sessionBufferSizes maps the session buffer size indicator carried in the
// startup information to a capacity in bytes. Indicators below the table
// base identify older generations whose buffer is counted in commands.
var sessionBufferSizes = [...]int{215, 256, 304, 362, 430, 512, 608, 724, 861, 1024}

const (
	sessionBufferIndicatorBase = 6
	commandCountedBufferMax    = 6
)

// ApplicationInfo is the result of an application selection: the
// bootstrapped card image and the capabilities derived from the card's
// startup information.
type ApplicationInfo struct {
	Image        *CardImage
	Capabilities CardCapabilities
}

func newSelectApplicationCommand(aid []byte) apdu.Capdu {
	return apdu.Capdu{
		Cla:  0x00,
		Ins:  insSelectFile,
		P1:   0x04,
		P2:   0x00,
		Data: aid,
		Ne:   apdu.MaxLenResponseDataStandard,
	}
}

// SelectApplication selects the application identified by aid and
// bootstraps a card image from the returned file control information:
// serial number, DF name and startup information. The capabilities needed
// by a transaction (class byte, session buffer semantics, ratification
// mode) are derived from the startup information and the communication
// mode.
func SelectApplication(card CardTransmitter, aid []byte, contactless bool) (*ApplicationInfo, error) {
	if card == nil {
		panic("calypso: value of card must not be nil")
	}

	request := newSelectApplicationCommand(aid)

	responses, err := card.Transmit([]apdu.Capdu{request}, KeepOpen)
	if err != nil {
		return nil, TransmitError{Command: request, Cause: err}
	}

	if len(responses) != 1 {
		return nil, DesynchronizationError{Sent: 1, Received: len(responses)}
	}

	if sw := statusWord(responses[0]); sw != swSuccess {
		if sw == swFileNotFound {
			return nil, errors.Errorf("application %02X not found", aid)
		}

		return nil, errors.Errorf("select application failed with status word '%04X'", sw)
	}

	image := NewCardImage()
	if err := applyFci(image, responses[0].Data); err != nil {
		return nil, err
	}

	return &ApplicationInfo{
		Image:        image,
		Capabilities: capabilitiesFromStartupInfo(image.StartupInfo, contactless),
	}, nil
}

// applyFci parses the FCI template of a select-application response into
// the image: DF name from the template, serial number and startup
// information from the discretionary data objects.
func applyFci(image *CardImage, fci []byte) error {
	tlvs, err := bertlv.Decode(fci)
	if err != nil {
		return errors.Wrap(err, "decode FCI")
	}

	template := childTlvs(tlvs, tagFciTemplate)

	if name := findTag(template, tagDfName); len(name) != 0 {
		image.DfName = append([]byte(nil), name...)
	}

	objects := childTlvs(childTlvs(template, tagFciProprietaryTemplate), tagDiscretionaryData)

	serial := findTag(objects, tagSerialNumber)
	if len(serial) == 0 {
		return errors.New("FCI carries no application serial number")
	}

	image.SerialNumber = append([]byte(nil), serial...)

	startup := findTag(objects, tagStartupInfo)
	if len(startup) < startupInfoLength {
		return errors.Errorf("startup information must be %d bytes long, got %d", startupInfoLength, len(startup))
	}

	image.StartupInfo = append([]byte(nil), startup...)

	return nil
}

// childTlvs returns the nested objects of the first TLV matching tag.
func childTlvs(tlvs []bertlv.TLV, tag string) []bertlv.TLV {
	for _, t := range tlvs {
		if strings.EqualFold(t.Tag, tag) {
			return t.TLVs
		}
	}

	return nil
}

// startupInfoFromFci extracts the startup information from an FCI read back
// through get-data, or nil when absent.
func startupInfoFromFci(fci []byte) []byte {
	tlvs, err := bertlv.Decode(fci)
	if err != nil {
		return nil
	}

	startup := findTag(tlvs, tagStartupInfo)
	if len(startup) < startupInfoLength {
		return nil
	}

	return append([]byte(nil), startup...)
}

// capabilitiesFromStartupInfo derives the transaction capabilities from the
// card's startup information. The first byte is the session buffer size
// indicator; indicators below the table base identify generations whose
// buffer counts commands instead of bytes.
func capabilitiesFromStartupInfo(startup []byte, contactless bool) CardCapabilities {
	caps := CardCapabilities{
		Cla:                   0x00,
		Contactless:           contactless,
		RatificationByCommand: contactless,
	}

	indicator := 0
	if len(startup) > 0 {
		indicator = int(startup[0])
	}

	if indicator < sessionBufferIndicatorBase {
		caps.SessionBufferMax = commandCountedBufferMax

		return caps
	}

	index := indicator - sessionBufferIndicatorBase
	if index >= len(sessionBufferSizes) {
		index = len(sessionBufferSizes) - 1
	}

	caps.ModificationsCounterInBytes = true
	caps.SessionBufferMax = sessionBufferSizes[index]

	return caps
}
