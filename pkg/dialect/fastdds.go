package dialect

import (
	"errors"

	"github.com/hdds-team/hdds-go/pkg/wire"
)

var errMissingGUID = errors.New("announcement missing GUID parameter")

// FastDDSEncoder speaks the eProsima-compatible dialect: its SPDP PID
// ordering (protocol version and vendor first, locators before the
// property list), TypeObject embedded in SEDP, and immediate SEDP
// without an SPDP barrier.
type FastDDSEncoder struct {
	StandardEncoder
}

// NewFastDDS returns the eProsima-compatible encoder.
func NewFastDDS() *FastDDSEncoder {
	return &FastDDSEncoder{}
}

// Name implements Encoder.
func (e *FastDDSEncoder) Name() string { return "fastdds" }

// VendorID implements Encoder.
func (e *FastDDSEncoder) VendorID() wire.VendorID { return wire.VendorEProsima }

// RequiresTypeObject implements Encoder: matching against this dialect
// works best when SEDP embeds the complete TypeObject.
func (e *FastDDSEncoder) RequiresTypeObject() bool { return true }

// FragmentSize implements Encoder: conservative MTU minus headers.
func (e *FastDDSEncoder) FragmentSize() int { return 1300 }

// SkipSPDPBarrier implements Encoder: RTPS 2.3 peers handle rapid
// discovery; SEDP goes out immediately.
func (e *FastDDSEncoder) SkipSPDPBarrier() bool { return true }

// BuildSPDP implements Encoder with the eProsima PID ordering: version,
// vendor, GUID, builtin set, then locators strictly before the property
// list so oversized properties cannot truncate them.
func (e *FastDDSEncoder) BuildSPDP(d *SPDPData) []byte {
	var w wire.ParameterListWriter
	v := e.RTPSVersion()
	w.Add(wire.PIDProtocolVersion, []byte{v.Major, v.Minor, 0, 0})
	vid := e.VendorID()
	w.Add(wire.PIDVendorID, []byte{vid[0], vid[1], 0, 0})
	guid := d.GUID.Bytes()
	w.Add(wire.PIDParticipantGUID, guid[:])
	w.AddUint32(wire.PIDBuiltinEndpointSet, builtinEndpointSet)
	for _, loc := range d.DefaultUnicast {
		w.AddLocator(wire.PIDDefaultUnicastLocator, loc)
	}
	for _, loc := range d.MetatrafficUnicast {
		w.AddLocator(wire.PIDMetatrafficUnicastLocator, loc)
	}
	if len(d.Properties) > 0 {
		w.Add(wire.PIDPropertyList, encodeProperties(d.Properties))
	}
	w.AddDuration(wire.PIDParticipantLeaseDuration, durationValue(d.Lease))
	w.AddUint32(wire.PIDDomainID, d.DomainID)
	return append(append([]byte{}, encapPLCDRLE...), w.Finish()...)
}

// BuildSEDP implements Encoder; topic and type lead, and the complete
// TypeObject is appended whenever available.
func (e *FastDDSEncoder) BuildSEDP(d *SEDPData) []byte {
	var w wire.ParameterListWriter
	w.AddString(wire.PIDTopicName, d.Topic)
	w.AddString(wire.PIDTypeName, d.TypeName)
	ep := d.Endpoint.Bytes()
	w.Add(wire.PIDEndpointGUID, ep[:])
	part := d.Participant.Bytes()
	w.Add(wire.PIDParticipantGUID, part[:])
	for _, loc := range d.Unicast {
		w.AddLocator(wire.PIDUnicastLocator, loc)
	}
	if d.QoS != nil {
		appendQoS(&w, d.QoS)
	}
	if len(d.TypeObject) > 0 {
		w.Add(wire.PIDTypeObject, d.TypeObject)
	}
	return append(append([]byte{}, encapPLCDRLE...), w.Finish()...)
}

// Fingerprint is the observed evidence used to pick a peer's dialect.
type Fingerprint struct {
	Version wire.ProtocolVersion
	Vendor  wire.VendorID
	PIDs    map[wire.ParameterID]struct{}
}

// Detect selects the outbound encoder for a peer. Detection is sticky:
// the discovery layer calls it once per peer and caches the result.
// Unknown vendors get the standard encoder, which every tested stack
// accepts.
func Detect(fp Fingerprint) Encoder {
	switch fp.Vendor {
	case wire.VendorEProsima:
		return NewFastDDS()
	case wire.VendorHDDS:
		return NewStandard()
	}
	// A peer advertising the eProsima vendor-range sentinel quirk gets
	// the compatible encoder even without the vendor id.
	if _, ok := fp.PIDs[wire.PIDSentinelVendorB]; ok {
		return NewFastDDS()
	}
	return NewStandard()
}
