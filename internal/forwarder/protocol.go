// Package forwarder speaks the Semtech UDP packet forwarder protocol to
// one network server: uplinks go out as PUSH_DATA, downlinks arrive as
// PULL_RESP, and a few management codes outside the standard range
// reconfigure the gateway.
package forwarder

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lorawan-server/single-channel-gateway/internal/models"
	"github.com/lorawan-server/single-channel-gateway/pkg/lorawan"
)

// Semtech UDP protocol versions
const (
	ProtocolV1 = 1
	ProtocolV2 = 2

	headerLen = 4
	euiLen    = 8
)

// Type is the message identifier in byte 3 of every datagram.
type Type uint8

const (
	TypePushData Type = 0x00
	TypePushAck  Type = 0x01
	TypePullData Type = 0x02
	TypePullResp Type = 0x03
	TypePullAck  Type = 0x04
	TypeTxAck    Type = 0x05

	// management codes, above the standard range
	TypeReset   Type = 0x15
	TypeSetSF   Type = 0x16
	TypeSetFreq Type = 0x17
)

var typeNames = map[Type]string{
	TypePushData: "PUSH_DATA",
	TypePushAck:  "PUSH_ACK",
	TypePullData: "PULL_DATA",
	TypePullResp: "PULL_RESP",
	TypePullAck:  "PULL_ACK",
	TypeTxAck:    "TX_ACK",
	TypeReset:    "RESET",
	TypeSetSF:    "SET_SF",
	TypeSetFreq:  "SET_FREQ",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("TYPE_0x%02x", uint8(t))
}

var (
	ErrMalformed       = errors.New("forwarder: malformed datagram")
	ErrVersionMismatch = errors.New("forwarder: protocol version mismatch")
	ErrUnknownType     = errors.New("forwarder: unknown message type")
)

// Header is the part common to every datagram.
type Header struct {
	Version uint8
	Token   uint16
}

// MessageHeader returns h.
func (h Header) MessageHeader() Header { return h }

func (h Header) encode(t Type, capacity int) []byte {
	buf := make([]byte, headerLen, headerLen+capacity)
	buf[0] = h.Version
	binary.BigEndian.PutUint16(buf[1:3], h.Token)
	buf[3] = byte(t)
	return buf
}

// Message is one decoded datagram.
type Message interface {
	Type() Type
	MessageHeader() Header
	MarshalBinary() ([]byte, error)
}

// Management is a message that reconfigures the gateway.
type Management interface {
	Message
	Change() models.ConfigChange
}

// PushPayload is the JSON body of PUSH_DATA.
type PushPayload struct {
	Rxpk []Rxpk `json:"rxpk,omitempty"`
	Stat *Stat  `json:"stat,omitempty"`
}

// PushData carries uplinks or a status report to the server.
type PushData struct {
	Header
	GatewayEUI lorawan.EUI64
	Payload    PushPayload
}

// NewPushData wraps one received packet.
func NewPushData(h Header, eui lorawan.EUI64, pkt *models.ReceivedPacket) *PushData {
	return &PushData{
		Header:     h,
		GatewayEUI: eui,
		Payload:    PushPayload{Rxpk: []Rxpk{NewRxpk(pkt)}},
	}
}

func (*PushData) Type() Type { return TypePushData }

func (m *PushData) MarshalBinary() ([]byte, error) {
	body, err := json.Marshal(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal push data: %w", err)
	}
	buf := m.encode(TypePushData, euiLen+len(body))
	buf = append(buf, m.GatewayEUI[:]...)
	return append(buf, body...), nil
}

// PushAck acknowledges a PUSH_DATA token.
type PushAck struct{ Header }

func (*PushAck) Type() Type { return TypePushAck }

func (m *PushAck) MarshalBinary() ([]byte, error) {
	return m.encode(TypePushAck, 0), nil
}

// PullData is the keepalive that opens the downlink path.
type PullData struct {
	Header
	GatewayEUI lorawan.EUI64
}

func (*PullData) Type() Type { return TypePullData }

func (m *PullData) MarshalBinary() ([]byte, error) {
	return append(m.encode(TypePullData, euiLen), m.GatewayEUI[:]...), nil
}

// PullAck acknowledges a PULL_DATA token.
type PullAck struct{ Header }

func (*PullAck) Type() Type { return TypePullAck }

func (m *PullAck) MarshalBinary() ([]byte, error) {
	return m.encode(TypePullAck, 0), nil
}

// PullResp is a downlink request. Downlink is filled in by Decode.
type PullResp struct {
	Header
	Txpk     Txpk
	Downlink models.Downlink
}

type pullRespPayload struct {
	Txpk *Txpk `json:"txpk"`
}

func (*PullResp) Type() Type { return TypePullResp }

func (m *PullResp) MarshalBinary() ([]byte, error) {
	body, err := json.Marshal(pullRespPayload{Txpk: &m.Txpk})
	if err != nil {
		return nil, fmt.Errorf("marshal txpk: %w", err)
	}
	return append(m.encode(TypePullResp, len(body)), body...), nil
}

// TxAck reports the fate of a PULL_RESP, echoing its token.
type TxAck struct {
	Header
	GatewayEUI lorawan.EUI64
	Error      TxAckError
}

type txAckPayload struct {
	TxpkAck struct {
		Error TxAckError `json:"error"`
	} `json:"txpk_ack"`
}

func (*TxAck) Type() Type { return TypeTxAck }

func (m *TxAck) MarshalBinary() ([]byte, error) {
	buf := append(m.encode(TypeTxAck, euiLen+48), m.GatewayEUI[:]...)
	if m.Error == "" {
		return buf, nil
	}
	var p txAckPayload
	p.TxpkAck.Error = m.Error
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal tx ack: %w", err)
	}
	return append(buf, body...), nil
}

// Reset clears the gateway statistics.
type Reset struct{ Header }

func (*Reset) Type() Type { return TypeReset }

func (m *Reset) MarshalBinary() ([]byte, error) {
	return m.encode(TypeReset, 0), nil
}

func (*Reset) Change() models.ConfigChange {
	return models.ConfigChange{Kind: models.ChangeResetStatistics}
}

// SetSF switches the receive spreading factor.
type SetSF struct {
	Header
	SpreadingFactor uint8
}

func (*SetSF) Type() Type { return TypeSetSF }

func (m *SetSF) MarshalBinary() ([]byte, error) {
	return append(m.encode(TypeSetSF, 1), m.SpreadingFactor), nil
}

func (m *SetSF) Change() models.ConfigChange {
	return models.ConfigChange{Kind: models.ChangeSpreadingFactor, SpreadingFactor: m.SpreadingFactor}
}

// SetFreq pins the receiver to one frequency in Hz.
type SetFreq struct {
	Header
	Frequency uint32
}

func (*SetFreq) Type() Type { return TypeSetFreq }

func (m *SetFreq) MarshalBinary() ([]byte, error) {
	return binary.BigEndian.AppendUint32(m.encode(TypeSetFreq, 4), m.Frequency), nil
}

func (m *SetFreq) Change() models.ConfigChange {
	return models.ConfigChange{Kind: models.ChangeFrequency, Frequency: m.Frequency}
}

// Decode parses a datagram sent with protocol version. A datagram that
// fails validation yields no message.
func Decode(buf []byte, version uint8) (Message, error) {
	if len(buf) < headerLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformed, len(buf))
	}
	h := Header{Version: buf[0], Token: binary.BigEndian.Uint16(buf[1:3])}
	if h.Version != version {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, h.Version, version)
	}
	t, body := Type(buf[3]), buf[headerLen:]

	switch t {
	case TypePushData:
		if len(body) < euiLen {
			return nil, fmt.Errorf("%w: %s without gateway EUI", ErrMalformed, t)
		}
		m := &PushData{Header: h}
		copy(m.GatewayEUI[:], body)
		if err := json.Unmarshal(body[euiLen:], &m.Payload); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		return m, nil
	case TypePullData:
		if len(body) != euiLen {
			return nil, fmt.Errorf("%w: %s body %d bytes", ErrMalformed, t, len(body))
		}
		m := &PullData{Header: h}
		copy(m.GatewayEUI[:], body)
		return m, nil
	case TypePullResp:
		var p pullRespPayload
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		if p.Txpk == nil {
			return nil, fmt.Errorf("%w: %s without txpk", ErrMalformed, t)
		}
		dl, err := p.Txpk.Downlink(h.Token)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		return &PullResp{Header: h, Txpk: *p.Txpk, Downlink: dl}, nil
	case TypeTxAck:
		if len(body) < euiLen {
			return nil, fmt.Errorf("%w: %s without gateway EUI", ErrMalformed, t)
		}
		m := &TxAck{Header: h}
		copy(m.GatewayEUI[:], body)
		if len(body) > euiLen {
			var p txAckPayload
			if err := json.Unmarshal(body[euiLen:], &p); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
			}
			m.Error = p.TxpkAck.Error
		}
		return m, nil
	case TypePushAck, TypePullAck, TypeReset:
		if len(body) != 0 {
			return nil, fmt.Errorf("%w: %s with %d byte body", ErrMalformed, t, len(body))
		}
		switch t {
		case TypePushAck:
			return &PushAck{Header: h}, nil
		case TypePullAck:
			return &PullAck{Header: h}, nil
		}
		return &Reset{Header: h}, nil
	case TypeSetSF:
		if len(body) != 1 {
			return nil, fmt.Errorf("%w: %s body %d bytes", ErrMalformed, t, len(body))
		}
		return &SetSF{Header: h, SpreadingFactor: body[0]}, nil
	case TypeSetFreq:
		if len(body) != 4 {
			return nil, fmt.Errorf("%w: %s body %d bytes", ErrMalformed, t, len(body))
		}
		return &SetFreq{Header: h, Frequency: binary.BigEndian.Uint32(body)}, nil
	}
	return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownType, uint8(t))
}
