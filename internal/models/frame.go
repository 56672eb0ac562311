package models

import (
	"time"

	"github.com/lorawan-server/single-channel-gateway/pkg/lorawan"
)

// ReceivedPacket is a frame read from the radio FIFO with its metadata.
type ReceivedPacket struct {
	Payload []byte
	Channel Channel
	// ChannelIndex is the position of Channel in the hop sequence.
	ChannelIndex int
	// Tmst is the wrapping µs counter at capture.
	Tmst       uint32
	ReceivedAt time.Time
	// RSSI is the packet RSSI in dBm. It can drop below -128.
	RSSI int16
	// ChannelRSSI is the RSSI register reading at capture.
	ChannelRSSI int16
	SNR         float32
	CRCOK       bool
	MType       lorawan.MType
	DevAddr     lorawan.DevAddr
}

// Summary returns the statistics record for the packet.
func (p *ReceivedPacket) Summary() PacketSummary {
	return PacketSummary{
		Tmst:            p.Tmst,
		ReceivedAt:      p.ReceivedAt,
		DevAddr:         p.DevAddr,
		MType:           p.MType.String(),
		ChannelIndex:    p.ChannelIndex,
		Frequency:       p.Channel.Frequency,
		SpreadingFactor: p.Channel.SpreadingFactor,
		RSSI:            p.RSSI,
		ChannelRSSI:     p.ChannelRSSI,
		SNR:             p.SNR,
		Size:            len(p.Payload),
	}
}

// Downlink is a transmit request received from the network server.
type Downlink struct {
	Token uint16 `json:"token"`
	// Immediate downlinks ignore Tmst and fire on the next poll.
	Immediate bool    `json:"immediate"`
	Tmst      uint32  `json:"tmst"`
	Channel   Channel `json:"channel"`
	Power     int8    `json:"power"`
	InvertIQ  bool    `json:"invertIQ"`
	Preamble  uint16  `json:"preamble,omitempty"`
	NoCRC     bool    `json:"noCRC,omitempty"`
	Payload   []byte  `json:"payload"`
}

// PacketSummary is one entry of the recent-packet history.
type PacketSummary struct {
	BaseModel
	Tmst            uint32          `json:"tmst" db:"tmst"`
	ReceivedAt      time.Time       `json:"receivedAt" db:"received_at"`
	DevAddr         lorawan.DevAddr `json:"devAddr" db:"dev_addr"`
	MType           string          `json:"mType" db:"mtype"`
	ChannelIndex    int             `json:"channelIndex" db:"channel_index"`
	Frequency       uint32          `json:"frequency" db:"frequency"`
	SpreadingFactor uint8           `json:"spreadingFactor" db:"spreading_factor"`
	// RSSI is the packet RSSI, ChannelRSSI the channel reading at capture.
	RSSI        int16   `json:"rssi" db:"rssi"`
	ChannelRSSI int16   `json:"channelRssi" db:"channel_rssi"`
	SNR         float32 `json:"snr" db:"snr"`
	Size        int     `json:"size" db:"size"`
}
