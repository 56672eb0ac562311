package events

import (
	"time"

	"github.com/lorawan-server/single-channel-gateway/internal/models"
	"github.com/lorawan-server/single-channel-gateway/pkg/lorawan"
)

// Uplink is the payload of an UPLINK event.
type Uplink struct {
	Tmst         uint32          `json:"tmst"`
	Time         time.Time       `json:"time"`
	Frequency    uint32          `json:"frequency"`
	ChannelIndex int             `json:"channel"`
	DataRate     string          `json:"dataRate"`
	CodingRate   string          `json:"codingRate"`
	RSSI         int16           `json:"rssi"`
	ChannelRSSI  int16           `json:"channelRssi"`
	SNR          float32         `json:"snr"`
	CRCOK        bool            `json:"crcOk"`
	MType        string          `json:"mType"`
	DevAddr      lorawan.DevAddr `json:"devAddr"`
	Size         int             `json:"size"`
	Payload      []byte          `json:"payload"`
}

// Downlink is the payload of DOWNLINK and TX_ACK events.
type Downlink struct {
	Token     uint16 `json:"token"`
	Immediate bool   `json:"immediate"`
	Tmst      uint32 `json:"tmst"`
	Frequency uint32 `json:"frequency"`
	DataRate  string `json:"dataRate"`
	Power     int8   `json:"power"`
	Size      int    `json:"size"`
	Result    string `json:"result,omitempty"`
}

// NewUplink wraps a received packet.
func NewUplink(gateway lorawan.EUI64, pkt *models.ReceivedPacket) models.Event {
	return models.NewEvent(models.EventTypeUplink, gateway.String(), Uplink{
		Tmst:         pkt.Tmst,
		Time:         pkt.ReceivedAt,
		Frequency:    pkt.Channel.Frequency,
		ChannelIndex: pkt.ChannelIndex,
		DataRate:     pkt.Channel.DataRate(),
		CodingRate:   pkt.Channel.CodingRateString(),
		RSSI:         pkt.RSSI,
		ChannelRSSI:  pkt.ChannelRSSI,
		SNR:          pkt.SNR,
		CRCOK:        pkt.CRCOK,
		MType:        pkt.MType.String(),
		DevAddr:      pkt.DevAddr,
		Size:         len(pkt.Payload),
		Payload:      pkt.Payload,
	})
}

// NewDownlink reports a downlink leaving the radio (t DOWNLINK) or a
// scheduling verdict sent to the server (t TX_ACK).
func NewDownlink(t models.EventType, gateway lorawan.EUI64, dl models.Downlink, result string) models.Event {
	return models.NewEvent(t, gateway.String(), Downlink{
		Token:     dl.Token,
		Immediate: dl.Immediate,
		Tmst:      dl.Tmst,
		Frequency: dl.Channel.Frequency,
		DataRate:  dl.Channel.DataRate(),
		Power:     dl.Power,
		Size:      len(dl.Payload),
		Result:    result,
	})
}
