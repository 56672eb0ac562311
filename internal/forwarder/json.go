package forwarder

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/lorawan-server/single-channel-gateway/internal/models"
)

var (
	ErrModulation = errors.New("unsupported modulation")
	ErrDataRate   = errors.New("invalid datr")
	ErrCodingRate = errors.New("invalid codr")
	ErrPayload    = errors.New("invalid payload")
)

// statTimeLayout is the stat "time" format, e.g. "2014-01-12 08:59:28 GMT".
const statTimeLayout = "2006-01-02 15:04:05 MST"

// Rxpk is one received packet as carried in PUSH_DATA.
type Rxpk struct {
	Time       string  `json:"time"`
	Timestamp  uint32  `json:"tmst"`
	Channel    int     `json:"chan"`
	RFChain    uint8   `json:"rfch"`
	Frequency  float64 `json:"freq"` // MHz
	Status     int8    `json:"stat"` // 1 CRC ok, -1 CRC failed, 0 no CRC
	Modulation string  `json:"modu"`
	DataRate   string  `json:"datr"`
	CodingRate string  `json:"codr"`
	RSSI       int     `json:"rssi"`
	LoRaSNR    float32 `json:"lsnr"`
	Size       int     `json:"size"`
	Data       string  `json:"data"`
}

// NewRxpk converts a received packet.
func NewRxpk(pkt *models.ReceivedPacket) Rxpk {
	status := int8(1)
	if !pkt.CRCOK {
		status = -1
	}
	return Rxpk{
		Time:       pkt.ReceivedAt.UTC().Format(time.RFC3339Nano),
		Timestamp:  pkt.Tmst,
		Channel:    pkt.ChannelIndex,
		Frequency:  float64(pkt.Channel.Frequency) / 1e6,
		Status:     status,
		Modulation: "LORA",
		DataRate:   pkt.Channel.DataRate(),
		CodingRate: pkt.Channel.CodingRateString(),
		RSSI:       int(pkt.RSSI),
		LoRaSNR:    float32(math.Round(float64(pkt.SNR)*10) / 10),
		Size:       len(pkt.Payload),
		Data:       base64.StdEncoding.EncodeToString(pkt.Payload),
	}
}

// Txpk is a downlink request as carried in PULL_RESP.
type Txpk struct {
	Immediate  bool    `json:"imme"`
	Timestamp  uint32  `json:"tmst,omitempty"`
	Time       string  `json:"time,omitempty"`
	Frequency  float64 `json:"freq"` // MHz, Hz precision
	RFChain    uint8   `json:"rfch"`
	Power      int     `json:"powe,omitempty"`
	Modulation string  `json:"modu"`
	DataRate   string  `json:"datr"`
	CodingRate string  `json:"codr,omitempty"`
	InvertIQ   bool    `json:"ipol,omitempty"`
	Preamble   uint16  `json:"prea,omitempty"`
	Size       int     `json:"size"`
	Data       string  `json:"data"` // base64, padding optional
	NoCRC      bool    `json:"ncrc,omitempty"`
}

// NewTxpk builds the txpk a server would send for dl.
func NewTxpk(dl models.Downlink) Txpk {
	return Txpk{
		Immediate:  dl.Immediate,
		Timestamp:  dl.Tmst,
		Frequency:  float64(dl.Channel.Frequency) / 1e6,
		Power:      int(dl.Power),
		Modulation: "LORA",
		DataRate:   dl.Channel.DataRate(),
		CodingRate: dl.Channel.CodingRateString(),
		InvertIQ:   dl.InvertIQ,
		Preamble:   dl.Preamble,
		Size:       len(dl.Payload),
		Data:       base64.StdEncoding.EncodeToString(dl.Payload),
		NoCRC:      dl.NoCRC,
	}
}

// Downlink validates the txpk fields and converts them. Radio limits
// (frequency range, power, payload length) are checked by the scheduler.
func (t Txpk) Downlink(token uint16) (models.Downlink, error) {
	if t.Modulation != "LORA" {
		return models.Downlink{}, fmt.Errorf("%w: %q", ErrModulation, t.Modulation)
	}
	sf, bw, err := ParseDataRate(t.DataRate)
	if err != nil {
		return models.Downlink{}, err
	}
	cr := uint8(1)
	if t.CodingRate != "" {
		if cr, err = ParseCodingRate(t.CodingRate); err != nil {
			return models.Downlink{}, err
		}
	}
	payload, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(t.Data, "="))
	if err != nil {
		return models.Downlink{}, fmt.Errorf("%w: %w", ErrPayload, err)
	}
	if len(payload) != t.Size {
		return models.Downlink{}, fmt.Errorf("%w: size %d, data %d bytes", ErrPayload, t.Size, len(payload))
	}
	if t.Frequency <= 0 || t.Power < 0 || t.Power > math.MaxInt8 {
		return models.Downlink{}, fmt.Errorf("%w: freq %v powe %d", ErrPayload, t.Frequency, t.Power)
	}
	return models.Downlink{
		Token:     token,
		Immediate: t.Immediate,
		Tmst:      t.Timestamp,
		Channel: models.Channel{
			Frequency:       uint32(math.Round(t.Frequency * 1e6)),
			SpreadingFactor: sf,
			Bandwidth:       bw,
			CodingRate:      cr,
		},
		Power:    int8(t.Power),
		InvertIQ: t.InvertIQ,
		Preamble: t.Preamble,
		NoCRC:    t.NoCRC,
		Payload:  payload,
	}, nil
}

// ParseDataRate splits a datr identifier such as "SF9BW125" into the
// spreading factor and the bandwidth in Hz.
func ParseDataRate(s string) (uint8, uint32, error) {
	rest, ok := strings.CutPrefix(s, "SF")
	if !ok {
		return 0, 0, fmt.Errorf("%w: %q", ErrDataRate, s)
	}
	sfStr, bwStr, ok := strings.Cut(rest, "BW")
	if !ok {
		return 0, 0, fmt.Errorf("%w: %q", ErrDataRate, s)
	}
	sf, err := strconv.ParseUint(sfStr, 10, 8)
	if err != nil || sf < 6 || sf > 12 {
		return 0, 0, fmt.Errorf("%w: %q", ErrDataRate, s)
	}
	bw, err := strconv.ParseFloat(bwStr, 64)
	if err != nil || bw <= 0 {
		return 0, 0, fmt.Errorf("%w: %q", ErrDataRate, s)
	}
	return uint8(sf), uint32(math.Round(bw * 1000)), nil
}

// ParseCodingRate maps "4/5".."4/8" to 1..4.
func ParseCodingRate(s string) (uint8, error) {
	num, den, ok := strings.Cut(s, "/")
	if !ok || num != "4" {
		return 0, fmt.Errorf("%w: %q", ErrCodingRate, s)
	}
	d, err := strconv.Atoi(den)
	if err != nil || d < 5 || d > 8 {
		return 0, fmt.Errorf("%w: %q", ErrCodingRate, s)
	}
	return uint8(d - 4), nil
}

// Stat is the periodic gateway status report.
type Stat struct {
	Time        string  `json:"time"`
	Latitude    float64 `json:"lati"`
	Longitude   float64 `json:"long"`
	Altitude    int     `json:"alti"`
	RxReceived  uint64  `json:"rxnb"`
	RxOK        uint64  `json:"rxok"`
	RxForwarded uint64  `json:"rxfw"`
	AckRatio    float64 `json:"ackr"`
	Downlinks   uint64  `json:"dwnb"`
	Transmitted uint64  `json:"txnb"`
	Platform    string  `json:"pfrm,omitempty"`
	Email       string  `json:"mail,omitempty"`
	Description string  `json:"desc,omitempty"`
}

// TxAckError is the TX_ACK error identifier.
type TxAckError string

const (
	TxAckNone            TxAckError = "NONE"
	TxAckTooLate         TxAckError = "TOO_LATE"
	TxAckTooEarly        TxAckError = "TOO_EARLY"
	TxAckCollisionPacket TxAckError = "COLLISION_PACKET"
	TxAckTxFreq          TxAckError = "TX_FREQ"
	TxAckTxPower         TxAckError = "TX_POWER"
	TxAckGPSUnlocked     TxAckError = "GPS_UNLOCKED"
)
