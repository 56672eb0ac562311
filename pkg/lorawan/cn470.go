package lorawan

// CN470SubBand CN470 sub-band index, eight channels each
type CN470SubBand int

const (
	CN470SubBand1A CN470SubBand = iota // 470.3-471.7 MHz (Ch 0-7)
	CN470SubBand1B                     // 471.9-473.3 MHz (Ch 8-15)
	CN470SubBand2A                     // 473.5-474.9 MHz (Ch 16-23)
	CN470SubBand2B                     // 475.1-476.5 MHz (Ch 24-31)
	CN470SubBand3A                     // 476.7-478.1 MHz (Ch 32-39)
	CN470SubBand3B                     // 478.3-479.7 MHz (Ch 40-47)
	CN470SubBand4A                     // 479.9-481.3 MHz (Ch 48-55)
	CN470SubBand4B                     // 481.5-482.9 MHz (Ch 56-63)
	CN470SubBand5A                     // 483.1-484.5 MHz (Ch 64-71)
	CN470SubBand5B                     // 484.7-486.1 MHz (Ch 72-79)
	CN470SubBand6A                     // 486.3-487.7 MHz (Ch 80-87)
	CN470SubBand6B                     // 487.9-489.3 MHz (Ch 88-95)
)

// CN470GetUplinkFrequency returns the uplink frequency of a CN470 channel, 0 when out of range
func CN470GetUplinkFrequency(channel int) uint32 {
	if channel < 0 || channel > 95 {
		return 0
	}
	return uint32(470300000 + channel*200000)
}

// CN470ConfigureChannels returns the channels of a sub-band enabled by mask
func CN470ConfigureChannels(channelMask uint8, subBand CN470SubBand) []Channel {
	var channels []Channel
	baseChannel := int(subBand) * 8

	for i := 0; i < 8; i++ {
		if channelMask&(1<<uint(i)) == 0 {
			continue
		}
		ch := baseChannel + i
		if ch < 96 {
			channels = append(channels, Channel{
				Frequency: CN470GetUplinkFrequency(ch),
				MinDR:     0,
				MaxDR:     5,
			})
		}
	}

	return channels
}
