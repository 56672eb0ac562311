package lorawan

import "fmt"

// RegionConfiguration represents region-specific configuration
type RegionConfiguration struct {
	Name            string
	DefaultChannels []Channel
	DataRates       []DataRate
	// DefaultDR is the data rate a single-channel gateway listens on.
	DefaultDR      int
	DefaultRX2DR   int
	DefaultRX2Freq uint32
	// MinFrequency and MaxFrequency bound downlink frequencies in Hz.
	MinFrequency uint32
	MaxFrequency uint32
}

// Channel represents a LoRa channel
type Channel struct {
	Frequency uint32
	MinDR     int
	MaxDR     int
}

// DataRate represents a data rate configuration
type DataRate struct {
	SpreadFactor int
	Bandwidth    int // kHz
}

// GetRegionConfiguration returns configuration for a region
func GetRegionConfiguration(region string) (*RegionConfiguration, error) {
	switch region {
	case "EU868", "":
		return &EU868Configuration, nil
	case "US915":
		return &US915Configuration, nil
	case "CN470", "CN470_510":
		return &CN470Configuration, nil
	default:
		return nil, fmt.Errorf("unknown region %q", region)
	}
}

// DataRate returns the parameters of data rate index dr.
func (r *RegionConfiguration) DataRate(dr int) (DataRate, error) {
	if dr < 0 || dr >= len(r.DataRates) {
		return DataRate{}, fmt.Errorf("%s: data rate %d out of range", r.Name, dr)
	}
	return r.DataRates[dr], nil
}

// ValidFrequency reports whether hz lies within the region's band.
func (r *RegionConfiguration) ValidFrequency(hz uint32) bool {
	return hz >= r.MinFrequency && hz <= r.MaxFrequency
}

// EU868Configuration for EU 868MHz band
var EU868Configuration = RegionConfiguration{
	Name: "EU868",
	DefaultChannels: []Channel{
		{Frequency: 868100000, MinDR: 0, MaxDR: 5},
		{Frequency: 868300000, MinDR: 0, MaxDR: 5},
		{Frequency: 868500000, MinDR: 0, MaxDR: 5},
		{Frequency: 867100000, MinDR: 0, MaxDR: 5},
		{Frequency: 867300000, MinDR: 0, MaxDR: 5},
		{Frequency: 867500000, MinDR: 0, MaxDR: 5},
		{Frequency: 867700000, MinDR: 0, MaxDR: 5},
		{Frequency: 867900000, MinDR: 0, MaxDR: 5},
		{Frequency: 868800000, MinDR: 0, MaxDR: 5},
		{Frequency: 869525000, MinDR: 0, MaxDR: 5},
	},
	DataRates: []DataRate{
		{SpreadFactor: 12, Bandwidth: 125}, // DR0
		{SpreadFactor: 11, Bandwidth: 125}, // DR1
		{SpreadFactor: 10, Bandwidth: 125}, // DR2
		{SpreadFactor: 9, Bandwidth: 125},  // DR3
		{SpreadFactor: 8, Bandwidth: 125},  // DR4
		{SpreadFactor: 7, Bandwidth: 125},  // DR5
		{SpreadFactor: 7, Bandwidth: 250},  // DR6
	},
	DefaultDR:      5,
	DefaultRX2DR:   0,
	DefaultRX2Freq: 869525000,
	MinFrequency:   863000000,
	MaxFrequency:   870000000,
}

// US915Configuration for US 915MHz band, sub-band 2
var US915Configuration = RegionConfiguration{
	Name:            "US915",
	DefaultChannels: generateSpacedChannels(903900000, 200000, 8, 0, 3),
	DataRates: []DataRate{
		{SpreadFactor: 10, Bandwidth: 125}, // DR0
		{SpreadFactor: 9, Bandwidth: 125},  // DR1
		{SpreadFactor: 8, Bandwidth: 125},  // DR2
		{SpreadFactor: 7, Bandwidth: 125},  // DR3
		{SpreadFactor: 8, Bandwidth: 500},  // DR4
	},
	DefaultDR:      3,
	DefaultRX2DR:   4,
	DefaultRX2Freq: 923300000,
	MinFrequency:   902000000,
	MaxFrequency:   928000000,
}

// CN470Configuration for China 470-510MHz band
var CN470Configuration = RegionConfiguration{
	Name:            "CN470",
	DefaultChannels: CN470ConfigureChannels(0xFF, CN470SubBand1A),
	DataRates: []DataRate{
		{SpreadFactor: 12, Bandwidth: 125}, // DR0
		{SpreadFactor: 11, Bandwidth: 125}, // DR1
		{SpreadFactor: 10, Bandwidth: 125}, // DR2
		{SpreadFactor: 9, Bandwidth: 125},  // DR3
		{SpreadFactor: 8, Bandwidth: 125},  // DR4
		{SpreadFactor: 7, Bandwidth: 125},  // DR5
	},
	DefaultDR:      5,
	DefaultRX2DR:   0,
	DefaultRX2Freq: 505300000,
	MinFrequency:   470000000,
	MaxFrequency:   510000000,
}

func generateSpacedChannels(base, spacing uint32, n, minDR, maxDR int) []Channel {
	channels := make([]Channel, n)
	for i := range channels {
		channels[i] = Channel{
			Frequency: base + uint32(i)*spacing,
			MinDR:     minDR,
			MaxDR:     maxDR,
		}
	}
	return channels
}
