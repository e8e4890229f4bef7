// Package domain contains the core types shared by the feed server, the
// scheduler, the opportunity detector, and the client library.
package domain

// Topic is a named category of broadcast message a client opts into.
// The set of topics is closed; subscribe requests naming anything else are
// silently ignored.
type Topic string

const (
	TopicPrices    Topic = "prices"
	TopicGasPrices Topic = "gasPrices"
	TopicArbitrage Topic = "arbitrage"
	TopicNetworks  Topic = "networks"
)

// SupportedTopics returns the closed set of broadcast topics.
func SupportedTopics() []Topic {
	return []Topic{TopicPrices, TopicGasPrices, TopicArbitrage, TopicNetworks}
}

// Valid reports whether t is one of the supported topics.
func (t Topic) Valid() bool {
	switch t {
	case TopicPrices, TopicGasPrices, TopicArbitrage, TopicNetworks:
		return true
	default:
		return false
	}
}

// NetworkID identifies a distinct blockchain / execution environment whose
// price and gas data is tracked independently. Unlike Topic the set is open:
// any string is a legal subscription key, but telemetry is only ever emitted
// for networks with live data.
type NetworkID string

const (
	NetworkEthereum NetworkID = "ethereum"
	NetworkArbitrum NetworkID = "arbitrum"
	NetworkOptimism NetworkID = "optimism"
	NetworkPolygon  NetworkID = "polygon"
	NetworkBase     NetworkID = "base"
	NetworkZkSync   NetworkID = "zksync"
)
