package ws

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/arbfeed/arbfeed/internal/domain"
)

// Envelope is the wire format in both directions: a type tag and a payload.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Inbound message types.
const (
	msgSubscribe    = "subscribe"
	msgUnsubscribe  = "unsubscribe"
	msgPing         = "ping"
	msgGetNetworks  = "getNetworks"
	msgGetGasPrices = "getGasPrices"
	msgGetArbitrage = "getArbitrageOpportunities"
)

// Outbound message types.
const (
	msgConnection = "connection"
	msgSubscribed = "subscribed"
	msgPong       = "pong"
	TypePrices    = "prices"
	TypeGasPrices = "gasPrices"
	TypeArbitrage = "arbitrageOpportunities"
	TypeNetworks  = "networks"
)

// subscribePayload is the body of subscribe and unsubscribe requests.
type subscribePayload struct {
	Topics   []string `json:"topics"`
	Networks []string `json:"networks"`
}

type connectionPayload struct {
	Status            string             `json:"status"`
	Timestamp         time.Time          `json:"timestamp"`
	SupportedTopics   []domain.Topic     `json:"supportedTopics"`
	SupportedNetworks []domain.NetworkID `json:"supportedNetworks"`
}

type subscribedPayload struct {
	Topics   []domain.Topic     `json:"topics"`
	Networks []domain.NetworkID `json:"networks"`
}

type pongPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

type pricesPayload struct {
	Prices    map[domain.Pair]domain.PriceObservation `json:"prices"`
	Timestamp time.Time                               `json:"timestamp"`
}

type gasPricesPayload struct {
	GasPrices []domain.GasPrice `json:"gasPrices"`
	Timestamp time.Time         `json:"timestamp"`
}

type arbitragePayload struct {
	Opportunities []domain.ArbitrageOpportunity `json:"opportunities"`
	Timestamp     time.Time                     `json:"timestamp"`
}

type networksPayload struct {
	Networks  []domain.NetworkID `json:"networks"`
	Timestamp time.Time          `json:"timestamp"`
}

// Marshal builds one wire message from a type tag and payload.
func Marshal(msgType string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("ws: marshal %s payload: %w", msgType, err)
	}
	msg, err := json.Marshal(Envelope{Type: msgType, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("ws: marshal %s envelope: %w", msgType, err)
	}
	return msg, nil
}

// PricesMessage builds a prices broadcast for one network's observations.
func PricesMessage(prices domain.NetworkPrices, ts time.Time) ([]byte, error) {
	return Marshal(TypePrices, pricesPayload{
		Prices:    map[domain.Pair]domain.PriceObservation(prices),
		Timestamp: ts,
	})
}

// GasPricesMessage builds a gasPrices broadcast.
func GasPricesMessage(gas []domain.GasPrice, ts time.Time) ([]byte, error) {
	if gas == nil {
		gas = []domain.GasPrice{}
	}
	return Marshal(TypeGasPrices, gasPricesPayload{GasPrices: gas, Timestamp: ts})
}

// ArbitrageMessage builds an arbitrageOpportunities broadcast.
func ArbitrageMessage(opps []domain.ArbitrageOpportunity, ts time.Time) ([]byte, error) {
	if opps == nil {
		opps = []domain.ArbitrageOpportunity{}
	}
	return Marshal(TypeArbitrage, arbitragePayload{Opportunities: opps, Timestamp: ts})
}

// NetworksMessage builds a networks broadcast.
func NetworksMessage(networks []domain.NetworkID, ts time.Time) ([]byte, error) {
	return Marshal(TypeNetworks, networksPayload{Networks: networks, Timestamp: ts})
}
