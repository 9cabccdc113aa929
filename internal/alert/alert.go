package alert

import (
	"fmt"
	"math/big"

	"github.com/devblac/escrow-watch/internal/bridge"
)

// Severity of an alert.
type Severity string

const (
	SeverityInfo     Severity = "informational"
	SeverityCritical Severity = "critical"
)

// Type classifies an alert.
type Type string

const (
	TypeInfo    Type = "info"
	TypeExploit Type = "exploit"
)

// Alert is a structured finding emitted by the reconciler. Amounts in
// Metadata are decimal strings.
type Alert struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	AlertID     string            `json:"alert_id"`
	Severity    Severity          `json:"severity"`
	Type        Type              `json:"type"`
	Protocol    string            `json:"protocol"`
	Metadata    map[string]string `json:"metadata"`
}

// Builder renders alerts for one token and protocol tag.
type Builder struct {
	Token    *bridge.Token
	Protocol string
}

// TransferID is the alert id of an escrow deposit on network.
func TransferID(network string) string {
	return network + "-TRANSFER-1"
}

// ViolationID is the alert id of a supply violation on network.
func ViolationID(network string) string {
	return network + "-BAL-1"
}

// Transfer describes a deposit of the monitored token into a network's escrow.
func (b Builder) Transfer(network bridge.Network, tr bridge.Transfer) Alert {
	return Alert{
		Name:        fmt.Sprintf("%s Transfer Event Emission to monitored Escrow", b.Token.Symbol),
		Description: fmt.Sprintf("%s Transfer Event Emission to %s escrow at: %s", b.Token.Symbol, network.Name, network.Escrow.Hex()),
		AlertID:     TransferID(network.Name),
		Severity:    SeverityInfo,
		Type:        TypeInfo,
		Protocol:    b.Protocol,
		Metadata: map[string]string{
			"escrow": network.Name,
			"from":   tr.From.Hex(),
			"to":     tr.To.Hex(),
			"value":  tr.Value.String(),
		},
	}
}

// SupplyViolation reports L2 supply exceeding the escrow balance backing it.
func (b Builder) SupplyViolation(network bridge.Network, l1Balance, l2Supply *big.Int) Alert {
	return Alert{
		Name: fmt.Sprintf("%s total supply exceeds balance", b.Token.Symbol),
		Description: fmt.Sprintf("L2 %s total supply of %s exceeds and violates balance at L1 %s Escrow, at %s contract address: %s",
			network.Name, b.Token.Symbol, network.Name, b.Token.Symbol, b.Token.L2Address.Hex()),
		AlertID:  ViolationID(network.Name),
		Severity: SeverityCritical,
		Type:     TypeExploit,
		Protocol: b.Protocol,
		Metadata: map[string]string{
			"address":       network.Escrow.Hex(),
			"name":          network.Name,
			"l1Balance":     l1Balance.String(),
			"l2TotalSupply": l2Supply.String(),
		},
	}
}

// ParseSeverity maps a config string onto a Severity.
func ParseSeverity(s string) (Severity, error) {
	switch Severity(s) {
	case SeverityInfo, SeverityCritical:
		return Severity(s), nil
	default:
		return "", fmt.Errorf("unknown severity %q", s)
	}
}
