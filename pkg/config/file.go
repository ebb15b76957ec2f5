package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// NodeDescriptor is a static, YAML-described node/peer roster, loaded once
// at startup and distinct from the env-driven runtime Config. Grounded on
// this repo's YAML-tagged settings-file convention. When BTC_PEERS_FILE
// names a descriptor, its Peers replace the BTC_SYNC_PEERS list outright;
// the two are not merged.
type NodeDescriptor struct {
	NodeName string         `yaml:"node_name"`
	Region   string         `yaml:"region"`
	Peers    []PeerEndpoint `yaml:"peers"`
}

// PeerEndpoint names a sync peer this node may dial as initiator, with
// enough locality/trust context to drive audience gating during the sync
// round (see pkg/syncproto.PeerContext).
type PeerEndpoint struct {
	Name         string  `yaml:"name"`
	Address      string  `yaml:"address"`
	PublicKeyHex string  `yaml:"public_key_hex"`
	IsLocal      bool    `yaml:"is_local"`
	TrustScore   float64 `yaml:"trust_score"`
}

// LoadFile reads a NodeDescriptor from a YAML file.
func LoadFile(path string) (*NodeDescriptor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading node descriptor %s: %w", path, err)
	}
	var nd NodeDescriptor
	if err := yaml.Unmarshal(raw, &nd); err != nil {
		return nil, fmt.Errorf("parsing node descriptor %s: %w", path, err)
	}
	return &nd, nil
}
