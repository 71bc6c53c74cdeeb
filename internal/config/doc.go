// Package config loads and merges tbot configuration.
//
// A run is configured by up to three files in the config directory:
//
//	tbot.yaml            defaults (optional)
//	labs/<lab>.yaml      the lab host
//	boards/<board>.yaml  the board under test
//
// Each file may also be written as .yml, .jsonc or .json. JSONC files are
// filtered through github.com/tidwall/jsonc so comments and trailing commas
// are allowed. Layers are deep-merged with dario.cat/mergo, later layers
// winning, and "-p key=value" overrides are applied on top.
//
// Values are read with dotted keys (Get, TryGet, GetString, ...), or
// decoded into typed views (Lab, Board, Build) with
// github.com/go-viper/mapstructure/v2.
package config
