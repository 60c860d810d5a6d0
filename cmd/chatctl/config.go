package main

import (
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Addr  string `envconfig:"CHAT_ADDR" default:"localhost:50051"`
	Token string `envconfig:"CHAT_TOKEN"`
	// CHAT_TLS dials with the system roots instead of plaintext
	TLS bool `envconfig:"CHAT_TLS" default:"false"`
	// CHAT_DEBUG_JSON dumps every unary request/response body
	DebugJSON bool `envconfig:"CHAT_DEBUG_JSON" default:"false"`
	// CHAT_COLOURS enables colorized output
	Colours bool `envconfig:"CHAT_COLOURS" default:"true"`
}

func LoadConfig() (Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	return cfg, err
}
