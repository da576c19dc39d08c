package main

import (
	"fmt"
	"time"

	"github.com/arkade-os/fedmint/internal/config"
	"github.com/urfave/cli/v2"
)

const (
	urlFlagName           = "url"
	outFlagName           = "out"
	mintsFlagName         = "mints"
	gatewaysFlagName      = "gateways"
	tiersFlagName         = "tiers"
	networkFlagName       = "network"
	finalityDelayFlagName = "finality-delay"
	hostFlagName          = "host"
	apiPortFlagName       = "api-port"
	peerPortFlagName      = "peer-port"

	timeout = 15 * time.Second
)

var (
	urlFlag = &cli.StringFlag{
		Name:  urlFlagName,
		Usage: "the url where to reach the fedmint peer",
		Value: fmt.Sprintf("http://127.0.0.1:%d", config.DefaultPort),
	}
	outFlag = &cli.StringFlag{
		Name:     outFlagName,
		Usage:    "directory where to write the federation and secret configs",
		Required: true,
	}
	mintsFlag = &cli.IntFlag{
		Name:  mintsFlagName,
		Usage: "number of mint peers",
		Value: 4,
	}
	gatewaysFlag = &cli.IntFlag{
		Name:  gatewaysFlagName,
		Usage: "number of gateway peers",
	}
	tiersFlag = &cli.Uint64SliceFlag{
		Name:  tiersFlagName,
		Usage: "coin denominations in sats, powers of two (default 1 to 2^20)",
	}
	networkFlag = &cli.StringFlag{
		Name:  networkFlagName,
		Usage: "bitcoin network (mainnet, testnet, signet, regtest)",
		Value: "regtest",
	}
	finalityDelayFlag = &cli.UintFlag{
		Name:  finalityDelayFlagName,
		Usage: "number of confirmations after which a block is final for the federation",
		Value: 6,
	}
	hostFlag = &cli.StringFlag{
		Name:  hostFlagName,
		Usage: "host of the peers",
		Value: "127.0.0.1",
	}
	apiPortFlag = &cli.IntFlag{
		Name:  apiPortFlagName,
		Usage: "client api port of the first peer, incremented for each following peer",
		Value: config.DefaultPort,
	}
	peerPortFlag = &cli.IntFlag{
		Name:  peerPortFlagName,
		Usage: "peer endpoint port of the first peer, incremented for each following peer",
		Value: 7100,
	}
)
