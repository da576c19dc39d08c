package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/arkade-os/fedmint/internal/config"
	"github.com/arkade-os/fedmint/internal/core/domain"
	"github.com/urfave/cli/v2"
)

var (
	keygenCmd = &cli.Command{
		Name:   "keygen",
		Usage:  "Deal the keys of a new federation with a trusted dealer",
		Action: keygenAction,
		Flags: []cli.Flag{
			outFlag, mintsFlag, gatewaysFlag, tiersFlag, networkFlag, finalityDelayFlag,
			hostFlag, apiPortFlag, peerPortFlag,
		},
	}
	infoCmd = &cli.Command{
		Name:   "info",
		Usage:  "Get the federation info of a running peer",
		Action: infoAction,
		Flags:  []cli.Flag{urlFlag},
	}
	healthCmd = &cli.Command{
		Name:   "health",
		Usage:  "Get the invalid share counters of the other peers",
		Action: healthAction,
		Flags:  []cli.Flag{urlFlag},
	}
)

func keygenAction(ctx *cli.Context) error {
	tiers := make([]domain.Tier, 0, len(ctx.Uint64Slice(tiersFlagName)))
	for _, t := range ctx.Uint64Slice(tiersFlagName) {
		tiers = append(tiers, domain.Tier(t))
	}

	fed, secrets, err := config.GenerateKeys(config.KeygenOptions{
		Mints:         ctx.Int(mintsFlagName),
		Gateways:      ctx.Int(gatewaysFlagName),
		Tiers:         tiers,
		Network:       ctx.String(networkFlagName),
		FinalityDelay: uint32(ctx.Uint(finalityDelayFlagName)),
		Host:          ctx.String(hostFlagName),
		APIPort:       ctx.Int(apiPortFlagName),
		PeerPort:      ctx.Int(peerPortFlagName),
	})
	if err != nil {
		return err
	}

	out := ctx.String(outFlagName)
	if err := config.WriteKeys(out, fed, secrets); err != nil {
		return err
	}

	fmt.Printf("federation config written to %s\n", out)
	for _, s := range secrets {
		fmt.Printf(
			"secret config of peer %d: %s\n", s.Peer, config.SecretFileName(domain.PeerID(s.Peer)),
		)
	}
	return nil
}

func infoAction(ctx *cli.Context) error {
	return printResponse(ctx.String(urlFlagName), "/v1/info")
}

func healthAction(ctx *cli.Context) error {
	return printResponse(ctx.String(urlFlagName), "/v1/health")
}

func printResponse(baseURL, path string) error {
	buf, err := get(strings.TrimRight(baseURL, "/") + path)
	if err != nil {
		return err
	}
	var body any
	if err := json.Unmarshal(buf, &body); err != nil {
		return err
	}
	out, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func get(url string) ([]byte, error) {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Add("Content-Type", "application/json")

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	// nolint
	defer resp.Body.Close()

	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("request failed: %s", string(buf))
	}
	return buf, nil
}
