// Meshchat — interactive demo.
//
// Spawns several mesh nodes on an in-process simulated radio bus and attaches
// a chat prompt to the first one. Messages typed at the prompt are broadcast
// into the mesh and printed as each node delivers them, which makes the
// announce/relay/dedup behavior visible without real Bluetooth hardware.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pterm/pterm"

	"github.com/user/echomesh/ble"
	"github.com/user/echomesh/logger"
	"github.com/user/echomesh/mesh"
)

func main() {
	nodes := flag.Int("nodes", 3, "Number of simulated nodes, 2~10")
	nickname := flag.String("nick", "operator", "Nickname for the local node")
	logLevel := flag.String("log", "WARN", "Log level: TRACE, DEBUG, INFO, WARN, ERROR")
	testnet := flag.Bool("testnet", false, "Join the testnet mesh instead of the production one")
	flag.Parse()

	if *nodes < 2 || *nodes > 10 {
		pterm.Error.Println("-nodes must be between 2 and 10")
		os.Exit(1)
	}
	logger.SetLevel(logger.ParseLevel(*logLevel))

	serviceUUID := ""
	if *testnet {
		serviceUUID = ble.ServiceUUIDTestnet
	}

	bus := ble.NewSimBus()
	engines := make([]*mesh.Engine, 0, *nodes)

	for i := 0; i < *nodes; i++ {
		nick := *nickname
		if i > 0 {
			nick = fmt.Sprintf("sim-%d", i)
		}

		radio := bus.NewRadio(uuid.NewString())
		engine, err := mesh.NewEngine(mesh.Config{Nickname: nick, ServiceUUID: serviceUUID}, radio)
		if err != nil {
			pterm.Error.Printfln("failed to create node %d: %v", i, err)
			os.Exit(1)
		}

		label := fmt.Sprintf("%s/%s", nick, engine.PeerID()[:8])
		engine.SetEvents(mesh.Events{
			PublicMessage: func(fromPeerID, nickname, content string, timestamp time.Time) {
				pterm.Printfln("%s %s %s: %s",
					pterm.Gray(timestamp.Format("15:04:05")),
					pterm.Cyan("["+label+"]"),
					pterm.Green(nickname),
					content)
			},
			PeerConnected: func(peerID string) {
				pterm.Debug.Printfln("[%s] peer %s connected", label, peerID[:8])
			},
			PeerDisconnected: func(peerID string) {
				pterm.Debug.Printfln("[%s] peer %s disconnected", label, peerID[:8])
			},
		})
		engines = append(engines, engine)
	}

	for _, engine := range engines {
		if err := engine.Start(); err != nil {
			pterm.Error.Printfln("start failed: %v", err)
			os.Exit(1)
		}
	}
	defer func() {
		for _, engine := range engines {
			engine.Stop()
		}
	}()

	local := engines[0]
	pterm.Info.Printfln("Meshchat — %d nodes, you are %s (%s)", *nodes, *nickname, local.PeerID())
	pterm.Info.Println("Type a message, or /nick <name>, /peers, /quit")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case line == "/quit":
			return

		case line == "/peers":
			nicknames := local.PeerNicknames()
			connected := local.ConnectedPeerIDs()
			pterm.Printfln("%d known, %d connected", len(nicknames), len(connected))
			for peerID, nick := range nicknames {
				pterm.Printfln("  %s  %s", peerID, nick)
			}

		case strings.HasPrefix(line, "/nick "):
			nick := strings.TrimSpace(strings.TrimPrefix(line, "/nick "))
			if nick != "" {
				local.SetNickname(nick)
				pterm.Success.Printfln("nickname set to %s", nick)
			}

		default:
			local.SendMessage(line)
		}
	}
}
