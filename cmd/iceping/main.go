package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/lanikai/goice/ice"
)

func main() {
	flag.Parse()

	if flagHelp {
		help()
		os.Exit(0)
	}

	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	role := ice.RoleControlled
	if flagControlling {
		role = ice.RoleControlling
	}

	cfg := ice.Config{
		InitialRole: role,
		EnableIPv6:  flagEnableIPv6,
		OnStateChange: func(s ice.State) {
			log.Printf("state: %s", s)
		},
		OnData: func(data []byte) {
			fmt.Printf("< %s\n", data)
		},
	}
	if flagSTUNAddress != "" {
		cfg.STUNServers = []string{flagSTUNAddress}
	}
	if flagTURNAddress != "" {
		cfg.TURNServers = []ice.TURNServerConfig{{
			Server:   flagTURNAddress,
			Username: flagTURNUsername,
			Password: flagTURNPassword,
		}}
	}

	gathered := make(chan struct{})
	cfg.OnGatheringDone = func() { close(gathered) }

	agent := ice.NewAgent(cfg)
	defer agent.Close()

	if err := agent.GatherCandidates(context.Background()); err != nil {
		log.Fatalf("gathering failed: %s", err)
	}
	<-gathered

	local := agent.LocalDescription()
	fmt.Printf("%s %s\n", local.Ufrag, local.Pwd)
	for _, c := range local.Candidates {
		fmt.Printf("a=candidate:%s\n", c.SDPString())
	}
	fmt.Println(".")

	ufrag, pwd, lines, err := readRemoteDescription(os.Stdin)
	if err != nil {
		log.Fatalf("reading remote description: %s", err)
	}
	if err := agent.SetRemoteDescription(ufrag, pwd, lines); err != nil {
		log.Fatalf("setting remote description: %s", err)
	}
	agent.SetRemoteGatheringDone()

	for agent.State() != ice.Completed {
		if agent.State() == ice.Failed {
			log.Fatal("connectivity checks failed")
		}
		time.Sleep(100 * time.Millisecond)
	}

	l, r, _ := agent.SelectedCandidatePair()
	log.Printf("selected pair: %s -> %s", l.Address, r.Address)

	if flagControlling {
		for i := 0; ; i++ {
			msg := fmt.Sprintf("ping %d", i)
			if err := agent.Send([]byte(msg)); err != nil {
				log.Printf("send: %s", err)
			}
			time.Sleep(time.Second)
		}
	}
	select {}
}

// readRemoteDescription reads the peer's "ufrag pwd" line followed by its
// candidate lines, terminated by a lone ".".
func readRemoteDescription(f *os.File) (ufrag, pwd string, lines []string, err error) {
	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return "", "", nil, fmt.Errorf("missing credentials line")
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) != 2 {
		return "", "", nil, fmt.Errorf("expected \"ufrag pwd\", got %q", scanner.Text())
	}
	ufrag, pwd = fields[0], fields[1]

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "." {
			break
		}
		if line != "" {
			lines = append(lines, line)
		}
	}
	return ufrag, pwd, lines, scanner.Err()
}
